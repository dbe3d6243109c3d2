package memory

import (
	"testing"

	"github.com/nkkko/informer/internal/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, defaultLimit int) storagetest.Backend {
		return New(defaultLimit)
	})
}

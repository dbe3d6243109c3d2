package badger

import (
	"context"
	"testing"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, defaultLimit int) *Storage {
	t.Helper()

	s, err := NewStorage(Config{
		DataDir:                   t.TempDir(),
		DefaultSubscriptionsLimit: defaultLimit,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, defaultLimit int) storagetest.Backend {
		return newTestStorage(t, defaultLimit)
	})
}

func TestBadgerInMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, defaultLimit int) storagetest.Backend {
		s, err := NewStorage(Config{InMemory: true, DefaultSubscriptionsLimit: defaultLimit})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStorage(Config{DataDir: dir})
	require.NoError(t, err)

	require.NoError(t, s.Subscriptions().Create(ctx, &domain.NotificationSubscription{
		ID:                "abc",
		Observer:          "twitch",
		EventType:         "live",
		InputCondition:    "sgt",
		InternalCondition: "123",
	}))
	_, err = s.Subscribers("telegram").AddSubscription(ctx, "42", "abc")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewStorage(Config{DataDir: dir})
	require.NoError(t, err)
	defer s.Close()

	all, err := s.Subscriptions().ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "123", all[0].InternalCondition)

	addresses, err := s.Subscribers("telegram").ListAddresses(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, addresses)
}

func TestKeyHelpers(t *testing.T) {
	k := key(prefixReverseIndex, "telegram", "abc", "42")
	assert.Equal(t, "42", lastPart(k))
	assert.Equal(t, "sbx:telegram\x00abc\x0042", string(k))
}

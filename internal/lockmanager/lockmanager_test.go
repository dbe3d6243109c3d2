package lockmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/nkkko/informer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() (*LockManager, *testclock.Clock) {
	clk := testclock.NewClock(time.Now())
	return NewLockManager(Config{DefaultTTL: time.Minute, CleanupInterval: 30 * time.Second, Clock: clk}), clk
}

// TestNewLockManager verifies defaults are applied
func TestNewLockManager(t *testing.T) {
	manager := NewLockManager(Config{})

	assert.Equal(t, DefaultConfig().DefaultTTL, manager.config.DefaultTTL)
	assert.Equal(t, DefaultConfig().CleanupInterval, manager.config.CleanupInterval)
	assert.NotNil(t, manager.config.Clock)
	assert.NotNil(t, manager.locks)
}

func TestTryAcquire(t *testing.T) {
	manager, _ := newTestManager()

	lock, err := manager.TryAcquire("telegram:42")
	require.NoError(t, err)
	assert.Equal(t, "telegram:42", lock.Resource)
	assert.NotEmpty(t, lock.ID)
	assert.True(t, manager.Held("telegram:42"))

	// held resources are busy
	_, err = manager.TryAcquire("telegram:42")
	assert.True(t, domain.IsType(err, domain.ErrorTypeBusy), "got %v", err)

	// other resources are independent
	_, err = manager.TryAcquire("telegram:43")
	require.NoError(t, err)
}

func TestRelease(t *testing.T) {
	manager, _ := newTestManager()

	lock, err := manager.TryAcquire("telegram:42")
	require.NoError(t, err)

	assert.True(t, manager.Release(lock))
	assert.False(t, manager.Held("telegram:42"))
	assert.False(t, manager.Release(lock), "double release")
	assert.False(t, manager.Release(nil))

	_, err = manager.TryAcquire("telegram:42")
	require.NoError(t, err)
}

func TestExpiredLockCanBeTaken(t *testing.T) {
	manager, clk := newTestManager()

	stale, err := manager.TryAcquire("telegram:42")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	assert.False(t, manager.Held("telegram:42"))

	fresh, err := manager.TryAcquire("telegram:42")
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, fresh.ID)

	// the stale holder must not release the new lock
	assert.False(t, manager.Release(stale))
	assert.True(t, manager.Held("telegram:42"))
}

func TestCleanup(t *testing.T) {
	manager, clk := newTestManager()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		manager.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := manager.TryAcquire("telegram:42")
	require.NoError(t, err)

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))

	require.Eventually(t, func() bool {
		manager.mu.Lock()
		defer manager.mu.Unlock()
		return len(manager.locks) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentTryAcquire(t *testing.T) {
	manager, _ := newTestManager()

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.TryAcquire("telegram:42"); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
}

func TestShutdown(t *testing.T) {
	manager, _ := newTestManager()

	_, err := manager.TryAcquire("telegram:42")
	require.NoError(t, err)
	require.NoError(t, manager.Shutdown(context.Background()))
	assert.False(t, manager.Held("telegram:42"))
}

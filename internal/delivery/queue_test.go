package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/platform/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, mutate ...func(*Config)) (*Queue, *mock.Channel, *testclock.Clock) {
	t.Helper()

	clk := testclock.NewClock(time.Now())
	cfg := Config{
		Rate:        1000,
		Burst:       10,
		GlobalRate:  1000,
		GlobalBurst: 10,
		MaxRetries:  5,
		IdleTimeout: time.Hour,
		Clock:       clk,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	ch := mock.NewChannel("telegram")
	q := NewQueue(cfg, ch)
	t.Cleanup(func() { q.Shutdown(context.Background()) })
	return q, ch, clk
}

func sendAsync(q *Queue, address, text string) <-chan error {
	out := make(chan error, 1)
	go func() { out <- q.Send(context.Background(), address, text) }()
	return out
}

// outcome keeps nudging the clock until the send completes
func outcome(t *testing.T, clk *testclock.Clock, out <-chan error, step time.Duration) error {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-out:
			return err
		case <-time.After(10 * time.Millisecond):
			clk.Advance(step)
		case <-deadline:
			t.Fatal("Timeout waiting for delivery")
			return nil
		}
	}
}

func TestSendDelivers(t *testing.T) {
	q, ch, _ := newTestQueue(t)

	require.NoError(t, q.Send(context.Background(), "42", "hello"))
	assert.Equal(t, []string{"hello"}, ch.SentTo("42"))
	assert.Equal(t, 1, q.Pending())
}

func TestEnqueueKeepsOrderPerDestination(t *testing.T) {
	q, ch, _ := newTestQueue(t)

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue("42", text))
	}
	require.NoError(t, q.Send(context.Background(), "42", "d"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ch.SentTo("42"))
}

func TestTransientFailureRetriesAfterDelay(t *testing.T) {
	q, ch, clk := newTestQueue(t)
	ch.Script("42", domain.TransientDeliveryError("too many requests", 2*time.Second))

	out := sendAsync(q, "42", "hello")
	require.Eventually(t, func() bool { return ch.Attempts("42") == 1 }, time.Second, 5*time.Millisecond)

	// the idle timer is stopped while the job is in flight
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ch.Attempts("42"), "retried before the delay elapsed")

	clk.Advance(time.Second)
	select {
	case err := <-out:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for retry")
	}

	assert.Equal(t, 2, ch.Attempts("42"))
	assert.Equal(t, []string{"hello"}, ch.SentTo("42"))
}

func TestTransientFailureGivesUp(t *testing.T) {
	q, ch, clk := newTestQueue(t, func(c *Config) { c.MaxRetries = 1 })
	ch.Script("42",
		domain.TransientDeliveryError("too many requests", time.Second),
		domain.TransientDeliveryError("too many requests", time.Second),
	)

	err := outcome(t, clk, sendAsync(q, "42", "hello"), time.Second)
	assert.True(t, domain.IsType(err, domain.ErrorTypeTransientDelivery), "got %v", err)
	assert.Equal(t, 2, ch.Attempts("42"))
	assert.Empty(t, ch.SentTo("42"))
}

func TestPermanentFailure(t *testing.T) {
	q, ch, _ := newTestQueue(t)
	ch.Script("42", domain.PermanentDeliveryError("blocked", "bot was blocked by the user"))

	var mu sync.Mutex
	var unreachable []string
	q.OnPermanentFailure(func(ctx context.Context, address string, err error) {
		mu.Lock()
		defer mu.Unlock()
		unreachable = append(unreachable, address)
	})

	err := q.Send(context.Background(), "42", "hello")
	assert.True(t, domain.IsType(err, domain.ErrorTypePermanentDelivery), "got %v", err)

	mu.Lock()
	assert.Equal(t, []string{"42"}, unreachable)
	mu.Unlock()

	// other destinations are unaffected
	require.NoError(t, q.Send(context.Background(), "7", "hello"))
}

func TestPermanentFailureDropsQueuedJobs(t *testing.T) {
	q, ch, _ := newTestQueue(t)
	ch.Script("42", domain.PermanentDeliveryError("blocked", "bot was blocked by the user"))
	release := ch.Hold("42")
	defer release()

	first := sendAsync(q, "42", "first")
	require.Eventually(t, func() bool { return ch.Attempts("42") == 1 }, time.Second, 5*time.Millisecond)

	// queued while the failing send is in flight
	require.NoError(t, q.Enqueue("42", "queued"))
	release()

	select {
	case err := <-first:
		assert.True(t, domain.IsType(err, domain.ErrorTypePermanentDelivery), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for result")
	}

	require.NoError(t, q.Send(context.Background(), "42", "after"))
	assert.Equal(t, []string{"after"}, ch.SentTo("42"))
	assert.Equal(t, 2, ch.Attempts("42"))
}

func TestUnreachableDestinationRecovers(t *testing.T) {
	q, ch, _ := newTestQueue(t)
	ch.Script("42",
		domain.PermanentDeliveryError("blocked", "bot was blocked by the user"),
		nil,
		domain.PermanentDeliveryError("blocked", "bot was blocked by the user"),
	)

	var failures atomic.Int32
	q.OnPermanentFailure(func(ctx context.Context, address string, err error) {
		failures.Add(1)
	})

	require.Error(t, q.Send(context.Background(), "42", "first"))

	// the user unblocked the bot
	require.NoError(t, q.Send(context.Background(), "42", "second"))
	assert.Equal(t, []string{"second"}, ch.SentTo("42"))
	assert.Equal(t, 2, ch.Attempts("42"))

	require.Error(t, q.Send(context.Background(), "42", "third"))
	assert.Equal(t, 3, ch.Attempts("42"))
	assert.Equal(t, int32(2), failures.Load())
}

func TestOtherFailureIsNotRetried(t *testing.T) {
	q, ch, _ := newTestQueue(t)
	ch.Script("42", errors.New("boom"))

	err := q.Send(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.Equal(t, 1, ch.Attempts("42"))
}

func TestDestinationRateLimit(t *testing.T) {
	q, ch, clk := newTestQueue(t, func(c *Config) {
		c.Rate = 1
		c.Burst = 1
	})

	require.NoError(t, q.Send(context.Background(), "42", "first"))

	out := sendAsync(q, "42", "second")
	select {
	case <-out:
		t.Fatal("second message was not rate limited")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []string{"first"}, ch.SentTo("42"))

	require.NoError(t, outcome(t, clk, out, 500*time.Millisecond))
	assert.Equal(t, []string{"first", "second"}, ch.SentTo("42"))

	// another destination has its own budget
	require.NoError(t, q.Send(context.Background(), "7", "hello"))
}

func TestSlowDestinationDoesNotBlockOthers(t *testing.T) {
	q, ch, clk := newTestQueue(t)
	ch.Script("slow", domain.TransientDeliveryError("too many requests", time.Minute))

	slow := sendAsync(q, "slow", "hello")
	require.Eventually(t, func() bool { return ch.Attempts("slow") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Send(context.Background(), "fast", "hello"))
	assert.Equal(t, []string{"hello"}, ch.SentTo("fast"))

	require.NoError(t, outcome(t, clk, slow, time.Minute))
}

func TestIdleWorkersExit(t *testing.T) {
	q, _, clk := newTestQueue(t, func(c *Config) { c.IdleTimeout = time.Minute })

	require.NoError(t, q.Send(context.Background(), "42", "hello"))
	assert.Equal(t, 1, q.Pending())

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	q, _, _ := newTestQueue(t)

	require.NoError(t, q.Shutdown(context.Background()))
	assert.ErrorIs(t, q.Enqueue("42", "hello"), ErrQueueClosed)
}

package notifier

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent map[string][]string
	fail map[string]error
	mu   sync.Mutex
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]string), fail: make(map[string]error)}
}

func (s *recordingSender) Enqueue(address, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[address]; err != nil {
		return err
	}
	s.sent[address] = append(s.sent[address], text)
	return nil
}

func (s *recordingSender) texts(address string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[address]
}

// failingStore breaks every address lookup
type failingStore struct {
	domain.SubscriberStore
}

func (failingStore) ListAddresses(ctx context.Context, id string) ([]string, error) {
	return nil, errors.New("disk on fire")
}

func setup(t *testing.T) (*Notifier, map[string]domain.SubscriberStore, map[string]*recordingSender) {
	t.Helper()

	backend := memory.New(5)
	n := NewNotifier()
	stores := make(map[string]domain.SubscriberStore)
	senders := make(map[string]*recordingSender)

	for _, name := range []string{"telegram", "discord"} {
		stores[name] = backend.Subscribers(name)
		senders[name] = newRecordingSender()
		n.Register(Target{Name: name, Subscribers: stores[name], Sender: senders[name]})
	}
	return n, stores, senders
}

func TestNotifyFansOutOverChannels(t *testing.T) {
	ctx := context.Background()
	n, stores, senders := setup(t)

	_, err := stores["telegram"].AddSubscription(ctx, "1", "sub-a")
	require.NoError(t, err)
	_, err = stores["telegram"].AddSubscription(ctx, "2", "sub-a")
	require.NoError(t, err)
	_, err = stores["discord"].AddSubscription(ctx, "chan", "sub-a")
	require.NoError(t, err)
	_, err = stores["discord"].AddSubscription(ctx, "other", "sub-b")
	require.NoError(t, err)

	count, err := n.Notify(ctx, "sub-a", "hello")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.Equal(t, []string{"hello"}, senders["telegram"].texts("1"))
	assert.Equal(t, []string{"hello"}, senders["telegram"].texts("2"))
	assert.Equal(t, []string{"hello"}, senders["discord"].texts("chan"))
	assert.Empty(t, senders["discord"].texts("other"))
}

func TestNotifyWithoutSubscribers(t *testing.T) {
	n, _, _ := setup(t)

	count, err := n.Notify(context.Background(), "sub-a", "hello")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNotifyCountsQueueFailuresAsRecipients(t *testing.T) {
	ctx := context.Background()
	n, stores, senders := setup(t)

	_, err := stores["telegram"].AddSubscription(ctx, "1", "sub-a")
	require.NoError(t, err)
	senders["telegram"].fail["1"] = errors.New("queue full")

	count, err := n.Notify(ctx, "sub-a", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNotifyReportsLookupFailure(t *testing.T) {
	ctx := context.Background()
	n, stores, senders := setup(t)
	n.Register(Target{Name: "broken", Subscribers: failingStore{}, Sender: newRecordingSender()})

	_, err := stores["discord"].AddSubscription(ctx, "chan", "sub-a")
	require.NoError(t, err)

	_, err = n.Notify(ctx, "sub-a", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"hello"}, senders["discord"].texts("chan"))
}

func TestRecipients(t *testing.T) {
	ctx := context.Background()
	n, stores, _ := setup(t)

	_, err := stores["telegram"].AddSubscription(ctx, "1", "sub-a")
	require.NoError(t, err)
	_, err = stores["discord"].AddSubscription(ctx, "chan", "sub-a")
	require.NoError(t, err)

	count, err := n.Recipients(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = n.Recipients(ctx, "sub-b")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDetach(t *testing.T) {
	ctx := context.Background()
	n, stores, _ := setup(t)

	_, err := stores["telegram"].AddSubscription(ctx, "1", "sub-a")
	require.NoError(t, err)
	_, err = stores["telegram"].AddSubscription(ctx, "1", "sub-b")
	require.NoError(t, err)
	_, err = stores["discord"].AddSubscription(ctx, "chan", "sub-a")
	require.NoError(t, err)

	affected, err := n.Detach(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"telegram": {"1"},
		"discord":  {"chan"},
	}, affected)

	subs, err := stores["telegram"].ListSubscriptions(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-b"}, subs)

	count, err := n.Recipients(ctx, "sub-a")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNotifyAddresses(t *testing.T) {
	n, _, senders := setup(t)

	n.NotifyAddresses(context.Background(), "telegram", []string{"1", "2"}, "cancelled")
	n.NotifyAddresses(context.Background(), "unknown", []string{"3"}, "cancelled")

	assert.Equal(t, []string{"cancelled"}, senders["telegram"].texts("1"))
	assert.Equal(t, []string{"cancelled"}, senders["telegram"].texts("2"))
}

func TestChannels(t *testing.T) {
	n, _, _ := setup(t)

	names := n.Channels()
	assert.True(t, sort.StringsAreSorted(names))
	assert.Equal(t, []string{"discord", "telegram"}, names)
}

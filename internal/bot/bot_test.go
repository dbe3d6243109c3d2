package bot

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/informer/internal/command"
	"github.com/nkkko/informer/internal/delivery"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/platform/mock"
	"github.com/nkkko/informer/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReleaser struct {
	ids []string
	mu  sync.Mutex
}

func (r *recordingReleaser) Release(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingReleaser) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.ids...)
	sort.Strings(out)
	return out
}

type recordingDispatcher struct {
	calls []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, bot command.Bot, sender, text string) {
	d.calls = append(d.calls, bot.Name()+"|"+sender+"|"+text)
}

func newTestBot(t *testing.T) (*Bot, *mock.Channel, domain.SubscriberStore, *recordingReleaser, *recordingDispatcher) {
	t.Helper()

	ch := mock.NewChannel("telegram")
	store := memory.New(5).Subscribers("telegram")
	releaser := &recordingReleaser{}
	dispatcher := &recordingDispatcher{}

	b := New(Config{
		Prefix:      "/",
		Channel:     ch,
		Subscribers: store,
		Delivery:    delivery.Config{Rate: 1000, Burst: 10, GlobalRate: 1000, GlobalBurst: 10},
		Dispatcher:  dispatcher,
		Releaser:    releaser,
	})
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return b, ch, store, releaser, dispatcher
}

func TestBotBasics(t *testing.T) {
	b, _, store, _, _ := newTestBot(t)

	assert.Equal(t, "telegram", b.Name())
	assert.Equal(t, "/", b.Prefix())
	assert.Equal(t, store, b.Subscribers())

	target := b.Target()
	assert.Equal(t, "telegram", target.Name)
	assert.Equal(t, store, target.Subscribers)
}

func TestReplyGoesThroughQueue(t *testing.T) {
	b, ch, _, _, _ := newTestBot(t)

	require.NoError(t, b.Reply(context.Background(), "42", "hi"))
	select {
	case m := <-ch.Delivered():
		assert.Equal(t, mock.Message{Address: "42", Text: "hi"}, m)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for reply")
	}
}

func TestHandleIncomingDispatches(t *testing.T) {
	b, _, _, _, dispatcher := newTestBot(t)

	b.HandleIncoming(context.Background(), "42", "/list")
	assert.Equal(t, []string{"telegram|42|/list"}, dispatcher.calls)
}

func TestUnreachableSubscriberIsRemoved(t *testing.T) {
	b, ch, store, releaser, _ := newTestBot(t)
	ctx := context.Background()

	_, err := store.AddSubscription(ctx, "42", "sub-a")
	require.NoError(t, err)
	_, err = store.AddSubscription(ctx, "42", "sub-b")
	require.NoError(t, err)
	ch.Script("42", domain.PermanentDeliveryError("blocked", "bot was blocked by the user"))

	err = b.Queue().Send(ctx, "42", "hello")
	assert.True(t, domain.IsType(err, domain.ErrorTypePermanentDelivery), "got %v", err)

	sub, err := store.GetSubscriber(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Equal(t, []string{"sub-a", "sub-b"}, releaser.released())
}

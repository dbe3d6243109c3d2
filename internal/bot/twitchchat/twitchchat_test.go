package twitchchat

import (
	"context"
	"errors"
	"testing"

	"github.com/adeithe/go-twitch/irc"
	"github.com/nkkko/informer/internal/bot"
	"github.com/nkkko/informer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	connected bool
	joins     [][]string
	said      []string
	sayErr    error
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) Join(channels ...string) error {
	f.joins = append(f.joins, channels)
	return nil
}

func (f *fakeConn) Say(channel, text string) error {
	if f.sayErr != nil {
		return f.sayErr
	}
	f.said = append(f.said, channel+": "+text)
	return nil
}

func TestSendMessageJoinsOnce(t *testing.T) {
	c := &fakeConn{connected: true}
	ch := NewChannel(c)
	ctx := context.Background()

	require.NoError(t, ch.SendMessage(ctx, "SgtGrafoyni", "hello"))
	require.NoError(t, ch.SendMessage(ctx, "sgtgrafoyni", "again"))

	assert.Equal(t, [][]string{{"sgtgrafoyni"}}, c.joins)
	assert.Equal(t, []string{"sgtgrafoyni: hello", "sgtgrafoyni: again"}, c.said)
	assert.Equal(t, "twitch-chat", ch.Name())
}

func TestJoinSkipsKnownRooms(t *testing.T) {
	c := &fakeConn{connected: true}
	ch := NewChannel(c)

	require.NoError(t, ch.Join("#a", "b", ""))
	require.NoError(t, ch.Join("a", "b", "c"))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, c.joins)
}

func TestSendMessageFailuresAreTransient(t *testing.T) {
	ctx := context.Background()

	err := NewChannel(nil).SendMessage(ctx, "room", "hello")
	assert.True(t, domain.IsType(err, domain.ErrorTypeTransientDelivery), "got %v", err)

	err = NewChannel(&fakeConn{}).SendMessage(ctx, "room", "hello")
	assert.True(t, domain.IsType(err, domain.ErrorTypeTransientDelivery), "got %v", err)

	sayErr := errors.New("write: broken pipe")
	err = NewChannel(&fakeConn{connected: true, sayErr: sayErr}).SendMessage(ctx, "room", "hello")
	assert.True(t, domain.IsType(err, domain.ErrorTypeTransientDelivery), "got %v", err)
	assert.ErrorIs(t, err, sayErr)
}

func TestMayCommand(t *testing.T) {
	var m irc.ChatMessage
	assert.False(t, mayCommand(m))

	m.Sender.IsModerator = true
	assert.True(t, mayCommand(m))

	m.Sender.IsModerator = false
	m.Sender.IsBroadcaster = true
	assert.True(t, mayCommand(m))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Username: "informer"}, bot.Config{})
	assert.Error(t, err)
}

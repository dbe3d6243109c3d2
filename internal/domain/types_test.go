package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberAddEnforcesUniquenessAndLimit(t *testing.T) {
	s := NewSubscriber("42", 2)

	require.NoError(t, s.Add("a"))
	assert.True(t, IsType(s.Add("a"), ErrorTypeConflict))
	require.NoError(t, s.Add("b"))
	assert.True(t, IsType(s.Add("c"), ErrorTypeLimitExceeded))
	assert.Equal(t, []string{"a", "b"}, s.Subscriptions)
}

func TestSubscriberRemove(t *testing.T) {
	s := NewSubscriber("42", 0)
	assert.Equal(t, DefaultSubscriptionsLimit, s.SubscriptionsLimit)

	err := s.Remove("a")
	require.Error(t, err)
	assert.Equal(t, "you have no subscriptions", MessageOf(err))

	require.NoError(t, s.Add("a"))
	err = s.Remove("b")
	require.Error(t, err)
	assert.Equal(t, "you have no such subscription", MessageOf(err))

	require.NoError(t, s.Remove("a"))
	assert.Empty(t, s.Subscriptions)
}

func TestEventDisplayNameAndURL(t *testing.T) {
	e := Event{BroadcasterLogin: "sgtgrafoyni", BroadcasterName: "SgtGrafoyni"}
	assert.Equal(t, "SgtGrafoyni", e.DisplayName())
	assert.Equal(t, "https://twitch.tv/sgtgrafoyni", e.StreamURL())

	e = Event{BroadcasterName: "Sgt"}
	assert.Equal(t, "https://twitch.tv/sgt", e.StreamURL())
}

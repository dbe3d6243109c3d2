package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypeThroughWrapping(t *testing.T) {
	base := LimitExceededError("limit", "you have reached the limit of 5 subscriptions")
	wrapped := fmt.Errorf("add: %w", base)

	assert.True(t, IsType(wrapped, ErrorTypeLimitExceeded))
	assert.False(t, IsType(wrapped, ErrorTypeNotFound))
	assert.Equal(t, "you have reached the limit of 5 subscriptions", MessageOf(wrapped))
	assert.False(t, IsType(nil, ErrorTypeValidation))
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("send: %w", TransientDeliveryError("too many requests", 2*time.Second))
	assert.Equal(t, 2*time.Second, RetryAfter(err))
	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("plain")))
}

func TestStoreErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := StoreError("create", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorTypeStore, TypeOf(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestSubscriberHelpers(t *testing.T) {
	s := &NotificationSubscriber{Address: "42", Subscriptions: []string{"a", "b", "c"}}

	assert.True(t, s.HasSubscription("b"))
	assert.False(t, s.HasSubscription("d"))
	assert.Equal(t, []string{"a", "c"}, s.Without("b"))
}

func TestCloneIsDeep(t *testing.T) {
	orig := &NotificationSubscription{ID: "1", State: map[string]string{"last_category": "Chess"}}
	c := orig.Clone()
	c.State["last_category"] = "Art"

	assert.Equal(t, "Chess", orig.State["last_category"])
}

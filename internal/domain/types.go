package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSubscriptionsLimit is applied to a subscriber on first subscription
const DefaultSubscriptionsLimit = 5

// NotificationSubscription is the canonical record of one watched condition.
// Its ID equals the upstream platform's subscription id.
type NotificationSubscription struct {
	ID                string            `json:"id"`
	Observer          string            `json:"observer"`
	EventType         string            `json:"event_type"`
	InputCondition    string            `json:"input_condition"`
	InternalCondition string            `json:"internal_condition"`
	State             map[string]string `json:"state,omitempty"`
}

// Key returns the input-condition key of the record
func (s *NotificationSubscription) Key() SubscriptionKey {
	return SubscriptionKey{
		Observer:  s.Observer,
		EventType: s.EventType,
		Condition: s.InputCondition,
	}
}

// Clone returns a deep copy so callers can't mutate stored records
func (s *NotificationSubscription) Clone() *NotificationSubscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.State != nil {
		c.State = make(map[string]string, len(s.State))
		for k, v := range s.State {
			c.State[k] = v
		}
	}
	return &c
}

// SubscriptionKey identifies a record by (observer, event type, condition)
type SubscriptionKey struct {
	Observer  string
	EventType string
	Condition string
}

// String renders the key as observer:eventType:condition
func (k SubscriptionKey) String() string {
	return k.Observer + ":" + k.EventType + ":" + k.Condition
}

// NotificationSubscriber is one destination address on one delivery channel
type NotificationSubscriber struct {
	Address            string   `json:"address"`
	Subscriptions      []string `json:"subscriptions"`
	SubscriptionsLimit int      `json:"subscriptions_limit"`
}

// HasSubscription reports whether the subscriber holds the given id
func (s *NotificationSubscriber) HasSubscription(id string) bool {
	for _, sub := range s.Subscriptions {
		if sub == id {
			return true
		}
	}
	return false
}

// NewSubscriber creates an empty subscriber with the given limit
func NewSubscriber(address string, limit int) *NotificationSubscriber {
	if limit <= 0 {
		limit = DefaultSubscriptionsLimit
	}
	return &NotificationSubscriber{Address: address, Subscriptions: []string{}, SubscriptionsLimit: limit}
}

// CheckLimit returns a limit error when the subscriber is at its cap
func (s *NotificationSubscriber) CheckLimit() error {
	if len(s.Subscriptions) >= s.SubscriptionsLimit {
		return LimitExceededError("subscriptions_limit",
			fmt.Sprintf("you have reached the limit of %d subscriptions", s.SubscriptionsLimit))
	}
	return nil
}

// Add appends id, enforcing uniqueness and the limit
func (s *NotificationSubscriber) Add(id string) error {
	if s.HasSubscription(id) {
		return ConflictError("subscription_exists", "you are already subscribed to this")
	}
	if err := s.CheckLimit(); err != nil {
		return err
	}
	s.Subscriptions = append(s.Subscriptions, id)
	return nil
}

// Remove drops id, failing when there is nothing to remove
func (s *NotificationSubscriber) Remove(id string) error {
	if len(s.Subscriptions) == 0 {
		return NotFoundError("no_subscriptions", "you have no subscriptions")
	}
	if !s.HasSubscription(id) {
		return NotFoundError("no_such_subscription", "you have no such subscription")
	}
	s.Subscriptions = s.Without(id)
	return nil
}

// Clone returns a copy of the subscriber
func (s *NotificationSubscriber) Clone() *NotificationSubscriber {
	if s == nil {
		return nil
	}
	c := *s
	c.Subscriptions = append([]string{}, s.Subscriptions...)
	return &c
}

// Without returns the subscription ids with id removed
func (s *NotificationSubscriber) Without(id string) []string {
	out := make([]string, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		if sub != id {
			out = append(out, sub)
		}
	}
	return out
}

// Event is a platform-neutral upstream event
type Event struct {
	SubscriptionID   string
	Type             string
	BroadcasterID    string
	BroadcasterLogin string
	BroadcasterName  string
	Category         string
	Title            string
	ReceivedAt       time.Time
}

// DisplayName returns the broadcaster name as reported by the platform
func (e Event) DisplayName() string {
	if e.BroadcasterName != "" {
		return e.BroadcasterName
	}
	return e.BroadcasterLogin
}

// StreamURL returns the public stream address for the broadcaster
func (e Event) StreamURL() string {
	login := e.BroadcasterLogin
	if login == "" {
		login = strings.ToLower(e.BroadcasterName)
	}
	return "https://twitch.tv/" + login
}

// Revocation is an upstream-initiated cancellation of a subscription
type Revocation struct {
	SubscriptionID string
	Reason         string
}

// Broadcaster is a streaming platform user
type Broadcaster struct {
	ID          string
	Login       string
	DisplayName string
}

// UpstreamStatus is the platform-side state of a subscription
type UpstreamStatus string

const (
	UpstreamPending UpstreamStatus = "pending"
	UpstreamEnabled UpstreamStatus = "enabled"
	UpstreamRevoked UpstreamStatus = "revoked"
	UpstreamFailed  UpstreamStatus = "failed"
)

// Upstream is a subscription object held by the streaming platform
type Upstream struct {
	ID            string
	EventType     string
	BroadcasterID string
	Status        UpstreamStatus
}

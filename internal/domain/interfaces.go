package domain

import (
	"context"
)

// SubscriptionStore persists canonical notification subscriptions.
// Lookups of absent records return (nil, nil).
type SubscriptionStore interface {
	// Create inserts a new record; a duplicate input-condition key is a conflict
	Create(ctx context.Context, sub *NotificationSubscription) error

	// CreateIfAbsent atomically inserts sub unless a record with the same
	// (observer, eventType, inputCondition) exists, in which case it returns that record
	CreateIfAbsent(ctx context.Context, sub *NotificationSubscription) (*NotificationSubscription, bool, error)

	FindByID(ctx context.Context, id string) (*NotificationSubscription, error)
	FindWithInputCondition(ctx context.Context, observer, eventType, condition string) (*NotificationSubscription, error)
	FindWithInternalCondition(ctx context.Context, observer, eventType, condition string) (*NotificationSubscription, error)

	UpdateInputCondition(ctx context.Context, id, condition string) error
	UpdateState(ctx context.Context, id string, state map[string]string) error

	// Remove deletes a record; removing an absent id is a no-op
	Remove(ctx context.Context, id string) error

	// ListAll returns every record, used to resume on startup
	ListAll(ctx context.Context) ([]*NotificationSubscription, error)

	// Clear drops every record (maintenance only)
	Clear(ctx context.Context) error
}

// SubscriberStore maps destination addresses of one delivery channel to subscription ids
type SubscriberStore interface {
	// AddSubscription creates the subscriber on first use with the default limit
	AddSubscription(ctx context.Context, address, id string) (*NotificationSubscriber, error)

	// RemoveSubscription fails when the address has no subscriptions or not this one
	RemoveSubscription(ctx context.Context, address, id string) (*NotificationSubscriber, error)

	// RemoveSubscriber hard-deletes the subscriber record
	RemoveSubscriber(ctx context.Context, address string) error

	// CheckSubscriptionsLimit returns a limit error when the address is at its cap
	CheckSubscriptionsLimit(ctx context.Context, address string) error

	// GetSubscriber returns the subscriber record or nil
	GetSubscriber(ctx context.Context, address string) (*NotificationSubscriber, error)

	ListAddresses(ctx context.Context, id string) ([]string, error)
	ListSubscriptions(ctx context.Context, address string) ([]string, error)
	ListSubscribers(ctx context.Context) ([]string, error)

	// RemoveSubscriptionEverywhere strips id from every subscriber and
	// returns the affected addresses
	RemoveSubscriptionEverywhere(ctx context.Context, id string) ([]string, error)

	Clear(ctx context.Context) error
}

// Channel sends text to a destination address on one messaging platform.
// Failures are reported as TransientDeliveryError or PermanentDeliveryError.
type Channel interface {
	Name() string
	SendMessage(ctx context.Context, address, text string) error
}

// PlatformAdapter speaks the upstream subscription protocol of one
// streaming platform. Event types are the domain names ("live",
// "channel-update"); the adapter maps them to platform types.
type PlatformAdapter interface {
	Name() string

	// ResolveBroadcaster returns a NotFoundError when the platform has no such user
	ResolveBroadcaster(ctx context.Context, login string) (Broadcaster, error)
	CurrentCategory(ctx context.Context, broadcasterID string) (string, error)

	CreateSubscription(ctx context.Context, eventType, broadcasterID string) (Upstream, error)
	GetSubscription(ctx context.Context, id string) (Upstream, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]Upstream, error)

	// Events and Revocations are consumed by the observer
	Events() <-chan Event
	Revocations() <-chan Revocation
}

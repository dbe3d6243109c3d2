package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/nkkko/informer/internal/domain"
)

// globalLimitBackend counts subscriptions of an address over every channel
type globalLimitBackend struct {
	Backend
	channels     []string
	defaultLimit int
	mu           sync.Mutex
}

// WithGlobalLimit makes the subscriber stores of the named channels share one
// limit per address string
func WithGlobalLimit(backend Backend, defaultLimit int, channels ...string) Backend {
	if defaultLimit <= 0 {
		defaultLimit = domain.DefaultSubscriptionsLimit
	}
	return &globalLimitBackend{
		Backend:      backend,
		channels:     channels,
		defaultLimit: defaultLimit,
	}
}

func (b *globalLimitBackend) Subscribers(channel string) domain.SubscriberStore {
	return &globalLimitStore{SubscriberStore: b.Backend.Subscribers(channel), backend: b, channel: channel}
}

// Start runs the wrapped backend's maintenance, if it has any
func (b *globalLimitBackend) Start(ctx context.Context) error {
	if s, ok := b.Backend.(Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

// total returns the number of subscriptions address holds across channels,
// always including the asking channel
func (b *globalLimitBackend) total(ctx context.Context, own, address string) (int, error) {
	channels := b.channels
	found := false
	for _, ch := range channels {
		if ch == own {
			found = true
			break
		}
	}
	if !found {
		channels = append([]string{own}, channels...)
	}

	n := 0
	for _, ch := range channels {
		ids, err := b.Backend.Subscribers(ch).ListSubscriptions(ctx, address)
		if err != nil {
			return 0, err
		}
		n += len(ids)
	}
	return n, nil
}

type globalLimitStore struct {
	domain.SubscriberStore
	backend *globalLimitBackend
	channel string
}

func (s *globalLimitStore) check(ctx context.Context, address string) error {
	limit := s.backend.defaultLimit
	sub, err := s.SubscriberStore.GetSubscriber(ctx, address)
	if err != nil {
		return err
	}
	if sub != nil {
		limit = sub.SubscriptionsLimit
	}

	total, err := s.backend.total(ctx, s.channel, address)
	if err != nil {
		return err
	}
	if total >= limit {
		return domain.LimitExceededError("subscriptions_limit",
			fmt.Sprintf("you have reached the limit of %d subscriptions", limit))
	}
	return nil
}

// CheckSubscriptionsLimit counts the address over every channel
func (s *globalLimitStore) CheckSubscriptionsLimit(ctx context.Context, address string) error {
	return s.check(ctx, address)
}

// AddSubscription enforces the shared limit before adding
func (s *globalLimitStore) AddSubscription(ctx context.Context, address, id string) (*domain.NotificationSubscriber, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	sub, err := s.SubscriberStore.GetSubscriber(ctx, address)
	if err != nil {
		return nil, err
	}
	if sub != nil && sub.HasSubscription(id) {
		return nil, domain.ConflictError("subscription_exists", "you are already subscribed to this")
	}
	if err := s.check(ctx, address); err != nil {
		return nil, err
	}
	return s.SubscriberStore.AddSubscription(ctx, address, id)
}

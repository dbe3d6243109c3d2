package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nkkko/informer/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Announcer sends one text to a list of addresses on one channel
type Announcer interface {
	NotifyAddresses(ctx context.Context, channel string, addresses []string, text string)
}

type registryKey struct {
	observer  string
	eventType string
}

// Registry holds every event subscription by (observer, event type)
type Registry struct {
	subs      map[registryKey]*Subscription
	store     domain.SubscriptionStore
	fanout    Fanout
	announcer Announcer
	mu        sync.RWMutex
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(store domain.SubscriptionStore, fanout Fanout, announcer Announcer) *Registry {
	return &Registry{
		subs:      make(map[registryKey]*Subscription),
		store:     store,
		fanout:    fanout,
		announcer: announcer,
		logger:    log.With().Str("component", "registry").Logger(),
	}
}

// Register adds s, replacing any subscription with the same key
func (r *Registry) Register(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[registryKey{s.Observer(), s.EventType()}] = s
}

// Get returns the subscription for (observer, eventType)
func (r *Registry) Get(observer, eventType string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasObserver(observer) {
		return nil, domain.NotFoundError("unknown_observer", fmt.Sprintf("unknown platform %q", observer))
	}
	s, ok := r.subs[registryKey{observer, eventType}]
	if !ok {
		return nil, domain.NotFoundError("unknown_event_type", fmt.Sprintf("unknown event type %q", eventType))
	}
	return s, nil
}

func (r *Registry) hasObserver(observer string) bool {
	for k := range r.subs {
		if k.observer == observer {
			return true
		}
	}
	return false
}

// Observers returns the sorted observer keys
func (r *Registry) Observers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for k := range r.subs {
		if _, ok := seen[k.observer]; !ok {
			seen[k.observer] = struct{}{}
			out = append(out, k.observer)
		}
	}
	sort.Strings(out)
	return out
}

// EventTypes returns the sorted event types of observer
func (r *Registry) EventTypes(observer string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for k := range r.subs {
		if k.observer == observer {
			out = append(out, k.eventType)
		}
	}
	sort.Strings(out)
	return out
}

// ResumeAll reattaches handlers for every persisted record. Failures are
// logged and skipped.
func (r *Registry) ResumeAll(ctx context.Context) (resumed int, skipped int, err error) {
	recs, err := r.store.ListAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, rec := range recs {
		logger := r.logger.With().
			Str("subscription_id", rec.ID).
			Str("observer", rec.Observer).
			Str("event_type", rec.EventType).
			Logger()

		s, err := r.Get(rec.Observer, rec.EventType)
		if err != nil {
			logger.Warn().Err(err).Msg("No event subscription for record, skipping")
			skipped++
			continue
		}
		if err := s.Resume(ctx, rec); err != nil {
			logger.Error().Err(err).Msg("Failed to resume subscription")
			skipped++
			continue
		}
		resumed++
	}

	r.logger.Info().Int("resumed", resumed).Int("skipped", skipped).Msg("Resumed subscriptions")
	return resumed, skipped, nil
}

// Release tears the subscription id down if no address holds it anymore
func (r *Registry) Release(ctx context.Context, id string) {
	rec, err := r.store.FindByID(ctx, id)
	if err != nil {
		r.logger.Error().Err(err).Str("subscription_id", id).Msg("Failed to load subscription for release")
		return
	}
	if rec == nil {
		return
	}

	s, err := r.Get(rec.Observer, rec.EventType)
	if err != nil {
		r.logger.Warn().Err(err).Str("subscription_id", id).Msg("No event subscription for record")
		return
	}
	if _, err := s.ReleaseIfOrphaned(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("subscription_id", id).Msg("Failed to release subscription")
	}
}

// HandleRevocation removes a subscription the platform cancelled and tells
// everyone who held it
func (r *Registry) HandleRevocation(ctx context.Context, rev domain.Revocation) {
	logger := r.logger.With().Str("subscription_id", rev.SubscriptionID).Str("reason", rev.Reason).Logger()

	rec, err := r.store.FindByID(ctx, rev.SubscriptionID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load revoked subscription")
	}

	if err := r.store.Remove(ctx, rev.SubscriptionID); err != nil {
		logger.Error().Err(err).Msg("Failed to remove revoked subscription")
	}

	affected, err := r.fanout.Detach(ctx, rev.SubscriptionID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to detach revoked subscription")
	}

	what := "a subscription"
	if rec != nil {
		what = fmt.Sprintf("%s %s %s", rec.Observer, rec.EventType, rec.InputCondition)
	}
	text := fmt.Sprintf("⚠️ Your subscription %s was cancelled by the platform", what)

	total := 0
	for channel, addresses := range affected {
		if len(addresses) == 0 {
			continue
		}
		total += len(addresses)
		if r.announcer != nil {
			r.announcer.NotifyAddresses(ctx, channel, addresses, text)
		}
	}
	logger.Info().Int("notified", total).Msg("Cleaned up revoked subscription")
}

// Package subscription ties user-typed conditions to upstream subscriptions
// and owns the per-event fan-out and cleanup policy.
package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/logging"
	"github.com/nkkko/informer/internal/metrics"
	"github.com/nkkko/informer/internal/observer"
	"github.com/nkkko/informer/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Observer is the part of an event observer a subscription drives
type Observer interface {
	Name() string
	Subscribe(ctx context.Context, req observer.SubscribeRequest) (*observer.SubscribeResult, error)
	ResumeSubscription(ctx context.Context, req observer.ResumeRequest) error
	Unsubscribe(ctx context.Context, id string) error
}

// Fanout delivers to every delivery channel
type Fanout interface {
	// Notify queues text for every address subscribed to id and returns the count
	Notify(ctx context.Context, id, text string) (int, error)

	// Recipients counts the addresses subscribed to id over every channel
	Recipients(ctx context.Context, id string) (int, error)

	// Detach removes id from every subscriber, returning affected addresses per channel
	Detach(ctx context.Context, id string) (map[string][]string, error)
}

// Config wires one event subscription
type Config struct {
	Strategy   Strategy
	Observer   Observer
	Store      domain.SubscriptionStore
	Fanout     Fanout
	Categories CategorySource
}

// Subscription is the shared base for every event type. It holds no mutable
// state and is safe to share.
type Subscription struct {
	strategy   Strategy
	observer   Observer
	store      domain.SubscriptionStore
	fanout     Fanout
	categories CategorySource
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// New creates an event subscription
func New(config Config) *Subscription {
	return &Subscription{
		strategy:   config.Strategy,
		observer:   config.Observer,
		store:      config.Store,
		fanout:     config.Fanout,
		categories: config.Categories,
		logger: log.With().
			Str("component", "subscription").
			Str("observer", config.Observer.Name()).
			Str("event_type", string(config.Strategy.Kind())).
			Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Observer returns the observer key
func (s *Subscription) Observer() string {
	return s.observer.Name()
}

// EventType returns the event type key
func (s *Subscription) EventType() string {
	return string(s.strategy.Kind())
}

// Validate checks user input
func (s *Subscription) Validate(input string) error {
	return s.strategy.Validate(input)
}

// Start returns the canonical record for input, subscribing upstream when
// the condition has not been seen before
func (s *Subscription) Start(ctx context.Context, input string) (*domain.NotificationSubscription, error) {
	if err := s.strategy.Validate(input); err != nil {
		return nil, err
	}
	input = Normalize(input)

	existing, err := s.store.FindWithInputCondition(ctx, s.Observer(), s.EventType(), input)
	if err != nil {
		return nil, storeError("find_subscription", err)
	}
	if existing != nil {
		return existing, nil
	}

	cond := s.strategy.Condition(input, "")
	res, err := s.observer.Subscribe(ctx, observer.SubscribeRequest{
		EventType:    s.EventType(),
		Condition:    cond.Login,
		Handler:      s.Handle,
		InitialState: s.initialState,
	})
	if err != nil {
		return nil, err
	}

	if res.Reused {
		// the condition is watched under another spelling
		rec, err := s.store.FindWithInternalCondition(ctx, s.Observer(), s.EventType(), res.InternalCondition)
		if err != nil {
			return nil, storeError("find_subscription", err)
		}
		if rec != nil {
			return rec, nil
		}
	}

	rec := &domain.NotificationSubscription{
		ID:                res.SubscriptionID,
		Observer:          s.Observer(),
		EventType:         s.EventType(),
		InputCondition:    input,
		InternalCondition: res.InternalCondition,
		State:             res.InitialState,
	}

	stored, created, err := s.store.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, storeError("create_subscription", err)
	}
	if !created && stored.ID != res.SubscriptionID && !res.Reused {
		// a concurrent start won; drop our duplicate upstream subscription
		s.logger.Warn().
			Str("subscription_id", res.SubscriptionID).
			Str("winner_id", stored.ID).
			Msg("Duplicate upstream subscription, tearing it down")
		if err := s.observer.Unsubscribe(context.WithoutCancel(ctx), res.SubscriptionID); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", res.SubscriptionID).Msg("Failed to tear down duplicate")
		}
	}

	s.logger.Info().
		Str("subscription_id", stored.ID).
		Str("condition", input).
		Bool("created", created).
		Msg("Subscription started")
	return stored, nil
}

// initialState seeds state only when there is no canonical record yet for b
func (s *Subscription) initialState(ctx context.Context, b domain.Broadcaster) (map[string]string, error) {
	rec, err := s.store.FindWithInternalCondition(ctx, s.Observer(), s.EventType(), b.ID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return nil, nil
	}
	return s.strategy.InitialState(ctx, s.categories, b)
}

// Resume reattaches the handler of a persisted record
func (s *Subscription) Resume(ctx context.Context, rec *domain.NotificationSubscription) error {
	cond := s.strategy.Condition(rec.InputCondition, rec.InternalCondition)
	return s.observer.ResumeSubscription(ctx, observer.ResumeRequest{
		SubscriptionID:    rec.ID,
		EventType:         s.EventType(),
		Condition:         cond.Login,
		InternalCondition: cond.BroadcasterID,
		Handler:           s.Handle,
	})
}

// Handle runs for every event delivered by the observer
func (s *Subscription) Handle(ctx context.Context, event domain.Event) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "subscription.handle",
		attribute.String("observer", s.Observer()),
		attribute.String("event_type", s.EventType()),
		attribute.String("broadcaster_id", event.BroadcasterID),
	)
	err := s.handle(ctx, event)
	telemetry.EndSpan(span, err)

	s.metrics.EventHandlingDuration.WithLabelValues(s.Observer(), s.EventType()).Observe(time.Since(start).Seconds())
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Error().
			Err(err).
			Str("component", "subscription").
			Str("subscription_id", event.SubscriptionID).
			Msg("Failed to handle event")
	}
}

func (s *Subscription) handle(ctx context.Context, event domain.Event) error {
	rec, err := s.store.FindWithInternalCondition(ctx, s.Observer(), s.EventType(), event.BroadcasterID)
	if err != nil {
		return storeError("find_subscription", err)
	}
	if rec == nil {
		// removed while the event was in flight
		s.logger.Debug().Str("broadcaster_id", event.BroadcasterID).Msg("No record for event, skipping")
		return nil
	}

	if name := strings.ToLower(s.strategy.ActualCondition(event)); name != "" && name != strings.ToLower(rec.InputCondition) {
		if err := s.store.UpdateInputCondition(ctx, rec.ID, name); err != nil {
			s.logger.Warn().Err(err).Str("subscription_id", rec.ID).Str("name", name).Msg("Failed to rename subscription")
		} else {
			s.logger.Info().Str("subscription_id", rec.ID).Str("from", rec.InputCondition).Str("to", name).Msg("Broadcaster renamed")
		}
	}

	if s.strategy.Suppress(event, rec.State) {
		s.logger.Debug().Str("subscription_id", rec.ID).Msg("Event repeats stored state, suppressed")
		return nil
	}

	recipients, err := s.fanout.Notify(ctx, rec.ID, s.strategy.Message(event))
	if err != nil {
		return err
	}
	s.metrics.FanoutRecipients.WithLabelValues(s.EventType()).Observe(float64(recipients))

	if recipients == 0 {
		s.cleanupOrphan(ctx, rec)
		return nil
	}

	state := s.strategy.NextState(event)
	if state == nil {
		return nil
	}
	if err := s.store.UpdateState(ctx, rec.ID, state); err != nil {
		return storeError("update_state", err)
	}
	return nil
}

// ReleaseIfOrphaned tears the subscription down when nobody holds it anymore
func (s *Subscription) ReleaseIfOrphaned(ctx context.Context, rec *domain.NotificationSubscription) (bool, error) {
	n, err := s.fanout.Recipients(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	return s.cleanupOrphan(ctx, rec), nil
}

// cleanupOrphan is best effort: failures are logged, never returned
func (s *Subscription) cleanupOrphan(ctx context.Context, rec *domain.NotificationSubscription) bool {
	logger := s.logger.With().Str("subscription_id", rec.ID).Logger()

	if err := s.observer.Unsubscribe(ctx, rec.ID); err != nil {
		if !domain.IsType(err, domain.ErrorTypeNotFound) {
			logger.Error().Err(err).Msg("Failed to unsubscribe orphaned subscription")
			return false
		}
		logger.Debug().Msg("Orphaned subscription was not live upstream")
	}

	if err := s.store.Remove(ctx, rec.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to remove orphaned subscription")
		return false
	}
	if _, err := s.fanout.Detach(ctx, rec.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to detach orphaned subscription")
	}

	s.metrics.OrphansRemoved.WithLabelValues(s.Observer(), s.EventType()).Inc()
	logger.Info().Str("condition", rec.InputCondition).Msg("Removed orphaned subscription")
	return true
}

func storeError(op string, err error) error {
	if domain.TypeOf(err) != "" {
		return err
	}
	return domain.StoreError(op, err)
}

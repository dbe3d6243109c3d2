// Package observer owns the upstream subscription lifecycle of one
// streaming platform: creation, verification, routing of events to
// handlers, teardown and revocation.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/metrics"
	"github.com/nkkko/informer/internal/router"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State of one upstream subscription as seen by the observer
type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateStopped  State = "stopped"
	StateRevoked  State = "revoked"
)

// Handler receives the events of one upstream subscription
type Handler = router.Handler

// RevocationHandler is called for every upstream cancellation
type RevocationHandler func(ctx context.Context, rev domain.Revocation)

// InitialStateFunc seeds the continuation state of a new subscription
type InitialStateFunc func(ctx context.Context, b domain.Broadcaster) (map[string]string, error)

// SubscribeRequest describes one subscribe call
type SubscribeRequest struct {
	EventType string

	// Condition is the user-facing broadcaster login
	Condition string

	Handler      Handler
	InitialState InitialStateFunc
}

// SubscribeResult is returned once the upstream subscription is verified
type SubscribeResult struct {
	SubscriptionID    string
	InternalCondition string
	DisplayName       string
	InitialState      map[string]string
	Reused            bool
}

// ResumeRequest reattaches a handler to a persisted subscription
type ResumeRequest struct {
	SubscriptionID    string
	EventType         string
	Condition         string
	InternalCondition string
	Handler           Handler
}

// Config contains observer configuration
type Config struct {
	// How long Subscribe waits for the platform to verify
	VerificationTimeout time.Duration

	// How often verification status is polled
	PollInterval time.Duration

	// Router buffer per subscription
	MaxBufferSize int

	// Clock drives polling; tests swap in a test clock
	Clock clock.Clock
}

// DefaultConfig returns the default observer configuration
func DefaultConfig() Config {
	return Config{
		VerificationTimeout: 60 * time.Second,
		PollInterval:        300 * time.Millisecond,
		MaxBufferSize:       router.DefaultConfig().MaxBufferSize,
		Clock:               clock.WallClock,
	}
}

type conditionKey struct {
	eventType     string
	broadcasterID string
}

type entry struct {
	id            string
	eventType     string
	broadcasterID string
	state         State
	ready         chan struct{}
	err           error
}

// Observer bridges one platform adapter and the subscribe/resume/unsubscribe contract
type Observer struct {
	config      Config
	adapter     domain.PlatformAdapter
	router      *router.Router
	entries     map[string]*entry
	byCondition map[conditionKey]string
	onRevoke    []RevocationHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// New creates an observer over adapter
func New(config Config, adapter domain.PlatformAdapter) *Observer {
	defaults := DefaultConfig()
	if config.VerificationTimeout <= 0 {
		config.VerificationTimeout = defaults.VerificationTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = defaults.MaxBufferSize
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}

	return &Observer{
		config:      config,
		adapter:     adapter,
		router:      router.NewRouter(adapter.Name(), router.Config{MaxBufferSize: config.MaxBufferSize}),
		entries:     make(map[string]*entry),
		byCondition: make(map[conditionKey]string),
		logger:      log.With().Str("component", "observer").Str("observer", adapter.Name()).Logger(),
		metrics:     metrics.GetMetrics(),
	}
}

// Name returns the platform key of the observer
func (o *Observer) Name() string {
	return o.adapter.Name()
}

// OnRevocation registers a handler for upstream cancellations
func (o *Observer) OnRevocation(fn RevocationHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onRevoke = append(o.onRevoke, fn)
}

// State returns the state of id, or "" when it is unknown
func (o *Observer) State(id string) State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if e, ok := o.entries[id]; ok {
		return e.state
	}
	return ""
}

// Subscribe resolves the condition, creates or reuses an upstream
// subscription and blocks until it is verified or the timeout elapses.
// Cancelling ctx does not interrupt the verification wait.
func (o *Observer) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	ctx = context.WithoutCancel(ctx)

	b, err := o.adapter.ResolveBroadcaster(ctx, req.Condition)
	if err != nil {
		o.recordOp("resolve", false)
		return nil, err
	}

	result := &SubscribeResult{
		InternalCondition: b.ID,
		DisplayName:       b.DisplayName,
	}

	if req.InitialState != nil {
		state, err := req.InitialState(ctx, b)
		if err != nil {
			o.logger.Warn().Err(err).Str("broadcaster_id", b.ID).Msg("Failed to compute initial state")
		}
		result.InitialState = state
	}

	key := conditionKey{eventType: req.EventType, broadcasterID: b.ID}

	// reuse an upstream subscription this observer already holds
	if e := o.lookup(key); e != nil {
		if err := o.await(e); err != nil {
			return nil, err
		}
		o.router.Attach(e.id, req.Handler)
		result.SubscriptionID = e.id
		result.Reused = true
		o.logger.Debug().Str("subscription_id", e.id).Msg("Reusing upstream subscription")
		return result, nil
	}

	up, err := o.adapter.CreateSubscription(ctx, req.EventType, b.ID)
	o.recordOp("create", err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream subscription: %w", err)
	}

	// placeholder first, the real handler once the id is verified
	e := o.register(up, key)
	if err := o.verify(ctx, e); err != nil {
		return nil, err
	}

	o.router.Attach(e.id, req.Handler)
	result.SubscriptionID = e.id

	o.logger.Info().
		Str("subscription_id", e.id).
		Str("event_type", req.EventType).
		Str("broadcaster_id", b.ID).
		Msg("Upstream subscription verified")
	return result, nil
}

func (o *Observer) lookup(key conditionKey) *entry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if id, ok := o.byCondition[key]; ok {
		return o.entries[id]
	}
	return nil
}

// await blocks until a pending entry owned by another caller settles
func (o *Observer) await(e *entry) error {
	select {
	case <-e.ready:
	default:
		select {
		case <-e.ready:
		case <-o.config.Clock.After(o.config.VerificationTimeout):
			return domain.VerificationTimeoutError("verification_timeout",
				"the platform did not confirm the subscription in time, try again later")
		}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if e.err != nil {
		return e.err
	}
	if e.state != StateVerified {
		return domain.VerificationTimeoutError("verification_failed",
			"the platform did not confirm the subscription, try again later")
	}
	return nil
}

func (o *Observer) register(up domain.Upstream, key conditionKey) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	e := &entry{
		id:            up.ID,
		eventType:     up.EventType,
		broadcasterID: up.BroadcasterID,
		state:         StatePending,
		ready:         make(chan struct{}),
	}
	if e.eventType == "" {
		e.eventType = key.eventType
	}
	if e.broadcasterID == "" {
		e.broadcasterID = key.broadcasterID
	}
	o.entries[e.id] = e
	if _, ok := o.byCondition[key]; !ok {
		o.byCondition[key] = e.id
	}
	o.router.Register(e.id)
	return e
}

// verify polls the platform until the subscription is enabled. On timeout
// or failure the upstream subscription is torn down.
func (o *Observer) verify(ctx context.Context, e *entry) error {
	start := o.config.Clock.Now()
	deadline := o.config.Clock.After(o.config.VerificationTimeout)

	for {
		up, err := o.adapter.GetSubscription(ctx, e.id)
		switch {
		case err != nil:
			o.logger.Debug().Err(err).Str("subscription_id", e.id).Msg("Verification poll failed")
		case up.Status == domain.UpstreamEnabled:
			o.settle(e, StateVerified, nil)
			o.metrics.VerificationDuration.WithLabelValues(o.Name()).Observe(o.config.Clock.Now().Sub(start).Seconds())
			return nil
		case up.Status == domain.UpstreamFailed || up.Status == domain.UpstreamRevoked:
			failure := domain.VerificationTimeoutError("verification_failed",
				"the platform did not confirm the subscription, try again later")
			o.teardown(ctx, e, failure)
			return failure
		}

		select {
		case <-o.config.Clock.After(o.config.PollInterval):
		case <-deadline:
			timeout := domain.VerificationTimeoutError("verification_timeout",
				"the platform did not confirm the subscription in time, try again later")
			o.logger.Warn().
				Str("subscription_id", e.id).
				Dur("timeout", o.config.VerificationTimeout).
				Msg("Upstream subscription was not verified in time")
			o.teardown(ctx, e, timeout)
			return timeout
		}
	}
}

// teardown deletes a subscription that never verified
func (o *Observer) teardown(ctx context.Context, e *entry, cause error) {
	if err := o.adapter.DeleteSubscription(ctx, e.id); err != nil {
		o.logger.Error().Err(err).Str("subscription_id", e.id).Msg("Failed to delete unverified subscription")
	}
	o.recordOp("delete", true)
	o.settle(e, StateStopped, cause)
	o.forget(e)
}

func (o *Observer) settle(e *entry, state State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e.state = state
	e.err = err
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	o.updateActive()
}

// forget drops local bookkeeping for e
func (o *Observer) forget(e *entry) {
	o.mu.Lock()
	if cur, ok := o.entries[e.id]; ok && cur == e {
		delete(o.entries, e.id)
	}
	key := conditionKey{eventType: e.eventType, broadcasterID: e.broadcasterID}
	if id, ok := o.byCondition[key]; ok && id == e.id {
		delete(o.byCondition, key)
		// a concurrent subscribe may hold another entry for the same key
		for _, other := range o.entries {
			if other.eventType == key.eventType && other.broadcasterID == key.broadcasterID {
				o.byCondition[key] = other.id
				break
			}
		}
	}
	o.updateActive()
	o.mu.Unlock()

	o.router.Remove(e.id)
}

// updateActive must be called with o.mu held
func (o *Observer) updateActive() {
	n := 0
	for _, e := range o.entries {
		if e.state == StateVerified {
			n++
		}
	}
	o.metrics.UpstreamSubscriptionsActive.WithLabelValues(o.Name()).Set(float64(n))
}

func (o *Observer) recordOp(op string, ok bool) {
	o.metrics.UpstreamOperations.WithLabelValues(o.Name(), op, metrics.BoolLabel(ok)).Inc()
}

// ResumeSubscription reattaches a handler to a subscription the platform
// already holds, without resolving names or waiting for verification
func (o *Observer) ResumeSubscription(ctx context.Context, req ResumeRequest) error {
	if req.SubscriptionID == "" || req.InternalCondition == "" {
		return domain.ValidationError("missing_condition", "resume needs a subscription id and internal condition")
	}

	key := conditionKey{eventType: req.EventType, broadcasterID: req.InternalCondition}

	o.mu.Lock()
	e, ok := o.entries[req.SubscriptionID]
	if !ok {
		e = &entry{
			id:            req.SubscriptionID,
			eventType:     req.EventType,
			broadcasterID: req.InternalCondition,
			ready:         make(chan struct{}),
		}
		o.entries[e.id] = e
	}
	e.state = StateVerified
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	o.byCondition[key] = e.id
	o.updateActive()
	o.mu.Unlock()

	o.router.Attach(e.id, req.Handler)
	o.recordOp("resume", true)

	o.logger.Debug().
		Str("subscription_id", e.id).
		Str("event_type", req.EventType).
		Str("condition", req.Condition).
		Msg("Resumed upstream subscription")
	return nil
}

// Unsubscribe tears the upstream subscription down. An id this observer does
// not hold is a NotFoundError; on transport failure local state is kept.
func (o *Observer) Unsubscribe(ctx context.Context, id string) error {
	o.mu.RLock()
	e, ok := o.entries[id]
	o.mu.RUnlock()
	if !ok {
		return domain.NotFoundError("subscription_not_found", "upstream subscription "+id+" is not active")
	}

	if err := o.adapter.DeleteSubscription(ctx, id); err != nil {
		o.recordOp("delete", false)
		o.logger.Error().Err(err).Str("subscription_id", id).Msg("Failed to delete upstream subscription")
		return fmt.Errorf("failed to delete upstream subscription %s: %w", id, err)
	}
	o.recordOp("delete", true)

	o.settle(e, StateStopped, nil)
	o.forget(e)

	o.logger.Info().Str("subscription_id", id).Msg("Upstream subscription stopped")
	return nil
}

// Reset deletes every upstream subscription of the platform
func (o *Observer) Reset(ctx context.Context) (int, error) {
	ups, err := o.adapter.ListSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list upstream subscriptions: %w", err)
	}

	var errs []error
	deleted := 0
	for _, up := range ups {
		if err := o.adapter.DeleteSubscription(ctx, up.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", up.ID, err))
			continue
		}
		deleted++
	}
	o.recordOp("reset", len(errs) == 0)

	o.mu.Lock()
	entries := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()
	for _, e := range entries {
		o.settle(e, StateStopped, nil)
		o.forget(e)
	}

	o.logger.Info().Int("deleted", deleted).Int("failed", len(errs)).Msg("Reset upstream subscriptions")
	return deleted, errors.Join(errs...)
}

// Run consumes the adapter's event and revocation streams until ctx ends
func (o *Observer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.router.Start(ctx, o.adapter.Events())
	})

	g.Go(func() error {
		revocations := o.adapter.Revocations()
		for {
			select {
			case rev, ok := <-revocations:
				if !ok {
					return nil
				}
				o.revoke(ctx, rev)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}

func (o *Observer) revoke(ctx context.Context, rev domain.Revocation) {
	o.metrics.RevocationsTotal.WithLabelValues(o.Name()).Inc()
	o.logger.Warn().
		Str("subscription_id", rev.SubscriptionID).
		Str("reason", rev.Reason).
		Msg("Upstream subscription revoked")

	o.mu.RLock()
	e, ok := o.entries[rev.SubscriptionID]
	handlers := append([]RevocationHandler(nil), o.onRevoke...)
	o.mu.RUnlock()

	if ok {
		o.settle(e, StateRevoked, domain.RevocationError(rev.SubscriptionID, rev.Reason))
		o.forget(e)
	}

	for _, fn := range handlers {
		fn(ctx, rev)
	}
}

// Shutdown stops event routing
func (o *Observer) Shutdown(ctx context.Context) error {
	o.logger.Info().Msg("Shutting down observer")
	return o.router.Shutdown(ctx)
}

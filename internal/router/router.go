package router

import (
	"context"
	"sync"
	"time"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives the events of one upstream subscription
type Handler func(ctx context.Context, event domain.Event)

// route represents one upstream subscription known to the router
type route struct {
	ID            string
	Handler       Handler
	Events        chan domain.Event
	LastDelivered time.Time
	mu            sync.Mutex
}

func (r *route) handler() Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Handler
}

// Config contains router configuration
type Config struct {
	// Maximum buffer size for route channels
	MaxBufferSize int
}

// DefaultConfig returns a default router configuration
func DefaultConfig() Config {
	return Config{
		MaxBufferSize: 100,
	}
}

// Router hands events to the handler registered for their subscription id.
// Each route has its own buffered channel and worker so a slow handler
// never blocks the others; events of one route are handled in order.
type Router struct {
	config   Config
	observer string
	routes   map[string]*route
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a new event router for one observer
func NewRouter(observer string, config ...Config) *Router {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Router{
		config:   cfg,
		observer: observer,
		routes:   make(map[string]*route),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("component", "router").Str("observer", observer).Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Start begins processing events from the provided stream
func (r *Router) Start(ctx context.Context, events <-chan domain.Event) error {
	r.logger.Info().Msg("Starting event router")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				r.logger.Info().Msg("Event stream closed, stopping router")
				return nil
			}
			r.Route(event)

		case <-ctx.Done():
			r.logger.Info().Msg("Context canceled, stopping router")
			return ctx.Err()
		}
	}
}

// Route queues an event for its subscription's handler. Events for unknown
// ids or for placeholders without a handler are dropped.
func (r *Router) Route(event domain.Event) bool {
	if event.SubscriptionID == "" {
		r.logger.Warn().Str("type", event.Type).Msg("Event has no subscription ID, cannot route")
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.routes[event.SubscriptionID]
	if !ok || rt.handler() == nil {
		r.logger.Debug().
			Str("subscription_id", event.SubscriptionID).
			Bool("placeholder", ok).
			Msg("No active handler, dropping event")
		return false
	}

	r.metrics.EventsReceived.WithLabelValues(r.observer, event.Type).Inc()

	// Try to send without blocking
	select {
	case rt.Events <- event:
		return true
	default:
		r.logger.Warn().
			Str("subscription_id", event.SubscriptionID).
			Str("type", event.Type).
			Msg("Route buffer full, dropping event")
		return false
	}
}

// Register places a placeholder for id; events are dropped until Attach
func (r *Router) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[id]; ok {
		return
	}

	rt := &route{
		ID:     id,
		Events: make(chan domain.Event, r.config.MaxBufferSize),
	}
	r.routes[id] = rt

	r.wg.Add(1)
	go r.work(rt)
}

// Attach sets the handler of id, registering it first if needed
func (r *Router) Attach(id string, handler Handler) {
	r.Register(id)

	r.mu.RLock()
	rt := r.routes[id]
	r.mu.RUnlock()
	if rt == nil {
		return
	}

	rt.mu.Lock()
	rt.Handler = handler
	rt.mu.Unlock()
}

// Active reports whether id has a handler attached
func (r *Router) Active(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.routes[id]
	return ok && rt.handler() != nil
}

// Remove drops the route and stops its worker
func (r *Router) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.routes[id]
	if !ok {
		return
	}

	close(rt.Events)
	delete(r.routes, id)
}

func (r *Router) work(rt *route) {
	defer r.wg.Done()

	for {
		select {
		case event, ok := <-rt.Events:
			if !ok {
				return
			}
			handler := rt.handler()
			if handler == nil {
				continue
			}
			r.deliver(rt, handler, event)

		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Router) deliver(rt *route, handler Handler, event domain.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str("subscription_id", rt.ID).
				Msg("Event handler panicked")
		}
	}()

	handler(r.ctx, event)

	rt.mu.Lock()
	rt.LastDelivered = time.Now()
	rt.mu.Unlock()
}

// Shutdown stops every worker and drops all routes
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down event router")

	r.mu.Lock()
	for id, rt := range r.routes {
		close(rt.Events)
		delete(r.routes, id)
	}
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

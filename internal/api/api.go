// Package api serves the HTTP surface: platform webhooks, metrics, health
// and a read-only operator view of the canonical subscriptions.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/nkkko/informer/internal/api/errors"
	"github.com/nkkko/informer/internal/api/models"
	"github.com/nkkko/informer/internal/api/response"
	"github.com/nkkko/informer/internal/api/validation"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/logging"
	"github.com/nkkko/informer/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Catalog lists the known observers and their event types
type Catalog interface {
	Observers() []string
	EventTypes(observer string) []string
}

// Recipients counts destinations per subscription
type Recipients interface {
	Channels() []string
	Recipients(ctx context.Context, id string) (int, error)
}

// Deps are the components the API reads from
type Deps struct {
	Store      domain.SubscriptionStore
	Catalog    Catalog
	Recipients Recipients

	// Webhooks maps a path to a platform webhook receiver
	Webhooks map[string]http.Handler
}

// API handles HTTP endpoints
type API struct {
	config Config
	deps   Deps
	router chi.Router
	server *http.Server
	logger zerolog.Logger
}

// New creates the API and its routes
func New(config Config, deps Deps) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	a := &API{
		config: config,
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
	}
	a.router = a.routes()
	return a
}

// Handler returns the root handler
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware())

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	for path, h := range a.deps.Webhooks {
		r.Method(http.MethodPost, path, h)
	}

	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", a.handleListSubscriptions)
		r.Get("/{id}", a.handleGetSubscription)
	})
	return r
}

// Start serves until ctx ends or the listener fails
func (a *API) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()
	a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops accepting requests and drains in-flight ones
func (a *API) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	a.logger.Info().Msg("Shutting down API server")

	ctx, cancel := context.WithTimeout(ctx, a.config.ShutdownTimeout)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := models.HealthResponse{Status: "ok", Observers: []string{}, Channels: []string{}}
	if a.deps.Catalog != nil {
		health.Observers = a.deps.Catalog.Observers()
	}
	if a.deps.Recipients != nil {
		health.Channels = a.deps.Recipients.Channels()
	}
	response.JSON(w, r, http.StatusOK, health)
}

func (a *API) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q, err := validation.ParseListQuery(r.URL.Query())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if a.deps.Catalog != nil {
		if err := validation.OneOf("observer", q.Observer, a.deps.Catalog.Observers()); err != nil {
			response.Error(w, r, err)
			return
		}
		if q.Observer != "" {
			if err := validation.OneOf("event_type", q.EventType, a.deps.Catalog.EventTypes(q.Observer)); err != nil {
				response.Error(w, r, err)
				return
			}
		}
	}

	all, err := a.deps.Store.ListAll(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var matched []*domain.NotificationSubscription
	for _, sub := range all {
		if q.Matches(sub.Observer, sub.EventType) {
			matched = append(matched, sub)
		}
	}
	models.SortSubscriptions(matched)

	total := len(matched)
	start := min(q.Offset, total)
	end := min(start+q.Limit, total)

	out := make([]*models.SubscriptionResponse, 0, end-start)
	for _, sub := range matched[start:end] {
		out = append(out, models.SubscriptionFromDomain(sub, a.recipients(r.Context(), sub.ID)))
	}

	response.WithMeta(w, r, http.StatusOK, out, models.PaginationMeta{
		TotalCount: total,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
}

func (a *API) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := a.deps.Store.FindByID(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if sub == nil {
		response.Error(w, r, apierrors.NotFoundError("subscription_not_found", "no subscription "+id))
		return
	}
	response.JSON(w, r, http.StatusOK, models.SubscriptionFromDomain(sub, a.recipients(r.Context(), id)))
}

// recipients returns -1 when the count is unavailable
func (a *API) recipients(ctx context.Context, id string) int {
	if a.deps.Recipients == nil {
		return -1
	}
	n, err := a.deps.Recipients.Recipients(ctx, id)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).Str("subscription_id", id).Msg("Failed to count recipients")
		return -1
	}
	return n
}

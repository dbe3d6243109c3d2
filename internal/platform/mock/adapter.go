// Package mock provides in-memory platform and delivery channel doubles for
// tests and local development.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/informer/internal/domain"
)

// Ensure Adapter implements domain.PlatformAdapter
var _ domain.PlatformAdapter = (*Adapter)(nil)

// Adapter is a scriptable streaming platform
type Adapter struct {
	name        string
	autoVerify  bool
	users       map[string]domain.Broadcaster
	categories  map[string]string
	subs        map[string]domain.Upstream
	events      chan domain.Event
	revocations chan domain.Revocation

	// Injected failures, consumed by the next call
	CreateErr  error
	DeleteErr  error
	ResolveErr error

	creates  int
	deletes  int
	resolves int
	mu       sync.Mutex
}

// Option configures an Adapter
type Option func(*Adapter)

// WithManualVerify leaves created subscriptions pending until Verify
func WithManualVerify() Option {
	return func(a *Adapter) { a.autoVerify = false }
}

// WithUser registers a broadcaster
func WithUser(login, id, displayName string) Option {
	return func(a *Adapter) { a.AddUser(login, id, displayName) }
}

// NewAdapter creates a mock platform named name
func NewAdapter(name string, opts ...Option) *Adapter {
	a := &Adapter{
		name:        name,
		autoVerify:  true,
		users:       make(map[string]domain.Broadcaster),
		categories:  make(map[string]string),
		subs:        make(map[string]domain.Upstream),
		events:      make(chan domain.Event, 64),
		revocations: make(chan domain.Revocation, 16),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the platform key
func (a *Adapter) Name() string {
	return a.name
}

// AddUser registers a broadcaster
func (a *Adapter) AddUser(login, id, displayName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[strings.ToLower(login)] = domain.Broadcaster{ID: id, Login: strings.ToLower(login), DisplayName: displayName}
}

// SetCategory sets the category reported for a broadcaster
func (a *Adapter) SetCategory(broadcasterID, category string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.categories[broadcasterID] = category
}

// ResolveBroadcaster looks a user up by login
func (a *Adapter) ResolveBroadcaster(ctx context.Context, login string) (domain.Broadcaster, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resolves++
	if err := a.ResolveErr; err != nil {
		a.ResolveErr = nil
		return domain.Broadcaster{}, err
	}

	b, ok := a.users[strings.ToLower(login)]
	if !ok {
		return domain.Broadcaster{}, domain.NotFoundError("broadcaster_not_found", "there is no user "+login)
	}
	return b, nil
}

// CurrentCategory returns the category set with SetCategory
func (a *Adapter) CurrentCategory(ctx context.Context, broadcasterID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.categories[broadcasterID], nil
}

// CreateSubscription stores a new upstream subscription
func (a *Adapter) CreateSubscription(ctx context.Context, eventType, broadcasterID string) (domain.Upstream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.creates++
	if err := a.CreateErr; err != nil {
		a.CreateErr = nil
		return domain.Upstream{}, err
	}

	up := domain.Upstream{
		ID:            uuid.NewString(),
		EventType:     eventType,
		BroadcasterID: broadcasterID,
		Status:        domain.UpstreamPending,
	}
	if a.autoVerify {
		up.Status = domain.UpstreamEnabled
	}
	a.subs[up.ID] = up
	return up, nil
}

// GetSubscription returns the current state of an upstream subscription
func (a *Adapter) GetSubscription(ctx context.Context, id string) (domain.Upstream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	up, ok := a.subs[id]
	if !ok {
		return domain.Upstream{}, domain.NotFoundError("upstream_not_found", "upstream subscription "+id+" not found")
	}
	return up, nil
}

// DeleteSubscription removes an upstream subscription
func (a *Adapter) DeleteSubscription(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.deletes++
	if err := a.DeleteErr; err != nil {
		a.DeleteErr = nil
		return err
	}
	delete(a.subs, id)
	return nil
}

// ListSubscriptions returns every upstream subscription
func (a *Adapter) ListSubscriptions(ctx context.Context) ([]domain.Upstream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.Upstream, 0, len(a.subs))
	for _, up := range a.subs {
		out = append(out, up)
	}
	return out, nil
}

// Events returns the event stream
func (a *Adapter) Events() <-chan domain.Event {
	return a.events
}

// Revocations returns the revocation stream
func (a *Adapter) Revocations() <-chan domain.Revocation {
	return a.revocations
}

// Verify marks a pending subscription enabled
func (a *Adapter) Verify(id string) {
	a.setStatus(id, domain.UpstreamEnabled)
}

// Fail marks a pending subscription failed
func (a *Adapter) Fail(id string) {
	a.setStatus(id, domain.UpstreamFailed)
}

func (a *Adapter) setStatus(id string, status domain.UpstreamStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if up, ok := a.subs[id]; ok {
		up.Status = status
		a.subs[id] = up
	}
}

// Pending returns the ids of subscriptions awaiting verification
func (a *Adapter) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []string
	for id, up := range a.subs {
		if up.Status == domain.UpstreamPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Find returns the id of the subscription for (eventType, broadcasterID)
func (a *Adapter) Find(eventType, broadcasterID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, up := range a.subs {
		if up.EventType == eventType && up.BroadcasterID == broadcasterID {
			return id
		}
	}
	return ""
}

// Emit pushes an event. A missing subscription id is filled from the
// subscription matching the event type and broadcaster.
func (a *Adapter) Emit(event domain.Event) {
	if event.SubscriptionID == "" {
		event.SubscriptionID = a.Find(event.Type, event.BroadcasterID)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	a.events <- event
}

// Revoke drops the subscription and pushes a revocation
func (a *Adapter) Revoke(id, reason string) {
	a.setStatus(id, domain.UpstreamRevoked)
	a.mu.Lock()
	delete(a.subs, id)
	a.mu.Unlock()
	a.revocations <- domain.Revocation{SubscriptionID: id, Reason: reason}
}

// Creates returns the number of CreateSubscription calls
func (a *Adapter) Creates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates
}

// Deletes returns the number of DeleteSubscription calls
func (a *Adapter) Deletes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deletes
}

// Resolves returns the number of ResolveBroadcaster calls
func (a *Adapter) Resolves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolves
}

// Live returns the number of upstream subscriptions currently held
func (a *Adapter) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

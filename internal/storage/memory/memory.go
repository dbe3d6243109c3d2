// Package memory provides map-backed stores for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nkkko/informer/internal/domain"
)

// Ensure the stores implement the domain interfaces
var (
	_ domain.SubscriptionStore = (*SubscriptionStore)(nil)
	_ domain.SubscriberStore   = (*SubscriberStore)(nil)
)

// Backend groups one subscription store and per-channel subscriber stores
type Backend struct {
	subscriptions *SubscriptionStore
	subscribers   map[string]*SubscriberStore
	defaultLimit  int
	mu            sync.Mutex
}

// New creates an empty in-memory backend
func New(defaultLimit int) *Backend {
	if defaultLimit <= 0 {
		defaultLimit = domain.DefaultSubscriptionsLimit
	}
	return &Backend{
		subscriptions: NewSubscriptionStore(),
		subscribers:   make(map[string]*SubscriberStore),
		defaultLimit:  defaultLimit,
	}
}

// Subscriptions returns the canonical subscription store
func (b *Backend) Subscriptions() domain.SubscriptionStore {
	return b.subscriptions
}

// Subscribers returns the subscriber store of one delivery channel
func (b *Backend) Subscribers(channel string) domain.SubscriberStore {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subscribers[channel]
	if !ok {
		s = NewSubscriberStore(b.defaultLimit)
		b.subscribers[channel] = s
	}
	return s
}

// Close is a no-op
func (b *Backend) Close() error {
	return nil
}

// SubscriptionStore keeps canonical records in maps
type SubscriptionStore struct {
	byID       map[string]*domain.NotificationSubscription
	byInput    map[domain.SubscriptionKey]string
	byInternal map[domain.SubscriptionKey]string
	mu         sync.RWMutex
}

// NewSubscriptionStore creates an empty store
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		byID:       make(map[string]*domain.NotificationSubscription),
		byInput:    make(map[domain.SubscriptionKey]string),
		byInternal: make(map[domain.SubscriptionKey]string),
	}
}

func internalKey(sub *domain.NotificationSubscription) domain.SubscriptionKey {
	return domain.SubscriptionKey{Observer: sub.Observer, EventType: sub.EventType, Condition: sub.InternalCondition}
}

// Create inserts a new record
func (s *SubscriptionStore) Create(ctx context.Context, sub *domain.NotificationSubscription) error {
	if sub.ID == "" {
		return domain.ValidationError("missing_id", "subscription id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[sub.ID]; exists {
		return domain.ConflictError("duplicate_id", "subscription "+sub.ID+" already exists")
	}
	if _, exists := s.byInput[sub.Key()]; exists {
		return domain.ConflictError("duplicate_condition", "subscription for "+sub.Key().String()+" already exists")
	}
	s.insert(sub)
	return nil
}

// CreateIfAbsent inserts sub unless an equivalent record exists
func (s *SubscriptionStore) CreateIfAbsent(ctx context.Context, sub *domain.NotificationSubscription) (*domain.NotificationSubscription, bool, error) {
	if sub.ID == "" {
		return nil, false, domain.ValidationError("missing_id", "subscription id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byInput[sub.Key()]; exists {
		return s.byID[id].Clone(), false, nil
	}
	if sub.InternalCondition != "" {
		if id, exists := s.byInternal[internalKey(sub)]; exists {
			return s.byID[id].Clone(), false, nil
		}
	}
	if existing, exists := s.byID[sub.ID]; exists {
		return existing.Clone(), false, nil
	}

	s.insert(sub)
	return sub.Clone(), true, nil
}

// insert must be called with the write lock held
func (s *SubscriptionStore) insert(sub *domain.NotificationSubscription) {
	rec := sub.Clone()
	s.byID[rec.ID] = rec
	s.byInput[rec.Key()] = rec.ID
	if rec.InternalCondition != "" {
		s.byInternal[internalKey(rec)] = rec.ID
	}
}

// FindByID looks a record up by id
func (s *SubscriptionStore) FindByID(ctx context.Context, id string) (*domain.NotificationSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone(), nil
}

// FindWithInputCondition looks a record up by its user-facing condition
func (s *SubscriptionStore) FindWithInputCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInput[domain.SubscriptionKey{Observer: observer, EventType: eventType, Condition: condition}]
	if !ok {
		return nil, nil
	}
	return s.byID[id].Clone(), nil
}

// FindWithInternalCondition looks a record up by its platform condition
func (s *SubscriptionStore) FindWithInternalCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInternal[domain.SubscriptionKey{Observer: observer, EventType: eventType, Condition: condition}]
	if !ok {
		return nil, nil
	}
	return s.byID[id].Clone(), nil
}

// UpdateInputCondition renames a record, keeping the index consistent
func (s *SubscriptionStore) UpdateInputCondition(ctx context.Context, id, condition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return domain.NotFoundError("subscription_not_found", "subscription "+id+" not found")
	}
	if rec.InputCondition == condition {
		return nil
	}

	newKey := domain.SubscriptionKey{Observer: rec.Observer, EventType: rec.EventType, Condition: condition}
	if other, exists := s.byInput[newKey]; exists && other != id {
		return domain.ConflictError("duplicate_condition", "subscription for "+newKey.String()+" already exists")
	}

	delete(s.byInput, rec.Key())
	rec.InputCondition = condition
	s.byInput[newKey] = id
	return nil
}

// UpdateState replaces the continuation state of a record
func (s *SubscriptionStore) UpdateState(ctx context.Context, id string, state map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return domain.NotFoundError("subscription_not_found", "subscription "+id+" not found")
	}
	rec.State = (&domain.NotificationSubscription{State: state}).Clone().State
	return nil
}

// Remove deletes a record
func (s *SubscriptionStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byInput, rec.Key())
	if rec.InternalCondition != "" {
		delete(s.byInternal, internalKey(rec))
	}
	delete(s.byID, id)
	return nil
}

// ListAll returns every record ordered by id
func (s *SubscriptionStore) ListAll(ctx context.Context) ([]*domain.NotificationSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.NotificationSubscription, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Clear drops every record
func (s *SubscriptionStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*domain.NotificationSubscription)
	s.byInput = make(map[domain.SubscriptionKey]string)
	s.byInternal = make(map[domain.SubscriptionKey]string)
	return nil
}

// SubscriberStore keeps subscribers of one channel in a map
type SubscriberStore struct {
	defaultLimit int
	subscribers  map[string]*domain.NotificationSubscriber
	mu           sync.RWMutex
}

// NewSubscriberStore creates an empty subscriber store
func NewSubscriberStore(defaultLimit int) *SubscriberStore {
	return &SubscriberStore{
		defaultLimit: defaultLimit,
		subscribers:  make(map[string]*domain.NotificationSubscriber),
	}
}

// AddSubscription adds id to the address, creating the subscriber if needed
func (s *SubscriberStore) AddSubscription(ctx context.Context, address, id string) (*domain.NotificationSubscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[address]
	if !ok {
		sub = domain.NewSubscriber(address, s.defaultLimit)
	}
	if err := sub.Add(id); err != nil {
		return nil, err
	}
	s.subscribers[address] = sub
	return sub.Clone(), nil
}

// RemoveSubscription removes id from the address
func (s *SubscriberStore) RemoveSubscription(ctx context.Context, address, id string) (*domain.NotificationSubscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[address]
	if !ok {
		sub = domain.NewSubscriber(address, s.defaultLimit)
	}
	if err := sub.Remove(id); err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

// RemoveSubscriber deletes the subscriber record
func (s *SubscriberStore) RemoveSubscriber(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, address)
	return nil
}

// CheckSubscriptionsLimit reports whether address may take another subscription
func (s *SubscriberStore) CheckSubscriptionsLimit(ctx context.Context, address string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[address]
	if !ok {
		return nil
	}
	return sub.CheckLimit()
}

// GetSubscriber returns the subscriber or nil
func (s *SubscriberStore) GetSubscriber(ctx context.Context, address string) (*domain.NotificationSubscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[address].Clone(), nil
}

// ListAddresses returns every address subscribed to id
func (s *SubscriberStore) ListAddresses(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for address, sub := range s.subscribers {
		if sub.HasSubscription(id) {
			out = append(out, address)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListSubscriptions returns the ids held by address
func (s *SubscriberStore) ListSubscriptions(ctx context.Context, address string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[address]
	if !ok {
		return nil, nil
	}
	return append([]string{}, sub.Subscriptions...), nil
}

// ListSubscribers returns every known address
func (s *SubscriberStore) ListSubscribers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.subscribers))
	for address := range s.subscribers {
		out = append(out, address)
	}
	sort.Strings(out)
	return out, nil
}

// RemoveSubscriptionEverywhere strips id from all subscribers
func (s *SubscriberStore) RemoveSubscriptionEverywhere(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for address, sub := range s.subscribers {
		if sub.HasSubscription(id) {
			sub.Subscriptions = sub.Without(id)
			affected = append(affected, address)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

// Clear drops every subscriber
func (s *SubscriberStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = make(map[string]*domain.NotificationSubscriber)
	return nil
}

package storage

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/metrics"
)

// Ensure CachedSubscriptionStore implements domain.SubscriptionStore
var _ domain.SubscriptionStore = (*CachedSubscriptionStore)(nil)

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      any
	expiration time.Time
}

// CachedSubscriptionStore is a read-through cache over a subscription store.
// Records are cached by id; internal conditions map to ids since they never
// change for a record.
type CachedSubscriptionStore struct {
	inner      domain.SubscriptionStore
	byID       *lru.TwoQueueCache
	byInternal *lru.TwoQueueCache
	expiration time.Duration
	metrics    *metrics.Metrics
	mu         sync.Mutex
}

// NewCachedSubscriptionStore wraps inner with a cache of the given capacity
func NewCachedSubscriptionStore(inner domain.SubscriptionStore, size int, expiration time.Duration) (*CachedSubscriptionStore, error) {
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}
	if expiration <= 0 {
		expiration = DefaultConfig().CacheExpiration
	}

	byID, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	byInternal, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}

	return &CachedSubscriptionStore{
		inner:      inner,
		byID:       byID,
		byInternal: byInternal,
		expiration: expiration,
		metrics:    metrics.GetMetrics(),
	}, nil
}

func (c *CachedSubscriptionStore) get(cache *lru.TwoQueueCache, k any, kind string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, found := cache.Get(k)
	if !found {
		c.metrics.StorageOperations.WithLabelValues("cache_miss_"+kind, "true").Inc()
		return nil, false
	}
	item := value.(cacheItem)
	if time.Now().After(item.expiration) {
		cache.Remove(k)
		c.metrics.StorageOperations.WithLabelValues("cache_expired_"+kind, "true").Inc()
		return nil, false
	}
	c.metrics.StorageOperations.WithLabelValues("cache_hit_"+kind, "true").Inc()
	return item.value, true
}

func (c *CachedSubscriptionStore) set(cache *lru.TwoQueueCache, k, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache.Add(k, cacheItem{value: v, expiration: time.Now().Add(c.expiration)})
}

func (c *CachedSubscriptionStore) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID.Remove(id)
}

func (c *CachedSubscriptionStore) remember(sub *domain.NotificationSubscription) {
	if sub == nil {
		return
	}
	c.set(c.byID, sub.ID, sub.Clone())
	if sub.InternalCondition != "" {
		c.set(c.byInternal, internalCacheKey(sub.Observer, sub.EventType, sub.InternalCondition), sub.ID)
	}
}

func internalCacheKey(observer, eventType, condition string) domain.SubscriptionKey {
	return domain.SubscriptionKey{Observer: observer, EventType: eventType, Condition: condition}
}

// Create inserts a new record
func (c *CachedSubscriptionStore) Create(ctx context.Context, sub *domain.NotificationSubscription) error {
	if err := c.inner.Create(ctx, sub); err != nil {
		return err
	}
	c.remember(sub)
	return nil
}

// CreateIfAbsent inserts sub unless an equivalent record exists
func (c *CachedSubscriptionStore) CreateIfAbsent(ctx context.Context, sub *domain.NotificationSubscription) (*domain.NotificationSubscription, bool, error) {
	rec, created, err := c.inner.CreateIfAbsent(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	c.remember(rec)
	return rec, created, nil
}

// FindByID serves from the cache when possible
func (c *CachedSubscriptionStore) FindByID(ctx context.Context, id string) (*domain.NotificationSubscription, error) {
	if v, ok := c.get(c.byID, id, "subscription"); ok {
		return v.(*domain.NotificationSubscription).Clone(), nil
	}
	rec, err := c.inner.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.remember(rec)
	return rec, nil
}

// FindWithInputCondition always reads through; renames move this key
func (c *CachedSubscriptionStore) FindWithInputCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	rec, err := c.inner.FindWithInputCondition(ctx, observer, eventType, condition)
	if err != nil {
		return nil, err
	}
	c.remember(rec)
	return rec, nil
}

// FindWithInternalCondition resolves the id from the cache, then the record
func (c *CachedSubscriptionStore) FindWithInternalCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	k := internalCacheKey(observer, eventType, condition)
	if v, ok := c.get(c.byInternal, k, "internal"); ok {
		rec, err := c.FindByID(ctx, v.(string))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		// record is gone, drop the stale mapping
		c.mu.Lock()
		c.byInternal.Remove(k)
		c.mu.Unlock()
	}

	rec, err := c.inner.FindWithInternalCondition(ctx, observer, eventType, condition)
	if err != nil {
		return nil, err
	}
	c.remember(rec)
	return rec, nil
}

// UpdateInputCondition renames a record
func (c *CachedSubscriptionStore) UpdateInputCondition(ctx context.Context, id, condition string) error {
	c.forget(id)
	return c.inner.UpdateInputCondition(ctx, id, condition)
}

// UpdateState replaces the continuation state of a record
func (c *CachedSubscriptionStore) UpdateState(ctx context.Context, id string, state map[string]string) error {
	c.forget(id)
	return c.inner.UpdateState(ctx, id, state)
}

// Remove deletes a record
func (c *CachedSubscriptionStore) Remove(ctx context.Context, id string) error {
	c.forget(id)
	return c.inner.Remove(ctx, id)
}

// ListAll always reads through
func (c *CachedSubscriptionStore) ListAll(ctx context.Context) ([]*domain.NotificationSubscription, error) {
	return c.inner.ListAll(ctx)
}

// Clear drops every record and empties the cache
func (c *CachedSubscriptionStore) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.byID.Purge()
	c.byInternal.Purge()
	c.mu.Unlock()
	return c.inner.Clear(ctx)
}

// cachedBackend swaps the subscription store of a backend for a cached one
type cachedBackend struct {
	Backend
	subscriptions *CachedSubscriptionStore
}

// WithCache wraps the subscription store of backend with a cache
func WithCache(backend Backend, size int, expiration time.Duration) (Backend, error) {
	cached, err := NewCachedSubscriptionStore(backend.Subscriptions(), size, expiration)
	if err != nil {
		return nil, err
	}
	return &cachedBackend{Backend: backend, subscriptions: cached}, nil
}

func (b *cachedBackend) Subscriptions() domain.SubscriptionStore {
	return b.subscriptions
}

// Start runs the wrapped backend's maintenance, if it has any
func (b *cachedBackend) Start(ctx context.Context) error {
	if s, ok := b.Backend.(Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/storage/memory"
	"github.com/nkkko/informer/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, defaultLimit int) storagetest.Backend {
		b, err := WithCache(memory.New(defaultLimit), 16, time.Minute)
		require.NoError(t, err)
		return b
	})
}

func TestGlobalLimitBackendPassesSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, defaultLimit int) storagetest.Backend {
		return WithGlobalLimit(memory.New(defaultLimit), defaultLimit)
	})
}

// countingStore records how often the inner store is asked for a record
type countingStore struct {
	domain.SubscriptionStore
	byID       int
	byInternal int
}

func (c *countingStore) FindByID(ctx context.Context, id string) (*domain.NotificationSubscription, error) {
	c.byID++
	return c.SubscriptionStore.FindByID(ctx, id)
}

func (c *countingStore) FindWithInternalCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	c.byInternal++
	return c.SubscriptionStore.FindWithInternalCondition(ctx, observer, eventType, condition)
}

func TestCacheServesRepeatedLookups(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{SubscriptionStore: memory.NewSubscriptionStore()}
	cache, err := NewCachedSubscriptionStore(inner, 8, time.Minute)
	require.NoError(t, err)

	require.NoError(t, cache.Create(ctx, &domain.NotificationSubscription{
		ID: "1", Observer: "twitch", EventType: "live", InputCondition: "sgt", InternalCondition: "123",
	}))

	for i := 0; i < 3; i++ {
		rec, err := cache.FindWithInternalCondition(ctx, "twitch", "live", "123")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "1", rec.ID)
	}
	assert.Equal(t, 0, inner.byInternal)
	assert.Equal(t, 0, inner.byID)

	// mutation drops the cached record
	require.NoError(t, cache.UpdateState(ctx, "1", map[string]string{"last_category": "Chess"}))
	rec, err := cache.FindWithInternalCondition(ctx, "twitch", "live", "123")
	require.NoError(t, err)
	assert.Equal(t, "Chess", rec.State["last_category"])
	assert.Equal(t, 1, inner.byID)
}

func TestCacheDropsRemovedRecords(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCachedSubscriptionStore(memory.NewSubscriptionStore(), 8, time.Minute)
	require.NoError(t, err)

	require.NoError(t, cache.Create(ctx, &domain.NotificationSubscription{
		ID: "1", Observer: "twitch", EventType: "live", InputCondition: "sgt", InternalCondition: "123",
	}))
	require.NoError(t, cache.Remove(ctx, "1"))

	rec, err := cache.FindWithInternalCondition(ctx, "twitch", "live", "123")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCachedSubscriptionStore(memory.NewSubscriptionStore(), 8, time.Minute)
	require.NoError(t, err)

	require.NoError(t, cache.Create(ctx, &domain.NotificationSubscription{
		ID: "1", Observer: "twitch", EventType: "live", InputCondition: "sgt", InternalCondition: "123",
		State: map[string]string{"k": "v"},
	}))

	rec, err := cache.FindByID(ctx, "1")
	require.NoError(t, err)
	rec.State["k"] = "changed"

	again, err := cache.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.State["k"])
}

func TestGlobalLimitSpansChannels(t *testing.T) {
	ctx := context.Background()
	b := WithGlobalLimit(memory.New(2), 2, "telegram", "discord")

	tg := b.Subscribers("telegram")
	dc := b.Subscribers("discord")

	_, err := tg.AddSubscription(ctx, "42", "a")
	require.NoError(t, err)
	_, err = dc.AddSubscription(ctx, "42", "b")
	require.NoError(t, err)

	err = tg.CheckSubscriptionsLimit(ctx, "42")
	assert.True(t, domain.IsType(err, domain.ErrorTypeLimitExceeded), "got %v", err)

	_, err = tg.AddSubscription(ctx, "42", "c")
	assert.True(t, domain.IsType(err, domain.ErrorTypeLimitExceeded), "got %v", err)

	_, err = tg.AddSubscription(ctx, "42", "a")
	assert.True(t, domain.IsType(err, domain.ErrorTypeConflict), "got %v", err)

	// other addresses are unaffected
	_, err = tg.AddSubscription(ctx, "7", "c")
	assert.NoError(t, err)
}

func TestNewBackend(t *testing.T) {
	cases := []struct {
		name   string
		config Config
	}{
		{"badger", Config{Type: BadgerStorage, CacheEnabled: true}},
		{"sqlite", Config{Type: SQLiteStorage}},
		{"memory", Config{Type: MemoryStorage}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.config.DataDir = t.TempDir()
			b, err := NewBackend(tc.config)
			require.NoError(t, err)
			defer b.Close()

			ctx := context.Background()
			require.NoError(t, b.Subscriptions().Create(ctx, &domain.NotificationSubscription{
				ID: "1", Observer: "twitch", EventType: "live", InputCondition: "sgt", InternalCondition: "123",
			}))
			rec, err := b.Subscriptions().FindByID(ctx, "1")
			require.NoError(t, err)
			assert.Equal(t, "sgt", rec.InputCondition)
		})
	}

	_, err := NewBackend(Config{Type: "mongo"})
	assert.Error(t, err)
}

// Package storagetest holds the behaviour every store backend must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nkkko/informer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is the part of a storage backend the suite exercises
type Backend interface {
	Subscriptions() domain.SubscriptionStore
	Subscribers(channel string) domain.SubscriberStore
}

// NewBackend opens a fresh, empty backend with the given default limit
type NewBackend func(t *testing.T, defaultLimit int) Backend

func sample(id, input, internal string) *domain.NotificationSubscription {
	return &domain.NotificationSubscription{
		ID:                id,
		Observer:          "twitch",
		EventType:         "live",
		InputCondition:    input,
		InternalCondition: internal,
	}
}

// Run executes the full suite against a backend
func Run(t *testing.T, newBackend NewBackend) {
	t.Run("SubscriptionCreateAndFind", func(t *testing.T) { testCreateAndFind(t, newBackend(t, 5)) })
	t.Run("SubscriptionDuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, newBackend(t, 5)) })
	t.Run("SubscriptionCreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newBackend(t, 5)) })
	t.Run("SubscriptionCreateIfAbsentConcurrent", func(t *testing.T) { testCreateIfAbsentConcurrent(t, newBackend(t, 5)) })
	t.Run("SubscriptionRename", func(t *testing.T) { testRename(t, newBackend(t, 5)) })
	t.Run("SubscriptionState", func(t *testing.T) { testState(t, newBackend(t, 5)) })
	t.Run("SubscriptionRemoveAndList", func(t *testing.T) { testRemoveAndList(t, newBackend(t, 5)) })
	t.Run("SubscriberAddRemove", func(t *testing.T) { testSubscriberAddRemove(t, newBackend(t, 2)) })
	t.Run("SubscriberListings", func(t *testing.T) { testSubscriberListings(t, newBackend(t, 5)) })
	t.Run("SubscriberChannelsAreSeparate", func(t *testing.T) { testChannelsSeparate(t, newBackend(t, 5)) })
}

func testCreateAndFind(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscriptions()

	require.NoError(t, store.Create(ctx, sample("1", "sgt", "123")))

	byID, err := store.FindByID(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "sgt", byID.InputCondition)

	byInput, err := store.FindWithInputCondition(ctx, "twitch", "live", "sgt")
	require.NoError(t, err)
	require.NotNil(t, byInput)
	assert.Equal(t, "1", byInput.ID)

	byInternal, err := store.FindWithInternalCondition(ctx, "twitch", "live", "123")
	require.NoError(t, err)
	require.NotNil(t, byInternal)
	assert.Equal(t, "1", byInternal.ID)

	missing, err := store.FindWithInputCondition(ctx, "twitch", "channel-update", "sgt")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = store.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testDuplicateCreate(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscriptions()

	require.NoError(t, store.Create(ctx, sample("1", "sgt", "123")))
	err := store.Create(ctx, sample("2", "sgt", "123"))
	assert.True(t, domain.IsType(err, domain.ErrorTypeConflict), "got %v", err)
}

func testCreateIfAbsent(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscriptions()

	rec, created, err := store.CreateIfAbsent(ctx, sample("1", "sgt", "123"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1", rec.ID)

	rec, created, err = store.CreateIfAbsent(ctx, sample("2", "sgt", "123"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "1", rec.ID)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testCreateIfAbsentConcurrent(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscriptions()

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]string, workers)
	createdCount := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, created, err := store.CreateIfAbsent(ctx, sample(fmt.Sprintf("id-%d", i), "race", "999"))
			if assert.NoError(t, err) {
				ids[i] = rec.ID
				createdCount[i] = created
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if createdCount[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testRename(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscriptions()

	require.NoError(t, store.Create(ctx, sample("1", "old", "123")))
	require.NoError(t, store.UpdateInputCondition(ctx, "1", "new"))

	old, err := store.FindWithInputCondition(ctx, "twitch", "live", "old")
	require.NoError(t, err)
	assert.Nil(t, old)

	renamed, err := store.FindWithInputCondition(ctx, "twitch", "live", "new")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, "123", renamed.InternalCondition)

	err = store.UpdateInputCondition(ctx, "missing", "x")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
}

func testState(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscriptions()

	rec := sample("1", "sgt", "123")
	rec.EventType = "channel-update"
	rec.State = map[string]string{"last_category": "Chess"}
	require.NoError(t, store.Create(ctx, rec))

	require.NoError(t, store.UpdateState(ctx, "1", map[string]string{"last_category": "Art"}))
	got, err := store.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Art", got.State["last_category"])

	err = store.UpdateState(ctx, "missing", nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
}

func testRemoveAndList(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscriptions()

	require.NoError(t, store.Create(ctx, sample("1", "a", "111")))
	require.NoError(t, store.Create(ctx, sample("2", "b", "222")))

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Remove(ctx, "1"))
	require.NoError(t, store.Remove(ctx, "1"))

	gone, err := store.FindWithInternalCondition(ctx, "twitch", "live", "111")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// the freed key can be reused
	require.NoError(t, store.Create(ctx, sample("3", "a", "111")))

	require.NoError(t, store.Clear(ctx))
	all, err = store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testSubscriberAddRemove(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscribers("telegram")

	require.NoError(t, store.CheckSubscriptionsLimit(ctx, "42"))

	sub, err := store.AddSubscription(ctx, "42", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.SubscriptionsLimit)
	assert.Equal(t, []string{"1"}, sub.Subscriptions)

	_, err = store.AddSubscription(ctx, "42", "1")
	assert.True(t, domain.IsType(err, domain.ErrorTypeConflict))

	_, err = store.AddSubscription(ctx, "42", "2")
	require.NoError(t, err)

	assert.True(t, domain.IsType(store.CheckSubscriptionsLimit(ctx, "42"), domain.ErrorTypeLimitExceeded))
	_, err = store.AddSubscription(ctx, "42", "3")
	assert.True(t, domain.IsType(err, domain.ErrorTypeLimitExceeded))

	_, err = store.RemoveSubscription(ctx, "42", "3")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))

	sub, err = store.RemoveSubscription(ctx, "42", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, sub.Subscriptions)

	_, err = store.RemoveSubscription(ctx, "7", "1")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))

	require.NoError(t, store.RemoveSubscriber(ctx, "42"))
	got, err := store.GetSubscriber(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testSubscriberListings(t *testing.T, b Backend) {
	ctx := context.Background()
	store := b.Subscribers("discord")

	for _, address := range []string{"a", "b", "c"} {
		_, err := store.AddSubscription(ctx, address, "1")
		require.NoError(t, err)
	}
	_, err := store.AddSubscription(ctx, "a", "2")
	require.NoError(t, err)

	addresses, err := store.ListAddresses(ctx, "1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, addresses)

	subs, err := store.ListSubscriptions(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, subs)

	all, err := store.ListSubscribers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, all)

	affected, err := store.RemoveSubscriptionEverywhere(ctx, "1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, affected)

	addresses, err = store.ListAddresses(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, addresses)

	subs, err = store.ListSubscriptions(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, subs)

	require.NoError(t, store.Clear(ctx))
	all, err = store.ListSubscribers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testChannelsSeparate(t *testing.T, b Backend) {
	ctx := context.Background()

	_, err := b.Subscribers("telegram").AddSubscription(ctx, "42", "1")
	require.NoError(t, err)

	addresses, err := b.Subscribers("discord").ListAddresses(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, addresses)

	addresses, err = b.Subscribers("telegram").ListAddresses(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, addresses)
}

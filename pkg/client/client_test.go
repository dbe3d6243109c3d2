package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nkkko/informer/internal/api"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalog struct{}

func (catalog) Observers() []string { return []string{"twitch"} }

func (catalog) EventTypes(string) []string { return []string{"channel-update", "live"} }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := memory.New(5).Subscriptions()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &domain.NotificationSubscription{
		ID: "a", Observer: "twitch", EventType: "live", InputCondition: "sgt", InternalCondition: "123",
	}))
	require.NoError(t, store.Create(ctx, &domain.NotificationSubscription{
		ID: "b", Observer: "twitch", EventType: "channel-update", InputCondition: "sgt", InternalCondition: "123",
		State: map[string]string{"last_category": "Chess"},
	}))

	srv := httptest.NewServer(api.New(api.Config{}, api.Deps{Store: store, Catalog: catalog{}}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	c := New(newServer(t).URL)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"twitch"}, health.Observers)
}

func TestListSubscriptions(t *testing.T) {
	c := New(newServer(t).URL)
	ctx := context.Background()

	page, err := c.ListSubscriptions(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Subscriptions, 2)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, "channel-update", page.Subscriptions[0].EventType)
	assert.Equal(t, "Chess", page.Subscriptions[0].State["last_category"])
	assert.Equal(t, -1, page.Subscriptions[0].Recipients)

	page, err = c.ListSubscriptions(ctx, ListOptions{EventType: "live", Observer: "twitch"})
	require.NoError(t, err)
	require.Len(t, page.Subscriptions, 1)
	assert.Equal(t, "a", page.Subscriptions[0].ID)

	page, err = c.ListSubscriptions(ctx, ListOptions{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, page.Subscriptions)
	assert.Equal(t, 2, page.TotalCount)
}

func TestGetSubscription(t *testing.T) {
	c := New(newServer(t).URL, WithHeaders(map[string]string{"X-Request-Id": "req-1"}))
	ctx := context.Background()

	sub, err := c.GetSubscription(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "sgt", sub.InputCondition)

	_, err = c.GetSubscription(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Type)
	assert.Equal(t, "req-1", apiErr.RequestID)
}

func TestValidationErrorIsReturned(t *testing.T) {
	c := New(newServer(t).URL)

	_, err := c.ListSubscriptions(context.Background(), ListOptions{Observer: "youtube"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCatalog struct{}

func (staticCatalog) Observers() []string { return []string{"twitch"} }

func (staticCatalog) EventTypes(observer string) []string {
	if observer == "twitch" {
		return []string{"channel-update", "live"}
	}
	return nil
}

type countingRecipients struct {
	counts map[string]int
	err    error
}

func (c countingRecipients) Channels() []string { return []string{"discord", "telegram"} }

func (c countingRecipients) Recipients(ctx context.Context, id string) (int, error) {
	return c.counts[id], c.err
}

type brokenStore struct {
	domain.SubscriptionStore
}

func (brokenStore) ListAll(ctx context.Context) ([]*domain.NotificationSubscription, error) {
	return nil, domain.StoreError("list_all", errors.New("disk on fire"))
}

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		TotalCount int `json:"total_count"`
		Limit      int `json:"limit"`
		Offset     int `json:"offset"`
	} `json:"meta"`
}

func newTestAPI(t *testing.T, store domain.SubscriptionStore, webhook http.Handler) *API {
	t.Helper()

	deps := Deps{
		Store:      store,
		Catalog:    staticCatalog{},
		Recipients: countingRecipients{counts: map[string]int{"1": 3}},
	}
	if webhook != nil {
		deps.Webhooks = map[string]http.Handler{"/webhooks/twitch": webhook}
	}
	return New(Config{}, deps)
}

func seed(t *testing.T) domain.SubscriptionStore {
	t.Helper()

	store := memory.New(5).Subscriptions()
	ctx := context.Background()
	for _, sub := range []*domain.NotificationSubscription{
		{ID: "1", Observer: "twitch", EventType: "live", InputCondition: "sgt", InternalCondition: "123"},
		{ID: "2", Observer: "twitch", EventType: "channel-update", InputCondition: "sgt", InternalCondition: "123"},
		{ID: "3", Observer: "twitch", EventType: "live", InputCondition: "alpha", InternalCondition: "7"},
	} {
		require.NoError(t, store.Create(ctx, sub))
	}
	return store
}

func get(t *testing.T, a *API, target string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, seed(t), nil)

	rec, body := get(t, a, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.RequestID)
	assert.JSONEq(t, `{"status":"ok","observers":["twitch"],"channels":["discord","telegram"]}`, string(body.Data))
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t, seed(t), nil)

	rec, _ := get(t, a, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListSubscriptions(t *testing.T) {
	a := newTestAPI(t, seed(t), nil)

	rec, body := get(t, a, "/subscriptions?observer=twitch&event_type=live")
	require.Equal(t, http.StatusOK, rec.Code)

	var subs []struct {
		ID             string `json:"id"`
		InputCondition string `json:"input_condition"`
		Recipients     int    `json:"recipients"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &subs))
	require.Len(t, subs, 2)
	assert.Equal(t, "alpha", subs[0].InputCondition)
	assert.Equal(t, "sgt", subs[1].InputCondition)
	assert.Equal(t, 3, subs[1].Recipients)
	assert.Equal(t, 2, body.Meta.TotalCount)
}

func TestListSubscriptionsPaginates(t *testing.T) {
	a := newTestAPI(t, seed(t), nil)

	_, body := get(t, a, "/subscriptions?limit=1&offset=2")

	var subs []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "1", subs[0].ID)
	assert.Equal(t, 3, body.Meta.TotalCount)
	assert.Equal(t, 1, body.Meta.Limit)

	_, body = get(t, a, "/subscriptions?offset=10")
	assert.JSONEq(t, `[]`, string(body.Data))
	assert.Equal(t, 3, body.Meta.TotalCount)
}

func TestListSubscriptionsRejectsBadQuery(t *testing.T) {
	a := newTestAPI(t, seed(t), nil)

	for _, target := range []string{
		"/subscriptions?limit=zero",
		"/subscriptions?observer=youtube",
		"/subscriptions?observer=twitch&event_type=raid",
	} {
		rec, body := get(t, a, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "validation", body.Error.Type, target)
	}
}

func TestStoreFailureIsOpaque(t *testing.T) {
	a := newTestAPI(t, brokenStore{SubscriptionStore: seed(t)}, nil)

	rec, body := get(t, a, "/subscriptions")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestGetSubscription(t *testing.T) {
	a := newTestAPI(t, seed(t), nil)

	rec, body := get(t, a, "/subscriptions/2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body.Data), `"event_type":"channel-update"`)

	rec, body = get(t, a, "/subscriptions/404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body.Error.Type)
}

func TestWebhookIsMounted(t *testing.T) {
	called := false
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	a := newTestAPI(t, seed(t), webhook)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/twitch", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, called)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/twitch", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecovererCatchesPanics(t *testing.T) {
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	a := newTestAPI(t, seed(t), webhook)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/twitch", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

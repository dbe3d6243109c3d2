package twitch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicklaw5/helix/v2"
	"github.com/nkkko/informer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cr3t-s3cr3t"

type fakeClient struct {
	mu sync.Mutex

	users    map[string]helix.User
	channels map[string]helix.ChannelInformation
	subs     []helix.EventSubSubscription
	pageSize int

	created []*helix.EventSubSubscription
	removed []string
	tokens  []string

	userLookups  int
	unauthorized int

	// channel lookups wait on hold when set
	hold chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		users:    make(map[string]helix.User),
		channels: make(map[string]helix.ChannelInformation),
		pageSize: 100,
	}
}

func (f *fakeClient) status() helix.ResponseCommon {
	if f.unauthorized > 0 {
		f.unauthorized--
		return helix.ResponseCommon{StatusCode: http.StatusUnauthorized, ErrorMessage: "Invalid OAuth token"}
	}
	return helix.ResponseCommon{StatusCode: http.StatusOK}
}

func (f *fakeClient) GetUsers(params *helix.UsersParams) (*helix.UsersResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userLookups++

	resp := &helix.UsersResponse{ResponseCommon: f.status()}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	for _, login := range params.Logins {
		if u, ok := f.users[login]; ok {
			resp.Data.Users = append(resp.Data.Users, u)
		}
	}
	return resp, nil
}

func (f *fakeClient) GetChannelInformation(params *helix.GetChannelInformationParams) (*helix.GetChannelInformationResponse, error) {
	if f.hold != nil {
		<-f.hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &helix.GetChannelInformationResponse{ResponseCommon: f.status()}
	for _, id := range params.BroadcasterIDs {
		if c, ok := f.channels[id]; ok {
			resp.Data.Channels = append(resp.Data.Channels, c)
		}
	}
	return resp, nil
}

func (f *fakeClient) CreateEventSubSubscription(payload *helix.EventSubSubscription) (*helix.EventSubSubscriptionsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, payload)
	sub := *payload
	sub.ID = "sub-" + payload.Condition.BroadcasterUserID + "-" + payload.Type
	sub.Status = "webhook_callback_verification_pending"
	f.subs = append(f.subs, sub)

	resp := &helix.EventSubSubscriptionsResponse{ResponseCommon: helix.ResponseCommon{StatusCode: http.StatusAccepted}}
	resp.Data.EventSubSubscriptions = []helix.EventSubSubscription{sub}
	return resp, nil
}

func (f *fakeClient) RemoveEventSubSubscription(id string) (*helix.RemoveEventSubSubscriptionParamsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, s := range f.subs {
		if s.ID == id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			f.removed = append(f.removed, id)
			return &helix.RemoveEventSubSubscriptionParamsResponse{ResponseCommon: helix.ResponseCommon{StatusCode: http.StatusNoContent}}, nil
		}
	}
	return &helix.RemoveEventSubSubscriptionParamsResponse{ResponseCommon: helix.ResponseCommon{StatusCode: http.StatusNotFound}}, nil
}

func (f *fakeClient) GetEventSubSubscriptions(params *helix.EventSubSubscriptionsParams) (*helix.EventSubSubscriptionsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := 0
	if params.After != "" {
		for i, s := range f.subs {
			if s.ID == params.After {
				start = i + 1
			}
		}
	}
	end := start + f.pageSize
	if end > len(f.subs) {
		end = len(f.subs)
	}

	resp := &helix.EventSubSubscriptionsResponse{ResponseCommon: helix.ResponseCommon{StatusCode: http.StatusOK}}
	resp.Data.EventSubSubscriptions = append(resp.Data.EventSubSubscriptions, f.subs[start:end]...)
	if end < len(f.subs) {
		resp.Data.Pagination.Cursor = f.subs[end-1].ID
	}
	return resp, nil
}

func (f *fakeClient) RequestAppAccessToken(scopes []string) (*helix.AppAccessTokenResponse, error) {
	resp := &helix.AppAccessTokenResponse{ResponseCommon: helix.ResponseCommon{StatusCode: http.StatusOK}}
	resp.Data.AccessToken = "token-" + time.Now().Format(time.RFC3339Nano)
	return resp, nil
}

func (f *fakeClient) SetAppAccessToken(accessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, accessToken)
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeClient) {
	t.Helper()

	c := newFakeClient()
	c.users["sgt"] = helix.User{ID: "123", Login: "sgt", DisplayName: "Sgt"}
	c.channels["123"] = helix.ChannelInformation{BroadcasterID: "123", GameName: "Chess", Title: "Road to 2000"}

	a, err := NewWithClient(Config{
		SubscriptionSecret: testSecret,
		HostName:           "https://informer.example.com/",
	}, c)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, c
}

func TestResolveBroadcasterCaches(t *testing.T) {
	a, c := newTestAdapter(t)
	ctx := context.Background()

	b, err := a.ResolveBroadcaster(ctx, " SGT ")
	require.NoError(t, err)
	assert.Equal(t, domain.Broadcaster{ID: "123", Login: "sgt", DisplayName: "Sgt"}, b)

	_, err = a.ResolveBroadcaster(ctx, "sgt")
	require.NoError(t, err)
	assert.Equal(t, 1, c.userLookups)
}

func TestResolveBroadcasterNotFound(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.ResolveBroadcaster(context.Background(), "nobody")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound), "got %v", err)
}

func TestUnauthorizedRefreshesToken(t *testing.T) {
	a, c := newTestAdapter(t)
	c.unauthorized = 1

	b, err := a.ResolveBroadcaster(context.Background(), "sgt")
	require.NoError(t, err)
	assert.Equal(t, "123", b.ID)
	assert.Len(t, c.tokens, 1)
	assert.Equal(t, 2, c.userLookups)
}

func TestCurrentCategory(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	category, err := a.CurrentCategory(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "Chess", category)

	_, err = a.CurrentCategory(ctx, "999")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound), "got %v", err)
}

func TestCreateSubscription(t *testing.T) {
	a, c := newTestAdapter(t)
	ctx := context.Background()

	up, err := a.CreateSubscription(ctx, "channel-update", "123")
	require.NoError(t, err)
	assert.Equal(t, domain.UpstreamPending, up.Status)
	assert.Equal(t, "channel-update", up.EventType)
	assert.Equal(t, "123", up.BroadcasterID)

	require.Len(t, c.created, 1)
	sub := c.created[0]
	assert.Equal(t, helix.EventSubTypeChannelUpdate, sub.Type)
	assert.Equal(t, "2", sub.Version)
	assert.Equal(t, "webhook", sub.Transport.Method)
	assert.Equal(t, "https://informer.example.com/webhooks/twitch", sub.Transport.Callback)
	assert.Equal(t, testSecret, sub.Transport.Secret)

	_, err = a.CreateSubscription(ctx, "raid", "123")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound), "got %v", err)
}

func TestListSubscriptionsPages(t *testing.T) {
	a, c := newTestAdapter(t)
	c.pageSize = 2
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		_, err := a.CreateSubscription(ctx, "live", id)
		require.NoError(t, err)
	}

	ups, err := a.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, ups, 5)
	assert.Equal(t, "live", ups[4].EventType)
}

func TestDeleteSubscriptionIgnoresUnknown(t *testing.T) {
	a, c := newTestAdapter(t)
	ctx := context.Background()

	up, err := a.CreateSubscription(ctx, "live", "123")
	require.NoError(t, err)
	require.NoError(t, a.DeleteSubscription(ctx, up.ID))
	require.NoError(t, a.DeleteSubscription(ctx, up.ID))
	assert.Equal(t, []string{up.ID}, c.removed)
}

func TestGetSubscriptionFallsBackToList(t *testing.T) {
	a, c := newTestAdapter(t)
	c.subs = append(c.subs, helix.EventSubSubscription{ID: "old", Type: helix.EventSubTypeStreamOnline, Status: "enabled"})

	up, err := a.GetSubscription(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, domain.UpstreamEnabled, up.Status)

	_, err = a.GetSubscription(context.Background(), "missing")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound), "got %v", err)
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, domain.UpstreamEnabled, toStatus("enabled"))
	assert.Equal(t, domain.UpstreamPending, toStatus("webhook_callback_verification_pending"))
	assert.Equal(t, domain.UpstreamRevoked, toStatus("authorization_revoked"))
	assert.Equal(t, domain.UpstreamRevoked, toStatus("user_removed"))
	assert.Equal(t, domain.UpstreamFailed, toStatus("webhook_callback_verification_failed"))
	assert.Equal(t, domain.UpstreamFailed, toStatus("notification_failures_exceeded"))
}

func signedRequest(t *testing.T, messageID, messageType, body string) *http.Request {
	t.Helper()

	timestamp := time.Now().UTC().Format(time.RFC3339)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(messageID + timestamp + body))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twitch", strings.NewReader(body))
	req.Header.Set("Twitch-Eventsub-Message-Id", messageID)
	req.Header.Set("Twitch-Eventsub-Message-Timestamp", timestamp)
	req.Header.Set("Twitch-Eventsub-Message-Type", messageType)
	req.Header.Set("Twitch-Eventsub-Message-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func serve(a *Adapter, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func receiveEvent(t *testing.T, a *Adapter) domain.Event {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
		return domain.Event{}
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	a, _ := newTestAdapter(t)

	req := signedRequest(t, "m1", "notification", `{"subscription":{}}`)
	req.Header.Set("Twitch-Eventsub-Message-Signature", "sha256=deadbeef")

	rec := serve(a, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookVerificationEnablesSubscription(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	up, err := a.CreateSubscription(ctx, "live", "123")
	require.NoError(t, err)

	body := `{"challenge":"pogchamp-kappa-360noscope-vohiyo","subscription":{"id":"` + up.ID + `","status":"webhook_callback_verification_pending","type":"stream.online","version":"1"}}`
	rec := serve(a, signedRequest(t, "m1", "webhook_callback_verification", body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pogchamp-kappa-360noscope-vohiyo", rec.Body.String())

	got, err := a.GetSubscription(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpstreamEnabled, got.Status)
}

func TestWebhookStreamOnlineIsEnriched(t *testing.T) {
	a, _ := newTestAdapter(t)

	body := `{"subscription":{"id":"sub-1","type":"stream.online","version":"1","status":"enabled"},` +
		`"event":{"id":"9001","broadcaster_user_id":"123","broadcaster_user_login":"sgt","broadcaster_user_name":"Sgt","type":"live"}}`
	rec := serve(a, signedRequest(t, "m1", "notification", body))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ev := receiveEvent(t, a)
	assert.Equal(t, "sub-1", ev.SubscriptionID)
	assert.Equal(t, "live", ev.Type)
	assert.Equal(t, "123", ev.BroadcasterID)
	assert.Equal(t, "sgt", ev.BroadcasterLogin)
	assert.Equal(t, "Sgt", ev.BroadcasterName)
	assert.Equal(t, "Chess", ev.Category)
	assert.Equal(t, "Road to 2000", ev.Title)
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestWebhookChannelUpdate(t *testing.T) {
	a, _ := newTestAdapter(t)

	body := `{"subscription":{"id":"sub-2","type":"channel.update","version":"2","status":"enabled"},` +
		`"event":{"broadcaster_user_id":"123","broadcaster_user_login":"sgt","broadcaster_user_name":"Sgt","title":"Blitz","category_name":"Chess"}}`
	rec := serve(a, signedRequest(t, "m1", "notification", body))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ev := receiveEvent(t, a)
	assert.Equal(t, "channel-update", ev.Type)
	assert.Equal(t, "Chess", ev.Category)
	assert.Equal(t, "Blitz", ev.Title)
}

func TestWebhookDropsDuplicates(t *testing.T) {
	a, _ := newTestAdapter(t)

	body := `{"subscription":{"id":"sub-2","type":"channel.update","version":"2"},"event":{"broadcaster_user_id":"123","category_name":"Chess"}}`
	assert.Equal(t, http.StatusNoContent, serve(a, signedRequest(t, "dup", "notification", body)).Code)
	assert.Equal(t, http.StatusNoContent, serve(a, signedRequest(t, "dup", "notification", body)).Code)

	receiveEvent(t, a)
	select {
	case ev := <-a.Events():
		t.Fatalf("Unexpected duplicate event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookRetryAfterBadEventIsProcessed(t *testing.T) {
	a, _ := newTestAdapter(t)

	bad := `{"subscription":{"id":"sub-2","type":"channel.update","version":"2"},"event":"garbled"}`
	assert.Equal(t, http.StatusBadRequest, serve(a, signedRequest(t, "m7", "notification", bad)).Code)

	good := `{"subscription":{"id":"sub-2","type":"channel.update","version":"2"},"event":{"broadcaster_user_id":"123","category_name":"Chess"}}`
	assert.Equal(t, http.StatusNoContent, serve(a, signedRequest(t, "m7", "notification", good)).Code)

	ev := receiveEvent(t, a)
	assert.Equal(t, "Chess", ev.Category)
}

func TestWebhookKeepsOrderPerBroadcaster(t *testing.T) {
	a, c := newTestAdapter(t)
	c.hold = make(chan struct{})

	online := `{"subscription":{"id":"sub-1","type":"stream.online","version":"1"},` +
		`"event":{"broadcaster_user_id":"123","broadcaster_user_login":"sgt","type":"live"}}`
	first := `{"subscription":{"id":"sub-2","type":"channel.update","version":"2"},"event":{"broadcaster_user_id":"123","category_name":"Chess"}}`
	second := `{"subscription":{"id":"sub-2","type":"channel.update","version":"2"},"event":{"broadcaster_user_id":"123","category_name":"Go"}}`
	other := `{"subscription":{"id":"sub-5","type":"channel.update","version":"2"},"event":{"broadcaster_user_id":"456","category_name":"Art"}}`

	for i, body := range []string{online, first, second, other} {
		rec := serve(a, signedRequest(t, "m"+strconv.Itoa(i), "notification", body))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	// a slow lookup for one broadcaster does not hold up another
	assert.Equal(t, "456", receiveEvent(t, a).BroadcasterID)
	close(c.hold)

	assert.Equal(t, "live", receiveEvent(t, a).Type)
	assert.Equal(t, "Chess", receiveEvent(t, a).Category)
	assert.Equal(t, "Go", receiveEvent(t, a).Category)
}

func TestWebhookRevocation(t *testing.T) {
	a, _ := newTestAdapter(t)

	body := `{"subscription":{"id":"sub-3","type":"stream.online","version":"1","status":"authorization_revoked"}}`
	rec := serve(a, signedRequest(t, "m1", "revocation", body))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case rev := <-a.Revocations():
		assert.Equal(t, domain.Revocation{SubscriptionID: "sub-3", Reason: "authorization_revoked"}, rev)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for revocation")
	}

	up, err := a.GetSubscription(context.Background(), "sub-3")
	require.NoError(t, err)
	assert.Equal(t, domain.UpstreamRevoked, up.Status)
}

func TestWebhookUnknownEventType(t *testing.T) {
	a, _ := newTestAdapter(t)

	body := `{"subscription":{"id":"sub-4","type":"channel.raid","version":"1"},"event":{}}`
	rec := serve(a, signedRequest(t, "m1", "notification", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

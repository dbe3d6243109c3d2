// Package twitch is the Twitch platform adapter: Helix API calls for users,
// channels and EventSub subscriptions, plus the EventSub webhook receiver.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nicklaw5/helix/v2"
	"github.com/nkkko/informer/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name is the observer key
const Name = "twitch"

// Config contains Twitch adapter configuration
type Config struct {
	ClientID     string
	ClientSecret string

	// Secret used to sign webhook deliveries
	SubscriptionSecret string

	// Public base URL of this service, without a trailing slash
	HostName string

	// Path the webhook handler is mounted on
	CallbackPath string

	LoginCacheSize int
	DedupCacheSize int
	EventBuffer    int
}

// DefaultConfig returns the default Twitch adapter configuration
func DefaultConfig() Config {
	return Config{
		CallbackPath:   "/webhooks/twitch",
		LoginCacheSize: 1024,
		DedupCacheSize: 4096,
		EventBuffer:    256,
	}
}

// CallbackURL returns the webhook address registered with EventSub
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.HostName, "/") + c.CallbackPath
}

// eventType maps a domain event type to its EventSub type and version
type eventType struct {
	name    string
	version string
}

var eventTypes = map[string]eventType{
	"live":           {name: helix.EventSubTypeStreamOnline, version: "1"},
	"channel-update": {name: helix.EventSubTypeChannelUpdate, version: "2"},
}

// domainType returns the domain event type of an EventSub type
func domainType(name string) string {
	for k, v := range eventTypes {
		if v.name == name {
			return k
		}
	}
	return ""
}

// client is the part of helix.Client the adapter uses
type client interface {
	GetUsers(params *helix.UsersParams) (*helix.UsersResponse, error)
	GetChannelInformation(params *helix.GetChannelInformationParams) (*helix.GetChannelInformationResponse, error)
	CreateEventSubSubscription(payload *helix.EventSubSubscription) (*helix.EventSubSubscriptionsResponse, error)
	RemoveEventSubSubscription(id string) (*helix.RemoveEventSubSubscriptionParamsResponse, error)
	GetEventSubSubscriptions(params *helix.EventSubSubscriptionsParams) (*helix.EventSubSubscriptionsResponse, error)
	RequestAppAccessToken(scopes []string) (*helix.AppAccessTokenResponse, error)
	SetAppAccessToken(accessToken string)
}

// Adapter implements domain.PlatformAdapter for Twitch
type Adapter struct {
	config Config
	client client

	logins *lru.Cache
	seen   *lru.Cache

	mu       sync.Mutex
	statuses map[string]domain.UpstreamStatus
	tokenMu  sync.Mutex

	// events waiting behind an earlier one of the same broadcaster
	lanes  map[string][]domain.Event
	laneMu sync.Mutex

	events      chan domain.Event
	revocations chan domain.Revocation
	done        chan struct{}
	closeOnce   sync.Once

	logger zerolog.Logger
}

// Ensure Adapter implements domain.PlatformAdapter
var _ domain.PlatformAdapter = (*Adapter)(nil)

// New creates a Helix client and requests an app access token
func New(config Config) (*Adapter, error) {
	c, err := helix.NewClient(&helix.Options{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	a, err := NewWithClient(config, c)
	if err != nil {
		return nil, err
	}
	if err := a.refreshToken(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithClient creates an adapter over an existing client
func NewWithClient(config Config, c client) (*Adapter, error) {
	defaults := DefaultConfig()
	if config.CallbackPath == "" {
		config.CallbackPath = defaults.CallbackPath
	}
	if config.LoginCacheSize <= 0 {
		config.LoginCacheSize = defaults.LoginCacheSize
	}
	if config.DedupCacheSize <= 0 {
		config.DedupCacheSize = defaults.DedupCacheSize
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}

	logins, err := lru.New(config.LoginCacheSize)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New(config.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		config:      config,
		client:      c,
		logins:      logins,
		seen:        seen,
		statuses:    make(map[string]domain.UpstreamStatus),
		lanes:       make(map[string][]domain.Event),
		events:      make(chan domain.Event, config.EventBuffer),
		revocations: make(chan domain.Revocation, 16),
		done:        make(chan struct{}),
		logger:      log.With().Str("component", "twitch").Logger(),
	}, nil
}

// Name returns the observer key
func (a *Adapter) Name() string {
	return Name
}

// Events returns verified webhook notifications
func (a *Adapter) Events() <-chan domain.Event {
	return a.events
}

// Revocations returns upstream cancellations
func (a *Adapter) Revocations() <-chan domain.Revocation {
	return a.revocations
}

// Close stops pushing webhook deliveries
func (a *Adapter) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *Adapter) refreshToken() error {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	resp, err := a.client.RequestAppAccessToken([]string{})
	if err != nil {
		return fmt.Errorf("failed to request app access token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to request app access token: %d %s", resp.StatusCode, resp.ErrorMessage)
	}
	a.client.SetAppAccessToken(resp.Data.AccessToken)
	return nil
}

// call runs fn, refreshing the app token once when it was rejected
func (a *Adapter) call(op string, fn func() (*helix.ResponseCommon, error)) error {
	resp, err := fn()
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		a.logger.Info().Str("op", op).Msg("App access token rejected, refreshing")
		if err := a.refreshToken(); err != nil {
			return err
		}
		resp, err = fn()
	}
	if err != nil {
		return fmt.Errorf("helix %s: %w", op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &apiError{op: op, status: resp.StatusCode, message: resp.ErrorMessage}
	}
	return nil
}

type apiError struct {
	op      string
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("helix %s: %d %s", e.op, e.status, e.message)
}

func isStatus(err error, status int) bool {
	var e *apiError
	return errors.As(err, &e) && e.status == status
}

// ResolveBroadcaster looks up a user by login
func (a *Adapter) ResolveBroadcaster(ctx context.Context, login string) (domain.Broadcaster, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if v, ok := a.logins.Get(login); ok {
		return v.(domain.Broadcaster), nil
	}

	var resp *helix.UsersResponse
	err := a.call("get_users", func() (*helix.ResponseCommon, error) {
		r, err := a.client.GetUsers(&helix.UsersParams{Logins: []string{login}})
		if err != nil {
			return nil, err
		}
		resp = r
		return &r.ResponseCommon, nil
	})
	if err != nil {
		// malformed logins are rejected with 400
		if isStatus(err, http.StatusBadRequest) {
			return domain.Broadcaster{}, domain.NotFoundError("broadcaster_not_found", "no such broadcaster: "+login)
		}
		return domain.Broadcaster{}, err
	}
	if len(resp.Data.Users) == 0 {
		return domain.Broadcaster{}, domain.NotFoundError("broadcaster_not_found", "no such broadcaster: "+login)
	}

	u := resp.Data.Users[0]
	b := domain.Broadcaster{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName}
	a.logins.Add(login, b)
	return b, nil
}

// CurrentCategory returns the broadcaster's current game name
func (a *Adapter) CurrentCategory(ctx context.Context, broadcasterID string) (string, error) {
	info, err := a.channelInformation(broadcasterID)
	if err != nil {
		return "", err
	}
	return info.GameName, nil
}

func (a *Adapter) channelInformation(broadcasterID string) (helix.ChannelInformation, error) {
	var resp *helix.GetChannelInformationResponse
	err := a.call("get_channel_information", func() (*helix.ResponseCommon, error) {
		r, err := a.client.GetChannelInformation(&helix.GetChannelInformationParams{BroadcasterIDs: []string{broadcasterID}})
		if err != nil {
			return nil, err
		}
		resp = r
		return &r.ResponseCommon, nil
	})
	if err != nil {
		return helix.ChannelInformation{}, err
	}
	if len(resp.Data.Channels) == 0 {
		return helix.ChannelInformation{}, domain.NotFoundError("channel_not_found", "no channel for broadcaster "+broadcasterID)
	}
	return resp.Data.Channels[0], nil
}

// CreateSubscription registers a webhook subscription. It starts pending and
// is enabled once the callback challenge is answered.
func (a *Adapter) CreateSubscription(ctx context.Context, eventType, broadcasterID string) (domain.Upstream, error) {
	et, ok := eventTypes[eventType]
	if !ok {
		return domain.Upstream{}, domain.NotFoundError("unknown_event_type", "unsupported event type: "+eventType)
	}

	var resp *helix.EventSubSubscriptionsResponse
	err := a.call("create_subscription", func() (*helix.ResponseCommon, error) {
		r, err := a.client.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:      et.name,
			Version:   et.version,
			Condition: helix.EventSubCondition{BroadcasterUserID: broadcasterID},
			Transport: helix.EventSubTransport{
				Method:   "webhook",
				Callback: a.config.CallbackURL(),
				Secret:   a.config.SubscriptionSecret,
			},
		})
		if err != nil {
			return nil, err
		}
		resp = r
		return &r.ResponseCommon, nil
	})
	if err != nil {
		if isStatus(err, http.StatusConflict) {
			return domain.Upstream{}, domain.ConflictError("upstream_exists", "an upstream subscription already exists").Wrap(err)
		}
		return domain.Upstream{}, err
	}
	if len(resp.Data.EventSubSubscriptions) == 0 {
		return domain.Upstream{}, fmt.Errorf("helix create_subscription: empty response")
	}

	up := toUpstream(resp.Data.EventSubSubscriptions[0])
	a.mu.Lock()
	if known, ok := a.statuses[up.ID]; ok {
		// the challenge can arrive before the create call returns
		up.Status = known
	} else {
		a.statuses[up.ID] = up.Status
	}
	a.mu.Unlock()

	a.logger.Debug().
		Str("subscription_id", up.ID).
		Str("type", et.name).
		Str("broadcaster_id", broadcasterID).
		Msg("EventSub subscription created")
	return up, nil
}

// GetSubscription returns the status of one subscription. Subscriptions
// created by this process are answered from the webhook state.
func (a *Adapter) GetSubscription(ctx context.Context, id string) (domain.Upstream, error) {
	a.mu.Lock()
	status, ok := a.statuses[id]
	a.mu.Unlock()
	if ok {
		return domain.Upstream{ID: id, Status: status}, nil
	}

	ups, err := a.ListSubscriptions(ctx)
	if err != nil {
		return domain.Upstream{}, err
	}
	for _, up := range ups {
		if up.ID == id {
			return up, nil
		}
	}
	return domain.Upstream{}, domain.NotFoundError("upstream_not_found", "no upstream subscription "+id)
}

// DeleteSubscription removes a subscription; an unknown id is not an error
func (a *Adapter) DeleteSubscription(ctx context.Context, id string) error {
	err := a.call("remove_subscription", func() (*helix.ResponseCommon, error) {
		r, err := a.client.RemoveEventSubSubscription(id)
		if err != nil {
			return nil, err
		}
		return &r.ResponseCommon, nil
	})
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}

	a.mu.Lock()
	delete(a.statuses, id)
	a.mu.Unlock()
	return nil
}

// ListSubscriptions pages through every subscription of the application
func (a *Adapter) ListSubscriptions(ctx context.Context) ([]domain.Upstream, error) {
	var out []domain.Upstream
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var resp *helix.EventSubSubscriptionsResponse
		err := a.call("get_subscriptions", func() (*helix.ResponseCommon, error) {
			r, err := a.client.GetEventSubSubscriptions(&helix.EventSubSubscriptionsParams{After: cursor})
			if err != nil {
				return nil, err
			}
			resp = r
			return &r.ResponseCommon, nil
		})
		if err != nil {
			return nil, err
		}

		for _, s := range resp.Data.EventSubSubscriptions {
			out = append(out, toUpstream(s))
		}
		cursor = resp.Data.Pagination.Cursor
		if cursor == "" {
			return out, nil
		}
	}
}

func toUpstream(s helix.EventSubSubscription) domain.Upstream {
	return domain.Upstream{
		ID:            s.ID,
		EventType:     domainType(s.Type),
		BroadcasterID: s.Condition.BroadcasterUserID,
		Status:        toStatus(s.Status),
	}
}

// toStatus maps EventSub status strings
func toStatus(status string) domain.UpstreamStatus {
	switch status {
	case "enabled":
		return domain.UpstreamEnabled
	case "webhook_callback_verification_pending":
		return domain.UpstreamPending
	case "authorization_revoked", "user_removed", "version_removed", "moderator_removed":
		return domain.UpstreamRevoked
	default:
		return domain.UpstreamFailed
	}
}

func (a *Adapter) setStatus(id string, status domain.UpstreamStatus) {
	a.mu.Lock()
	a.statuses[id] = status
	a.mu.Unlock()
}

// push hands an event to the observer unless the adapter is closed
func (a *Adapter) push(ev domain.Event) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) pushRevocation(rev domain.Revocation) {
	select {
	case a.revocations <- rev:
	case <-a.done:
	}
}

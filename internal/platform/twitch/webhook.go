package twitch

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nicklaw5/helix/v2"
	"github.com/nkkko/informer/internal/domain"
)

// EventSub webhook headers and message types
const (
	headerMessageID   = "Twitch-Eventsub-Message-Id"
	headerMessageType = "Twitch-Eventsub-Message-Type"

	messageVerification = "webhook_callback_verification"
	messageNotification = "notification"
	messageRevocation   = "revocation"

	maxBodySize = 1 << 20
)

// notification is the body of every EventSub webhook delivery
type notification struct {
	Subscription helix.EventSubSubscription `json:"subscription"`
	Challenge    string                     `json:"challenge"`
	Event        json.RawMessage            `json:"event"`
}

// WebhookHandler receives EventSub deliveries. Every request must carry a
// valid signature; replays are acknowledged without being processed.
func (a *Adapter) WebhookHandler() http.Handler {
	return http.HandlerFunc(a.serveWebhook)
}

func (a *Adapter) serveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !helix.VerifyEventSubNotification(a.config.SubscriptionSecret, r.Header, string(body)) {
		a.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected webhook with invalid signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	messageType := r.Header.Get(headerMessageType)
	logger := a.logger.With().
		Str("message_type", messageType).
		Str("subscription_id", n.Subscription.ID).
		Logger()

	if id := r.Header.Get(headerMessageID); id != "" {
		if seen, _ := a.seen.ContainsOrAdd(id, struct{}{}); seen {
			logger.Debug().Str("message_id", id).Msg("Dropped duplicate webhook delivery")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	switch messageType {
	case messageVerification:
		a.setStatus(n.Subscription.ID, domain.UpstreamEnabled)
		logger.Info().Msg("EventSub subscription verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(n.Challenge))

	case messageNotification:
		ev, err := decodeEvent(n)
		if err != nil {
			// let the retry under the same id through
			a.seen.Remove(r.Header.Get(headerMessageID))
			logger.Warn().Err(err).Msg("Failed to decode EventSub notification")
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		a.enqueue(ev)
		w.WriteHeader(http.StatusNoContent)

	case messageRevocation:
		status := toStatus(n.Subscription.Status)
		if status != domain.UpstreamRevoked {
			status = domain.UpstreamFailed
		}
		a.setStatus(n.Subscription.ID, status)
		logger.Warn().Str("reason", n.Subscription.Status).Msg("EventSub subscription revoked")
		w.WriteHeader(http.StatusNoContent)
		go a.pushRevocation(domain.Revocation{SubscriptionID: n.Subscription.ID, Reason: n.Subscription.Status})

	default:
		logger.Warn().Msg("Unknown EventSub message type")
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeEvent converts a notification into a domain event
func decodeEvent(n notification) (domain.Event, error) {
	ev := domain.Event{
		SubscriptionID: n.Subscription.ID,
		Type:           domainType(n.Subscription.Type),
	}

	switch n.Subscription.Type {
	case helix.EventSubTypeStreamOnline:
		var e helix.EventSubStreamOnlineEvent
		if err := json.Unmarshal(n.Event, &e); err != nil {
			return domain.Event{}, err
		}
		ev.BroadcasterID = e.BroadcasterUserID
		ev.BroadcasterLogin = e.BroadcasterUserLogin
		ev.BroadcasterName = e.BroadcasterUserName

	case helix.EventSubTypeChannelUpdate:
		var e helix.EventSubChannelUpdateEvent
		if err := json.Unmarshal(n.Event, &e); err != nil {
			return domain.Event{}, err
		}
		ev.BroadcasterID = e.BroadcasterUserID
		ev.BroadcasterLogin = e.BroadcasterUserLogin
		ev.BroadcasterName = e.BroadcasterUserName
		ev.Category = e.CategoryName
		ev.Title = e.Title

	default:
		return domain.Event{}, domain.NotFoundError("unknown_event_type", "unsupported EventSub type: "+n.Subscription.Type)
	}
	return ev, nil
}

// enqueue pushes ev after every earlier event of the same broadcaster.
// Broadcasters do not wait on each other.
func (a *Adapter) enqueue(ev domain.Event) {
	a.laneMu.Lock()
	defer a.laneMu.Unlock()

	if pending, ok := a.lanes[ev.BroadcasterID]; ok {
		a.lanes[ev.BroadcasterID] = append(pending, ev)
		return
	}
	a.lanes[ev.BroadcasterID] = nil
	go a.drain(ev)
}

func (a *Adapter) drain(ev domain.Event) {
	id := ev.BroadcasterID
	for {
		a.enrichAndPush(ev)

		a.laneMu.Lock()
		pending := a.lanes[id]
		if len(pending) == 0 {
			delete(a.lanes, id)
			a.laneMu.Unlock()
			return
		}
		ev, a.lanes[id] = pending[0], pending[1:]
		a.laneMu.Unlock()
	}
}

// enrichAndPush fills in the category and title of stream.online events,
// which EventSub does not carry
func (a *Adapter) enrichAndPush(ev domain.Event) {
	if ev.Type == "live" && ev.Category == "" {
		info, err := a.channelInformation(ev.BroadcasterID)
		if err != nil {
			a.logger.Warn().Err(err).Str("broadcaster_id", ev.BroadcasterID).Msg("Failed to fetch channel information")
		} else {
			ev.Category = info.GameName
			ev.Title = info.Title
		}
	}
	a.push(ev)
}

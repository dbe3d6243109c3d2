package subscription

import (
	"context"
	"fmt"
	"strings"

	"github.com/nkkko/informer/internal/domain"
)

// Kind is the closed set of event types
type Kind string

const (
	KindLive          Kind = "live"
	KindChannelUpdate Kind = "channel-update"
)

// Kinds lists every known event type
var Kinds = []Kind{KindLive, KindChannelUpdate}

// StateLastCategory holds the last category seen for a channel-update subscription
const StateLastCategory = "last_category"

// Condition is the platform condition derived from user input
type Condition struct {
	Login         string
	BroadcasterID string
}

// CategorySource reports what a broadcaster is streaming right now
type CategorySource interface {
	CurrentCategory(ctx context.Context, broadcasterID string) (string, error)
}

// Strategy is what differs between event types
type Strategy interface {
	Kind() Kind

	// Validate rejects malformed input before any upstream call
	Validate(input string) error
	Condition(input, internal string) Condition

	// ActualCondition is the input condition the event reports today
	ActualCondition(e domain.Event) string
	Message(e domain.Event) string

	// NextState returns nil when there is nothing to persist
	NextState(e domain.Event) map[string]string
	InitialState(ctx context.Context, categories CategorySource, b domain.Broadcaster) (map[string]string, error)

	// Suppress reports whether the event repeats what state already records
	Suppress(e domain.Event, state map[string]string) bool
}

// StrategyFor returns the strategy of kind
func StrategyFor(kind Kind) (Strategy, error) {
	switch kind {
	case KindLive:
		return liveStrategy{}, nil
	case KindChannelUpdate:
		return channelUpdateStrategy{}, nil
	default:
		return nil, domain.NotFoundError("unknown_event_type", fmt.Sprintf("unknown event type %q", kind))
	}
}

// validateLogin accepts exactly one non-empty token
func validateLogin(input string) error {
	if strings.TrimSpace(input) == "" {
		return domain.ValidationError("empty_condition", "the condition must be a broadcaster username")
	}
	if len(strings.Fields(input)) != 1 {
		return domain.ValidationError("invalid_condition", "the condition must consist of the broadcaster username only")
	}
	return nil
}

func condition(input, internal string) Condition {
	return Condition{Login: Normalize(input), BroadcasterID: internal}
}

// Normalize lower-cases and trims a user-typed condition
func Normalize(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}

// loginOf falls back to the name for platforms that report no login
func loginOf(e domain.Event) string {
	if e.BroadcasterLogin != "" {
		return e.BroadcasterLogin
	}
	return e.BroadcasterName
}

type liveStrategy struct{}

func (liveStrategy) Kind() Kind { return KindLive }

func (liveStrategy) Validate(input string) error { return validateLogin(input) }

func (liveStrategy) Condition(input, internal string) Condition { return condition(input, internal) }

func (liveStrategy) ActualCondition(e domain.Event) string { return loginOf(e) }

func (liveStrategy) Message(e domain.Event) string {
	msg := "🔴 " + e.DisplayName() + " is live"
	if e.Category != "" {
		msg += " with " + e.Category
	}
	if e.Title != "" {
		msg += "\n" + e.Title
	}
	return msg + "\n\n" + e.StreamURL()
}

func (liveStrategy) NextState(domain.Event) map[string]string { return nil }

func (liveStrategy) InitialState(context.Context, CategorySource, domain.Broadcaster) (map[string]string, error) {
	return nil, nil
}

func (liveStrategy) Suppress(domain.Event, map[string]string) bool { return false }

type channelUpdateStrategy struct{}

func (channelUpdateStrategy) Kind() Kind { return KindChannelUpdate }

func (channelUpdateStrategy) Validate(input string) error { return validateLogin(input) }

func (channelUpdateStrategy) Condition(input, internal string) Condition {
	return condition(input, internal)
}

func (channelUpdateStrategy) ActualCondition(e domain.Event) string { return loginOf(e) }

func (channelUpdateStrategy) Message(e domain.Event) string {
	return "🔄 " + e.DisplayName() + " is now streaming " + e.Category + "\n\n" + e.StreamURL()
}

func (channelUpdateStrategy) NextState(e domain.Event) map[string]string {
	return map[string]string{StateLastCategory: e.Category}
}

// InitialState records the current category so the first update is a real change
func (channelUpdateStrategy) InitialState(ctx context.Context, categories CategorySource, b domain.Broadcaster) (map[string]string, error) {
	if categories == nil {
		return nil, nil
	}
	category, err := categories.CurrentCategory(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return map[string]string{StateLastCategory: category}, nil
}

// Suppress drops title-only updates
func (channelUpdateStrategy) Suppress(e domain.Event, state map[string]string) bool {
	last, ok := state[StateLastCategory]
	return ok && last == e.Category
}

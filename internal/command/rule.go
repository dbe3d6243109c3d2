package command

import (
	"fmt"
	"strings"
)

// Target is what a subscription command refers to
type Target struct {
	Observer  string
	EventType string
	Condition string
}

// Rule turns command arguments into a Target
type Rule interface {
	Name() string
	Template() string
	Example() string
	Parse(args []string) Target
}

// RuleFor returns the rule registered as name; "" selects the default rule
func RuleFor(name string) (Rule, error) {
	switch name {
	case "", DefaultRuleName:
		return DefaultRule{}, nil
	case TwitchCategoryRuleName:
		return TwitchCategoryRule{}, nil
	default:
		return nil, fmt.Errorf("unknown command rule: %s", name)
	}
}

const (
	DefaultRuleName        = "default"
	TwitchCategoryRuleName = "twitch-category"
)

// DefaultRule reads <platform> <event> <condition>
type DefaultRule struct{}

func (DefaultRule) Name() string     { return DefaultRuleName }
func (DefaultRule) Template() string { return "add <platform> <event> <condition>" }
func (DefaultRule) Example() string  { return "add twitch live sgtgrafoyni" }

func (DefaultRule) Parse(args []string) Target {
	var t Target
	if len(args) > 0 {
		t.Observer = strings.ToLower(args[0])
	}
	if len(args) > 1 {
		t.EventType = strings.ToLower(args[1])
	}
	if len(args) > 2 {
		t.Condition = strings.ToLower(strings.Join(args[2:], " "))
	}
	return t
}

// TwitchCategoryRule reads <condition> [event] with the platform fixed to
// twitch and category changes as the default event
type TwitchCategoryRule struct{}

func (TwitchCategoryRule) Name() string     { return TwitchCategoryRuleName }
func (TwitchCategoryRule) Template() string { return "add <condition> [live]" }
func (TwitchCategoryRule) Example() string  { return "add sgtgrafoyni" }

func (TwitchCategoryRule) Parse(args []string) Target {
	t := Target{Observer: "twitch", EventType: "channel-update"}
	if len(args) > 0 {
		t.Condition = strings.ToLower(args[0])
	}
	if len(args) > 1 {
		t.EventType = strings.ToLower(args[1])
	}
	return t
}

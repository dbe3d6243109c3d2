package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/subscription"
)

// resolve finds the event subscription of t. When t names an unknown
// platform or event type it returns nil and the reply listing what exists.
func (a App) resolve(t Target) (*subscription.Subscription, string) {
	s, err := a.Registry.Get(t.Observer, t.EventType)
	if err == nil {
		return s, ""
	}

	var derr *domain.Error
	if errors.As(err, &derr) && derr.Code == "unknown_event_type" {
		return nil, Error(fmt.Sprintf("Invalid value for the event - %s.\n", t.EventType)) +
			Recommend("Available: "+strings.Join(a.Registry.EventTypes(t.Observer), ", "))
	}
	return nil, Error(fmt.Sprintf("Invalid value for the platform - %s.\n", t.Observer)) +
		Recommend("Available: "+strings.Join(a.Registry.Observers(), ", "))
}

func (a App) find(ctx context.Context, t Target) (*domain.NotificationSubscription, error) {
	rec, err := a.Store.FindWithInputCondition(ctx, t.Observer, t.EventType, subscription.Normalize(t.Condition))
	if err != nil {
		return nil, domain.StoreError("find_subscription", err)
	}
	return rec, nil
}

type startCommand struct {
	app App
}

func (c *startCommand) Name() string { return "start" }

func (c *startCommand) Description() string {
	return "sends a welcome message with usage hints"
}

func (c *startCommand) Execute(ctx context.Context, req Request) (string, error) {
	prefix := req.Bot.Prefix()
	platforms := strings.Join(c.app.Registry.Observers(), ", ")

	return fmt.Sprintf("Hi! This bot keeps you posted about events on %s.\n"+
		"To begin, send a command following the template:\n"+
		"%s%s\n"+
		"For example:\n"+
		"%s%s", platforms, prefix, c.app.Rule.Template(), prefix, c.app.Rule.Example()), nil
}

type addCommand struct {
	app App
}

func (c *addCommand) Name() string { return "add" }

func (c *addCommand) Description() string {
	return "subscribes you to notifications about an event"
}

func (c *addCommand) Execute(ctx context.Context, req Request) (string, error) {
	target := c.app.Rule.Parse(req.Args)
	sub, refusal := c.app.resolve(target)
	if sub == nil {
		return refusal, nil
	}
	if err := sub.Validate(target.Condition); err != nil {
		return "", err
	}

	subscribers := req.Bot.Subscribers()

	rec, err := c.app.find(ctx, target)
	if err != nil {
		return "", err
	}

	started := false
	if rec == nil {
		// no upstream state for an address that could not hold it
		if err := subscribers.CheckSubscriptionsLimit(ctx, req.Sender); err != nil {
			return "", err
		}
		if rec, err = sub.Start(ctx, target.Condition); err != nil {
			return "", err
		}
		started = true
	}

	if _, err := subscribers.AddSubscription(ctx, req.Sender, rec.ID); err != nil {
		if started {
			c.app.Registry.Release(context.WithoutCancel(ctx), rec.ID)
		}
		return "", err
	}

	return Ok(fmt.Sprintf("Subscribed to %s notifications for %s", rec.EventType, rec.InputCondition)), nil
}

type delCommand struct {
	app App
}

func (c *delCommand) Name() string { return "del" }

func (c *delCommand) Description() string {
	return "removes your subscription to an event"
}

func (c *delCommand) Execute(ctx context.Context, req Request) (string, error) {
	target := c.app.Rule.Parse(req.Args)
	if _, refusal := c.app.resolve(target); refusal != "" {
		return refusal, nil
	}

	rec, err := c.app.find(ctx, target)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return Error("you have no subscription for " + target.Condition), nil
	}

	if _, err := req.Bot.Subscribers().RemoveSubscription(ctx, req.Sender, rec.ID); err != nil {
		return "", err
	}
	c.app.Registry.Release(context.WithoutCancel(ctx), rec.ID)

	return Ok(fmt.Sprintf("Unsubscribed from %s notifications for %s", rec.EventType, rec.InputCondition)), nil
}

type listCommand struct {
	app App
}

func (c *listCommand) Name() string { return "list" }

func (c *listCommand) Description() string {
	return "lists your active subscriptions"
}

func (c *listCommand) Execute(ctx context.Context, req Request) (string, error) {
	ids, err := req.Bot.Subscribers().ListSubscriptions(ctx, req.Sender)
	if err != nil {
		return "", domain.StoreError("list_subscriptions", err)
	}

	// observer -> event type -> conditions
	grouped := make(map[string]map[string][]string)
	for _, id := range ids {
		rec, err := c.app.Store.FindByID(ctx, id)
		if err != nil {
			return "", domain.StoreError("find_subscription", err)
		}
		if rec == nil {
			continue
		}
		if grouped[rec.Observer] == nil {
			grouped[rec.Observer] = make(map[string][]string)
		}
		grouped[rec.Observer][rec.EventType] = append(grouped[rec.Observer][rec.EventType], rec.InputCondition)
	}

	if len(grouped) == 0 {
		return "Your subscription list is empty", nil
	}

	sections := make([]string, 0, len(grouped))
	for _, observer := range sortedKeys(grouped) {
		var b strings.Builder
		b.WriteString(observer + ":\n")
		events := grouped[observer]
		for _, eventType := range sortedKeys(events) {
			b.WriteString("\t" + eventType + ":\n")
			for _, cond := range events[eventType] {
				b.WriteString("\t- " + cond + "\n")
			}
		}
		sections = append(sections, b.String())
	}
	return strings.Join(sections, "==========\n"), nil
}

type helpCommand struct {
	router *Router
}

func (c *helpCommand) Name() string { return "help" }

func (c *helpCommand) Description() string {
	return "lists the available commands"
}

func (c *helpCommand) Execute(ctx context.Context, req Request) (string, error) {
	var lines []string
	for _, cmd := range c.router.Commands() {
		if cmd.Name() == c.Name() || cmd.Name() == "start" {
			continue
		}
		lines = append(lines, req.Bot.Prefix()+cmd.Name()+" - "+cmd.Description())
	}
	return strings.Join(lines, "\n"), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

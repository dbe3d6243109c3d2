// Package command parses chat commands and runs them against the
// subscription registry and the sender's subscriber store.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/lockmanager"
	"github.com/nkkko/informer/internal/logging"
	"github.com/nkkko/informer/internal/metrics"
	"github.com/nkkko/informer/internal/subscription"
	"github.com/nkkko/informer/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	busyMessage    = "still processing your previous command"
	genericMessage = "something went wrong, try again later"
)

// Bot is the delivery channel a command arrived on
type Bot interface {
	Name() string
	Prefix() string
	Subscribers() domain.SubscriberStore
	Reply(ctx context.Context, address, text string) error
}

// Request is one parsed command invocation
type Request struct {
	Bot    Bot
	Sender string
	Args   []string
}

// Command is one chat command. The returned text is sent back to the
// sender; user-facing domain errors are rendered by the router.
type Command interface {
	Name() string
	Description() string
	Execute(ctx context.Context, req Request) (string, error)
}

// App is the shared context handed to every command
type App struct {
	Registry *subscription.Registry
	Store    domain.SubscriptionStore
	Rule     Rule
}

// Router dispatches incoming messages to commands
type Router struct {
	app      App
	commands map[string]Command
	order    []string
	locks    *lockmanager.LockManager
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a router with the standard command set
func NewRouter(app App, locks *lockmanager.LockManager) *Router {
	if app.Rule == nil {
		app.Rule = DefaultRule{}
	}
	if locks == nil {
		locks = lockmanager.NewLockManager(lockmanager.DefaultConfig())
	}

	r := &Router{
		app:      app,
		commands: make(map[string]Command),
		locks:    locks,
		logger:   log.With().Str("component", "command").Logger(),
		metrics:  metrics.GetMetrics(),
	}

	r.Register(&startCommand{app: app})
	r.Register(&addCommand{app: app})
	r.Register(&delCommand{app: app})
	r.Register(&listCommand{app: app})
	r.Register(&helpCommand{router: r})
	return r
}

// Register adds or replaces a command
func (r *Router) Register(c Command) {
	if _, ok := r.commands[c.Name()]; !ok {
		r.order = append(r.order, c.Name())
	}
	r.commands[c.Name()] = c
}

// Commands returns the commands in registration order
func (r *Router) Commands() []Command {
	out := make([]Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.commands[name])
	}
	return out
}

// Dispatch handles one incoming message. Messages without the bot's prefix
// are ignored. A sender may have one command in flight at a time.
func (r *Router) Dispatch(ctx context.Context, bot Bot, sender, text string) {
	prefix := bot.Prefix()
	if !strings.HasPrefix(text, prefix) {
		return
	}

	fields := strings.Fields(text[len(prefix):])
	name := ""
	var args []string
	if len(fields) > 0 {
		name = strings.ToLower(fields[0])
		args = fields[1:]
	}

	logger := r.logger.With().Str("channel", bot.Name()).Str("sender", sender).Str("command", name).Logger()

	lock, err := r.locks.TryAcquire(bot.Name() + ":" + sender)
	if err != nil {
		r.metrics.CommandsBusy.WithLabelValues(bot.Name()).Inc()
		logger.Debug().Msg("Command rejected, another one is in flight")
		r.reply(ctx, bot, sender, Error(busyMessage), logger)
		return
	}
	defer r.locks.Release(lock)

	cmd, ok := r.commands[name]
	if !ok {
		r.metrics.CommandsTotal.WithLabelValues(bot.Name(), "unknown", "unknown").Inc()
		r.reply(ctx, bot, sender, Error("No such command, type "+prefix+"help to see the available ones"), logger)
		return
	}

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "command."+name,
		attribute.String("channel", bot.Name()),
		attribute.String("sender", sender),
	)
	ctx = logging.WithContext(ctx, logger)

	text, result, err := r.execute(ctx, cmd, Request{Bot: bot, Sender: sender, Args: args})
	telemetry.EndSpan(span, err)

	r.metrics.CommandsTotal.WithLabelValues(bot.Name(), name, result).Inc()
	r.metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if text != "" {
		r.reply(ctx, bot, sender, text, logger)
	}
}

// execute runs cmd and turns its outcome into reply text
func (r *Router) execute(ctx context.Context, cmd Command, req Request) (text, result string, err error) {
	logger := logging.FromContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("command panicked: %v", p)
			logger.Error().Interface("panic", p).Msg("Recovered from panic in command")
			text, result = Error(genericMessage), "panic"
		}
	}()

	text, err = cmd.Execute(ctx, req)
	if err == nil {
		return text, "ok", nil
	}

	if msg, ok := userMessage(err); ok {
		logger.Debug().Err(err).Msg("Command refused")
		return msg, "refused", err
	}

	logger.Error().Err(err).Strs("args", req.Args).Msg("Command failed")
	return Error(genericMessage), "error", err
}

func (r *Router) reply(ctx context.Context, bot Bot, sender, text string, logger zerolog.Logger) {
	if err := bot.Reply(ctx, sender, text); err != nil {
		logger.Warn().Err(err).Msg("Failed to reply")
	}
}

// userMessage renders the errors a user can act on
func userMessage(err error) (string, bool) {
	switch domain.TypeOf(err) {
	case domain.ErrorTypeValidation,
		domain.ErrorTypeNotFound,
		domain.ErrorTypeConflict,
		domain.ErrorTypeLimitExceeded,
		domain.ErrorTypeVerificationTimeout,
		domain.ErrorTypeBusy:
		return Error(domain.MessageOf(err)), true
	}
	return "", false
}

// Package bot is the part every delivery channel shares: command intake,
// the outgoing queue and removal of unreachable subscribers.
package bot

import (
	"context"

	"github.com/nkkko/informer/internal/command"
	"github.com/nkkko/informer/internal/delivery"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/notifier"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Releaser tears down subscriptions nobody holds anymore
type Releaser interface {
	Release(ctx context.Context, id string)
}

// Dispatcher runs incoming commands
type Dispatcher interface {
	Dispatch(ctx context.Context, bot command.Bot, sender, text string)
}

// Runner is a delivery channel with a receive loop
type Runner interface {
	Bot() *Bot
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Config wires one bot
type Config struct {
	Prefix      string
	Channel     domain.Channel
	Subscribers domain.SubscriberStore
	Delivery    delivery.Config
	Dispatcher  Dispatcher
	Releaser    Releaser
}

// Bot is one delivery channel
type Bot struct {
	prefix      string
	channel     domain.Channel
	subscribers domain.SubscriberStore
	queue       *delivery.Queue
	dispatcher  Dispatcher
	releaser    Releaser
	logger      zerolog.Logger
}

// Ensure Bot can run commands
var _ command.Bot = (*Bot)(nil)

// New creates a bot and its delivery queue
func New(config Config) *Bot {
	b := &Bot{
		prefix:      config.Prefix,
		channel:     config.Channel,
		subscribers: config.Subscribers,
		queue:       delivery.NewQueue(config.Delivery, config.Channel),
		dispatcher:  config.Dispatcher,
		releaser:    config.Releaser,
		logger:      log.With().Str("component", "bot").Str("channel", config.Channel.Name()).Logger(),
	}
	b.queue.OnPermanentFailure(b.handleUnreachable)
	return b
}

// Name returns the channel key
func (b *Bot) Name() string {
	return b.channel.Name()
}

// Prefix returns the command prefix
func (b *Bot) Prefix() string {
	return b.prefix
}

// Subscribers returns the channel's subscriber store
func (b *Bot) Subscribers() domain.SubscriberStore {
	return b.subscribers
}

// Reply queues text for address
func (b *Bot) Reply(ctx context.Context, address, text string) error {
	return b.queue.Enqueue(address, text)
}

// Queue returns the delivery queue
func (b *Bot) Queue() *delivery.Queue {
	return b.queue
}

// Target exposes the bot to the notifier
func (b *Bot) Target() notifier.Target {
	return notifier.Target{Name: b.Name(), Subscribers: b.subscribers, Sender: b.queue}
}

// HandleIncoming runs one message received from sender
func (b *Bot) HandleIncoming(ctx context.Context, sender, text string) {
	if b.dispatcher == nil {
		return
	}
	b.dispatcher.Dispatch(ctx, b, sender, text)
}

// handleUnreachable drops a destination the channel can no longer reach and
// releases every subscription it held
func (b *Bot) handleUnreachable(ctx context.Context, address string, cause error) {
	logger := b.logger.With().Str("address", address).Logger()

	ids, err := b.subscribers.ListSubscriptions(ctx, address)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list subscriptions of unreachable subscriber")
		return
	}
	if err := b.subscribers.RemoveSubscriber(ctx, address); err != nil {
		logger.Error().Err(err).Msg("Failed to remove unreachable subscriber")
		return
	}
	logger.Warn().Err(cause).Int("subscriptions", len(ids)).Msg("Removed unreachable subscriber")

	if b.releaser == nil {
		return
	}
	for _, id := range ids {
		b.releaser.Release(ctx, id)
	}
}

// Shutdown stops the delivery queue
func (b *Bot) Shutdown(ctx context.Context) error {
	return b.queue.Shutdown(ctx)
}

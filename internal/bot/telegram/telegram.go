// Package telegram delivers notifications and reads commands over the
// Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nkkko/informer/internal/bot"
	"github.com/nkkko/informer/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name is the channel key
const Name = "telegram"

// Prefix starts every command
const Prefix = "/"

// Config contains Telegram configuration
type Config struct {
	Token string

	// Long polling timeout for updates
	PollTimeout time.Duration
}

// DefaultConfig returns the default Telegram configuration
func DefaultConfig() Config {
	return Config{PollTimeout: 60 * time.Second}
}

// api is the part of tgbotapi.BotAPI the channel uses
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Channel sends messages to Telegram chats
type Channel struct {
	api api
}

// Ensure Channel implements domain.Channel
var _ domain.Channel = (*Channel)(nil)

// NewChannel creates a channel over api
func NewChannel(api api) *Channel {
	return &Channel{api: api}
}

// Name returns the channel key
func (c *Channel) Name() string {
	return Name
}

// SendMessage sends text to the chat id in address
func (c *Channel) SendMessage(ctx context.Context, address, text string) error {
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return domain.PermanentDeliveryError("invalid_address", "not a chat id: "+address)
	}

	_, err = c.api.Send(tgbotapi.NewMessage(chatID, text))
	return classify(err)
}

// classify maps Bot API failures to delivery errors
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return domain.TransientDeliveryError(apiErr.Message, time.Duration(apiErr.RetryAfter)*time.Second).Wrap(err)
	case http.StatusForbidden:
		// blocked by the user, kicked from the group, deactivated
		return domain.PermanentDeliveryError("forbidden", apiErr.Message).Wrap(err)
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(apiErr.Message), "chat not found") {
			return domain.PermanentDeliveryError("chat_not_found", apiErr.Message).Wrap(err)
		}
	}
	return err
}

// Bot runs the Telegram update loop
type Bot struct {
	config Config
	client *tgbotapi.BotAPI
	bot    *bot.Bot
	logger zerolog.Logger
}

// Ensure Bot implements bot.Runner
var _ bot.Runner = (*Bot)(nil)

// New connects to the Bot API and creates the bot
func New(config Config, base bot.Config) (*Bot, error) {
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultConfig().PollTimeout
	}

	client, err := tgbotapi.NewBotAPI(config.Token)
	if err != nil {
		return nil, err
	}

	base.Prefix = Prefix
	base.Channel = NewChannel(client)

	return &Bot{
		config: config,
		client: client,
		bot:    bot.New(base),
		logger: log.With().Str("component", "telegram").Str("username", client.Self.UserName).Logger(),
	}, nil
}

// Bot returns the shared bot
func (b *Bot) Bot() *bot.Bot {
	return b.bot
}

// Start reads updates until ctx ends
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.config.PollTimeout.Seconds())
	updates := b.client.GetUpdatesChan(u)
	defer b.client.StopReceivingUpdates()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			sender := strconv.FormatInt(update.Message.Chat.ID, 10)
			go b.bot.HandleIncoming(ctx, sender, update.Message.Text)

		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown stops delivery
func (b *Bot) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Shutting down Telegram bot")
	return b.bot.Shutdown(ctx)
}

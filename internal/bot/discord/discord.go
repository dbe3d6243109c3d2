// Package discord delivers notifications to Discord text channels and reads
// commands from guild messages.
package discord

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/nkkko/informer/internal/bot"
	"github.com/nkkko/informer/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name is the channel key
const Name = "discord"

// Prefix starts every command
const Prefix = "!infobot "

// Config contains Discord configuration
type Config struct {
	Token string
}

// session is the part of discordgo.Session the channel uses
type session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Channel sends messages to Discord text channels
type Channel struct {
	session session
}

// Ensure Channel implements domain.Channel
var _ domain.Channel = (*Channel)(nil)

// NewChannel creates a channel over session
func NewChannel(session session) *Channel {
	return &Channel{session: session}
}

// Name returns the channel key
func (c *Channel) Name() string {
	return Name
}

// SendMessage sends text to the channel id in address
func (c *Channel) SendMessage(ctx context.Context, address, text string) error {
	_, err := c.session.ChannelMessageSend(address, text)
	return classify(err)
}

// permanentCodes are API error codes after which a channel is unusable
var permanentCodes = map[int]string{
	discordgo.ErrCodeUnknownChannel:     "unknown_channel",
	discordgo.ErrCodeMissingAccess:      "missing_access",
	discordgo.ErrCodeMissingPermissions: "missing_permissions",
}

// classify maps REST failures to delivery errors
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return domain.TransientDeliveryError(rateErr.Message, rateErr.RetryAfter).Wrap(err)
	}

	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}

	if restErr.Message != nil {
		if code, ok := permanentCodes[restErr.Message.Code]; ok {
			return domain.PermanentDeliveryError(code, restErr.Message.Message).Wrap(err)
		}
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusTooManyRequests {
		return domain.TransientDeliveryError("rate limited", 0).Wrap(err)
	}
	return err
}

// Bot runs the Discord gateway session
type Bot struct {
	session *discordgo.Session
	bot     *bot.Bot
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// Ensure Bot implements bot.Runner
var _ bot.Runner = (*Bot)(nil)

// New creates the Discord session and the bot
func New(config Config, base bot.Config) (*Bot, error) {
	s, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, err
	}
	// Rate limits surface as errors so the delivery queue can reschedule
	s.ShouldRetryOnRateLimit = false
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	base.Prefix = Prefix
	base.Channel = NewChannel(s)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		session: s,
		bot:     bot.New(base),
		logger:  log.With().Str("component", "discord").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.AddHandler(b.onMessageCreate)
	return b, nil
}

// Bot returns the shared bot
func (b *Bot) Bot() *bot.Bot {
	return b.bot
}

// Start opens the gateway and blocks until ctx ends
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info().Msg("Starting Discord bot")
	if err := b.session.Open(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-b.ctx.Done():
	}
	return nil
}

// Shutdown closes the gateway and stops delivery
func (b *Bot) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Shutting down Discord bot")
	b.cancel()
	if err := b.session.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to close Discord session")
	}
	return b.bot.Shutdown(ctx)
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !mayCommand(s, m) {
		return
	}
	b.bot.HandleIncoming(b.ctx, m.ChannelID, m.Content)
}

// mayCommand reports whether the author manages messages in the channel.
// Direct messages are always accepted.
func mayCommand(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	if m.GuildID == "" {
		return true
	}
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		log.Debug().Err(err).Str("channel_id", m.ChannelID).Msg("Failed to resolve permissions")
		return false
	}
	return perms&discordgo.PermissionManageMessages != 0
}

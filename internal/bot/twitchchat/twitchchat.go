// Package twitchchat delivers notifications to Twitch chat rooms and reads
// commands from broadcasters and moderators.
package twitchchat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/adeithe/go-twitch/irc"
	"github.com/nkkko/informer/internal/bot"
	"github.com/nkkko/informer/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name is the channel key
const Name = "twitch-chat"

// Prefix starts every command
const Prefix = "!"

// Config contains Twitch chat configuration
type Config struct {
	Username   string
	OAuthToken string

	// Rooms joined on start in addition to the stored subscribers
	Channels []string
}

// conn is the part of irc.Conn the channel uses
type conn interface {
	IsConnected() bool
	Join(channels ...string) error
	Say(channel, text string) error
}

// Channel posts messages to chat rooms, joining them on first use
type Channel struct {
	mu     sync.Mutex
	conn   conn
	joined map[string]bool
}

// Ensure Channel implements domain.Channel
var _ domain.Channel = (*Channel)(nil)

// NewChannel creates a channel; the connection may be set later
func NewChannel(c conn) *Channel {
	return &Channel{conn: c, joined: make(map[string]bool)}
}

// Name returns the channel key
func (c *Channel) Name() string {
	return Name
}

func (c *Channel) setConn(cn conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = cn
	c.joined = make(map[string]bool)
}

// Join joins rooms not yet joined
func (c *Channel) Join(rooms ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinLocked(rooms...)
}

func (c *Channel) joinLocked(rooms ...string) error {
	if c.conn == nil {
		return errors.New("twitch chat is not connected")
	}

	var fresh []string
	for _, room := range rooms {
		room = strings.ToLower(strings.TrimPrefix(room, "#"))
		if room != "" && !c.joined[room] {
			fresh = append(fresh, room)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := c.conn.Join(fresh...); err != nil {
		return err
	}
	for _, room := range fresh {
		c.joined[room] = true
	}
	return nil
}

// SendMessage posts text to the chat room in address
func (c *Channel) SendMessage(ctx context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return domain.TransientDeliveryError("twitch chat is not connected", 0)
	}
	if err := c.joinLocked(address); err != nil {
		return domain.TransientDeliveryError("failed to join "+address, 0).Wrap(err)
	}
	if err := c.conn.Say(strings.ToLower(address), text); err != nil {
		return domain.TransientDeliveryError("failed to send to "+address, 0).Wrap(err)
	}
	return nil
}

// Bot runs the Twitch chat connection
type Bot struct {
	config  Config
	channel *Channel
	bot     *bot.Bot
	logger  zerolog.Logger

	mu   sync.Mutex
	conn *irc.Conn
}

// Ensure Bot implements bot.Runner
var _ bot.Runner = (*Bot)(nil)

// New creates the chat bot; the connection is opened by Start
func New(config Config, base bot.Config) (*Bot, error) {
	if config.Username == "" || config.OAuthToken == "" {
		return nil, errors.New("twitch chat username and oauth token are required")
	}

	channel := NewChannel(nil)
	base.Prefix = Prefix
	base.Channel = channel

	return &Bot{
		config:  config,
		channel: channel,
		bot:     bot.New(base),
		logger:  log.With().Str("component", "twitchchat").Str("username", config.Username).Logger(),
	}, nil
}

// Bot returns the shared bot
func (b *Bot) Bot() *bot.Bot {
	return b.bot
}

// Start connects, joins every subscribed room and blocks until ctx ends
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info().Msg("Starting Twitch chat bot")

	c := &irc.Conn{}
	if err := c.SetLogin(b.config.Username, b.config.OAuthToken); err != nil {
		return err
	}
	c.OnMessage(func(m irc.ChatMessage) {
		if !mayCommand(m) {
			return
		}
		b.bot.HandleIncoming(ctx, strings.ToLower(m.Channel), m.Text)
	})
	if err := c.Connect(); err != nil {
		return err
	}

	b.mu.Lock()
	b.conn = c
	b.mu.Unlock()
	b.channel.setConn(c)

	rooms, err := b.bot.Subscribers().ListSubscribers(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to list subscribed rooms")
	}
	rooms = append(rooms, b.config.Channels...)
	if err := b.channel.Join(rooms...); err != nil {
		b.logger.Error().Err(err).Msg("Failed to join rooms")
	}
	b.logger.Info().Int("rooms", len(rooms)).Msg("Twitch chat bot connected")

	<-ctx.Done()
	return nil
}

// Shutdown closes the connection and stops delivery
func (b *Bot) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Shutting down Twitch chat bot")

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()

	return b.bot.Shutdown(ctx)
}

// mayCommand accepts commands from the room's broadcaster and moderators
func mayCommand(m irc.ChatMessage) bool {
	return m.Sender.IsBroadcaster || m.Sender.IsModerator
}

// Package engine builds every component from the configuration and runs
// them as one process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/nkkko/informer/internal/api"
	"github.com/nkkko/informer/internal/bot"
	"github.com/nkkko/informer/internal/bot/discord"
	"github.com/nkkko/informer/internal/bot/telegram"
	"github.com/nkkko/informer/internal/bot/twitchchat"
	"github.com/nkkko/informer/internal/command"
	"github.com/nkkko/informer/internal/config"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/lockmanager"
	"github.com/nkkko/informer/internal/notifier"
	"github.com/nkkko/informer/internal/observer"
	"github.com/nkkko/informer/internal/platform/twitch"
	"github.com/nkkko/informer/internal/storage"
	"github.com/nkkko/informer/internal/subscription"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrResetRefused is returned by Reset in production
var ErrResetRefused = errors.New("reset is refused in production")

// Option adds components not described by the configuration
type Option func(*Engine)

// WithAdapter adds a platform next to the configured ones
func WithAdapter(adapter domain.PlatformAdapter) Option {
	return func(e *Engine) {
		e.extraAdapters = append(e.extraAdapters, adapter)
	}
}

// WithChannel adds a delivery channel without a receive loop. Commands for it
// are fed through Bot(name).HandleIncoming.
func WithChannel(channel domain.Channel, prefix string) Option {
	return func(e *Engine) {
		e.extraChannels = append(e.extraChannels, extraChannel{channel: channel, prefix: prefix})
	}
}

type extraChannel struct {
	channel domain.Channel
	prefix  string
}

// Engine is the main coordinator of all Informer components
type Engine struct {
	config    *config.Config
	backend   storage.Backend
	notifier  *notifier.Notifier
	observers []*observer.Observer
	registry  *subscription.Registry
	locks     *lockmanager.LockManager
	commands  *command.Router
	runners   []bot.Runner
	bots      map[string]*bot.Bot
	api       *api.API
	twitch    *twitch.Adapter

	extraAdapters []domain.PlatformAdapter
	extraChannels []extraChannel

	logger zerolog.Logger
}

// New creates an Engine with every configured component initialized
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config: cfg,
		bots:   make(map[string]*bot.Bot),
		logger: log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	telegramConfig, telegramOK := cfg.ToTelegramConfig()
	discordConfig, discordOK := cfg.ToDiscordConfig()
	chatConfig, chatOK := cfg.ToTwitchChatConfig()

	var channels []string
	if telegramOK {
		channels = append(channels, telegram.Name)
	}
	if discordOK {
		channels = append(channels, discord.Name)
	}
	if chatOK {
		channels = append(channels, twitchchat.Name)
	}
	for _, c := range e.extraChannels {
		channels = append(channels, c.channel.Name())
	}

	if err := e.initStorage(channels); err != nil {
		return nil, err
	}

	adapters, err := e.initAdapters()
	if err != nil {
		e.backend.Close()
		return nil, err
	}

	e.notifier = notifier.NewNotifier()
	store := e.backend.Subscriptions()
	e.registry = subscription.NewRegistry(store, e.notifier, e.notifier)

	observerConfig := cfg.ToObserverConfig()
	for _, adapter := range adapters {
		obs := observer.New(observerConfig, adapter)
		obs.OnRevocation(e.registry.HandleRevocation)
		e.observers = append(e.observers, obs)

		for _, kind := range subscription.Kinds {
			strategy, err := subscription.StrategyFor(kind)
			if err != nil {
				e.backend.Close()
				return nil, err
			}
			e.registry.Register(subscription.New(subscription.Config{
				Strategy:   strategy,
				Observer:   obs,
				Store:      store,
				Fanout:     e.notifier,
				Categories: adapter,
			}))
		}
	}

	rule, err := command.RuleFor(cfg.Command.Rule)
	if err != nil {
		e.backend.Close()
		return nil, err
	}
	e.locks = lockmanager.NewLockManager(cfg.ToLockManagerConfig())
	e.commands = command.NewRouter(command.App{Registry: e.registry, Store: store, Rule: rule}, e.locks)

	base := func(channel string) bot.Config {
		return bot.Config{
			Subscribers: e.backend.Subscribers(channel),
			Delivery:    cfg.ToDeliveryConfig(),
			Dispatcher:  e.commands,
			Releaser:    e.registry,
		}
	}

	if telegramOK {
		runner, err := telegram.New(telegramConfig, base(telegram.Name))
		if err != nil {
			e.backend.Close()
			return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
		}
		e.addRunner(runner)
	}
	if discordOK {
		runner, err := discord.New(discordConfig, base(discord.Name))
		if err != nil {
			e.backend.Close()
			return nil, fmt.Errorf("failed to initialize Discord bot: %w", err)
		}
		e.addRunner(runner)
	}
	if chatOK {
		runner, err := twitchchat.New(chatConfig, base(twitchchat.Name))
		if err != nil {
			e.backend.Close()
			return nil, fmt.Errorf("failed to initialize Twitch chat bot: %w", err)
		}
		e.addRunner(runner)
	}
	for _, c := range e.extraChannels {
		bc := base(c.channel.Name())
		bc.Channel = c.channel
		bc.Prefix = c.prefix
		e.addBot(bot.New(bc))
	}

	if len(e.observers) == 0 {
		e.logger.Warn().Msg("No platform configured, commands will find nothing to subscribe to")
	}
	if len(e.bots) == 0 {
		e.logger.Warn().Msg("No delivery channel configured, nobody can subscribe")
	}

	webhooks := map[string]http.Handler{}
	if e.twitch != nil {
		webhooks[cfg.ToTwitchConfig().CallbackPath] = e.twitch.WebhookHandler()
	}
	e.api = api.New(cfg.ToAPIConfig(), api.Deps{
		Store:      store,
		Catalog:    e.registry,
		Recipients: e.notifier,
		Webhooks:   webhooks,
	})

	return e, nil
}

func (e *Engine) initStorage(channels []string) error {
	storageConfig := e.config.ToStorageConfig()
	if storageConfig.Type != storage.MemoryStorage {
		if err := os.MkdirAll(storageConfig.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	backend, err := storage.NewBackend(storageConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", storageConfig.Type, err)
	}
	if e.config.LimitScope() == storage.LimitGlobal {
		backend = storage.WithGlobalLimit(backend, storageConfig.DefaultSubscriptionsLimit, channels...)
	}
	e.backend = backend
	return nil
}

func (e *Engine) initAdapters() ([]domain.PlatformAdapter, error) {
	var adapters []domain.PlatformAdapter
	if e.config.TwitchEnabled() {
		tw, err := twitch.New(e.config.ToTwitchConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Twitch: %w", err)
		}
		e.twitch = tw
		adapters = append(adapters, tw)
	}
	return append(adapters, e.extraAdapters...), nil
}

func (e *Engine) addRunner(r bot.Runner) {
	e.runners = append(e.runners, r)
	e.addBot(r.Bot())
}

func (e *Engine) addBot(b *bot.Bot) {
	e.bots[b.Name()] = b
	e.notifier.Register(b.Target())
}

// Bot returns the delivery channel named name, or nil
func (e *Engine) Bot(name string) *bot.Bot {
	return e.bots[name]
}

// Registry returns the event subscription registry
func (e *Engine) Registry() *subscription.Registry {
	return e.registry
}

// Handler returns the HTTP handler
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}

// Start resumes persisted subscriptions and runs every component until ctx ends
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting Informer engine")

	resumed, skipped, err := e.registry.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume subscriptions: %w", err)
	}
	e.logger.Info().Int("resumed", resumed).Int("skipped", skipped).Msg("Subscriptions restored")

	g, ctx := errgroup.WithContext(ctx)

	// Start storage maintenance
	if starter, ok := e.backend.(storage.Starter); ok {
		g.Go(func() error {
			return starter.Start(ctx)
		})
	}

	for _, obs := range e.observers {
		obs := obs
		g.Go(func() error {
			return obs.Run(ctx)
		})
	}

	g.Go(func() error {
		return e.locks.Start(ctx)
	})

	for _, r := range e.runners {
		r := r
		g.Go(func() error {
			return r.Start(ctx)
		})
	}

	// Start the API server
	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Informer engine stopped")
	return nil
}

// Shutdown stops the components in reverse dependency order
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down Informer engine")

	// Shut down API server first to stop accepting webhooks
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	for _, r := range e.runners {
		if err := r.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Str("channel", r.Bot().Name()).Msg("Failed to shut down bot")
		}
	}
	for _, c := range e.extraChannels {
		if err := e.bots[c.channel.Name()].Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Str("channel", c.channel.Name()).Msg("Failed to shut down bot")
		}
	}

	for _, obs := range e.observers {
		if err := obs.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Str("observer", obs.Name()).Msg("Failed to shut down observer")
		}
	}
	if e.twitch != nil {
		e.twitch.Close()
	}

	if err := e.locks.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down lock manager")
	}

	// Shut down storage last
	if err := e.backend.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close storage")
		return err
	}
	return nil
}

// Reset deletes every upstream subscription of every platform and clears
// the stores. It is refused in production.
func (e *Engine) Reset(ctx context.Context) error {
	if e.config.IsProduction() {
		return ErrResetRefused
	}

	var errs []error
	for _, obs := range e.observers {
		deleted, err := obs.Reset(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", obs.Name(), err))
		}
		e.logger.Info().Str("observer", obs.Name()).Int("deleted", deleted).Msg("Upstream subscriptions deleted")
	}

	if err := e.backend.Subscriptions().Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("subscriptions: %w", err))
	}
	for name := range e.bots {
		if err := e.backend.Subscribers(name).Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s subscribers: %w", name, err))
		}
	}

	if len(errs) == 0 {
		e.logger.Warn().Msg("All subscriptions and subscribers cleared")
	}
	return errors.Join(errs...)
}

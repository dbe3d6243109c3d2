package config

import (
	"strings"
	"time"

	"github.com/nkkko/informer/internal/api"
	"github.com/nkkko/informer/internal/bot/discord"
	"github.com/nkkko/informer/internal/bot/telegram"
	"github.com/nkkko/informer/internal/bot/twitchchat"
	"github.com/nkkko/informer/internal/delivery"
	"github.com/nkkko/informer/internal/lockmanager"
	"github.com/nkkko/informer/internal/logging"
	"github.com/nkkko/informer/internal/observer"
	"github.com/nkkko/informer/internal/platform/twitch"
	"github.com/nkkko/informer/internal/storage"
	"github.com/nkkko/informer/internal/telemetry"
)

// ToStorageConfig converts to storage factory config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		Type:                      storage.StorageType(c.Storage.Type),
		DataDir:                   c.Storage.DataDir,
		DefaultSubscriptionsLimit: c.Subscribers.DefaultLimit,
		CacheEnabled:              c.Storage.CacheEnabled,
		CacheSize:                 c.Storage.CacheSize,
		CacheExpiration:           time.Duration(c.Storage.CacheExpirationSeconds) * time.Second,
	}
}

// LimitScope returns the configured subscription limit scope
func (c *Config) LimitScope() storage.LimitScope {
	return storage.LimitScope(c.Subscribers.LimitScope)
}

// ToObserverConfig converts to observer config
func (c *Config) ToObserverConfig() observer.Config {
	config := observer.DefaultConfig()
	if c.Observer.VerificationTimeoutSeconds > 0 {
		config.VerificationTimeout = time.Duration(c.Observer.VerificationTimeoutSeconds) * time.Second
	}
	if c.Observer.VerificationPollMs > 0 {
		config.PollInterval = time.Duration(c.Observer.VerificationPollMs) * time.Millisecond
	}
	if c.Observer.MaxBufferSize > 0 {
		config.MaxBufferSize = c.Observer.MaxBufferSize
	}
	return config
}

// ToDeliveryConfig converts to delivery queue config
func (c *Config) ToDeliveryConfig() delivery.Config {
	config := delivery.DefaultConfig()
	config.Rate = c.Delivery.Rate
	config.Burst = c.Delivery.Burst
	config.GlobalRate = c.Delivery.GlobalRate
	config.GlobalBurst = c.Delivery.GlobalBurst
	config.MaxRetries = c.Delivery.MaxRetries
	config.RetryBackoff = time.Duration(c.Delivery.RetryBackoffMs) * time.Millisecond
	config.IdleTimeout = time.Duration(c.Delivery.IdleTimeoutSeconds) * time.Second
	config.BufferSize = c.Delivery.BufferSize
	return config
}

// ToLockManagerConfig converts to the command lock config
func (c *Config) ToLockManagerConfig() lockmanager.Config {
	config := lockmanager.DefaultConfig()
	if c.Command.BusyTTLSeconds > 0 {
		config.DefaultTTL = time.Duration(c.Command.BusyTTLSeconds) * time.Second
	}
	return config
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:         c.Server.Addr,
		ReadTimeout:  time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(c.Server.IdleTimeout) * time.Second,
	}
}

// TwitchEnabled reports whether Helix credentials are configured
func (c *Config) TwitchEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.ClientSecret != ""
}

// ToTwitchConfig converts to the Twitch adapter config
func (c *Config) ToTwitchConfig() twitch.Config {
	config := twitch.DefaultConfig()
	config.ClientID = c.Twitch.ClientID
	config.ClientSecret = c.Twitch.ClientSecret
	config.SubscriptionSecret = c.Twitch.SubscriptionSecret
	config.HostName = c.Twitch.HostName
	if c.Twitch.CallbackPath != "" {
		config.CallbackPath = c.Twitch.CallbackPath
	}
	return config
}

// ToTelegramConfig converts to Telegram bot config; ok is false without a token
func (c *Config) ToTelegramConfig() (telegram.Config, bool) {
	config := telegram.DefaultConfig()
	config.Token = c.Telegram.Token
	return config, c.Telegram.Token != ""
}

// ToDiscordConfig converts to Discord bot config; ok is false without a token
func (c *Config) ToDiscordConfig() (discord.Config, bool) {
	return discord.Config{Token: c.Discord.Token}, c.Discord.Token != ""
}

// ToTwitchChatConfig converts to Twitch chat bot config; ok is false without credentials
func (c *Config) ToTwitchChatConfig() (twitchchat.Config, bool) {
	config := twitchchat.Config{
		Username:   c.TwitchChat.Username,
		OAuthToken: strings.TrimPrefix(c.TwitchChat.OAuthToken, "oauth:"),
		Channels:   c.TwitchChat.Channels,
	}
	return config, config.Username != "" && config.OAuthToken != ""
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	config := logging.DefaultConfig()
	config.Level = c.Logging.Level
	config.Format = logging.LogFormat(c.Logging.Format)
	config.IncludeCaller = c.Logging.IncludeCaller
	config.IncludeStacktrace = c.Logging.IncludeTrace

	fields := map[string]string{"environment": c.Environment}
	for k, v := range c.Logging.GlobalFields {
		fields[k] = v
	}
	config.GlobalFields = fields
	return config
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	config := telemetry.DefaultConfig()
	config.Enabled = c.Telemetry.Enabled
	config.ServiceName = c.Telemetry.ServiceName
	config.Endpoint = c.Telemetry.Endpoint
	config.SamplingRatio = c.Telemetry.SamplingRatio
	config.Attributes = c.Telemetry.Attributes
	return config
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvironmentProduction refuses maintenance operations
const EnvironmentProduction = "production"

// Config represents the complete application configuration
type Config struct {
	Environment string            `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Subscribers SubscribersConfig `yaml:"subscribers"`
	Observer    ObserverConfig    `yaml:"observer"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Command     CommandConfig     `yaml:"command"`
	Twitch      TwitchConfig      `yaml:"twitch"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Discord     DiscordConfig     `yaml:"discord"`
	TwitchChat  TwitchChatConfig  `yaml:"twitch_chat"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Type                   string `yaml:"type"`
	DataDir                string `yaml:"data_dir"`
	CacheEnabled           bool   `yaml:"cache_enabled"`
	CacheSize              int    `yaml:"cache_size"`
	CacheExpirationSeconds int    `yaml:"cache_expiration_seconds"`
}

// SubscribersConfig contains subscriber limits
type SubscribersConfig struct {
	DefaultLimit int `yaml:"default_limit"`

	// "channel" counts each delivery channel separately, "global" across all
	LimitScope string `yaml:"limit_scope"`
}

// ObserverConfig contains upstream subscription settings
type ObserverConfig struct {
	VerificationTimeoutSeconds int `yaml:"verification_timeout_seconds"`
	VerificationPollMs         int `yaml:"verification_poll_ms"`
	MaxBufferSize              int `yaml:"max_buffer_size"`
}

// DeliveryConfig contains outgoing queue settings
type DeliveryConfig struct {
	Rate               float64 `yaml:"rate"`
	Burst              int     `yaml:"burst"`
	GlobalRate         float64 `yaml:"global_rate"`
	GlobalBurst        int     `yaml:"global_burst"`
	MaxRetries         int     `yaml:"max_retries"`
	RetryBackoffMs     int     `yaml:"retry_backoff_ms"`
	IdleTimeoutSeconds int     `yaml:"idle_timeout_seconds"`
	BufferSize         int     `yaml:"buffer_size"`
}

// CommandConfig contains chat command settings
type CommandConfig struct {
	Rule string `yaml:"rule"`

	// A sender's command lock expires after this long
	BusyTTLSeconds int `yaml:"busy_ttl_seconds"`
}

// TwitchConfig contains Helix and EventSub settings
type TwitchConfig struct {
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	SubscriptionSecret string `yaml:"subscription_secret"`
	HostName           string `yaml:"host_name"`
	CallbackPath       string `yaml:"callback_path"`
}

// TelegramConfig contains Telegram bot settings
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// DiscordConfig contains Discord bot settings
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// TwitchChatConfig contains Twitch chat bot settings
type TwitchChatConfig struct {
	Username   string   `yaml:"username"`
	OAuthToken string   `yaml:"oauth_token"`
	Channels   []string `yaml:"channels"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
		},
		Storage: StorageConfig{
			Type:                   "badger",
			DataDir:                "./data",
			CacheEnabled:           true,
			CacheSize:              1000,
			CacheExpirationSeconds: 30,
		},
		Subscribers: SubscribersConfig{
			DefaultLimit: 5,
			LimitScope:   "channel",
		},
		Observer: ObserverConfig{
			VerificationTimeoutSeconds: 60,
			VerificationPollMs:         300,
			MaxBufferSize:              100,
		},
		Delivery: DeliveryConfig{
			Rate:               1,
			Burst:              1,
			GlobalRate:         30,
			GlobalBurst:        1,
			MaxRetries:         5,
			RetryBackoffMs:     1000,
			IdleTimeoutSeconds: 60,
			BufferSize:         100,
		},
		Command: CommandConfig{
			Rule:           "default",
			BusyTTLSeconds: 120,
		},
		Twitch: TwitchConfig{
			CallbackPath: "/webhooks/twitch",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "informer",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, .env, environment variables
// and flags, in increasing priority
func LoadConfig(flags *Flags) (*Config, error) {
	if flags == nil {
		flags = &Flags{}
	}

	config := DefaultConfig()
	if flags.ConfigFile != "" {
		var err error
		if config, err = LoadConfigFromFile(flags.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFile(flags.EnvFile); err != nil {
		return nil, err
	}
	applyEnvOverrides(config)

	if flags.DataDir != "" {
		absDataDir, err := filepath.Abs(flags.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}
	if flags.ServerAddr != "" {
		config.Server.Addr = flags.ServerAddr
	}
	if flags.LogLevel != "" {
		config.Logging.Level = flags.LogLevel
	}
	if flags.Environment != "" {
		config.Environment = flags.Environment
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadEnvFile reads a .env file; a missing default file is not an error
func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error loading .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading env file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	setString(&config.Environment, "INFORMER_ENVIRONMENT")
	setString(&config.Server.Addr, "INFORMER_SERVER_ADDR")

	setString(&config.Storage.Type, "INFORMER_STORAGE_TYPE")
	setString(&config.Storage.DataDir, "INFORMER_STORAGE_DATA_DIR")
	setInt(&config.Subscribers.DefaultLimit, "INFORMER_SUBSCRIBERS_DEFAULT_LIMIT")
	setString(&config.Subscribers.LimitScope, "INFORMER_SUBSCRIBERS_LIMIT_SCOPE")
	setString(&config.Command.Rule, "INFORMER_COMMAND_RULE")

	setString(&config.Logging.Level, "INFORMER_LOG_LEVEL")
	setString(&config.Logging.Format, "INFORMER_LOG_FORMAT")
	if v := os.Getenv("INFORMER_TELEMETRY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Telemetry.Enabled = b
		}
	}
	setString(&config.Telemetry.Endpoint, "INFORMER_TELEMETRY_ENDPOINT")

	// Platform credentials use the names the platforms' own tooling uses
	setString(&config.Twitch.ClientID, "TWITCH_CLIENT_ID")
	setString(&config.Twitch.ClientSecret, "TWITCH_CLIENT_SECRET")
	setString(&config.Twitch.SubscriptionSecret, "TWITCH_SUBSCRIPTION_SECRET")
	setString(&config.Twitch.HostName, "HOST_NAME")
	setString(&config.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&config.Discord.Token, "DISCORD_BOT_TOKEN")
	setString(&config.TwitchChat.Username, "TWITCH_BOT_USERNAME")
	setString(&config.TwitchChat.OAuthToken, "TWITCH_BOT_OAUTH_TOKEN")
	if v := os.Getenv("TWITCH_BOT_CHANNELS"); v != "" {
		config.TwitchChat.Channels = splitList(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks values the components cannot default
func (c *Config) Validate() error {
	switch c.Subscribers.LimitScope {
	case "channel", "global":
	default:
		return fmt.Errorf("invalid subscribers.limit_scope %q: must be channel or global", c.Subscribers.LimitScope)
	}
	switch c.Storage.Type {
	case "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage.type %q: must be badger, sqlite or memory", c.Storage.Type)
	}
	if c.Twitch.ClientID != "" {
		if c.Twitch.SubscriptionSecret == "" || c.Twitch.HostName == "" {
			return errors.New("twitch requires subscription_secret and host_name")
		}
		// EventSub rejects secrets outside 10..100 characters
		if n := len(c.Twitch.SubscriptionSecret); n < 10 || n > 100 {
			return errors.New("twitch subscription_secret must be 10 to 100 characters long")
		}
	}
	return nil
}

// IsProduction reports whether maintenance operations are refused
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}

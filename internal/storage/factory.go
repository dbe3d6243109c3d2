package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/storage/badger"
	"github.com/nkkko/informer/internal/storage/memory"
	"github.com/nkkko/informer/internal/storage/sqlite"
)

// StorageType represents the type of storage implementation to use
type StorageType string

const (
	// BadgerStorage is the default storage type
	BadgerStorage StorageType = "badger"

	// SQLiteStorage keeps everything in one SQLite file
	SQLiteStorage StorageType = "sqlite"

	// MemoryStorage loses everything on exit
	MemoryStorage StorageType = "memory"
)

// LimitScope selects how subscription limits are counted
type LimitScope string

const (
	// LimitPerChannel counts each delivery channel separately
	LimitPerChannel LimitScope = "channel"

	// LimitGlobal counts an address across every delivery channel
	LimitGlobal LimitScope = "global"
)

// Backend provides the subscription store and per-channel subscriber stores
type Backend interface {
	Subscriptions() domain.SubscriptionStore
	Subscribers(channel string) domain.SubscriberStore
	Close() error
}

// Starter is implemented by backends with background maintenance
type Starter interface {
	Start(ctx context.Context) error
}

// Config contains storage configuration
type Config struct {
	// Storage type to create
	Type StorageType

	// Base directory for data files
	DataDir string

	// Limit given to subscribers on first subscription
	DefaultSubscriptionsLimit int

	// Cache settings
	CacheEnabled    bool
	CacheSize       int
	CacheExpiration time.Duration
}

// DefaultConfig returns the default storage configuration
func DefaultConfig() Config {
	return Config{
		Type:                      BadgerStorage,
		DataDir:                   "./data",
		DefaultSubscriptionsLimit: domain.DefaultSubscriptionsLimit,
		CacheEnabled:              true,
		CacheSize:                 1000,
		CacheExpiration:           30 * time.Second,
	}
}

// NewBackend creates a backend based on config.Type
func NewBackend(config Config) (Backend, error) {
	if config.DefaultSubscriptionsLimit <= 0 {
		config.DefaultSubscriptionsLimit = DefaultConfig().DefaultSubscriptionsLimit
	}

	var backend Backend
	var err error

	switch config.Type {
	case BadgerStorage, "":
		badgerConfig := badger.DefaultConfig()
		badgerConfig.DataDir = config.DataDir
		badgerConfig.DefaultSubscriptionsLimit = config.DefaultSubscriptionsLimit
		backend, err = badger.NewStorage(badgerConfig)

	case SQLiteStorage:
		sqliteConfig := sqlite.DefaultConfig()
		sqliteConfig.Path = filepath.Join(config.DataDir, "informer.db")
		sqliteConfig.DefaultSubscriptionsLimit = config.DefaultSubscriptionsLimit
		backend, err = sqlite.NewStorage(sqliteConfig)

	case MemoryStorage:
		backend = memory.New(config.DefaultSubscriptionsLimit)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if config.CacheEnabled && config.Type != MemoryStorage {
		return WithCache(backend, config.CacheSize, config.CacheExpiration)
	}
	return backend, nil
}

package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure the stores implement the domain interfaces
var (
	_ domain.SubscriptionStore = (*SubscriptionStore)(nil)
	_ domain.SubscriberStore   = (*SubscriberStore)(nil)
)

const (
	// Prefix keys for the record types
	prefixSubscription  = "sub:"
	prefixInputIndex    = "sin:"
	prefixInternalIndex = "sint:"
	prefixSubscriber    = "sbr:"
	prefixReverseIndex  = "sbx:"

	// separates key parts; never appears in names or ids
	sep = "\x00"

	// attempts before a conflicting transaction is reported
	maxTxnRetries = 10
)

// Config contains storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Limit given to subscribers on first subscription
	DefaultSubscriptionsLimit int

	// Keep everything in memory (tests)
	InMemory bool

	// Sync every write to disk
	SyncWrites bool

	// How often to run value log garbage collection
	GCInterval time.Duration

	// Discard ratio for value log GC
	GCDiscardRatio float64
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:                   "./data",
		DefaultSubscriptionsLimit: domain.DefaultSubscriptionsLimit,
		SyncWrites:                true,
		GCInterval:                10 * time.Minute,
		GCDiscardRatio:            0.5,
	}
}

// Storage persists subscriptions and subscribers in one Badger database
type Storage struct {
	config  Config
	db      *badger.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
	done    chan struct{}
}

// NewStorage opens the Badger database under config.DataDir
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	if config.DefaultSubscriptionsLimit <= 0 {
		config.DefaultSubscriptionsLimit = DefaultConfig().DefaultSubscriptionsLimit
	}
	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if config.GCDiscardRatio <= 0 {
		config.GCDiscardRatio = DefaultConfig().GCDiscardRatio
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath).WithSyncWrites(config.SyncWrites)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().Str("data_dir", config.DataDir).Bool("in_memory", config.InMemory).Msg("Badger storage opened")

	return &Storage{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
		done:    make(chan struct{}),
	}, nil
}

// Start runs periodic value log garbage collection until ctx is done
func (s *Storage) Start(ctx context.Context) error {
	if s.config.InMemory {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
			switch {
			case err == nil:
				s.logger.Debug().Msg("Value log garbage collection completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// nothing to collect
			default:
				s.logger.Error().Err(err).Msg("Error during value log garbage collection")
			}
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

// Close closes the database
func (s *Storage) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.db.Close()
}

// Subscriptions returns the canonical subscription store
func (s *Storage) Subscriptions() domain.SubscriptionStore {
	return &SubscriptionStore{s: s}
}

// Subscribers returns the subscriber store of one delivery channel
func (s *Storage) Subscribers(channel string) domain.SubscriberStore {
	return &SubscriberStore{s: s, channel: channel}
}

// key joins a prefix and parts into a Badger key
func key(prefix string, parts ...string) []byte {
	return []byte(prefix + strings.Join(parts, sep))
}

// update runs fn in a read-write transaction, retrying on conflicts.
// fn must reset any captured results on every attempt.
func (s *Storage) update(op string, fn func(txn *badger.Txn) error) error {
	start := time.Now()
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug().Str("operation", op).Int("attempt", attempt+1).Msg("Transaction conflict, retrying")
	}
	s.observe(op, start, err)
	return wrap(op, err)
}

// view runs fn in a read-only transaction
func (s *Storage) view(op string, fn func(txn *badger.Txn) error) error {
	start := time.Now()
	err := s.db.View(fn)
	s.observe(op, start, err)
	return wrap(op, err)
}

func (s *Storage) observe(op string, start time.Time, err error) {
	s.metrics.StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.metrics.StorageOperations.WithLabelValues(op, metrics.BoolLabel(err == nil)).Inc()
}

// wrap passes domain errors through and wraps everything else as a store error
func wrap(op string, err error) error {
	if err == nil || domain.TypeOf(err) != "" {
		return err
	}
	return domain.StoreError(op, err)
}

// getJSON loads and decodes a value; found is false for missing keys
func getJSON(txn *badger.Txn, k []byte, v any) (bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// getString loads a value as a string; "" for missing keys
func getString(txn *badger.Txn, k []byte) (string, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return txn.Set(k, data)
}

// keysWithPrefix returns every key under prefix
func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// lastPart returns the final sep-separated part of a key
func lastPart(k []byte) string {
	i := bytes.LastIndex(k, []byte(sep))
	if i < 0 {
		return string(k)
	}
	return string(k[i+len(sep):])
}

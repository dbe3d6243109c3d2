// Package sqlite stores subscriptions and subscribers in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
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

const schema = `
CREATE TABLE IF NOT EXISTS notification_subscriptions (
	id                 TEXT PRIMARY KEY,
	observer           TEXT NOT NULL,
	event_type         TEXT NOT NULL,
	input_condition    TEXT NOT NULL,
	internal_condition TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL DEFAULT '',
	UNIQUE (observer, event_type, input_condition)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_internal
	ON notification_subscriptions (observer, event_type, internal_condition);

CREATE TABLE IF NOT EXISTS notification_subscribers (
	channel             TEXT NOT NULL,
	address             TEXT NOT NULL,
	subscriptions_limit INTEGER NOT NULL,
	PRIMARY KEY (channel, address)
);

CREATE TABLE IF NOT EXISTS subscriber_subscriptions (
	channel         TEXT NOT NULL,
	address         TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	PRIMARY KEY (channel, address, subscription_id)
);
CREATE INDEX IF NOT EXISTS idx_subscriber_subscriptions_id
	ON subscriber_subscriptions (channel, subscription_id);
`

// Config contains SQLite storage configuration
type Config struct {
	// Database file; ":memory:" keeps everything in memory
	Path string

	// Limit given to subscribers on first subscription
	DefaultSubscriptionsLimit int

	// How long a writer waits on a locked database
	BusyTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Path:                      "./data/informer.db",
		DefaultSubscriptionsLimit: domain.DefaultSubscriptionsLimit,
		BusyTimeout:               5 * time.Second,
	}
}

// Storage wraps the SQLite database
type Storage struct {
	config  Config
	db      *sql.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStorage opens (and migrates) the database at config.Path
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-sqlite").Logger()

	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}
	if config.DefaultSubscriptionsLimit <= 0 {
		config.DefaultSubscriptionsLimit = DefaultConfig().DefaultSubscriptionsLimit
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = DefaultConfig().BusyTimeout
	}

	dsn := config.Path
	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", config.Path, config.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}

	logger.Info().Str("path", config.Path).Msg("SQLite storage opened")

	return &Storage{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Close closes the database
func (s *Storage) Close() error {
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

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tx runs fn inside a transaction
func (s *Storage) tx(ctx context.Context, op string, fn func(q querier) error) error {
	start := time.Now()
	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	}()
	s.observe(op, start, err)
	return wrap(op, err)
}

// read runs fn against the database without a transaction
func (s *Storage) read(ctx context.Context, op string, fn func(q querier) error) error {
	start := time.Now()
	err := fn(s.db)
	s.observe(op, start, err)
	return wrap(op, err)
}

func (s *Storage) observe(op string, start time.Time, err error) {
	s.metrics.StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.metrics.StorageOperations.WithLabelValues(op, metrics.BoolLabel(err == nil)).Inc()
}

func wrap(op string, err error) error {
	if err == nil || domain.TypeOf(err) != "" {
		return err
	}
	return domain.StoreError(op, err)
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func encodeState(state map[string]string) (string, error) {
	if len(state) == 0 {
		return "", nil
	}
	data, err := json.Marshal(state)
	return string(data), err
}

func decodeState(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var state map[string]string
	err := json.Unmarshal([]byte(raw), &state)
	return state, err
}

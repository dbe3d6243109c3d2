// Package lockmanager hands out short-lived exclusive locks keyed by
// resource, used to keep one command in flight per destination.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/nkkko/informer/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains lock manager configuration
type Config struct {
	// Locks not released within this time expire
	DefaultTTL time.Duration

	// How often to clean expired locks
	CleanupInterval time.Duration

	Clock clock.Clock
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      2 * time.Minute,
		CleanupInterval: time.Minute,
		Clock:           clock.WallClock,
	}
}

// Lock is a held lock
type Lock struct {
	Resource  string
	ID        string
	ExpiresAt time.Time
}

// LockManager handles per-resource locking
type LockManager struct {
	config Config
	locks  map[string]*Lock
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewLockManager creates a new lock manager
func NewLockManager(config Config) *LockManager {
	defaults := DefaultConfig()
	if config.DefaultTTL == 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}

	return &LockManager{
		config: config,
		locks:  make(map[string]*Lock),
		logger: log.With().Str("component", "lockmanager").Logger(),
	}
}

// Start runs the expiry sweep until ctx ends
func (m *LockManager) Start(ctx context.Context) error {
	m.logger.Info().Msg("Starting lock manager")

	for {
		select {
		case <-m.config.Clock.After(m.config.CleanupInterval):
			m.performCleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

// performCleanup removes locks that have expired
func (m *LockManager) performCleanup() {
	now := m.config.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for resource, lock := range m.locks {
		if !lock.ExpiresAt.After(now) {
			delete(m.locks, resource)
			m.logger.Warn().Str("resource", resource).Str("lock_id", lock.ID).Msg("Cleaned up expired lock")
		}
	}
}

// TryAcquire takes the lock on resource without waiting. A resource held by
// an unexpired lock yields a BusyError.
func (m *LockManager) TryAcquire(resource string) (*Lock, error) {
	now := m.config.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[resource]; ok && existing.ExpiresAt.After(now) {
		return nil, domain.BusyError(resource)
	}

	lock := &Lock{
		Resource:  resource,
		ID:        uuid.New().String(),
		ExpiresAt: now.Add(m.config.DefaultTTL),
	}
	m.locks[resource] = lock

	m.logger.Debug().Str("resource", resource).Str("lock_id", lock.ID).Msg("Lock acquired")
	return lock, nil
}

// Release drops lock. It reports false when the lock expired and was
// taken over meanwhile.
func (m *LockManager) Release(lock *Lock) bool {
	if lock == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.locks[lock.Resource]
	if !ok || current.ID != lock.ID {
		return false
	}
	delete(m.locks, lock.Resource)

	m.logger.Debug().Str("resource", lock.Resource).Str("lock_id", lock.ID).Msg("Lock released")
	return true
}

// Held reports whether resource is locked right now
func (m *LockManager) Held(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[resource]
	return ok && lock.ExpiresAt.After(m.config.Clock.Now())
}

// Shutdown drops every lock
func (m *LockManager) Shutdown(ctx context.Context) error {
	m.logger.Info().Msg("Shutting down lock manager")

	m.mu.Lock()
	m.locks = make(map[string]*Lock)
	m.mu.Unlock()
	return nil
}

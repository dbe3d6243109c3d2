// Package notifier fans one rendered message out to every subscriber of a
// subscription id over every registered delivery channel.
package notifier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Sender accepts a message for later delivery without blocking
type Sender interface {
	Enqueue(address, text string) error
}

// Target is one delivery channel as seen by the notifier
type Target struct {
	Name        string
	Subscribers domain.SubscriberStore
	Sender      Sender
}

// Notifier holds the registered delivery channels
type Notifier struct {
	targets map[string]Target
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewNotifier creates a notifier with no targets
func NewNotifier() *Notifier {
	return &Notifier{
		targets: make(map[string]Target),
		logger:  log.With().Str("component", "notifier").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Register adds or replaces a delivery channel
func (n *Notifier) Register(t Target) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets[t.Name] = t
	n.logger.Info().Str("channel", t.Name).Msg("Delivery channel registered")
}

// Channels returns the sorted names of the registered channels
func (n *Notifier) Channels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, 0, len(n.targets))
	for name := range n.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (n *Notifier) snapshot() []Target {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]Target, 0, len(n.targets))
	for _, t := range n.targets {
		out = append(out, t)
	}
	return out
}

// Notify queues text for every address subscribed to id and returns how many
// addresses it reached. Channels are served concurrently; a failing lookup on
// one channel does not stop the others.
func (n *Notifier) Notify(ctx context.Context, id, text string) (int, error) {
	targets := n.snapshot()
	counts := make([]int, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			addresses, err := t.Subscribers.ListAddresses(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to list %s subscribers: %w", t.Name, err)
			}
			counts[i] = len(addresses)

			for _, address := range addresses {
				if err := t.Sender.Enqueue(address, text); err != nil {
					n.logger.Warn().
						Err(err).
						Str("channel", t.Name).
						Str("address", address).
						Str("subscription_id", id).
						Msg("Failed to queue notification")
				}
			}
			return nil
		})
	}
	err := g.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	return total, err
}

// Recipients counts the addresses subscribed to id over every channel
func (n *Notifier) Recipients(ctx context.Context, id string) (int, error) {
	total := 0
	for _, t := range n.snapshot() {
		addresses, err := t.Subscribers.ListAddresses(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to list %s subscribers: %w", t.Name, err)
		}
		total += len(addresses)
	}
	return total, nil
}

// Detach strips id from every subscriber of every channel and returns the
// affected addresses per channel. It keeps going after a failing channel.
func (n *Notifier) Detach(ctx context.Context, id string) (map[string][]string, error) {
	affected := make(map[string][]string)
	var firstErr error

	for _, t := range n.snapshot() {
		addresses, err := t.Subscribers.RemoveSubscriptionEverywhere(ctx, id)
		if err != nil {
			n.logger.Error().Err(err).Str("channel", t.Name).Str("subscription_id", id).Msg("Failed to detach subscription")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to detach from %s: %w", t.Name, err)
			}
			continue
		}
		if len(addresses) > 0 {
			affected[t.Name] = addresses
		}
	}
	return affected, firstErr
}

// NotifyAddresses queues text for the given addresses of one channel
func (n *Notifier) NotifyAddresses(ctx context.Context, channel string, addresses []string, text string) {
	n.mu.RLock()
	t, ok := n.targets[channel]
	n.mu.RUnlock()

	if !ok {
		n.logger.Warn().Str("channel", channel).Int("addresses", len(addresses)).Msg("Unknown delivery channel")
		return
	}

	for _, address := range addresses {
		if err := t.Sender.Enqueue(address, text); err != nil {
			n.logger.Warn().Err(err).Str("channel", channel).Str("address", address).Msg("Failed to queue notice")
		}
	}
}

// Package delivery serializes outgoing messages per destination behind rate
// limiters and retries transient failures.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nkkko/informer/internal/domain"
	"github.com/nkkko/informer/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull is returned when a destination has too many pending messages
	ErrQueueFull = errors.New("delivery queue is full")

	// ErrQueueClosed is returned after Shutdown
	ErrQueueClosed = errors.New("delivery queue is closed")
)

// PermanentFailureHandler is called once per destination found unreachable
type PermanentFailureHandler func(ctx context.Context, address string, err error)

// Config contains queue configuration
type Config struct {
	// Messages per second and burst for one destination
	Rate  float64
	Burst int

	// Messages per second and burst over all destinations
	GlobalRate  float64
	GlobalBurst int

	// Transient failures retried before giving up
	MaxRetries int

	// Backoff used when the channel gives no retry delay
	RetryBackoff time.Duration

	// Idle destination workers exit after this long
	IdleTimeout time.Duration

	// Pending messages per destination
	BufferSize int

	Clock clock.Clock
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		Rate:         1,
		Burst:        1,
		GlobalRate:   30,
		GlobalBurst:  1,
		MaxRetries:   5,
		RetryBackoff: time.Second,
		IdleTimeout:  time.Minute,
		BufferSize:   100,
		Clock:        clock.WallClock,
	}
}

type job struct {
	text   string
	result chan error
}

type worker struct {
	address string
	jobs    chan *job
	limiter *rate.Limiter

	// jobs queued when the destination was found unreachable; they are
	// failed without another attempt
	drop int
}

// Queue delivers messages for one channel
type Queue struct {
	config      Config
	channel     domain.Channel
	global      *rate.Limiter
	workers     map[string]*worker
	onPermanent PermanentFailureHandler
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewQueue creates a queue in front of channel
func NewQueue(config Config, channel domain.Channel) *Queue {
	defaults := DefaultConfig()
	if config.Rate <= 0 {
		config.Rate = defaults.Rate
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = defaults.GlobalRate
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = defaults.GlobalBurst
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		config:  config,
		channel: channel,
		global:  rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With().Str("component", "delivery").Str("channel", channel.Name()).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// OnPermanentFailure sets the handler for unreachable destinations
func (q *Queue) OnPermanentFailure(fn PermanentFailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPermanent = fn
}

// Enqueue queues text for address without waiting
func (q *Queue) Enqueue(address, text string) error {
	return q.push(address, &job{text: text})
}

// Send queues text for address and waits for the final outcome
func (q *Queue) Send(ctx context.Context, address, text string) error {
	j := &job{text: text, result: make(chan error, 1)}
	if err := q.push(address, j); err != nil {
		return err
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

func (q *Queue) push(address string, j *job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}

	w, ok := q.workers[address]
	if !ok {
		w = &worker{
			address: address,
			jobs:    make(chan *job, q.config.BufferSize),
			limiter: rate.NewLimiter(rate.Limit(q.config.Rate), q.config.Burst),
		}
		q.workers[address] = w
		q.wg.Add(1)
		go q.work(w)
	}

	select {
	case w.jobs <- j:
		q.metrics.QueueDepth.WithLabelValues(q.channel.Name()).Inc()
		return nil
	default:
		q.metrics.DeliveryFailed.WithLabelValues(q.channel.Name(), "queue_full").Inc()
		q.logger.Warn().Str("address", address).Msg("Destination queue full, dropping message")
		return ErrQueueFull
	}
}

func (q *Queue) work(w *worker) {
	defer q.wg.Done()

	idle := q.config.Clock.NewTimer(q.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-w.jobs:
			stopTimer(idle)
			q.metrics.QueueDepth.WithLabelValues(q.channel.Name()).Dec()
			err := q.process(w, j)
			if j.result != nil {
				j.result <- err
			}
			idle.Reset(q.config.IdleTimeout)

		case <-idle.Chan():
			q.mu.Lock()
			if len(w.jobs) == 0 {
				delete(q.workers, w.address)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(q.config.IdleTimeout)

		case <-q.ctx.Done():
			return
		}
	}
}

// stopTimer stops t and discards a tick that already fired
func stopTimer(t clock.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

func (q *Queue) process(w *worker, j *job) error {
	if w.drop > 0 {
		w.drop--
		return domain.PermanentDeliveryError("unreachable", "destination is unreachable")
	}

	name := q.channel.Name()
	logger := q.logger.With().Str("address", w.address).Logger()

	for attempt := 0; ; attempt++ {
		if err := q.wait(q.global); err != nil {
			return err
		}
		if err := q.wait(w.limiter); err != nil {
			return err
		}

		err := q.channel.SendMessage(q.ctx, w.address, j.text)
		if err == nil {
			q.metrics.MessagesSent.WithLabelValues(name).Inc()
			return nil
		}

		switch domain.TypeOf(err) {
		case domain.ErrorTypeTransientDelivery:
			if attempt >= q.config.MaxRetries {
				q.metrics.DeliveryFailed.WithLabelValues(name, "transient").Inc()
				logger.Error().Err(err).Int("attempts", attempt+1).Msg("Giving up on message after retries")
				return err
			}

			delay := domain.RetryAfter(err)
			if delay <= 0 {
				delay = q.config.RetryBackoff << attempt
			}
			q.metrics.DeliveryRetries.WithLabelValues(name).Inc()
			logger.Debug().Err(err).Dur("retry_after", delay).Int("attempt", attempt+1).Msg("Rate limited, retrying later")

			select {
			case <-q.config.Clock.After(delay):
			case <-q.ctx.Done():
				return ErrQueueClosed
			}

		case domain.ErrorTypePermanentDelivery:
			w.drop = len(w.jobs)
			q.metrics.DeliveryFailed.WithLabelValues(name, "permanent").Inc()
			logger.Warn().Err(err).Msg("Destination is unreachable")

			q.mu.Lock()
			fn := q.onPermanent
			q.mu.Unlock()
			if fn != nil {
				fn(q.ctx, w.address, err)
			}
			return err

		default:
			q.metrics.DeliveryFailed.WithLabelValues(name, "other").Inc()
			logger.Error().Err(err).Msg("Failed to send message")
			return err
		}
	}
}

// wait blocks until lim allows one message, measured on the queue clock
func (q *Queue) wait(lim *rate.Limiter) error {
	now := q.config.Clock.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("rate limiter burst is zero")
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	select {
	case <-q.config.Clock.After(delay):
		return nil
	case <-q.ctx.Done():
		r.CancelAt(q.config.Clock.Now())
		return ErrQueueClosed
	}
}

// Pending returns the number of destinations with a live worker
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Shutdown stops every worker; queued messages are dropped
func (q *Queue) Shutdown(ctx context.Context) error {
	q.logger.Info().Msg("Shutting down delivery queue")
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

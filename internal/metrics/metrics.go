package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for Informer
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Observer metrics
	UpstreamSubscriptionsActive *prometheus.GaugeVec
	UpstreamOperations          *prometheus.CounterVec
	VerificationDuration        *prometheus.HistogramVec
	EventsReceived              *prometheus.CounterVec
	RevocationsTotal            *prometheus.CounterVec

	// Event handling metrics
	EventHandlingDuration *prometheus.HistogramVec
	FanoutRecipients      *prometheus.HistogramVec
	OrphansRemoved        *prometheus.CounterVec

	// Delivery metrics
	MessagesSent    *prometheus.CounterVec
	DeliveryRetries *prometheus.CounterVec
	DeliveryFailed  *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec

	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	CommandsBusy    *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "informer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// Storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "informer_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	// Observer metrics
	m.UpstreamSubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "informer_upstream_subscriptions_active",
			Help: "Number of verified upstream subscriptions",
		},
		[]string{"observer"},
	)

	m.UpstreamOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_upstream_operations_total",
			Help: "Total number of upstream subscription operations",
		},
		[]string{"observer", "operation", "success"},
	)

	m.VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "informer_verification_duration_seconds",
			Help:    "Time spent waiting for upstream verification",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // from 100ms to ~51s
		},
		[]string{"observer"},
	)

	m.EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_events_received_total",
			Help: "Total number of upstream events received",
		},
		[]string{"observer", "event_type"},
	)

	m.RevocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_revocations_total",
			Help: "Total number of upstream revocations",
		},
		[]string{"observer"},
	)

	// Event handling metrics
	m.EventHandlingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "informer_event_handling_duration_seconds",
			Help:    "Duration of event handling in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"observer", "event_type"},
	)

	m.FanoutRecipients = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "informer_fanout_recipients",
			Help:    "Number of recipients per fanned out event",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"event_type"},
	)

	m.OrphansRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_orphans_removed_total",
			Help: "Total number of subscriptions removed for having no subscribers",
		},
		[]string{"observer", "event_type"},
	)

	// Delivery metrics
	m.MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_messages_sent_total",
			Help: "Total number of messages delivered",
		},
		[]string{"channel"},
	)

	m.DeliveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_delivery_retries_total",
			Help: "Total number of scheduled delivery retries",
		},
		[]string{"channel"},
	)

	m.DeliveryFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_delivery_failed_total",
			Help: "Total number of messages that could not be delivered",
		},
		[]string{"channel", "reason"}, // permanent, transient, other, queue_full
	)

	m.QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "informer_delivery_queue_depth",
			Help: "Messages waiting in delivery queues",
		},
		[]string{"channel"},
	)

	// Command metrics
	m.CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_commands_total",
			Help: "Total number of chat commands handled",
		},
		[]string{"channel", "command", "result"},
	)

	m.CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "informer_command_duration_seconds",
			Help:    "Duration of chat command handling in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"command"},
	)

	m.CommandsBusy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "informer_commands_busy_total",
			Help: "Commands rejected because another command was in flight",
		},
		[]string{"channel"},
	)

	return m
}

// BoolLabel renders a success flag the way the labels expect it
func BoolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline-wide collectors. Labels follow the consumer group names so one
// Grafana board covers all four consumer kinds.
var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_events_processed_total",
			Help: "Events that reached a terminal state, by outcome.",
		},
		[]string{"consumer", "type", "outcome"}, // outcome: committed, deduplicated, dead_lettered
	)

	EventsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_events_retried_total",
			Help: "Transient-fault redeliveries scheduled with backoff.",
		},
		[]string{"consumer"},
	)

	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_events_dead_lettered_total",
			Help: "Events routed to the dead-letter store, by reason.",
		},
		[]string{"consumer", "reason"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventcore_handler_duration_seconds",
			Help:    "Domain handler execution time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"consumer"},
	)

	ConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventcore_consumer_lag",
			Help: "Unprocessed messages pending for a consumer group worker.",
		},
		[]string{"consumer", "worker"},
	)

	PublishedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_events_published_total",
			Help: "Events accepted for publication by the gateway.",
		},
		[]string{"type", "mode"}, // mode: direct, outbox
	)

	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_outbox_dispatched_total",
			Help: "Outbox rows pushed to the broker, by outcome.",
		},
		[]string{"outcome"}, // outcome: sent, retried, failed
	)

	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_notification_deliveries_total",
			Help: "Notification job delivery attempts, by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_sweep_runs_total",
			Help: "Periodic sweep executions, by sweep name and outcome.",
		},
		[]string{"sweep", "outcome"},
	)
)

func ObserveHandler(consumer string, start time.Time) {
	HandlerDuration.WithLabelValues(consumer).Observe(time.Since(start).Seconds())
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pulse"

// Metrics holds all Prometheus metrics for the tracking engine.
type Metrics struct {
	EventsTracked         *prometheus.CounterVec
	TrackFailures         *prometheus.CounterVec
	SessionsStarted       prometheus.Counter
	ConversionsRecorded   *prometheus.CounterVec
	GoalFailures          prometheus.Counter
	NotificationsSent     *prometheus.CounterVec
	NotificationsDropped  prometheus.Counter
	FunnelComputeDuration prometheus.Histogram
	FunnelBatchFailures   prometheus.Counter
}

var (
	once     sync.Once
	instance *Metrics
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsTracked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "events_total",
			Help:      "Total number of tracked events by event type.",
		}, []string{"event_type"}),
		TrackFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "failures_total",
			Help:      "Total number of events that could not be tracked by stage.",
		}, []string{"stage"}), // stage: insert, session, visitor
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "sessions_started_total",
			Help:      "Total number of sessions created.",
		}),
		ConversionsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "goals",
			Name:      "conversions_total",
			Help:      "Total number of goal conversions recorded by count mode.",
		}, []string{"count_mode"}),
		GoalFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "goals",
			Name:      "evaluation_failures_total",
			Help:      "Total number of goal evaluations that failed.",
		}),
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Total number of notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}), // outcome: delivered, failed
		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dropped_total",
			Help:      "Total number of notifications dropped because the queue was full.",
		}),
		FunnelComputeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "funnels",
			Name:      "compute_duration_seconds",
			Help:      "Time spent computing funnel statistics.",
			Buckets:   prometheus.DefBuckets,
		}),
		FunnelBatchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnels",
			Name:      "batch_failures_total",
			Help:      "Total number of funnel session batches that failed to load.",
		}),
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the sync core's Prometheus collectors.
type Metrics struct {
	MutationsQueued    *prometheus.CounterVec
	MutationsCompleted prometheus.Counter
	MutationsFailed    prometheus.Counter
	MutationsRetried   prometheus.Counter
	ConflictsDetected  prometheus.Counter
	ConflictsResolved  *prometheus.CounterVec
	PendingItems       prometheus.Gauge
	BatchDuration      prometheus.Histogram
}

// New registers the sync collectors on the provided registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		MutationsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncd",
			Name:      "mutations_queued_total",
			Help:      "Mutations accepted into the offline queue.",
		}, []string{"operation"}),
		MutationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd",
			Name:      "mutations_completed_total",
			Help:      "Mutations applied successfully.",
		}),
		MutationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd",
			Name:      "mutations_failed_total",
			Help:      "Mutations that exhausted retries or failed validation.",
		}),
		MutationsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd",
			Name:      "mutations_retried_total",
			Help:      "Transient failures returned to the queue for retry.",
		}),
		ConflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd",
			Name:      "conflicts_detected_total",
			Help:      "Version conflicts surfaced while draining batches.",
		}),
		ConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncd",
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved, labelled by strategy.",
		}, []string{"strategy"}),
		PendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncd",
			Name:      "pending_items",
			Help:      "Mutations currently awaiting sync across all users.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syncd",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock time spent draining one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.MutationsQueued,
		m.MutationsCompleted,
		m.MutationsFailed,
		m.MutationsRetried,
		m.ConflictsDetected,
		m.ConflictsResolved,
		m.PendingItems,
		m.BatchDuration,
	)
	return m
}

// NewNop returns metrics backed by a throwaway registry, for tests and
// callers that do not export.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

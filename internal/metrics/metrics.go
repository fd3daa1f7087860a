// Package metrics exposes the engine's observability surface: apply
// outcomes, out-of-order counts and reconciliation drift, consumed by an
// external Prometheus scraper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsApplied    *prometheus.CounterVec
	ApplyRetries     prometheus.Counter
	DuplicateEvents  prometheus.Counter
	OutOfOrderEvents prometheus.Counter
	MalformedEvents  prometheus.Counter
	StatusChanges    *prometheus.CounterVec

	ReconcileRuns         prometheus.Counter
	ReconcileUserFailures prometheus.Counter
	DriftMagnitude        prometheus.Histogram
	LastReconcileUnix     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "events_applied_total",
			Help:      "Events applied to the aggregate store, by event type.",
		}, []string{"type"}),
		ApplyRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "apply_retries_total",
			Help:      "Apply attempts retried after a version conflict or busy store.",
		}),
		DuplicateEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "duplicate_events_total",
			Help:      "Redelivered events short-circuited by the dedup ledger.",
		}),
		OutOfOrderEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "out_of_order_events_total",
			Help:      "Transaction events rejected for causal ordering violations and routed to reconciliation.",
		}),
		MalformedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "malformed_events_total",
			Help:      "Events rejected at validation and dropped without requeue.",
		}),
		StatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "status_changes_total",
			Help:      "Budget status transitions published, by new state.",
		}, []string{"state"}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "reconcile_runs_total",
			Help:      "Completed reconciliation sweeps.",
		}),
		ReconcileUserFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "budgetsync",
			Name:      "reconcile_user_failures_total",
			Help:      "Per-user reconciliation failures, isolated from the rest of the sweep.",
		}),
		DriftMagnitude: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "budgetsync",
			Name:      "reconcile_drift_magnitude",
			Help:      "Absolute correction applied to a drifted aggregate.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 10, 8),
		}),
		LastReconcileUnix: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "budgetsync",
			Name:      "last_reconcile_timestamp_seconds",
			Help:      "Unix time of the last completed reconciliation sweep.",
		}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

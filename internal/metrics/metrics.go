// Package metrics registers Prometheus instruments for the
// reconciliation and retrieval paths. All instruments live on the
// default registry and are served by the API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReconcileRuns counts reconciliation runs by outcome.
	ReconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation runs, labelled by outcome (ok, empty).",
	}, []string{"outcome"})

	// ReconcileDuration observes wall time per reconciliation run.
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "loom",
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Wall time per reconciliation run.",
		Buckets:   prometheus.DefBuckets,
	})

	// LogAppends counts serving-layer message log writes by role.
	LogAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "log",
		Name:      "appends_total",
		Help:      "Message log appends, labelled by role.",
	}, []string{"role"})

	// CheckpointStores counts snapshot ingests from the agent runtime.
	CheckpointStores = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "checkpoint",
		Name:      "stores_total",
		Help:      "Checkpoint snapshots delivered by the agent runtime.",
	})

	// WindowBuilds counts retrieval window builds by path taken.
	WindowBuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "window",
		Name:      "builds_total",
		Help:      "Sliding-window builds, labelled by path (keyword, bypass).",
	}, []string{"path"})

	// ReindexJobs counts keyword reindex jobs by outcome.
	ReindexJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "indexer",
		Name:      "jobs_total",
		Help:      "Keyword reindex jobs, labelled by outcome (ok, error).",
	}, []string{"outcome"})

	// ExtractorFallbacks counts keyword extractions that fell back to
	// the deterministic tokenizer after a model failure.
	ExtractorFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "indexer",
		Name:      "extractor_fallbacks_total",
		Help:      "Keyword extractions served by the deterministic fallback.",
	})
)

func init() {
	prometheus.MustRegister(
		ReconcileRuns,
		ReconcileDuration,
		LogAppends,
		CheckpointStores,
		WindowBuilds,
		ReindexJobs,
		ExtractorFallbacks,
	)
}

package caseiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters/histograms an Orchestrator publishes.
type Metrics struct {
	casesCompleted  prometheus.Counter
	casesFailed     prometheus.Counter
	workerErrors    prometheus.Counter
	workerRetired   prometheus.Counter
	caseDuration    prometheus.Histogram
	activeWorkers   prometheus.Gauge
	queuedCases     prometheus.Gauge
}

// NewMetrics registers a fresh metric set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		casesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "caseiter_cases_completed_total",
			Help: "Cases that finished execute() without a model exception.",
		}),
		casesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "caseiter_cases_failed_total",
			Help: "Cases recorded as failed: a model exception in execute(), or setup failures with the retry budget exhausted.",
		}),
		workerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "caseiter_worker_errors_total",
			Help: "ServerError events observed across all workers.",
		}),
		workerRetired: factory.NewCounter(prometheus.CounterOpts{
			Name: "caseiter_worker_retired_total",
			Help: "Workers permanently dropped from the pool after repeated ServerErrors.",
		}),
		caseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseiter_case_duration_seconds",
			Help:    "Wall-clock time from run_case dispatch to outcome collection.",
			Buckets: prometheus.DefBuckets,
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caseiter_active_workers",
			Help: "Workers currently marked in-use by the dispatcher.",
		}),
		queuedCases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caseiter_queued_cases",
			Help: "Cases currently sitting in the todo or rerun queues.",
		}),
	}
}

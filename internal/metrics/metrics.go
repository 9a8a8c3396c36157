// Package metrics holds the Prometheus collectors for ingestion, the record
// store, the similarity index and the HTTP API. Collectors register with the
// default registry on package load.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	IngestItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_ingest_items_total",
			Help: "Scraped items processed, by source and reconciliation outcome",
		},
		[]string{"source", "outcome"}, // inserted, updated, unchanged, skipped
	)

	IngestSourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_ingest_source_failures_total",
			Help: "Sources whose fetch, parse or store step failed during a pass",
		},
		[]string{"source"},
	)

	IngestPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventstore_ingest_pass_duration_seconds",
			Help:    "Wall time of a full ingestion pass",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	SweepMarked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_sweep_marked_inactive_total",
			Help: "Records transitioned to inactive by staleness sweeps",
		},
		[]string{"source"},
	)

	// Record store
	StoreBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventstore_store_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	StoreBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_store_breaker_transitions_total",
			Help: "Store circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	StoreRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_store_requests_total",
			Help: "Store calls through the circuit breaker, by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	// Similarity index
	IndexBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventstore_index_build_duration_seconds",
			Help:    "Duration of similarity index builds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	IndexBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_index_builds_total",
			Help: "Similarity index builds, by backend and result",
		},
		[]string{"backend", "result"},
	)

	IndexRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventstore_index_rows",
			Help: "Rows in the most recently built similarity index",
		},
	)

	// Recommendations
	RecommendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_recommend_requests_total",
			Help: "Recommendation requests, by mode and result",
		},
		[]string{"mode", "result"},
	)

	RecommendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventstore_recommend_duration_seconds",
			Help:    "Latency of recommendation requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// HTTP API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_api_requests_total",
			Help: "HTTP API requests, by method, route pattern and status code",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventstore_api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Scheduler
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_job_runs_total",
			Help: "Scheduled job runs, by job and result",
		},
		[]string{"job", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventstore_job_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)
)

// ObserveJob records one scheduled job run.
func ObserveJob(job string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	JobRuns.WithLabelValues(job, result).Inc()
	JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordAPIRequest records one completed HTTP request.
func RecordAPIRequest(method, route string, status int, d time.Duration) {
	APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveIndexBuild records one index build attempt.
func ObserveIndexBuild(backend string, rows int, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	} else {
		IndexRows.Set(float64(rows))
	}
	IndexBuilds.WithLabelValues(backend, result).Inc()
	IndexBuildDuration.WithLabelValues(backend).Observe(d.Seconds())
}

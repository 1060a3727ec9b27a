// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the pipeline:
// - broker publish/consume volume and failures
// - per-stage processing latency and in-flight handlers
// - data writer outcomes (committed, duplicate, retried)
// - cache efficiency for the real-time query path
// - API endpoint latency and throughput

var (
	// Broker metrics
	BrokerPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total messages published to the broker",
		},
		[]string{"topic"},
	)

	BrokerPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_errors_total",
			Help: "Total publish failures after retries",
		},
		[]string{"topic"},
	)

	BrokerConsumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_consume_total",
			Help: "Total messages delivered to handlers",
		},
		[]string{"topic"},
	)

	DeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_dead_letter_total",
			Help: "Total messages routed to the dead-letter queue",
		},
		[]string{"stage", "category"},
	)

	// Worker metrics
	StageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of stage processing in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .15, .2, .3, .5, 1, 2.5},
		},
		[]string{"stage"},
	)

	StageInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_stage_in_flight",
			Help: "Handlers currently processing a message, per stage",
		},
		[]string{"stage"},
	)

	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_retries_total",
			Help: "Messages rescheduled after a transient stage failure",
		},
		[]string{"stage"},
	)

	StageDeadlineExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_deadline_exceeded_total",
			Help: "Stage handlers canceled by the processing deadline",
		},
		[]string{"stage"},
	)

	// Writer metrics
	WriterCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "writer_commits_total",
			Help: "Feature records durably committed",
		},
	)

	WriterDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "writer_duplicates_total",
			Help: "Writes resolved as idempotent duplicates",
		},
	)

	WriterRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "writer_retries_total",
			Help: "Write attempts retried on transient store errors",
		},
	)

	// Cache metrics (real-time query path)
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feature_cache_hits_total",
			Help: "Real-time queries served from cache",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feature_cache_misses_total",
			Help: "Real-time queries that fell through to the store",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveDBQuery records a database query duration and outcome.
func ObserveDBQuery(operation, table string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// ObserveHTTPRequest records request duration and count for an endpoint.
func ObserveHTTPRequest(method, path string, status int, start time.Time) {
	code := strconv.Itoa(status)
	HTTPRequestDuration.WithLabelValues(method, path, code).Observe(time.Since(start).Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, code).Inc()
}

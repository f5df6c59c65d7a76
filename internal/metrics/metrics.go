// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestTotal counts HTTP requests by method and path prefix.
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsequery_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	// RequestDuration is the latency of HTTP requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsequery_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	// Sessions is the number of open live subscription sessions.
	Sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulsequery_sessions",
			Help: "Open live subscription sessions by publication",
		},
		[]string{"publication"},
	)
	// FilesProcessed counts record files read by the evaluator.
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsequery_files_processed_total",
			Help: "Total number of record files processed",
		},
		[]string{"status"},
	)
	// RecordsSkipped counts record lines that could not be decoded.
	RecordsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsequery_records_skipped_total",
			Help: "Total number of invalid record lines skipped",
		},
	)
	// Evaluations counts query evaluations by outcome (ok, error, panic).
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsequery_evaluations_total",
			Help: "Total number of query evaluations",
		},
		[]string{"status"},
	)
	// EvaluationDuration is the latency of a single query evaluation.
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsequery_evaluation_duration_seconds",
			Help:    "Query evaluation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	// Commands counts command executions by outcome (ok, failed, rejected).
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsequery_commands_total",
			Help: "Total number of command executions",
		},
		[]string{"status"},
	)
)

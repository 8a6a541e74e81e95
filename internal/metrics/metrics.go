// Package metrics holds the Prometheus collectors for the capture service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodgrab_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodgrab_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Pipeline metrics
var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodgrab_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome (mp4, ts, or the failing stage)",
		},
		[]string{"outcome"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vodgrab_pipeline_duration_seconds",
			Help:    "Wall-clock duration of a pipeline run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	ResolverProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodgrab_resolver_probes_total",
			Help: "Candidate playlist probes by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodgrab_segments_total",
			Help: "Segments fetched by result (ok, failed)",
		},
		[]string{"result"},
	)

	SegmentBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodgrab_segment_bytes_total",
			Help: "Bytes appended to raw stream files",
		},
	)

	ConversionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodgrab_conversion_attempts_total",
			Help: "Conversion strategy attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	DiagnosticsSyncRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vodgrab_diagnostics_sync_ratio",
			Help:    "Share of inspected transport stream packets with a valid sync byte",
			Buckets: []float64{0.5, 0.8, 0.9, 0.95, 0.99, 1},
		},
	)
)

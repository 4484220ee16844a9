// Package metrics defines custom Prometheus metrics for listingbox.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listingbox_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listingbox_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Domain metrics.
var (
	// TokenExchangesTotal counts OAuth2 refresh exchanges by result.
	TokenExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingbox_token_exchanges_total",
			Help: "OAuth2 refresh-token exchanges",
		},
		[]string{"result"},
	)

	// WriteAttemptsTotal counts individual upload attempts by backend and result.
	WriteAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingbox_write_attempts_total",
			Help: "Upload attempts made by the retrying writer",
		},
		[]string{"backend", "result"},
	)

	// WriteRetriesTotal counts retries by cause ("rate_limit" or "failure").
	WriteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingbox_write_retries_total",
			Help: "Upload retries by cause",
		},
		[]string{"cause"},
	)

	// WriteThrottleSeconds observes time spent waiting on the minimum write interval.
	WriteThrottleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listingbox_write_throttle_seconds",
			Help:    "Time spent waiting for the minimum interval between writes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	// TransformDuration observes image transform latency by output format.
	TransformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listingbox_transform_duration_seconds",
			Help:    "Image transform latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	// BytesTransferredTotal counts bytes moved to and from the backend.
	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingbox_backend_bytes_total",
			Help: "Bytes downloaded from and uploaded to the storage backend",
		},
		[]string{"direction"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			TokenExchangesTotal,
			WriteAttemptsTotal,
			WriteRetriesTotal,
			WriteThrottleSeconds,
			TransformDuration,
			BytesTransferredTotal,
		)
		// Pre-create the common series so they show up before the first write.
		WriteRetriesTotal.WithLabelValues("rate_limit")
		WriteRetriesTotal.WithLabelValues("failure")
	})
}

// NormalizePath maps request paths to a small set of label values so that
// arbitrary URLs cannot blow up series cardinality.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json", "/openapi.yaml", "/openapi":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.TrimSuffix(path, "/")
	switch {
	case strings.HasSuffix(trimmed, "/compress-and-copy"):
		return "/compress-and-copy"
	case strings.HasSuffix(trimmed, "/dropbox-storage"):
		return "/dropbox-storage"
	}
	return "/other"
}

// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets spans typical completion latencies, 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts inbound HTTP requests by method, route and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gauss_gateway_requests_total",
			Help: "Inbound requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records inbound request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gauss_gateway_request_duration_seconds",
			Help:    "Inbound request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// VendorAttemptsTotal counts calls to the vendor per egress path and outcome.
	VendorAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gauss_gateway_vendor_attempts_total",
			Help: "Vendor call attempts per egress path",
		},
		[]string{"path", "outcome"},
	)

	// VendorRetriesTotal counts same-path retries after transient failures.
	VendorRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gauss_gateway_vendor_retries_total",
			Help: "Same-path retries after transient failures",
		},
		[]string{"path"},
	)

	// StickyResetsTotal counts how often the sticky egress path was cleared.
	StickyResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gauss_gateway_sticky_path_resets_total",
			Help: "Sticky egress path invalidations",
		},
	)

	// StreamingConnections tracks open streaming completions.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gauss_gateway_streaming_connections_active",
			Help: "Active streaming completions",
		},
	)

	// TokensTotal counts vendor-reported tokens by direction (prompt/completion).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gauss_gateway_tokens_total",
			Help: "Vendor-reported token counts",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		VendorAttemptsTotal,
		VendorRetriesTotal,
		StickyResetsTotal,
		StreamingConnections,
		TokensTotal,
	)
}

// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec

	ProxyErrors     *prometheus.CounterVec
	BodyStrategies  *prometheus.CounterVec
	PreflightsTotal prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_proxy_backend_request_duration_seconds",
			Help:    "Backend call latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		ProxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_errors_total",
			Help: "Requests answered with a proxy error response, by error kind.",
		}, []string{"kind"}),

		BodyStrategies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_body_strategy_total",
			Help: "Forwarded requests by selected body strategy.",
		}, []string{"strategy"}),

		PreflightsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cors_proxy_preflight_requests_total",
			Help: "CORS preflight requests answered without contacting the backend.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.ProxyErrors,
		m.BodyStrategies,
		m.PreflightsTotal,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/proxy", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

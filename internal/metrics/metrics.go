// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"cmp"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	RequestsAborted  *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelayTotal         *prometheus.CounterVec
	RelayBytes         *prometheus.CounterVec
	RejectedHeaders    prometheus.Counter
	RedirectsRewritten prometheus.Counter

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// routes are the path prefixes reported as-is in the path_prefix label; every
// other path is reported as "other". The longest matching route wins.
func New(routes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	prefixes := slices.Clone(routes)
	slices.SortStableFunc(prefixes, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "universal_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "universal_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "universal_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		RequestsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "universal_proxy_http_requests_aborted_total",
			Help: "Requests whose connection was dropped after a mid-body upstream failure.",
		}, []string{"path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "universal_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "universal_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RelayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "universal_proxy_relay_total",
			Help: "Relayed response bodies by mode and outcome.",
		}, []string{"mode", "outcome"}),

		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "universal_proxy_relay_bytes_total",
			Help: "Body bytes written to clients by relay mode.",
		}, []string{"mode"}),

		RejectedHeaders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "universal_proxy_rejected_headers_total",
			Help: "Upstream response headers dropped for invalid names or values.",
		}),

		RedirectsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "universal_proxy_redirects_rewritten_total",
			Help: "Upstream redirects whose Location was rewritten to re-enter the proxy.",
		}),

		prefixes: prefixes,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.RequestsAborted,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelayTotal,
		m.RelayBytes,
		m.RejectedHeaders,
		m.RedirectsRewritten,
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

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

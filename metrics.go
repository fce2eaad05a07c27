package rollupboost

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the rollup_boost_* metric families. A nil *Metrics is
// valid and records nothing, so the metrics surface can be disabled
// without sprinkling conditionals through the request path.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	fanoutErrors    *prometheus.CounterVec
	builderMismatch prometheus.Counter
	contextSize     prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_boost_requests_total",
			Help: "Inbound JSON-RPC requests by method.",
		}, []string{"method"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollup_boost_request_duration_seconds",
			Help:    "Inbound request handling latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_boost_upstream_errors_total",
			Help: "Failed upstream calls by endpoint and method.",
		}, []string{"upstream", "method"}),
		fanoutErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_boost_builder_fanout_errors_total",
			Help: "Builder fan-out failures that were hidden from the client.",
		}, []string{"method"}),
		builderMismatch: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollup_boost_builder_mismatch_total",
			Help: "Builder payloads rejected for not matching the L2 block.",
		}),
		contextSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rollup_boost_payload_context_size",
			Help: "Payload contexts currently held in memory.",
		}),
	}
}

// Handler serves /metrics in Prometheus text format; every other path
// is a 404.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}

func (m *Metrics) observeRequest(method string, start time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method).Inc()
	m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) upstreamError(upstream, method string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(upstream, method).Inc()
}

func (m *Metrics) fanoutError(method string) {
	if m == nil {
		return
	}
	m.fanoutErrors.WithLabelValues(method).Inc()
}

func (m *Metrics) mismatch() {
	if m == nil {
		return
	}
	m.builderMismatch.Inc()
}

func (m *Metrics) setContextSize(n int) {
	if m == nil {
		return
	}
	m.contextSize.Set(float64(n))
}

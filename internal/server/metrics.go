package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessions      prometheus.Gauge
	connects      *prometheus.CounterVec
	persisted     prometheus.Counter
	storeFailures prometheus.Counter
	dropped       *prometheus.CounterVec
	slowConsumers prometheus.Counter
	rateLimited   prometheus.Counter
	appendSeconds prometheus.Histogram
}

// NewMetrics registers the gateway collectors on a fresh registry, together
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "resonance",
			Name:      "sessions_active",
			Help:      "Registered WebSocket sessions.",
		}),
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "connects_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"outcome"}),
		persisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "messages_persisted_total",
			Help:      "Messages appended to history and broadcast.",
		}),
		storeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "store_failures_total",
			Help:      "History store operations that failed.",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped before processing, by reason.",
		}, []string{"reason"}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Sessions disconnected because their outbound queue was full.",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "resonance",
			Name:      "rate_limited_frames_total",
			Help:      "Inbound frames discarded by the per-connection rate limit.",
		}),
		appendSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resonance",
			Name:      "store_append_seconds",
			Help:      "Latency of history appends.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

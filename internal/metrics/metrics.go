// Package metrics exposes the node's Prometheus instrumentation: routing
// volume by strategy, remote execution outcomes and retries, and signed
// request authentication failures.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the node registers. Construct one per
// process with New and share it; collectors are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	// Router.
	RouterRequests *prometheus.CounterVec // by strategy
	RouterErrors   *prometheus.CounterVec // by strategy
	RouterLatency  *prometheus.HistogramVec
	ShardsQueried  prometheus.Histogram

	// Remote execution.
	RemoteRequests *prometheus.CounterVec // by target shard, outcome
	RemoteRetries  prometheus.Counter
	RemoteLatency  *prometheus.HistogramVec

	// Signed request verification.
	AuthFailures *prometheus.CounterVec // by reason
	NonceCache   prometheus.Gauge

	// Storage.
	StoredKeys    prometheus.Gauge
	StoredBytes   prometheus.Gauge
	TopologyAge   prometheus.Gauge
	HealthyShards prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		RouterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "themis",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Routed requests by strategy.",
		}, []string{"strategy"}),
		RouterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "themis",
			Subsystem: "router",
			Name:      "errors_total",
			Help:      "Routed requests that failed, by strategy.",
		}, []string{"strategy"}),
		RouterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "themis",
			Subsystem: "router",
			Name:      "latency_seconds",
			Help:      "End-to-end routing latency by strategy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		ShardsQueried: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "themis",
			Subsystem: "router",
			Name:      "shards_queried",
			Help:      "Shards contacted per routed request.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "themis",
			Subsystem: "executor",
			Name:      "requests_total",
			Help:      "Remote shard requests by target and outcome.",
		}, []string{"shard", "outcome"}),
		RemoteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "themis",
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Remote request retry attempts after transport failures.",
		}),
		RemoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "themis",
			Subsystem: "executor",
			Name:      "latency_seconds",
			Help:      "Remote request latency by target shard.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"shard"}),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "themis",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected signed requests by reason.",
		}, []string{"reason"}),
		NonceCache: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "themis",
			Subsystem: "auth",
			Name:      "nonce_cache_entries",
			Help:      "Live entries in the replay-protection nonce cache.",
		}),

		StoredKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "themis",
			Subsystem: "storage",
			Name:      "keys",
			Help:      "Records held by the local store.",
		}),
		StoredBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "themis",
			Subsystem: "storage",
			Name:      "bytes",
			Help:      "Total value bytes held by the local store.",
		}),
		TopologyAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "themis",
			Subsystem: "topology",
			Name:      "snapshot_age_seconds",
			Help:      "Seconds since the topology snapshot was fetched.",
		}),
		HealthyShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "themis",
			Subsystem: "topology",
			Name:      "healthy_shards",
			Help:      "Shards currently marked healthy.",
		}),
	}

	reg.MustRegister(
		m.RouterRequests, m.RouterErrors, m.RouterLatency, m.ShardsQueried,
		m.RemoteRequests, m.RemoteRetries, m.RemoteLatency,
		m.AuthFailures, m.NonceCache,
		m.StoredKeys, m.StoredBytes, m.TopologyAge, m.HealthyShards,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Package telemetry provides the Prometheus metrics surface and the
// OpenTelemetry-backed tracer used across the router.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every router collector. Names are part of the external
// contract; dashboards depend on them.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	LatencySeconds    *prometheus.HistogramVec
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
}

// NewMetrics registers all collectors on the registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Routed requests by service, intent category, and HTTP status.",
		}, []string{"service", "intent", "status"}),
		LatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_latency_seconds",
			Help:    "Request latency by service and intent category.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "intent"}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_cache_hits_total",
			Help: "Intent cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_cache_misses_total",
			Help: "Intent cache misses.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_active_connections",
			Help: "Currently connected WebSocket subscribers.",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.LatencySeconds,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ActiveConnections,
	)
	return m
}

// CacheHit satisfies the engine's cache observer.
func (m *Metrics) CacheHit() {
	m.CacheHitsTotal.Inc()
}

// CacheMiss satisfies the engine's cache observer.
func (m *Metrics) CacheMiss() {
	m.CacheMissesTotal.Inc()
}

// Package busmetrics exposes the daemon's runtime counters as Prometheus
// metrics, the same role client_golang plays exporting socket statistics in
// sockstats and connection counters in conniver.
package busmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "busd"

// Metrics bundles every collector the daemon updates. A *Metrics is safe for
// concurrent use -- every field is itself a prometheus.Collector, which are
// internally synchronized.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	OutboundQueue    prometheus.Gauge
	DispatchLatency  prometheus.Histogram
	PolicyDenies     *prometheus.CounterVec
	NamesOwned       prometheus.Gauge
}

// New creates a Metrics bundle registered in a fresh, private registry (not
// the global default registerer), so multiple daemon instances in the same
// process -- as in tests -- don't collide on duplicate registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently connected peers.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of peer connections accepted since start.",
		}),
		OutboundQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Sum of outbound message queue depth across all connections.",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time from Route() being called to the message being queued or replied.",
			Buckets:   prometheus.DefBuckets,
		}),
		PolicyDenies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denies_total",
			Help:      "Number of send/receive/own decisions denied by policy, by decision kind.",
		}, []string{"kind"}),
		NamesOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "names_owned",
			Help:      "Number of well-known names currently owned (excludes queued requests).",
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.ConnectionsTotal,
		m.OutboundQueue,
		m.DispatchLatency,
		m.PolicyDenies,
		m.NamesOwned,
	)
	return m
}

// Handler returns the http.Handler cmd/busd mounts at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package overlay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Peer Manager's Prometheus collectors on an isolated
// registry, so they never collide with a hosting application's default
// registry and so each test gets its own instance.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectsTotal      *prometheus.CounterVec
	DisconnectsTotal   *prometheus.CounterVec
	DroppedFramesTotal *prometheus.CounterVec
	RelayedTotal        *prometheus.CounterVec
	DisposalsTotal       prometheus.Counter
	ConnectedPeers       prometheus.Gauge
	IdentifiedPeers      prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_connects_total",
				Help: "Total number of connections that reached CONNECTED.",
			},
			[]string{"transport", "direction"},
		),
		DisconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_disconnects_total",
				Help: "Total number of connections that transitioned to DISCONNECTED.",
			},
			[]string{"transport"},
		),
		DroppedFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_dropped_frames_total",
				Help: "Total number of frames dropped because a connection wasn't ready.",
			},
			[]string{"transport"},
		),
		RelayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_relayed_total",
				Help: "Total number of overlay-control messages relayed to a third peer.",
			},
			[]string{"type"},
		),
		DisposalsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "overlay_disposals_total",
				Help: "Total number of peer records disposed.",
			},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlay_connected_peers",
				Help: "Current number of peers with at least one CONNECTED connection.",
			},
		),
		IdentifiedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlay_identified_peers",
				Help: "Current size of the identity -> peer routing table.",
			},
		),
	}

	reg.MustRegister(
		m.ConnectsTotal,
		m.DisconnectsTotal,
		m.DroppedFramesTotal,
		m.RelayedTotal,
		m.DisposalsTotal,
		m.ConnectedPeers,
		m.IdentifiedPeers,
	)

	return m
}

// Handler serves the Prometheus exposition format for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

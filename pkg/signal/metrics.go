package signal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the rendezvous server is busy with.
type Metrics struct {
	Rooms   prometheus.Gauge
	Peers   prometheus.Gauge
	Relayed *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rally",
			Subsystem: "signal",
			Name:      "rooms",
			Help:      "Number of active rooms.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rally",
			Subsystem: "signal",
			Name:      "peers",
			Help:      "Number of connected peers.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rally",
			Subsystem: "signal",
			Name:      "relayed_total",
			Help:      "Relayed packets by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.Rooms, m.Peers, m.Relayed)
	}
	return m
}

func (m *Metrics) relay(t string) {
	if m != nil {
		m.Relayed.WithLabelValues(t).Inc()
	}
}

func (m *Metrics) roomCount(n int) {
	if m != nil {
		m.Rooms.Set(float64(n))
	}
}

func (m *Metrics) peerCount(n int) {
	if m != nil {
		m.Peers.Set(float64(n))
	}
}

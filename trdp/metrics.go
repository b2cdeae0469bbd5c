package trdp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the session's diagnostic counter sink. mux, pdpub, and
// mdsession each accept it through their own Stats interface (one
// IncDropped method); pdsub has no Stats hook of its own, so the façade
// counts its successful deliveries directly. Pass a fresh
// prometheus.NewRegistry() per session to avoid colliding on metric names
// when more than one session runs in-process.
type Metrics struct {
	dropped   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	tcpPool   prometheus.Gauge
}

// NewMetrics constructs a Metrics sink registering its collectors against
// reg. Pass prometheus.NewRegistry() for an isolated session, or
// prometheus.DefaultRegisterer to expose it on the process-wide /metrics
// endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdp",
			Name:      "dropped_total",
			Help:      "Packets or deliveries dropped, by reason.",
		}, []string{"reason"}),
		delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdp",
			Name:      "delivered_total",
			Help:      "PD/MD deliveries, by plane.",
		}, []string{"plane"}),
		tcpPool: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "trdp",
			Name:      "md_tcp_pool_size",
			Help:      "Pooled outbound MD TCP connections currently held.",
		}),
	}
}

// IncDropped satisfies mux.Stats, pdpub.Stats, and mdsession.Stats.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) incDelivered(plane string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(plane).Inc()
}

func (m *Metrics) setTCPPoolSize(n int) {
	if m == nil {
		return
	}
	m.tcpPool.Set(float64(n))
}

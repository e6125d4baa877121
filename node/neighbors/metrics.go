package neighbors

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Nodes contains the number of registered nodes.
	Nodes prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		Nodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rumour",
				Subsystem: "neighbors",
				Name:      "nodes",
				Help:      "Number of nodes in the neighbor table",
			},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.Nodes,
	)
}

package store

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// InsertsTotal is the number of inserts labelled by result, which is
	// either 'added', 'duplicate' or 'error'.
	InsertsTotal *prometheus.CounterVec

	// Values is the number of values in the store.
	Values prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		InsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "store",
				Name:      "inserts_total",
				Help:      "Total number of inserts",
			},
			[]string{"result"},
		),
		Values: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rumour",
				Subsystem: "store",
				Name:      "values",
				Help:      "Number of values in the store",
			},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.InsertsTotal,
		m.Values,
	)
}

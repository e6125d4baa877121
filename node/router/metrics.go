package router

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// RequestsTotal is the number of handled messages labelled by message
	// type. Unrecognized messages have type 'unknown'.
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal is the number of messages that failed labelled by message
	// type and RPC error code.
	ErrorsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "router",
				Name:      "requests_total",
				Help:      "Total number of handled messages",
			},
			[]string{"type"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "router",
				Name:      "errors_total",
				Help:      "Total number of failed messages",
			},
			[]string{"type", "code"},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.RequestsTotal,
		m.ErrorsTotal,
	)
}

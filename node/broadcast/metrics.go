package broadcast

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// ReceivedTotal is the total number of broadcast values received from
	// clients or peers.
	ReceivedTotal prometheus.Counter

	// ForwardsTotal is the total number of broadcasts forwarded to peers.
	ForwardsTotal prometheus.Counter

	// ForwardErrorsTotal is the total number of forwards the transport
	// failed to send.
	ForwardErrorsTotal prometheus.Counter

	// BackfilledTotal is the total number of values added from a peer's
	// 'read_ok'.
	BackfilledTotal prometheus.Counter

	// SyncRoundsTotal is the total number of anti-entropy rounds.
	SyncRoundsTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		ReceivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "broadcast",
				Name:      "received_total",
				Help:      "Total number of received broadcast values",
			},
		),
		ForwardsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "broadcast",
				Name:      "forwards_total",
				Help:      "Total number of forwarded broadcasts",
			},
		),
		ForwardErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "broadcast",
				Name:      "forward_errors_total",
				Help:      "Total number of failed forwards",
			},
		),
		BackfilledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "broadcast",
				Name:      "backfilled_total",
				Help:      "Total number of values added from a peer read",
			},
		),
		SyncRoundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rumour",
				Subsystem: "broadcast",
				Name:      "sync_rounds_total",
				Help:      "Total number of anti-entropy rounds",
			},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.ReceivedTotal,
		m.ForwardsTotal,
		m.ForwardErrorsTotal,
		m.BackfilledTotal,
		m.SyncRoundsTotal,
	)
}

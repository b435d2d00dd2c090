package contractcourt

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts what the arbitrator submitted to the chain.
type metrics struct {
	breachRemedies     prometheus.Counter
	unremediedBreaches prometheus.Counter
	revocableSpends    prometheus.Counter
	broadcastFailures  *prometheus.CounterVec
	eventsTriggered    *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		breachRemedies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "breach",
			Name:      "remedies_total",
			Help:      "Breach remedy transactions submitted.",
		}),
		unremediedBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "breach",
			Name:      "unremedied_total",
			Help:      "Breach windows that elapsed without a remedy.",
		}),
		revocableSpends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "breach",
			Name:      "revocable_deliveries_total",
			Help:      "Revocable delivery transactions submitted.",
		}),
		broadcastFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trinity",
				Subsystem: "breach",
				Name:      "broadcast_failures_total",
				Help:      "Failed transaction submissions.",
			}, []string{"kind"},
		),
		eventsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trinity",
				Subsystem: "breach",
				Name:      "block_events_total",
				Help:      "Block events triggered.",
			}, []string{"type"},
		),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.breachRemedies, m.unremediedBreaches, m.revocableSpends,
		m.broadcastFailures, m.eventsTriggered,
	}
}

// Describe sends the descriptors of the arbitrator's metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (b *BreachArbitrator) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range b.metrics.collectors() {
		c.Describe(ch)
	}
}

// Collect sends the current values of the arbitrator's metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (b *BreachArbitrator) Collect(ch chan<- prometheus.Metric) {
	for _, c := range b.metrics.collectors() {
		c.Collect(ch)
	}
}

var _ prometheus.Collector = (*BreachArbitrator)(nil)

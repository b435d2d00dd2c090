package peer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts the traffic handled by a dispatcher.
type metrics struct {
	received     *prometheus.CounterVec
	failures     *prometheus.CounterVec
	undecodable  prometheus.Counter
	sendErrors   prometheus.Counter
	unresponsive prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "peer",
			Name:      "messages_total",
			Help:      "Messages handled by type.",
		}, []string{"type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "peer",
			Name:      "failures_total",
			Help:      "Fail replies sent by error code.",
		}, []string{"code"}),
		undecodable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "peer",
			Name:      "undecodable_total",
			Help:      "Inbound payloads that failed to decode.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "peer",
			Name:      "send_errors_total",
			Help:      "Outbound messages the transport failed to deliver.",
		}),
		unresponsive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trinity",
			Subsystem: "peer",
			Name:      "unresponsive_peers",
			Help:      "Peers whose keep-alive counter ran out.",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.received, m.failures, m.undecodable, m.sendErrors,
		m.unresponsive,
	}
}

// Describe sends the descriptors of the dispatcher's metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (d *Dispatcher) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range d.metrics.collectors() {
		c.Describe(ch)
	}
}

// Collect sends the current values of the dispatcher's metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (d *Dispatcher) Collect(ch chan<- prometheus.Metric) {
	for _, c := range d.metrics.collectors() {
		c.Collect(ch)
	}
}

var _ prometheus.Collector = (*Dispatcher)(nil)

// Package metrics exposes acquisition and command counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can be used
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "govent"

// Metrics holds the counters updated by the acquisition loop and the
// command components.
type Metrics struct {
	Ticks         prometheus.Counter
	Packets       prometheus.Counter
	ShortPackets  prometheus.Counter
	Rows          prometheus.Counter
	Flushes       prometheus.Counter
	LogErrors     prometheus.Counter
	Publishes     prometheus.Counter
	Commands      *prometheus.CounterVec
	CommandErrors *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Acquisition loop ticks.",
		}),
		Packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_decoded_total",
			Help:      "Telemetry packets decoded.",
		}),
		ShortPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_short_total",
			Help:      "Telemetry packets discarded for being too short.",
		}),
		Rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_rows_total",
			Help:      "Rows appended to the session log.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_flushes_total",
			Help:      "Session log flushes.",
		}),
		LogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_errors_total",
			Help:      "Session log write or flush failures.",
		}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_publishes_total",
			Help:      "Decimated sample publications to subscribers.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands forwarded to the controller.",
		}, []string{"command"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Commands the controller link failed to send.",
		}, []string{"command"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Ticks,
			m.Packets,
			m.ShortPackets,
			m.Rows,
			m.Flushes,
			m.LogErrors,
			m.Publishes,
			m.Commands,
			m.CommandErrors,
		)
	}

	return m
}

func (m *Metrics) Tick() {
	if m != nil {
		m.Ticks.Inc()
	}
}

func (m *Metrics) Packet() {
	if m != nil {
		m.Packets.Inc()
	}
}

func (m *Metrics) ShortPacket() {
	if m != nil {
		m.ShortPackets.Inc()
	}
}

func (m *Metrics) Row() {
	if m != nil {
		m.Rows.Inc()
	}
}

func (m *Metrics) Flush() {
	if m != nil {
		m.Flushes.Inc()
	}
}

func (m *Metrics) LogError() {
	if m != nil {
		m.LogErrors.Inc()
	}
}

func (m *Metrics) Publish() {
	if m != nil {
		m.Publishes.Inc()
	}
}

// Command counts a forwarded command, and a failure when err is not nil.
func (m *Metrics) Command(name string, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(name).Inc()
	if err != nil {
		m.CommandErrors.WithLabelValues(name).Inc()
	}
}

// Package metrics exposes the server's Prometheus instrumentation: online
// user count, messages sent, and active sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's gauges and counters. Construct once at
// startup with NewMetrics and thread by reference into every component
// that reports, matching the single-registry convention of the teacher's
// expvar-based equivalent.
//
// OnlineUsers and ActiveSessions are registered, but nothing in the
// server sets them, so both report 0. MessagesSent and CommandErrors are
// incremented by the command channel only; sends over the push channel
// are not counted.
type Metrics struct {
	OnlineUsers    prometheus.Gauge
	ActiveSessions prometheus.Gauge
	MessagesSent   *prometheus.CounterVec
	CommandErrors  *prometheus.CounterVec
}

// NewMetrics registers every collector with reg and returns the handle.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruggine",
			Name:      "online_users",
			Help:      "Number of users currently marked online.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruggine",
			Name:      "active_sessions",
			Help:      "Number of live connections across all users, summed over the presence registry.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruggine",
			Name:      "messages_sent_total",
			Help:      "Messages persisted through the command channel, partitioned by chat type.",
		}, []string{"chat_type"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruggine",
			Name:      "command_errors_total",
			Help:      "Command-channel requests that resulted in an ERR response, partitioned by command.",
		}, []string{"cmd"}),
	}
	reg.MustRegister(m.OnlineUsers, m.ActiveSessions, m.MessagesSent, m.CommandErrors)
	return m
}

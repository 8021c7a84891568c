package server

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/NicolasHaas/rendezvous/pkg/protocol"
)

// Metrics tracks server runtime statistics.
// Plain counters are atomics; they are exported to Prometheus through
// CounterFunc/GaugeFunc collectors on a private registry.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	TotalConnections    atomic.Int64 // lifetime connections accepted
	ActiveConnections   atomic.Int64 // sessions currently being served
	RejectedConnections atomic.Int64 // connections refused because the pool was saturated or closed
	SuccessfulLogins    atomic.Int64
	FailedLogins        atomic.Int64
	Registrations       atomic.Int64

	commands       *prometheus.CounterVec
	snapshotGauges gauges
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Uptime              string `json:"uptime"`
	TotalConnections    int64  `json:"total_connections"`
	ActiveConnections   int64  `json:"active_connections"`
	RejectedConnections int64  `json:"rejected_connections"`
	SuccessfulLogins    int64  `json:"successful_logins"`
	FailedLogins        int64  `json:"failed_logins"`
	Registrations       int64  `json:"registrations"`
	UsersRegistered     int    `json:"users_registered"`
	UsersOnline         int    `json:"users_online"`
	QueueDepth          int    `json:"queue_depth"`
}

// gauges supplies values owned by other components.
type gauges struct {
	users      func() (registered, online int)
	queueDepth func() int
}

// newMetrics creates the counters and registers them, together with gauges
// read from g, on a fresh registry.
func newMetrics(g gauges) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_commands_total",
			Help: "Directory commands handled, by verb and result.",
		}, []string{"verb", "result"}),
	}

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, f)
	}

	m.registry.MustRegister(
		m.commands,
		counter("rendezvous_connections_total", "Lifetime connections accepted.", &m.TotalConnections),
		counter("rendezvous_connections_rejected_total", "Connections rejected because the worker pool was saturated.", &m.RejectedConnections),
		counter("rendezvous_logins_total", "Successful logins.", &m.SuccessfulLogins),
		counter("rendezvous_login_failures_total", "Failed login attempts.", &m.FailedLogins),
		counter("rendezvous_registrations_total", "Users registered during this run.", &m.Registrations),
		gauge("rendezvous_connections_active", "Sessions currently being served.", func() float64 {
			return float64(m.ActiveConnections.Load())
		}),
		gauge("rendezvous_uptime_seconds", "Server uptime in seconds.", func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
		gauge("rendezvous_users_registered", "Registered users.", func() float64 {
			reg, _ := g.users()
			return float64(reg)
		}),
		gauge("rendezvous_users_online", "Logged-in users.", func() float64 {
			_, on := g.users()
			return float64(on)
		}),
		gauge("rendezvous_pool_queue_depth", "Connections waiting for a worker.", func() float64 {
			return float64(g.queueDepth())
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.snapshotGauges = g
	return m
}

// Registry exposes the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCommand counts one handled command by its reply.
func (m *Metrics) ObserveCommand(verb, reply string) {
	if verb == "" {
		verb = "unknown"
	}
	m.commands.WithLabelValues(strings.ToLower(verb), resultLabel(reply)).Inc()
}

func resultLabel(reply string) string {
	r, err := protocol.ParseReply(reply)
	if err != nil {
		return "invalid"
	}
	if r.OK {
		return "ok"
	}
	return strings.ToLower(r.Reason())
}

// Snapshot returns a read-consistent snapshot of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	reg, on := m.snapshotGauges.users()
	return MetricsSnapshot{
		Uptime:              time.Since(m.startTime).Truncate(time.Second).String(),
		TotalConnections:    m.TotalConnections.Load(),
		ActiveConnections:   m.ActiveConnections.Load(),
		RejectedConnections: m.RejectedConnections.Load(),
		SuccessfulLogins:    m.SuccessfulLogins.Load(),
		FailedLogins:        m.FailedLogins.Load(),
		Registrations:       m.Registrations.Load(),
		UsersRegistered:     reg,
		UsersOnline:         on,
		QueueDepth:          m.snapshotGauges.queueDepth(),
	}
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"rejected", s.RejectedConnections,
		"users_online", s.UsersOnline,
		"users_registered", s.UsersRegistered,
		"queue_depth", s.QueueDepth,
	)
}

// StartPeriodicLog logs a summary every interval until done is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}

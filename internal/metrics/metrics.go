// Package metrics exposes engine counters on a private prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signon"

type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	profiles    *prometheus.GaugeVec
	connections *prometheus.GaugeVec
	dropped     *prometheus.CounterVec
	commands    *prometheus.CounterVec
	runs        *prometheus.HistogramVec
	queueWait   prometheus.Histogram
	expired     prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Request status transitions.",
		}, []string{"from", "to"}),
		profiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_profiles",
			Help:      "Worker profiles by status.",
		}, []string{"status"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controlplane_connections",
			Help:      "Authenticated control-plane connections by role.",
		}, []string{"role"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controlplane_dropped_total",
			Help:      "Events dropped because a connection's buffer was full.",
		}, []string{"role"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controlplane_commands_total",
			Help:      "Inbound control-plane commands.",
		}, []string{"command", "accepted"}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_run_seconds",
			Help:      "Scripted sign-in run duration.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"site", "outcome"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time approved requests waited for a profile.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_expired_total",
			Help:      "Requests expired by the TTL sweep.",
		}),
	}
	registry.MustRegister(
		m.transitions, m.profiles, m.connections, m.dropped,
		m.commands, m.runs, m.queueWait, m.expired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	if to == "EXPIRED" {
		m.expired.Inc()
	}
}

// ProfileCounts replaces the per-status profile gauges.
func (m *Metrics) ProfileCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.profiles.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) Dropped(role string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(role).Inc()
}

func (m *Metrics) Command(command string, accepted bool) {
	if m == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
	}
	m.commands.WithLabelValues(command, label).Inc()
}

func (m *Metrics) RunFinished(site, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(site, outcome).Observe(d.Seconds())
}

func (m *Metrics) AcquireWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

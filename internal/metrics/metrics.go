// Package metrics exposes Prometheus collectors for a kiln daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kiln"

// Metrics holds the daemon's collectors on a private registry so several
// daemons in one test process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	builds              *prometheus.CounterVec
	buildDuration       prometheus.Histogram
	activeSessions      prometheus.Gauge
	daemonState         *prometheus.GaugeVec
	connectionsRejected *prometheus.CounterVec
}

// New registers the kiln collectors plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Build invocations served, by outcome.",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of build invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Client sessions currently connected.",
		}),
		daemonState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daemon_state",
			Help:      "1 for the daemon's current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused before dispatch, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.builds,
		m.buildDuration,
		m.activeSessions,
		m.daemonState,
		m.connectionsRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveBuild counts a finished build.
func (m *Metrics) ObserveBuild(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(duration.Seconds())
}

// SetActiveSessions records the current session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetState marks state as the current lifecycle state.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.daemonState.WithLabelValues(s).Set(value)
	}
}

// ConnectionRejected counts a refused connection.
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

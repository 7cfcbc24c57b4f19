package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgrouter.
type Collector struct {
	Registry       *prometheus.Registry
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	commandsTotal    *prometheus.CounterVec
	replaysTotal     *prometheus.CounterVec
	fencedTotal      *prometheus.CounterVec
	backendErrors    *prometheus.CounterVec
	replyDuration    *prometheus.HistogramVec
	targetHealth     *prometheus.GaugeVec
	connectDuration  *prometheus.HistogramVec
	healthCheckTime  *prometheus.HistogramVec
	healthCheckError *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgrouter_sessions_active",
				Help: "Number of active client sessions",
			},
		),
		sessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgrouter_sessions_total",
				Help: "Total client sessions accepted",
			},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrouter_commands_total",
				Help: "Client commands routed, by kind (single or multi)",
			},
			[]string{"kind"},
		),
		replaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrouter_secondary_replays_total",
				Help: "Multi-node commands replayed to a secondary backend",
			},
			[]string{"target"},
		),
		fencedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrouter_fenced_nodes_total",
				Help: "Backends fenced into maintenance after a failure",
			},
			[]string{"target"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrouter_backend_errors_total",
				Help: "Backend connection failures by type",
			},
			[]string{"target", "type"},
		),
		replyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgrouter_reply_duration_seconds",
				Help:    "Duration from command dispatch to complete reply",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"target"},
		),
		targetHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgrouter_target_health",
				Help: "Health status of a backend target (1=healthy, 0=unhealthy)",
			},
			[]string{"target"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgrouter_backend_connect_duration_seconds",
				Help:    "Time to dial and handshake a backend connection",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"target"},
		),
		healthCheckTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgrouter_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"target", "status"},
		),
		healthCheckError: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrouter_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"target", "error_type"},
		),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.commandsTotal,
		c.replaysTotal,
		c.fencedTotal,
		c.backendErrors,
		c.replyDuration,
		c.targetHealth,
		c.connectDuration,
		c.healthCheckTime,
		c.healthCheckError,
	)

	return c
}

// SessionOpened records a new client session.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

// SessionClosed records the end of a client session.
func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

// CommandRouted counts one client command by routing kind.
func (c *Collector) CommandRouted(kind string) {
	c.commandsTotal.WithLabelValues(kind).Inc()
}

// SecondaryReplay counts a multi-node command replayed to a secondary.
func (c *Collector) SecondaryReplay(target string) {
	c.replaysTotal.WithLabelValues(target).Inc()
}

// NodeFenced counts a backend being fenced into maintenance.
func (c *Collector) NodeFenced(target string) {
	c.fencedTotal.WithLabelValues(target).Inc()
}

// BackendError counts a backend connection failure.
func (c *Collector) BackendError(target, errType string) {
	c.backendErrors.WithLabelValues(target, errType).Inc()
}

// ReplyDuration observes the time a backend took to produce a complete reply.
func (c *Collector) ReplyDuration(target string, d time.Duration) {
	c.replyDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ConnectDuration observes the dial-plus-handshake time for a backend.
func (c *Collector) ConnectDuration(target string, d time.Duration) {
	c.connectDuration.WithLabelValues(target).Observe(d.Seconds())
}

// SetTargetHealth sets the health gauge for a target.
func (c *Collector) SetTargetHealth(target string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.targetHealth.WithLabelValues(target).Set(val)
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(target string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckTime.WithLabelValues(target, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(target, errorType string) {
	c.healthCheckError.WithLabelValues(target, errorType).Inc()
}

// RemoveTarget removes all metrics for a target that left the configuration.
func (c *Collector) RemoveTarget(target string) {
	c.replaysTotal.DeleteLabelValues(target)
	c.fencedTotal.DeleteLabelValues(target)
	c.backendErrors.DeletePartialMatch(prometheus.Labels{"target": target})
	c.replyDuration.DeleteLabelValues(target)
	c.targetHealth.DeleteLabelValues(target)
	c.connectDuration.DeleteLabelValues(target)
	c.healthCheckTime.DeletePartialMatch(prometheus.Labels{"target": target})
	c.healthCheckError.DeletePartialMatch(prometheus.Labels{"target": target})
}

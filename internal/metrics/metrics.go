// Package metrics holds the Prometheus collectors shared by the runner,
// orchestrator, monitors and notifier. Every method is safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qmoi"

// Metrics contains the collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Command runner
	commandAttempts     *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	commandRemediations *prometheus.CounterVec

	// Orchestrator
	phaseDuration *prometheus.HistogramVec
	phaseTasks    *prometheus.CounterVec
	runs          *prometheus.CounterVec

	// Monitors
	monitorCycles *prometheus.CounterVec
	monitorValue  *prometheus.GaugeVec
	monitorAlerts *prometheus.CounterVec

	// Notifications
	deliveries *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	breaker    *prometheus.GaugeVec
}

// New registers every collector on a fresh registry, including the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg. A nil reg gets a private registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		commandAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_attempts_total",
			Help:      "Subprocess attempts by command and result.",
		}, []string{"command", "result"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time of a full runner invocation, retries included.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"command"}),
		commandRemediations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_remediations_total",
			Help:      "Auto-fix remediations applied by key and result.",
		}, []string{"key", "result"}),

		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of an orchestrator phase across all platforms.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		phaseTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_tasks_total",
			Help:      "Per-platform phase tasks by result.",
		}, []string{"phase", "result"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_runs_total",
			Help:      "Orchestrator runs by result.",
		}, []string{"result"}),

		monitorCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycles_total",
			Help:      "Monitor cycles by monitor and result.",
		}, []string{"monitor", "result"}),
		monitorValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_value",
			Help:      "Last sampled value per monitor metric.",
		}, []string{"monitor", "metric"}),
		monitorAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_alerts_total",
			Help:      "Threshold breaches by monitor, alert type and whether they were dispatched.",
		}, []string{"monitor", "type", "dispatched"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "Notification delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		suppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_suppressed_total",
			Help:      "Notifications skipped because the type was cooling down.",
		}, []string{"type"}),
		breaker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_breaker_state",
			Help:      "Channel circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"channel"}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// CommandAttempt counts one subprocess attempt.
func (m *Metrics) CommandAttempt(command string, ok bool) {
	if m == nil {
		return
	}
	m.commandAttempts.WithLabelValues(command, result(ok)).Inc()
}

// CommandFinished observes a whole runner invocation.
func (m *Metrics) CommandFinished(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Remediation counts an applied auto-fix.
func (m *Metrics) Remediation(key string, ok bool) {
	if m == nil {
		return
	}
	m.commandRemediations.WithLabelValues(key, result(ok)).Inc()
}

// PhaseFinished observes a phase and its per-platform results.
func (m *Metrics) PhaseFinished(phase string, d time.Duration, succeeded, failed int) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	m.phaseTasks.WithLabelValues(phase, "success").Add(float64(succeeded))
	m.phaseTasks.WithLabelValues(phase, "failure").Add(float64(failed))
}

// RunFinished counts an orchestrator run.
func (m *Metrics) RunFinished(ok bool) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result(ok)).Inc()
}

// MonitorCycle counts a monitor cycle.
func (m *Metrics) MonitorCycle(monitor string, ok bool) {
	if m == nil {
		return
	}
	m.monitorCycles.WithLabelValues(monitor, result(ok)).Inc()
}

// MonitorValue records the last sampled value of a metric.
func (m *Metrics) MonitorValue(monitor, metric string, v float64) {
	if m == nil {
		return
	}
	m.monitorValue.WithLabelValues(monitor, metric).Set(v)
}

// MonitorAlert counts a threshold breach.
func (m *Metrics) MonitorAlert(monitor, alertType string, dispatched bool) {
	if m == nil {
		return
	}
	d := "false"
	if dispatched {
		d = "true"
	}
	m.monitorAlerts.WithLabelValues(monitor, alertType, d).Inc()
}

// Delivery counts one channel delivery attempt.
func (m *Metrics) Delivery(channel string, ok bool) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, result(ok)).Inc()
}

// Suppressed counts a notification skipped by cooldown.
func (m *Metrics) Suppressed(notificationType string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(notificationType).Inc()
}

// BreakerState records a channel breaker transition.
func (m *Metrics) BreakerState(channel string, state int) {
	if m == nil {
		return
	}
	m.breaker.WithLabelValues(channel).Set(float64(state))
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Approval metrics
	ApprovalsCreatedTotal *prometheus.CounterVec
	ApprovalsDecidedTotal *prometheus.CounterVec
	ApprovalWaitDuration  *prometheus.HistogramVec
	ApprovalsPending      prometheus.Gauge
	ApprovalConflicts     prometheus.Counter

	// Plan metrics
	PlansCreatedTotal  *prometheus.CounterVec
	PlansFinishedTotal *prometheus.CounterVec
	PlanDuration       *prometheus.HistogramVec
	StepAttemptsTotal  *prometheus.CounterVec

	// Routing metrics
	RouteDecisionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ApprovalsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fte_approvals_created_total",
				Help: "Total number of approval requests created",
			},
			[]string{"action_type", "priority"},
		),
		ApprovalsDecidedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fte_approvals_decided_total",
				Help: "Total number of approval requests reaching a terminal status",
			},
			[]string{"status"},
		),
		ApprovalWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fte_approval_wait_seconds",
				Help:    "Time from approval creation to observed decision",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"status"},
		),
		ApprovalsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fte_approvals_pending",
				Help: "Number of approval requests currently being monitored",
			},
		),
		ApprovalConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fte_approval_conflicts_total",
				Help: "Terminal approval statuses that changed after first observation",
			},
		),

		PlansCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fte_plans_created_total",
				Help: "Total number of plans created",
			},
			[]string{"task_type"},
		),
		PlansFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fte_plans_finished_total",
				Help: "Total number of plans that stopped executing, by final status",
			},
			[]string{"status"},
		),
		PlanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fte_plan_duration_seconds",
				Help:    "Duration of plan execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		StepAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fte_step_attempts_total",
				Help: "Total number of step attempts by result",
			},
			[]string{"result"},
		),

		RouteDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fte_route_decisions_total",
				Help: "Total number of routing decisions",
			},
			[]string{"decision"},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.ApprovalsCreatedTotal,
		m.ApprovalsDecidedTotal,
		m.ApprovalWaitDuration,
		m.ApprovalsPending,
		m.ApprovalConflicts,
		m.PlansCreatedTotal,
		m.PlansFinishedTotal,
		m.PlanDuration,
		m.StepAttemptsTotal,
		m.RouteDecisionsTotal,
	)
}

// ApprovalCreated counts a new approval request.
func (m *Metrics) ApprovalCreated(actionType, priority string) {
	if m == nil {
		return
	}
	m.ApprovalsCreatedTotal.WithLabelValues(actionType, priority).Inc()
}

// ApprovalDecided records a terminal approval status and how long it took.
func (m *Metrics) ApprovalDecided(status string, waited time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalsDecidedTotal.WithLabelValues(status).Inc()
	m.ApprovalWaitDuration.WithLabelValues(status).Observe(waited.Seconds())
}

// MonitorStarted and MonitorStopped track the number of live monitors.
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.ApprovalsPending.Inc()
}

func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.ApprovalsPending.Dec()
}

// ApprovalConflict counts a terminal status that changed under a monitor.
func (m *Metrics) ApprovalConflict() {
	if m == nil {
		return
	}
	m.ApprovalConflicts.Inc()
}

// PlanCreated counts a new plan.
func (m *Metrics) PlanCreated(taskType string) {
	if m == nil {
		return
	}
	m.PlansCreatedTotal.WithLabelValues(taskType).Inc()
}

// PlanFinished records the status a plan stopped in.
func (m *Metrics) PlanFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PlansFinishedTotal.WithLabelValues(status).Inc()
	m.PlanDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// StepAttempt counts one step attempt. result is "success" or "failure".
func (m *Metrics) StepAttempt(result string) {
	if m == nil {
		return
	}
	m.StepAttemptsTotal.WithLabelValues(result).Inc()
}

// RouteDecision counts a routing decision.
func (m *Metrics) RouteDecision(decision string) {
	if m == nil {
		return
	}
	m.RouteDecisionsTotal.WithLabelValues(decision).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Package metrics holds the Prometheus collectors of a genflow process.
//
// All methods are safe on a nil *Metrics, so components take an optional
// collector set and record unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genflow"

// Metrics groups every collector on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	workflows       *prometheus.CounterVec
	stepTransitions *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	bridgeRequests  *prometheus.CounterVec
	recovery        *prometheus.CounterVec
	active          *prometheus.GaugeVec
	purged          prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "submissions_total",
			Help: "Workflow submissions by execution mode.",
		}, []string{"mode"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fallbacks_total",
			Help: "Submissions that fell back to local execution, by reason.",
		}, []string{"reason"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflow_transitions_total",
			Help: "Workflow status transitions by engine role and target status.",
		}, []string{"role", "status"}),
		stepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_transitions_total",
			Help: "Step status transitions by tool and target status.",
		}, []string{"tool", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds",
			Help:    "Step execution time by tool and outcome.",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"tool", "status"}),
		bridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_requests_total",
			Help: "Foreground bridge requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_actions_total",
			Help: "Recovery decisions by action.",
		}, []string{"action"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workflows",
			Help: "Workflows currently owned by an engine, by role.",
		}, []string{"role"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "purged_workflows_total",
			Help: "Terminal workflows removed by the retention janitor.",
		}),
	}
	m.registry.MustRegister(
		m.submissions, m.fallbacks, m.workflows, m.stepTransitions, m.stepDuration,
		m.bridgeRequests, m.recovery, m.active, m.purged,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Submission(mode string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(mode).Inc()
}

func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) WorkflowTransition(role, status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(role, status).Inc()
}

func (m *Metrics) StepTransition(tool, status string) {
	if m == nil {
		return
	}
	m.stepTransitions.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) StepDuration(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(tool, status).Observe(d.Seconds())
}

func (m *Metrics) BridgeRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.bridgeRequests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Recovery(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovery.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) SetActive(role string, n int) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(role).Set(float64(n))
}

func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

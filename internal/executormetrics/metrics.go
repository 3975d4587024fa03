// Package executormetrics exposes executor and pipeline counters as
// Prometheus metrics: typed collectors constructed once and registered
// against a caller-supplied registry.
package executormetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentctl/orchestrator/internal/executor"
)

// Collectors bundles the Prometheus collectors this package registers.
type Collectors struct {
	Executions        prometheus.Counter
	ToolExecutions    prometheus.Counter
	PermissionDenials prometheus.Counter
	HumanEscalations  prometheus.Counter
	Timeouts          prometheus.Counter
	Errors            prometheus.Counter
	DroppedEvents     prometheus.Counter

	StageDuration *prometheus.HistogramVec
}

// New constructs unregistered collectors with the "agentctl" namespace.
func New() *Collectors {
	return &Collectors{
		Executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl", Subsystem: "executor", Name: "executions_total",
			Help: "Total number of Executor.Execute calls.",
		}),
		ToolExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl", Subsystem: "executor", Name: "tool_executions_total",
			Help: "Total number of tool_use and tool_result events observed.",
		}),
		PermissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl", Subsystem: "permission", Name: "denials_total",
			Help: "Total number of tool requests denied by policy or a human.",
		}),
		HumanEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl", Subsystem: "permission", Name: "human_escalations_total",
			Help: "Total number of RequireHuman decisions raised.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl", Subsystem: "executor", Name: "timeouts_total",
			Help: "Total number of completion-loop or human-wait timeouts.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl", Subsystem: "executor", Name: "errors_total",
			Help: "Total number of unrecoverable executor errors, including child EOF.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl", Subsystem: "executor", Name: "dropped_events_total",
			Help: "Total number of ExecutorEvents dropped because the event channel was full.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentctl", Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help:    "Pipeline stage execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage_name", "status"}),
	}
}

// MustRegister registers every collector against reg, panicking on
// duplicate registration.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.Executions, c.ToolExecutions, c.PermissionDenials, c.HumanEscalations,
		c.Timeouts, c.Errors, c.DroppedEvents, c.StageDuration,
	)
}

// Sync adds the delta between a previous and current executor.Metrics
// snapshot onto the counters. The Executor itself only tracks cumulative
// in-process counts; this bridges that into Prometheus's own counter
// semantics without double-registering state.
func (c *Collectors) Sync(prev, cur executor.Metrics) {
	c.Executions.Add(float64(cur.Executions - prev.Executions))
	c.ToolExecutions.Add(float64(cur.ToolExecutions - prev.ToolExecutions))
	c.PermissionDenials.Add(float64(cur.PermissionDenials - prev.PermissionDenials))
	c.HumanEscalations.Add(float64(cur.HumanEscalations - prev.HumanEscalations))
	c.Timeouts.Add(float64(cur.Timeouts - prev.Timeouts))
	c.Errors.Add(float64(cur.Errors - prev.Errors))
	c.DroppedEvents.Add(float64(cur.DroppedEvents - prev.DroppedEvents))
}

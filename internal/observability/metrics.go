package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the orchestration pipeline.
//
// Tracked surfaces:
//   - chat turns and their outcomes (done, stopped, error)
//   - LLM stream opens by provider, model, and status
//   - tool executions by tool name and status
//   - validation decisions by outcome
//   - workflow executions by status
//   - live stream sessions
type Metrics struct {
	// TurnDuration measures full chat turns in seconds.
	// Labels: outcome (done|stopped|error)
	TurnDuration *prometheus.HistogramVec

	// LLMStreamCounter counts stream opens.
	// Labels: provider, model, status (success|error)
	LLMStreamCounter *prometheus.CounterVec

	// ToolExecutionCounter counts gated tool executions.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ValidationDecisions counts human gate outcomes.
	// Labels: status (approved|rejected|feedback|cancelled|expired)
	ValidationDecisions *prometheus.CounterVec

	// WorkflowExecutions counts automation runs.
	// Labels: status (success|failed)
	WorkflowExecutions *prometheus.CounterVec

	// ActiveSessions gauges live chat streams.
	ActiveSessions prometheus.Gauge

	// ErrorCounter tracks errors by component and taxonomy kind.
	// Labels: component, kind
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry so parallel packages do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		LLMStreamCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_llm_streams_total",
				Help: "LLM stream opens by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_tool_executions_total",
				Help: "Tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ValidationDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_validation_decisions_total",
				Help: "Human gate outcomes",
			},
			[]string{"status"},
		),
		WorkflowExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_workflow_executions_total",
				Help: "Automation runs by final status",
			},
			[]string{"status"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "atrium_active_sessions",
				Help: "Live chat stream sessions",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_errors_total",
				Help: "Errors by component and taxonomy kind",
			},
			[]string{"component", "kind"},
		),
	}
	reg.MustRegister(
		m.TurnDuration,
		m.LLMStreamCounter,
		m.ToolExecutionCounter,
		m.ToolExecutionDuration,
		m.ValidationDecisions,
		m.WorkflowExecutions,
		m.ActiveSessions,
		m.ErrorCounter,
	)
	return m
}

// RecordTurn records one finished chat turn.
func (m *Metrics) RecordTurn(outcome string, seconds float64) {
	m.TurnDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordStream counts one LLM stream open.
func (m *Metrics) RecordStream(provider, model, status string) {
	m.LLMStreamCounter.WithLabelValues(provider, model, status).Inc()
}

// RecordToolExecution records one gated tool run.
func (m *Metrics) RecordToolExecution(toolName, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(seconds)
}

// RecordValidation counts one gate decision.
func (m *Metrics) RecordValidation(status string) {
	m.ValidationDecisions.WithLabelValues(status).Inc()
}

// RecordWorkflow counts one automation run.
func (m *Metrics) RecordWorkflow(status string) {
	m.WorkflowExecutions.WithLabelValues(status).Inc()
}

// RecordError counts one error.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runtime metrics for the agent loop.
//
// Usage:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.TaskCompleted("success", 3)
//	defer metrics.ObserveToolExecution("shell_exec", time.Since(start), true)
type Metrics struct {
	// TaskCounter counts processed tasks.
	// Labels: status (success|error)
	TaskCounter *prometheus.CounterVec

	// TaskIterations measures iterations used per task.
	TaskIterations prometheus.Histogram

	// LLMRequestCounter counts provider calls.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ProviderRetries counts retried provider calls.
	ProviderRetries prometheus.Counter

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval prompts by reply.
	// Labels: reply (approve|approve_all_similar|deny)
	ApprovalCounter *prometheus.CounterVec

	// CompressionCounter counts short-term memory compressions.
	CompressionCounter prometheus.Counter

	// BudgetWarningCounter counts budget warnings and halts.
	// Labels: level (warning|exceeded)
	BudgetWarningCounter *prometheus.CounterVec

	// TaskSpend tracks cumulative dollar spend.
	TaskSpend prometheus.Counter
}

// NewMetrics creates and registers all metrics. A nil registerer uses the
// default registry; tests pass prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_tasks_total",
				Help: "Total tasks processed by the orchestrator.",
			},
			[]string{"status"},
		),
		TaskIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kestrel_task_iterations",
				Help:    "Iterations used per task.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_llm_requests_total",
				Help: "Provider completion calls.",
			},
			[]string{"model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_llm_tokens_total",
				Help: "Token consumption by type.",
			},
			[]string{"model", "type"},
		),
		ProviderRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_provider_retries_total",
				Help: "Provider calls retried after transient failures.",
			},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_tool_executions_total",
				Help: "Tool invocations by outcome.",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_tool_execution_seconds",
				Help:    "Tool execution latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_approvals_total",
				Help: "Approval prompts by user reply.",
			},
			[]string{"reply"},
		),
		CompressionCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_compressions_total",
				Help: "Short-term memory compressions.",
			},
		),
		BudgetWarningCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_budget_warnings_total",
				Help: "Budget warnings and halts.",
			},
			[]string{"level"},
		),
		TaskSpend: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_spend_dollars_total",
				Help: "Cumulative estimated provider spend in dollars.",
			},
		),
	}
}

// TaskCompleted records a finished task.
func (m *Metrics) TaskCompleted(status string, iterations int) {
	m.TaskCounter.WithLabelValues(status).Inc()
	if iterations > 0 {
		m.TaskIterations.Observe(float64(iterations))
	}
}

// ObserveLLMRequest records one provider call.
func (m *Metrics) ObserveLLMRequest(model, status string, promptTokens, completionTokens int64) {
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// ObserveToolExecution records one tool invocation.
func (m *Metrics) ObserveToolExecution(toolName string, elapsed time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(elapsed.Seconds())
}

// Handler returns the HTTP handler serving the metrics endpoint for the
// given gatherer. A nil gatherer uses the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

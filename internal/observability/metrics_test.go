package observability

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kestrelhq/kestrel/internal/agent"
	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/internal/safety"
)

func TestTaskCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TaskCompleted("success", 3)
	m.TaskCompleted("success", 1)
	m.TaskCompleted("error", 0)

	if got := testutil.ToFloat64(m.TaskCounter.WithLabelValues("success")); got != 2 {
		t.Errorf("success tasks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TaskCounter.WithLabelValues("error")); got != 1 {
		t.Errorf("error tasks = %v, want 1", got)
	}
}

func TestObserveLLMRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveLLMRequest("claude-sonnet-4-20250514", "success", 100, 40)
	m.ObserveLLMRequest("claude-sonnet-4-20250514", "success", 50, 10)

	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("claude-sonnet-4-20250514", "prompt")); got != 150 {
		t.Errorf("prompt tokens = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("claude-sonnet-4-20250514", "completion")); got != 50 {
		t.Errorf("completion tokens = %v, want 50", got)
	}
}

func TestInstrumentObservesToolsAndApprovals(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	baseToolResults := 0
	cb := Instrument(agent.Callbacks{
		OnToolResult: func(name, payload string, isError bool) { baseToolResults++ },
		OnApprovalRequested: func(ctx safety.ApprovalContext) safety.ApprovalReply {
			return safety.ReplyApprove
		},
	}, m)

	cb.OnToolStart("echo", json.RawMessage(`{}`))
	time.Sleep(time.Millisecond)
	cb.OnToolResult("echo", "ok", false)
	cb.OnToolResult("echo", "boom", true)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("echo", "success")); got != 1 {
		t.Errorf("echo successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("echo", "error")); got != 1 {
		t.Errorf("echo errors = %v, want 1", got)
	}
	if baseToolResults != 2 {
		t.Errorf("base callback ran %d times, want 2", baseToolResults)
	}

	if reply := cb.OnApprovalRequested(safety.ApprovalContext{}); reply != safety.ReplyApprove {
		t.Errorf("reply = %v", reply)
	}
	if got := testutil.ToFloat64(m.ApprovalCounter.WithLabelValues("approve")); got != 1 {
		t.Errorf("approvals = %v, want 1", got)
	}
}

func TestInstrumentTracksSpendDelta(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cb := Instrument(agent.Callbacks{}, m)

	cb.OnUsageUpdate(budget.TokenUsage{}, 0.01)
	cb.OnUsageUpdate(budget.TokenUsage{}, 0.03)

	if got := testutil.ToFloat64(m.TaskSpend); got < 0.029 || got > 0.031 {
		t.Errorf("spend = %v, want 0.03", got)
	}
}

package observability

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/agent"
	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/internal/safety"
)

// Instrument wraps host callbacks so the metrics set observes the loop.
// The wrapped callbacks still run.
func Instrument(base agent.Callbacks, m *Metrics) agent.Callbacks {
	ins := &instrumentation{
		metrics:   m,
		toolStart: make(map[string]time.Time),
	}

	out := base
	out.OnToolStart = func(name string, args json.RawMessage) {
		ins.mu.Lock()
		ins.toolStart[name] = time.Now()
		ins.mu.Unlock()
		if base.OnToolStart != nil {
			base.OnToolStart(name, args)
		}
	}
	out.OnToolResult = func(name, payload string, isError bool) {
		ins.mu.Lock()
		started, ok := ins.toolStart[name]
		delete(ins.toolStart, name)
		ins.mu.Unlock()
		elapsed := time.Duration(0)
		if ok {
			elapsed = time.Since(started)
		}
		m.ObserveToolExecution(name, elapsed, !isError)
		if base.OnToolResult != nil {
			base.OnToolResult(name, payload, isError)
		}
	}
	out.OnApprovalRequested = func(ctx safety.ApprovalContext) safety.ApprovalReply {
		reply := safety.ReplyDeny
		if base.OnApprovalRequested != nil {
			reply = base.OnApprovalRequested(ctx)
		}
		m.ApprovalCounter.WithLabelValues(string(reply)).Inc()
		return reply
	}
	out.OnBudgetWarning = func(check budget.CheckResult) {
		level := "warning"
		if check.Level == budget.LevelExceeded {
			level = "exceeded"
		}
		m.BudgetWarningCounter.WithLabelValues(level).Inc()
		if base.OnBudgetWarning != nil {
			base.OnBudgetWarning(check)
		}
	}
	out.OnUsageUpdate = func(usage budget.TokenUsage, cost float64) {
		ins.mu.Lock()
		delta := cost - ins.lastCost
		if delta < 0 {
			delta = cost
		}
		ins.lastCost = cost
		ins.mu.Unlock()
		if delta > 0 {
			m.TaskSpend.Add(delta)
		}
		if base.OnUsageUpdate != nil {
			base.OnUsageUpdate(usage, cost)
		}
	}
	out.OnProgress = func(message string) {
		if strings.HasPrefix(message, "Compressed ") {
			m.CompressionCounter.Inc()
		}
		if base.OnProgress != nil {
			base.OnProgress(message)
		}
	}
	return out
}

type instrumentation struct {
	metrics   *Metrics
	mu        sync.Mutex
	toolStart map[string]time.Time
	lastCost  float64
}

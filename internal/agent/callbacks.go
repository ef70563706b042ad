package agent

import (
	"encoding/json"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/internal/explain"
	"github.com/kestrelhq/kestrel/internal/safety"
)

// ContextHealthLevel coarsely grades context-window occupancy.
type ContextHealthLevel string

const (
	ContextHealthOK       ContextHealthLevel = "ok"
	ContextHealthWarning  ContextHealthLevel = "warning"
	ContextHealthCritical ContextHealthLevel = "critical"
)

// CostPrediction is emitted before an expensive iteration.
type CostPrediction struct {
	EstimatedCost float64 `json:"estimated_cost"`
	Threshold     float64 `json:"threshold"`
}

// Callbacks let a host surface (CLI, TUI, channel bot) observe and steer
// the loop. Every field is optional; sanitize fills missing hooks with
// no-ops so call sites never nil-check.
type Callbacks struct {
	// OnAssistantMessage receives each final assistant text block.
	OnAssistantMessage func(text string)

	// OnToken receives streamed text fragments as they arrive.
	OnToken func(token string)

	// OnApprovalRequested blocks until the user answers an approval
	// prompt. The default denies, which keeps headless runs safe.
	OnApprovalRequested func(ctx safety.ApprovalContext) safety.ApprovalReply

	// OnClarificationRequest blocks until the user answers an ask_user
	// question. The default returns an empty answer.
	OnClarificationRequest func(question string) string

	OnToolStart  func(name string, args json.RawMessage)
	OnToolResult func(name string, payload string, isError bool)

	OnStatusChange   func(from, to Status)
	OnIterationStart func(iteration, max int)
	OnProgress       func(message string)

	OnUsageUpdate    func(usage budget.TokenUsage, cost float64)
	OnBudgetWarning  func(check budget.CheckResult)
	OnCostPrediction func(prediction CostPrediction)
	OnContextHealth  func(level ContextHealthLevel, utilization float64)

	OnDecisionExplanation func(record explain.Record)

	// Channel and scheduler surfaces.
	OnChannelDigest func(digest string)
	OnChannelAlert  func(alert string)
	OnReminder      func(reminder string)

	// Plan mode surfaces.
	OnPlanGenerating   func()
	OnPlanReview       func(plan *Plan) PlanDecision
	OnPlanStepStart    func(step PlanStep)
	OnPlanStepComplete func(step PlanStep, success bool)
}

func (c Callbacks) sanitize() Callbacks {
	if c.OnAssistantMessage == nil {
		c.OnAssistantMessage = func(string) {}
	}
	if c.OnToken == nil {
		c.OnToken = func(string) {}
	}
	if c.OnApprovalRequested == nil {
		c.OnApprovalRequested = func(safety.ApprovalContext) safety.ApprovalReply {
			return safety.ReplyDeny
		}
	}
	if c.OnClarificationRequest == nil {
		c.OnClarificationRequest = func(string) string { return "" }
	}
	if c.OnToolStart == nil {
		c.OnToolStart = func(string, json.RawMessage) {}
	}
	if c.OnToolResult == nil {
		c.OnToolResult = func(string, string, bool) {}
	}
	if c.OnStatusChange == nil {
		c.OnStatusChange = func(Status, Status) {}
	}
	if c.OnIterationStart == nil {
		c.OnIterationStart = func(int, int) {}
	}
	if c.OnProgress == nil {
		c.OnProgress = func(string) {}
	}
	if c.OnUsageUpdate == nil {
		c.OnUsageUpdate = func(budget.TokenUsage, float64) {}
	}
	if c.OnBudgetWarning == nil {
		c.OnBudgetWarning = func(budget.CheckResult) {}
	}
	if c.OnCostPrediction == nil {
		c.OnCostPrediction = func(CostPrediction) {}
	}
	if c.OnContextHealth == nil {
		c.OnContextHealth = func(ContextHealthLevel, float64) {}
	}
	if c.OnDecisionExplanation == nil {
		c.OnDecisionExplanation = func(explain.Record) {}
	}
	if c.OnChannelDigest == nil {
		c.OnChannelDigest = func(string) {}
	}
	if c.OnChannelAlert == nil {
		c.OnChannelAlert = func(string) {}
	}
	if c.OnReminder == nil {
		c.OnReminder = func(string) {}
	}
	if c.OnPlanGenerating == nil {
		c.OnPlanGenerating = func() {}
	}
	if c.OnPlanReview == nil {
		c.OnPlanReview = func(*Plan) PlanDecision {
			return PlanDecision{Action: PlanApprove}
		}
	}
	if c.OnPlanStepStart == nil {
		c.OnPlanStepStart = func(PlanStep) {}
	}
	if c.OnPlanStepComplete == nil {
		c.OnPlanStepComplete = func(PlanStep, bool) {}
	}
	return c
}

// Package budget provides token usage tracking, cost estimation, and
// per-task / per-session budget enforcement with soft-warning and hard-halt
// thresholds.
package budget

import (
	"fmt"
	"sync"
)

// TokenUsage represents token consumption for one or more requests.
// It is a monoid under Add.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the total token count.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add returns the component-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Rates holds per-token dollar prices advertised by a provider.
type Rates struct {
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
}

// CostEstimate is a dollar cost split by direction; a monoid under Add.
type CostEstimate struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
}

// Total returns the combined dollar cost.
func (c CostEstimate) Total() float64 {
	return c.InputCost + c.OutputCost
}

// Add returns the component-wise sum of two estimates.
func (c CostEstimate) Add(other CostEstimate) CostEstimate {
	return CostEstimate{
		InputCost:  c.InputCost + other.InputCost,
		OutputCost: c.OutputCost + other.OutputCost,
	}
}

// Estimate prices the given usage at these rates.
func (r Rates) Estimate(usage TokenUsage) CostEstimate {
	return CostEstimate{
		InputCost:  float64(usage.InputTokens) * r.InputPerToken,
		OutputCost: float64(usage.OutputTokens) * r.OutputPerToken,
	}
}

// Config configures budget enforcement.
type Config struct {
	// SoftLimit is the dollar spend that triggers a budget warning.
	SoftLimit float64 `yaml:"soft_limit"`

	// HardLimit is the dollar spend that halts the task when
	// HaltOnExceed is set.
	HardLimit float64 `yaml:"hard_limit"`

	// HaltOnExceed aborts the task with a budget error once HardLimit is
	// crossed; otherwise the limit only produces warnings.
	HaltOnExceed bool `yaml:"halt_on_exceed"`

	// AssumedCompletionTokens is the completion-size assumption used by
	// the pre-call budget check. Default: 500.
	AssumedCompletionTokens int `yaml:"assumed_completion_tokens"`
}

// DefaultConfig returns budget defaults: warn at $1, halt at $5.
func DefaultConfig() Config {
	return Config{
		SoftLimit:               1.0,
		HardLimit:               5.0,
		HaltOnExceed:            true,
		AssumedCompletionTokens: 500,
	}
}

// Level classifies a budget check outcome.
type Level int

const (
	// LevelOK means spending is below every threshold.
	LevelOK Level = iota
	// LevelWarning means the soft limit was crossed.
	LevelWarning
	// LevelExceeded means the hard limit was crossed.
	LevelExceeded
)

// Manager tracks per-task and per-session usage and enforces the configured
// thresholds. The orchestrator owns the manager exclusively while a task is
// running; the mutex only guards read access from other goroutines (UI
// surfaces polling totals).
type Manager struct {
	mu          sync.RWMutex
	config      Config
	task        TokenUsage
	session     TokenUsage
	taskCost    CostEstimate
	sessionCost CostEstimate
	perTool     map[string]int64
}

// NewManager creates a budget manager with the given configuration.
func NewManager(config Config) *Manager {
	if config.AssumedCompletionTokens <= 0 {
		config.AssumedCompletionTokens = 500
	}
	return &Manager{
		config:  config,
		perTool: make(map[string]int64),
	}
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ResetTask clears per-task accounting at the start of a new task. Session
// totals are preserved.
func (m *Manager) ResetTask() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.task = TokenUsage{}
	m.taskCost = CostEstimate{}
	m.perTool = make(map[string]int64)
}

// Record charges the given usage, priced at rates, against both the task and
// session totals.
func (m *Manager) Record(usage TokenUsage, rates Rates) {
	cost := rates.Estimate(usage)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.task = m.task.Add(usage)
	m.session = m.session.Add(usage)
	m.taskCost = m.taskCost.Add(cost)
	m.sessionCost = m.sessionCost.Add(cost)
}

// ChargeTool adds tokens to the per-tool meter.
func (m *Manager) ChargeTool(name string, tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perTool[name] += tokens
}

// ToolTokens returns the tokens charged to a tool during the current task.
func (m *Manager) ToolTokens(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perTool[name]
}

// TaskUsage returns the cumulative usage for the current task.
func (m *Manager) TaskUsage() TokenUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.task
}

// SessionUsage returns the cumulative usage for the session.
func (m *Manager) SessionUsage() TokenUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// TaskCost returns the cumulative cost for the current task.
func (m *Manager) TaskCost() CostEstimate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.taskCost
}

// SessionCost returns the cumulative cost for the session.
func (m *Manager) SessionCost() CostEstimate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionCost
}

// CheckResult is the outcome of a pre-call budget check.
type CheckResult struct {
	Level Level

	// ProjectedSpend is running task spend plus the estimate for the
	// imminent call.
	ProjectedSpend float64

	// Limit is the threshold that was crossed, if any.
	Limit float64

	// Halt is set when the hard limit was crossed and halt-on-exceed is
	// enabled.
	Halt bool

	// Message describes the outcome for budget warnings.
	Message string
}

// PreCheck projects the spend of the imminent provider call (estimated input
// tokens plus the assumed completion size, priced at rates) on top of the
// running task spend and classifies it against the thresholds.
func (m *Manager) PreCheck(estimatedInputTokens int, rates Rates) CheckResult {
	m.mu.RLock()
	cfg := m.config
	running := m.taskCost.Total()
	m.mu.RUnlock()

	call := rates.Estimate(TokenUsage{
		InputTokens:  int64(estimatedInputTokens),
		OutputTokens: int64(cfg.AssumedCompletionTokens),
	})
	projected := running + call.Total()

	result := CheckResult{Level: LevelOK, ProjectedSpend: projected}
	switch {
	case cfg.HardLimit > 0 && projected >= cfg.HardLimit:
		result.Level = LevelExceeded
		result.Limit = cfg.HardLimit
		result.Halt = cfg.HaltOnExceed
		result.Message = fmt.Sprintf("budget exceeded: projected spend $%.4f is over the hard limit $%.2f", projected, cfg.HardLimit)
	case cfg.SoftLimit > 0 && projected >= cfg.SoftLimit:
		result.Level = LevelWarning
		result.Limit = cfg.SoftLimit
		result.Message = fmt.Sprintf("budget warning: projected spend $%.4f is over the soft limit $%.2f", projected, cfg.SoftLimit)
	}
	return result
}

package agent

import (
	"sync"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// Status identifies the orchestrator's position in the task lifecycle.
type Status string

const (
	StatusIdle                    Status = "idle"
	StatusThinking                Status = "thinking"
	StatusDeciding                Status = "deciding"
	StatusWaitingForApproval      Status = "waiting_for_approval"
	StatusWaitingForClarification Status = "waiting_for_clarification"
	StatusExecuting               Status = "executing"
	StatusPlanning                Status = "planning"
	StatusComplete                Status = "complete"
	StatusError                   Status = "error"
)

// AgentState is a point-in-time snapshot of the running task.
type AgentState struct {
	TaskID             string                    `json:"task_id"`
	Status             Status                    `json:"status"`
	Iteration          int                       `json:"iteration"`
	MaxIterations      int                       `json:"max_iterations"`
	CurrentGoal        string                    `json:"current_goal"`
	TaskClassification models.TaskClassification `json:"task_classification"`
}

// TaskResult summarizes a completed (or failed) task.
type TaskResult struct {
	TaskID     string            `json:"task_id"`
	Success    bool              `json:"success"`
	Response   string            `json:"response"`
	Iterations int               `json:"iterations"`
	TotalUsage budget.TokenUsage `json:"total_usage"`
	TotalCost  float64           `json:"total_cost"`
}

// stateTracker guards the mutable state snapshot behind a mutex so
// State() is safe to call from UI goroutines while a task runs.
type stateTracker struct {
	mu    sync.RWMutex
	state AgentState
}

func (t *stateTracker) snapshot() AgentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *stateTracker) update(fn func(*AgentState)) AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.state)
	return t.state
}

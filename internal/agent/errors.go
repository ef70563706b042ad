package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for orchestrator operations.
var (
	// ErrCancelled indicates the task was cancelled cooperatively.
	ErrCancelled = errors.New("task cancelled")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")
)

// MaxIterationsError indicates the loop exhausted its iteration limit
// without reaching a final text response.
type MaxIterationsError struct {
	Max int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("max iterations reached (%d)", e.Max)
}

// BudgetExceededError indicates the budget manager halted the task.
type BudgetExceededError struct {
	Message string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s", e.Message)
}

// IsTerminal reports whether err should stop the loop without retry.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var maxErr *MaxIterationsError
	var budgetErr *BudgetExceededError
	return errors.Is(err, ErrCancelled) ||
		errors.As(err, &maxErr) ||
		errors.As(err, &budgetErr)
}

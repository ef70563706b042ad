// Package explain records why the agent did what it did: structured
// decision explanations in a bounded ring buffer, mirrored to an
// append-only JSONL log for the /why and /decisions surfaces.
package explain

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DecisionType classifies what kind of decision is being explained.
type DecisionType string

const (
	DecisionToolSelection     DecisionType = "tool_selection"
	DecisionSafetyDenial      DecisionType = "safety_denial"
	DecisionUserDenial        DecisionType = "user_denial"
	DecisionContractViolation DecisionType = "contract_violation"
	DecisionRouting           DecisionType = "routing"
	DecisionErrorRecovery     DecisionType = "error_recovery"
	DecisionPlanStep          DecisionType = "plan_step"
)

// DecisionExplanation is one explained decision.
type DecisionExplanation struct {
	Type                   DecisionType `json:"decision_type"`
	ReasoningChain         []string     `json:"reasoning_chain"`
	AlternativesConsidered []string     `json:"alternatives_considered,omitempty"`
	ContextFactors         []string     `json:"context_factors,omitempty"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// PersonaHint lets a UI voice the explanation in character.
	PersonaHint string `json:"persona_hint,omitempty"`
}

// Record is the persisted decision-log entry.
type Record struct {
	Iteration    int          `json:"iteration"`
	Action       string       `json:"action"`
	Reasoning    string       `json:"reasoning"`
	RiskLevel    string       `json:"risk_level,omitempty"`
	Outcome      string       `json:"outcome"`
	Alternatives []string     `json:"alternatives,omitempty"`
	Persona      string       `json:"persona,omitempty"`
	Confidence   float64      `json:"confidence"`
	Type         DecisionType `json:"decision_type"`
	Timestamp    time.Time    `json:"timestamp"`
}

// RingCapacity bounds the in-memory decision history.
const RingCapacity = 50

// Recorder holds the last RingCapacity decisions and appends every record
// to the log file when one is configured.
type Recorder struct {
	mu      sync.RWMutex
	ring    []*Record
	next    int
	total   int
	logPath string
}

// NewRecorder creates a recorder. logPath may be empty to keep decisions
// in memory only.
func NewRecorder(logPath string) *Recorder {
	return &Recorder{
		ring:    make([]*Record, RingCapacity),
		logPath: logPath,
	}
}

// Record stores one decision and mirrors it to the JSONL log. Log write
// failures are returned but the in-memory record is kept regardless.
func (r *Recorder) Record(rec *Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % RingCapacity
	r.total++
	path := r.logPath
	r.mu.Unlock()

	if path == "" {
		return nil
	}
	return appendJSONL(path, rec)
}

// Explain builds a record from an explanation plus loop context and stores
// it.
func (r *Recorder) Explain(iteration int, action, outcome, riskLevel string, ex *DecisionExplanation) error {
	reasoning := ""
	if len(ex.ReasoningChain) > 0 {
		reasoning = ex.ReasoningChain[0]
		for _, step := range ex.ReasoningChain[1:] {
			reasoning += "; " + step
		}
	}
	return r.Record(&Record{
		Iteration:    iteration,
		Action:       action,
		Reasoning:    reasoning,
		RiskLevel:    riskLevel,
		Outcome:      outcome,
		Alternatives: ex.AlternativesConsidered,
		Persona:      ex.PersonaHint,
		Confidence:   ex.Confidence,
		Type:         ex.Type,
	})
}

// Recent returns up to n most recent records, newest first.
func (r *Recorder) Recent(n int) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.total
	if count > RingCapacity {
		count = RingCapacity
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + RingCapacity*2) % RingCapacity
		out = append(out, r.ring[idx])
	}
	return out
}

// Last returns the most recent record, or nil.
func (r *Recorder) Last() *Record {
	recent := r.Recent(1)
	if len(recent) == 0 {
		return nil
	}
	return recent[0]
}

// Total returns how many decisions have been recorded, including ones
// that have rotated out of the ring.
func (r *Recorder) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

func appendJSONL(path string, rec *Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open decision log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode decision record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append decision record: %w", err)
	}
	return nil
}

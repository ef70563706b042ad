// Package safety implements the permission guardian: approval-mode policy,
// rich action detail parsing for approval UIs, safety contracts, the
// per-session allowlist, output redaction, and the execution audit log.
package safety

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kestrelhq/kestrel/internal/tools"
)

// ApprovalMode is the policy level deciding which risk classes need user
// approval before execution.
type ApprovalMode string

const (
	// ModeSafe auto-allows reads and writes, asks for everything
	// riskier.
	ModeSafe ApprovalMode = "safe"
	// ModeCautious auto-allows only reads.
	ModeCautious ApprovalMode = "cautious"
	// ModeParanoid asks for everything and refuses destructive actions
	// outright.
	ModeParanoid ApprovalMode = "paranoid"
	// ModeYolo auto-allows everything. Contracts still apply.
	ModeYolo ApprovalMode = "yolo"
)

// ParseApprovalMode maps a config string to a mode, defaulting to safe.
func ParseApprovalMode(s string) ApprovalMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cautious":
		return ModeCautious
	case "paranoid":
		return ModeParanoid
	case "yolo":
		return ModeYolo
	default:
		return ModeSafe
	}
}

// Verdict is the guardian's answer for one action.
type Verdict string

const (
	// VerdictAllowed means the action may execute immediately.
	VerdictAllowed Verdict = "allowed"
	// VerdictDenied means the action is refused without asking.
	VerdictDenied Verdict = "denied"
	// VerdictRequiresApproval means the user must decide.
	VerdictRequiresApproval Verdict = "requires_approval"
)

// Decision carries the verdict plus the material the approval UI needs.
type Decision struct {
	Verdict Verdict

	// Reason is set for denials.
	Reason string

	// Context is set when approval is required.
	Context *ApprovalContext
}

// ApprovalReply is the user's answer to an approval request.
type ApprovalReply string

const (
	ReplyApprove ApprovalReply = "approve"
	// ReplyApproveAllSimilar approves and adds the tool to the session
	// allowlist so identical requests auto-pass.
	ReplyApproveAllSimilar ApprovalReply = "approve_all_similar"
	ReplyDeny              ApprovalReply = "deny"
)

// Guardian evaluates tool calls against the approval mode, the session
// allowlist, and registered safety contracts.
type Guardian struct {
	mu        sync.RWMutex
	mode      ApprovalMode
	contracts []Contract

	// sessionAllow holds tools approved via ApproveAllSimilar.
	sessionAllow map[string]struct{}
}

// NewGuardian creates a guardian with the given mode and the default
// contracts.
func NewGuardian(mode ApprovalMode) *Guardian {
	return &Guardian{
		mode:         mode,
		contracts:    DefaultContracts(),
		sessionAllow: make(map[string]struct{}),
	}
}

// Mode returns the active approval mode.
func (g *Guardian) Mode() ApprovalMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// SetMode changes the approval mode mid-session.
func (g *Guardian) SetMode(mode ApprovalMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
}

// AddContract registers an additional safety contract.
func (g *Guardian) AddContract(c Contract) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.contracts = append(g.contracts, c)
}

// AllowForSession adds a tool to the session allowlist. Used when the user
// replies ApproveAllSimilar.
func (g *Guardian) AllowForSession(toolName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionAllow[toolName] = struct{}{}
}

// ResetSession clears the session allowlist.
func (g *Guardian) ResetSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionAllow = make(map[string]struct{})
}

// Check evaluates one action. Contracts are evaluated first and
// short-circuit with a denial; then the session allowlist; then the mode
// policy.
func (g *Guardian) Check(action *Action) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, c := range g.contracts {
		if err := c.Check(action.ToolName, action.RiskLevel, action.Arguments); err != nil {
			return Decision{
				Verdict: VerdictDenied,
				Reason:  fmt.Sprintf("Contract violation: %s: %v", c.Name, err),
			}
		}
	}

	if _, ok := g.sessionAllow[action.ToolName]; ok {
		return Decision{Verdict: VerdictAllowed}
	}

	switch g.mode {
	case ModeYolo:
		return Decision{Verdict: VerdictAllowed}

	case ModeParanoid:
		if action.RiskLevel >= tools.RiskDestructive {
			return Decision{
				Verdict: VerdictDenied,
				Reason:  "destructive actions are refused in paranoid mode",
			}
		}
		return g.requireApproval(action)

	case ModeCautious:
		if action.RiskLevel <= tools.RiskReadOnly {
			return Decision{Verdict: VerdictAllowed}
		}
		return g.requireApproval(action)

	default: // ModeSafe
		if action.RiskLevel <= tools.RiskWrite {
			return Decision{Verdict: VerdictAllowed}
		}
		return g.requireApproval(action)
	}
}

func (g *Guardian) requireApproval(action *Action) Decision {
	return Decision{
		Verdict: VerdictRequiresApproval,
		Context: BuildApprovalContext(action),
	}
}

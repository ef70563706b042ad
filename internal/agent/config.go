package agent

import (
	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/internal/consent"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/moe"
	"github.com/kestrelhq/kestrel/internal/safety"
)

// CostPredictionThreshold is the per-iteration spend above which a cost
// prediction is surfaced before the call is made.
const CostPredictionThreshold = 0.05

// Context health thresholds as fractions of the provider window. Each
// transition is announced once.
const (
	contextWarningThreshold  = 0.70
	contextCriticalThreshold = 0.90
)

// LLMConfig groups provider-facing knobs.
type LLMConfig struct {
	// UseStreaming selects streamed completions with token callbacks.
	UseStreaming bool `yaml:"use_streaming"`

	// Temperature for completions.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps each completion; 0 uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	RateLimits llm.RateLimitConfig `yaml:"rate_limits"`
	Retry      llm.RetryConfig     `yaml:"retry"`
}

// SafetyConfig groups guardian and audit knobs.
type SafetyConfig struct {
	// ApprovalMode is one of safe, cautious, paranoid, yolo.
	ApprovalMode string `yaml:"approval_mode"`

	Audit safety.AuditConfig `yaml:"audit"`
}

// PlanConfig controls plan mode.
type PlanConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxSteps int  `yaml:"max_steps"`
}

// PersonaConfig shapes the agent's voice and confidence reporting.
type PersonaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`

	// SystemPrompt is appended to the base system prompt when set.
	SystemPrompt string `yaml:"system_prompt"`

	// ConfidenceModifier shifts every reported confidence, clamped to
	// [0,1] after application.
	ConfidenceModifier float64 `yaml:"confidence_modifier"`
}

// VerificationConfig controls post-write verification.
type VerificationConfig struct {
	// RunOnFileWrite triggers the verifier after file-writing tools.
	RunOnFileWrite bool `yaml:"run_on_file_write"`
}

// Config is the orchestrator's full configuration tree.
type Config struct {
	// MaxIterations bounds the think/act loop per task.
	MaxIterations int `yaml:"max_iterations"`

	// SystemPrompt is the base system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	LLM          LLMConfig              `yaml:"llm"`
	Memory       memory.ShortTermConfig `yaml:"memory"`
	Knowledge    memory.LongTermConfig  `yaml:"knowledge"`
	Safety       SafetyConfig           `yaml:"safety"`
	Budget       budget.Config          `yaml:"budget"`
	Plan         PlanConfig             `yaml:"plan"`
	Persona      PersonaConfig          `yaml:"persona"`
	MoE          moe.Config             `yaml:"moe"`
	Consent      consent.Config         `yaml:"consent"`
	Verification VerificationConfig     `yaml:"verification"`

	// DecisionLogPath persists the decision log as JSONL when set.
	DecisionLogPath string `yaml:"decision_log_path"`
}

// DefaultConfig returns the baseline orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 25,
		SystemPrompt:  defaultSystemPrompt,
		LLM: LLMConfig{
			UseStreaming: true,
			Temperature:  0.7,
			Retry:        llm.DefaultRetryConfig(),
		},
		Memory:    memory.DefaultShortTermConfig(),
		Knowledge: memory.DefaultLongTermConfig(),
		Safety: SafetyConfig{
			ApprovalMode: "safe",
		},
		Budget: budget.DefaultConfig(),
		Plan: PlanConfig{
			Enabled:  false,
			MaxSteps: 12,
		},
		MoE: moe.Config{Enabled: true},
	}
}

func (c *Config) sanitize() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.Plan.MaxSteps <= 0 {
		c.Plan.MaxSteps = 12
	}
}

const defaultSystemPrompt = `You are a capable autonomous assistant. Work through the user's task step by step, using the available tools when they help. Prefer small verifiable actions over large speculative ones. When the task is complete, reply with a final text answer and stop calling tools.`

package safety

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType classifies audit records.
type AuditEventType string

const (
	AuditToolExecution     AuditEventType = "tool_execution"
	AuditApprovalDecision  AuditEventType = "approval_decision"
	AuditContractViolation AuditEventType = "contract_violation"
)

// AuditConfig configures the execution audit log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Output is "stdout", "stderr", or "file:<path>".
	Output string `yaml:"output"`
}

// AuditLogger records permission decisions and tool executions as
// structured JSON lines.
type AuditLogger struct {
	mu      sync.Mutex
	enabled bool
	out     io.WriteCloser
	slogger *slog.Logger
}

// NewAuditLogger opens the configured output. A disabled logger is valid
// and drops everything.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if !cfg.Enabled {
		return &AuditLogger{}, nil
	}

	var out io.WriteCloser
	switch {
	case cfg.Output == "" || cfg.Output == "stdout":
		out = os.Stdout
	case cfg.Output == "stderr":
		out = os.Stderr
	case strings.HasPrefix(cfg.Output, "file:"):
		f, err := os.OpenFile(strings.TrimPrefix(cfg.Output, "file:"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		out = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", cfg.Output)
	}

	return &AuditLogger{
		enabled: true,
		out:     out,
		slogger: slog.New(slog.NewJSONHandler(out, nil)),
	}, nil
}

// Close releases the output when it is a file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil || l.out == os.Stdout || l.out == os.Stderr {
		return nil
	}
	return l.out.Close()
}

// LogToolExecution records one tool run with its outcome and latency.
func (l *AuditLogger) LogToolExecution(toolName string, success bool, latency time.Duration, errText string) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	attrs := []any{
		"event_id", uuid.NewString(),
		"event", string(AuditToolExecution),
		"tool", toolName,
		"success", success,
		"latency_ms", latency.Milliseconds(),
	}
	if errText != "" {
		attrs = append(attrs, "error", errText)
	}
	l.slogger.Info("tool execution", attrs...)
}

// LogApproval records the user's (or policy's) decision on an action.
func (l *AuditLogger) LogApproval(toolName string, verdict Verdict, reply ApprovalReply, reason string) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	attrs := []any{
		"event_id", uuid.NewString(),
		"event", string(AuditApprovalDecision),
		"tool", toolName,
		"verdict", string(verdict),
	}
	if reply != "" {
		attrs = append(attrs, "reply", string(reply))
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	l.slogger.Info("approval decision", attrs...)
}

// LogContractViolation records a contract short-circuit.
func (l *AuditLogger) LogContractViolation(toolName, detail string) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slogger.Warn("contract violation",
		"event_id", uuid.NewString(),
		"event", string(AuditContractViolation),
		"tool", toolName,
		"detail", detail,
	)
}

// Package memory implements the runtime's two-tier memory: a short-term
// conversation window with masking and compression, and a long-term store
// of facts and corrections distilled into a system-prompt addendum.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelhq/kestrel/pkg/models"
)

const (
	// DefaultWindowSize is the short-term length that triggers
	// compression.
	DefaultWindowSize = 50

	// DefaultRecentKeep is the suffix of messages never summarized.
	DefaultRecentKeep = 10

	// ConsumedPreviewLength is the truncation applied to tool results
	// already consumed by a later assistant message.
	ConsumedPreviewLength = 500

	// StalePreviewLength is the truncation applied to tool results older
	// than twice the window, consumed or not.
	StalePreviewLength = 200
)

// CompressionResult reports what a compression pass did.
type CompressionResult struct {
	MessagesCompressed int  `json:"messages_compressed"`
	WasLLMSummarized   bool `json:"was_llm_summarized"`
	PinnedPreserved    int  `json:"pinned_preserved"`
}

// ShortTermConfig configures a short-term window.
type ShortTermConfig struct {
	// WindowSize is the message count that triggers compression.
	WindowSize int `yaml:"window_size"`

	// RecentKeep is how many trailing messages are exempt from
	// summarization.
	RecentKeep int `yaml:"recent_keep"`
}

// DefaultShortTermConfig returns the default window configuration.
func DefaultShortTermConfig() ShortTermConfig {
	return ShortTermConfig{
		WindowSize: DefaultWindowSize,
		RecentKeep: DefaultRecentKeep,
	}
}

func (c *ShortTermConfig) sanitize() {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.RecentKeep <= 0 {
		c.RecentKeep = DefaultRecentKeep
	}
	if c.RecentKeep >= c.WindowSize {
		c.RecentKeep = c.WindowSize / 2
	}
}

// ShortTerm is the ordered conversation window. Pinned messages are exempt
// from masking and compression; everything else is fair game once the
// window overflows.
type ShortTerm struct {
	mu         sync.RWMutex
	messages   []*models.Message
	config     ShortTermConfig
	summarizer Summarizer
	logger     *slog.Logger

	// cursor marks how far previous compressions have reached. Messages
	// before it are already the product of summarization.
	cursor int
}

// NewShortTerm creates a short-term window. The summarizer may be nil, in
// which case only the deterministic heuristic is used.
func NewShortTerm(cfg ShortTermConfig, summarizer Summarizer, logger *slog.Logger) *ShortTerm {
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &ShortTerm{
		config:     cfg,
		summarizer: summarizer,
		logger:     logger,
	}
}

// Add appends a message to the window.
func (m *ShortTerm) Add(msg *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Len returns the current window length.
func (m *ShortTerm) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// Messages returns a copy of the window in order.
func (m *ShortTerm) Messages() []*models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// WindowSize returns the configured compression trigger.
func (m *ShortTerm) WindowSize() int { return m.config.WindowSize }

// Pin marks the message at index as protected from masking and
// compression.
func (m *ShortTerm) Pin(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.messages) {
		return fmt.Errorf("pin index %d out of range [0,%d)", index, len(m.messages))
	}
	m.messages[index].Pinned = true
	return nil
}

// Unpin clears the pinned flag on the message at index.
func (m *ShortTerm) Unpin(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.messages) {
		return fmt.Errorf("unpin index %d out of range [0,%d)", index, len(m.messages))
	}
	m.messages[index].Pinned = false
	return nil
}

// PinnedCount returns how many messages are currently pinned.
func (m *ShortTerm) PinnedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, msg := range m.messages {
		if msg.Pinned {
			n++
		}
	}
	return n
}

// Clear empties the window and resets the compression cursor.
func (m *ShortTerm) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.cursor = 0
}

// UsagePercent reports the window fill level as a percentage, which may
// exceed 100 before compression runs.
func (m *ShortTerm) UsagePercent() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config.WindowSize == 0 {
		return 0
	}
	return len(m.messages) * 100 / m.config.WindowSize
}

// CheckAndCompress runs the post-tool-call maintenance pass: stale
// masking, consumed masking, then compression if the window still exceeds
// its size. It returns nil when nothing was compressed.
func (m *ShortTerm) CheckAndCompress(ctx context.Context) (*CompressionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maskStaleLocked()
	m.maskConsumedLocked()

	if len(m.messages) <= m.config.WindowSize {
		return nil, nil
	}
	return m.compressLocked(ctx, true)
}

// Compact compresses immediately regardless of the threshold, using only
// the deterministic heuristic. It never makes a provider round-trip.
func (m *ShortTerm) Compact(ctx context.Context) (*CompressionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressLocked(ctx, false)
}

// maskStaleLocked truncates tool results older than twice the window,
// regardless of whether a later assistant message consumed them.
func (m *ShortTerm) maskStaleLocked() {
	horizon := len(m.messages) - 2*m.config.WindowSize
	for i := 0; i < horizon && i < len(m.messages); i++ {
		msg := m.messages[i]
		if msg.Pinned {
			continue
		}
		maskToolResults(msg, StalePreviewLength)
	}
}

// maskConsumedLocked truncates tool results that a later assistant message
// has already consumed.
func (m *ShortTerm) maskConsumedLocked() {
	lastAssistant := -1
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Role == models.RoleAssistant {
			lastAssistant = i
			break
		}
	}
	for i := 0; i < lastAssistant; i++ {
		msg := m.messages[i]
		if msg.Pinned {
			continue
		}
		maskToolResults(msg, ConsumedPreviewLength)
	}
}

func maskToolResults(msg *models.Message, limit int) {
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.Type != models.PartToolResult || part.ToolResult == nil {
			continue
		}
		content := part.ToolResult.Content
		if len(content) <= limit {
			continue
		}
		part.ToolResult.Content = content[:limit] + fmt.Sprintf("\n[truncated %d bytes]", len(content)-limit)
	}
}

// compressLocked replaces the eligible prefix with a single system summary
// message. Pinned messages in the prefix survive verbatim, reordered ahead
// of the uncompressed suffix.
func (m *ShortTerm) compressLocked(ctx context.Context, allowLLM bool) (*CompressionResult, error) {
	cut := len(m.messages) - m.config.RecentKeep
	if cut <= 0 {
		return nil, nil
	}

	var summarizable []*models.Message
	var pinned []*models.Message
	for _, msg := range m.messages[:cut] {
		if msg.Pinned {
			pinned = append(pinned, msg)
		} else {
			summarizable = append(summarizable, msg)
		}
	}
	if len(summarizable) == 0 {
		return nil, nil
	}

	summary, usedLLM := m.summarize(ctx, summarizable, allowLLM)

	rebuilt := make([]*models.Message, 0, 1+len(pinned)+m.config.RecentKeep)
	rebuilt = append(rebuilt, models.NewSystemMessage(summary))
	rebuilt = append(rebuilt, pinned...)
	rebuilt = append(rebuilt, m.messages[cut:]...)
	m.messages = rebuilt
	m.cursor = 1 + len(pinned)

	result := &CompressionResult{
		MessagesCompressed: len(summarizable),
		WasLLMSummarized:   usedLLM,
		PinnedPreserved:    len(pinned),
	}
	m.logger.Debug("compressed short-term memory",
		"compressed", result.MessagesCompressed,
		"llm", result.WasLLMSummarized,
		"pinned", result.PinnedPreserved,
	)
	return result, nil
}

func (m *ShortTerm) summarize(ctx context.Context, msgs []*models.Message, allowLLM bool) (string, bool) {
	if allowLLM && m.summarizer != nil {
		summary, err := m.summarizer.Summarize(ctx, msgs)
		if err == nil && summary != "" {
			return "Conversation summary: " + summary, true
		}
		if err != nil {
			m.logger.Warn("summarizer failed, using heuristic", "error", err)
		}
	}
	return HeuristicSummary(msgs, HeuristicSummaryLimit), false
}

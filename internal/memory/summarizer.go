package memory

import (
	"context"
	"strings"

	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// HeuristicSummaryLimit caps the deterministic fallback summary.
const HeuristicSummaryLimit = 2000

// heuristicLineLimit caps each role-prefixed line in the fallback.
const heuristicLineLimit = 120

// Summarizer condenses a span of dialogue into one paragraph.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message) (string, error)
}

const summaryPrompt = `Summarize the following conversation span in one paragraph. Capture decisions made, facts learned, and pending work. Be specific about file names, commands, and outcomes.`

// LLMSummarizer compresses dialogue with a provider round-trip. It shares
// the main provider, so summarization costs count against the same rate
// limits.
type LLMSummarizer struct {
	provider llm.Provider
}

// NewLLMSummarizer creates a summarizer over the given provider.
func NewLLMSummarizer(provider llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{provider: provider}
}

// Summarize asks the provider for a one-paragraph summary of the span.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []*models.Message) (string, error) {
	transcript := HeuristicSummary(messages, 8000)

	resp, err := s.provider.Complete(ctx, &llm.CompletionRequest{
		Messages: []*models.Message{
			models.NewSystemMessage(summaryPrompt),
			models.NewUserMessage(transcript),
		},
		MaxTokens: 500,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Text()), nil
}

// HeuristicSummary is the deterministic fallback: abbreviated
// role-prefixed lines concatenated up to limit characters. It never fails
// and never calls a provider.
func HeuristicSummary(messages []*models.Message, limit int) string {
	var b strings.Builder
	b.WriteString("Conversation summary (condensed):")

	for _, msg := range messages {
		line := summaryLine(msg)
		if line == "" {
			continue
		}
		if b.Len()+len(line)+1 > limit {
			break
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func summaryLine(msg *models.Message) string {
	var content string
	switch {
	case msg.HasToolCalls():
		names := make([]string, 0, 1)
		for _, tc := range msg.ToolCalls() {
			names = append(names, tc.Name)
		}
		content = "called " + strings.Join(names, ", ")
		if text := msg.Text(); text != "" {
			content = abbreviate(text, heuristicLineLimit-len(content)-2) + "; " + content
		}
	case len(msg.ToolResults()) > 0:
		result := msg.ToolResults()[0]
		status := "ok"
		if result.IsError {
			status = "error"
		}
		content = "result " + status + ": " + abbreviate(result.Content, heuristicLineLimit)
	default:
		content = abbreviate(msg.Text(), heuristicLineLimit)
	}
	if content == "" {
		return ""
	}
	return string(msg.Role) + ": " + content
}

func abbreviate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit <= 3 || len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

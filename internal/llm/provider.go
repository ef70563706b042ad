// Package llm defines the provider contract for the Kestrel agent runtime
// and the streaming completion path built on top of it.
//
// A provider exposes batch and streaming completion, token estimation, its
// context window, per-token cost rates, and a model name. The streaming path
// decouples the producer (driving the provider's streaming API) from the
// consumer (assembling the final message) over a bounded channel, so tokens,
// tool-call deltas, and thinking deltas can be relayed to a UI without
// blocking event processing.
package llm

import (
	"context"
	"encoding/json"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// Provider is the uniform interface over LLM backends.
//
// Implementations must be safe for the single "one in-flight request"
// pattern used by the runtime: the streaming producer goroutine shares the
// provider with the orchestrator.
type Provider interface {
	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStreaming drives the provider's streaming API and pushes
	// events into sink. It returns once the stream has finished or
	// failed; it never closes the sink.
	CompleteStreaming(ctx context.Context, req *CompletionRequest, sink chan<- StreamEvent) error

	// EstimateTokens estimates the token footprint of the messages.
	EstimateTokens(messages []*models.Message) int

	// ContextWindow returns the model's context window in tokens.
	ContextWindow() int

	// CostRates returns the provider's current per-token dollar rates.
	CostRates() budget.Rates

	// ModelName returns the active model identifier.
	ModelName() string
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Messages is the conversation in chronological order. System
	// messages are folded into the provider's system prompt slot.
	Messages []*models.Message `json:"messages"`

	// Tools declares the tool definitions visible to the model.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// Temperature controls sampling randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// StopSequences stop generation when emitted.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Model overrides the provider's default model when set.
	Model string `json:"model,omitempty"`
}

// ToolDefinition mirrors the tool declaration presented to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`

	// Deferred marks tools that are not inlined in the request and are
	// discovered on demand via the provider's tool-search facility.
	// Providers without such a facility ignore the hint and inline the
	// tool anyway.
	Deferred bool `json:"deferred,omitempty"`
}

// FinishReason describes why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolUse   FinishReason = "tool_use"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishOther     FinishReason = "other"
)

// CompletionResponse is the assembled result of a completion.
type CompletionResponse struct {
	// Message is the assistant message: text, tool-call, or multi-part.
	Message *models.Message `json:"message"`

	// Usage is the token consumption reported by the provider.
	Usage budget.TokenUsage `json:"usage"`

	// FinishReason describes why generation stopped.
	FinishReason FinishReason `json:"finish_reason"`
}

// EstimateMessagesTokens is the shared chars/4 estimation heuristic used by
// adapters that have no native counting endpoint.
func EstimateMessagesTokens(messages []*models.Message) int {
	chars := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			chars += len(p.Text)
			if p.ToolCall != nil {
				chars += len(p.ToolCall.Name) + len(p.ToolCall.Input)
			}
			if p.ToolResult != nil {
				chars += len(p.ToolResult.Content)
			}
			chars += len(p.Data)
		}
		// Role and framing overhead per message.
		chars += 8
	}
	return chars / 4
}

// EstimateToolTokens estimates the token footprint of tool definitions.
func EstimateToolTokens(tools []ToolDefinition) int {
	chars := 0
	for _, t := range tools {
		if t.Deferred {
			continue
		}
		chars += len(t.Name) + len(t.Description) + len(t.Parameters)
	}
	return chars / 4
}

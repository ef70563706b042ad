package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string `yaml:"api_key"`

	// Model is the default model identifier. Defaults to
	// claude-sonnet-4-20250514.
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint, mainly for proxies and tests.
	BaseURL string `yaml:"base_url"`

	// MaxTokens is the default generation cap when a request does not
	// set one. Defaults to 4096.
	MaxTokens int `yaml:"max_tokens"`
}

// AnthropicProvider implements Provider against Anthropic's Messages API.
//
// The provider converts between the runtime's part-based message model and
// Anthropic's content-block format, preserving opaque provider metadata
// (thinking signatures) so multi-turn transcripts round-trip losslessly.
// It is safe for concurrent use; each call creates an independent stream.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// anthropicModelInfo carries per-model context window and per-million-token
// pricing. Unknown models fall back to the sonnet entry.
type anthropicModelInfo struct {
	window           int
	inputPerMillion  float64
	outputPerMillion float64
}

var anthropicModels = map[string]anthropicModelInfo{
	"claude-opus-4-20250514":    {window: 200000, inputPerMillion: 15.0, outputPerMillion: 75.0},
	"claude-sonnet-4-20250514":  {window: 200000, inputPerMillion: 3.0, outputPerMillion: 15.0},
	"claude-3-5-haiku-20241022": {window: 200000, inputPerMillion: 0.8, outputPerMillion: 4.0},
	"claude-3-haiku-20240307":   {window: 200000, inputPerMillion: 0.25, outputPerMillion: 1.25},
}

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// NewAnthropicProvider creates a provider from config. The API key is
// required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		maxTokens:    maxTokens,
	}, nil
}

// ModelName returns the default model identifier.
func (p *AnthropicProvider) ModelName() string { return p.defaultModel }

// ContextWindow returns the model's context window in tokens.
func (p *AnthropicProvider) ContextWindow() int {
	return p.modelInfo(p.defaultModel).window
}

// CostRates returns per-token dollar rates for the default model.
func (p *AnthropicProvider) CostRates() budget.Rates {
	info := p.modelInfo(p.defaultModel)
	return budget.Rates{
		InputPerToken:  info.inputPerMillion / 1_000_000,
		OutputPerToken: info.outputPerMillion / 1_000_000,
	}
}

// EstimateTokens approximates token usage with the shared chars/4
// heuristic. Anthropic exposes a counting endpoint but the runtime only
// needs a cheap local estimate for overflow and budget pre-checks.
func (p *AnthropicProvider) EstimateTokens(messages []*models.Message) int {
	return EstimateMessagesTokens(messages)
}

func (p *AnthropicProvider) modelInfo(model string) anthropicModelInfo {
	if info, ok := anthropicModels[model]; ok {
		return info
	}
	return anthropicModels[defaultAnthropicModel]
}

// Complete sends a request and blocks for the assembled response. The
// Messages API is always driven in streaming mode; the events are folded
// locally so callers see one response.
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	sink := make(chan StreamEvent, StreamSinkCapacity)
	done := make(chan error, 1)

	go func() {
		done <- p.CompleteStreaming(ctx, req, sink)
		close(sink)
	}()

	col := newCollector()
	for ev := range sink {
		if err := col.observe(ev); err != nil {
			<-done
			return nil, err
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return col.response(), nil
}

// CompleteStreaming drives the Messages streaming API and translates SSE
// events into the runtime's stream grammar. It never closes the sink.
func (p *AnthropicProvider) CompleteStreaming(ctx context.Context, req *CompletionRequest, sink chan<- StreamEvent) error {
	params, err := p.buildParams(req)
	if err != nil {
		return err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	send := func(ev StreamEvent) error {
		select {
		case sink <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var usage budget.TokenUsage

	// Open content blocks, keyed by index. Anthropic interleaves deltas
	// only within the current block, but the map keeps finalization
	// independent of ordering assumptions.
	type openBlock struct {
		kind   string
		callID string
		meta   json.RawMessage
	}
	open := make(map[int64]*openBlock)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			usage.InputTokens = event.AsMessageStart().Message.Usage.InputTokens

		case "content_block_start":
			start := event.AsContentBlockStart()
			switch start.ContentBlock.Type {
			case "tool_use":
				tu := start.ContentBlock.AsToolUse()
				open[start.Index] = &openBlock{kind: "tool_use", callID: tu.ID}
				if err := send(StreamEvent{Type: EventToolCallStart, ToolCallID: tu.ID, ToolName: tu.Name}); err != nil {
					return err
				}
			default:
				open[start.Index] = &openBlock{kind: start.ContentBlock.Type}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			block := open[delta.Index]
			switch delta.Delta.Type {
			case "text_delta":
				if err := send(StreamEvent{Type: EventToken, Text: delta.Delta.Text}); err != nil {
					return err
				}
			case "thinking_delta":
				if err := send(StreamEvent{Type: EventThinkingDelta, Text: delta.Delta.Thinking}); err != nil {
					return err
				}
			case "signature_delta":
				if block != nil {
					block.meta, _ = json.Marshal(map[string]string{"signature": delta.Delta.Signature})
				}
			case "input_json_delta":
				if block != nil && block.kind == "tool_use" {
					if err := send(StreamEvent{Type: EventToolCallDelta, ToolCallID: block.callID, ArgsDelta: delta.Delta.PartialJSON}); err != nil {
						return err
					}
				}
			}

		case "content_block_stop":
			stop := event.AsContentBlockStop()
			if block := open[stop.Index]; block != nil {
				switch block.kind {
				case "tool_use":
					if err := send(StreamEvent{Type: EventToolCallEnd, ToolCallID: block.callID}); err != nil {
						return err
					}
				case "thinking":
					if err := send(StreamEvent{Type: EventThinkingComplete, ProviderMeta: block.meta}); err != nil {
						return err
					}
				}
			}
			delete(open, stop.Index)

		case "message_delta":
			usage.OutputTokens = event.AsMessageDelta().Usage.OutputTokens

		case "message_stop":
			return send(StreamEvent{Type: EventDone, Usage: &usage})
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := p.wrapError(err)
		if sendErr := send(StreamEvent{Type: EventError, Err: wrapped}); sendErr != nil {
			return sendErr
		}
		return wrapped
	}

	return NewStreamingError("stream ended without message_stop", nil)
}

// buildParams converts a CompletionRequest into Anthropic message params.
// System messages are folded into the system prompt slot; everything else
// becomes user or assistant content blocks.
func (p *AnthropicProvider) buildParams(req *CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	var system string
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Text()
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	converted, err := p.convertMessages(req.Messages)
	if err != nil {
		return params, err
	}
	params.Messages = converted

	tools, err := p.convertTools(req.Tools)
	if err != nil {
		return params, err
	}
	params.Tools = tools

	return params, nil
}

func (p *AnthropicProvider) convertMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System messages live in params.System, not in the transcript.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		for i, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}

			case models.PartThinking:
				// Signed thinking blocks must be echoed back verbatim for
				// multi-turn extended thinking.
				signature := thinkingSignature(msg, i)
				if signature != "" {
					content = append(content, anthropic.NewThinkingBlock(signature, part.Text))
				}

			case models.PartToolCall:
				var input map[string]interface{}
				if err := json.Unmarshal(part.ToolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", part.ToolCall.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))

			case models.PartToolResult:
				content = append(content, anthropic.NewToolResultBlock(
					part.ToolResult.ToolCallID,
					part.ToolResult.Content,
					part.ToolResult.IsError,
				))
			}
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// thinkingSignature extracts the echoed signature for the part at index i,
// if ProviderMeta carries one.
func thinkingSignature(msg *models.Message, i int) string {
	if i >= len(msg.ProviderMeta) || len(msg.ProviderMeta[i]) == 0 {
		return ""
	}
	var meta struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(msg.ProviderMeta[i], &meta); err != nil {
		return ""
	}
	return meta.Signature
}

func (p *AnthropicProvider) convertTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	// Deferred definitions are inlined; this path has no tool-search
	// facility to resolve them lazily.
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}

	return result, nil
}

// wrapError classifies SDK errors into the package's error kinds so the
// client retry loop can act on them.
func (p *AnthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return NewRateLimitedError(0, err)
	case matchesTransient(msg):
		return NewConnectionError("anthropic request failed", err)
	default:
		return &Error{Kind: ErrorProvider, Message: "anthropic request failed", Cause: err}
	}
}

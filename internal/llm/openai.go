package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string `yaml:"api_key"`

	// Model is the default model identifier. Defaults to gpt-4o.
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint, which also makes the provider
	// usable against OpenAI-compatible servers.
	BaseURL string `yaml:"base_url"`

	// MaxTokens is the default generation cap when a request does not
	// set one.
	MaxTokens int `yaml:"max_tokens"`
}

// OpenAIProvider implements Provider against the Chat Completions API.
//
// OpenAI streams tool calls incrementally: the first fragment for an index
// carries the ID and function name, later fragments carry argument JSON,
// and a finish reason of "tool_calls" closes them all. The provider folds
// that shape into the runtime's explicit start/delta/end event grammar.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

type openaiModelInfo struct {
	window           int
	inputPerMillion  float64
	outputPerMillion float64
}

var openaiModels = map[string]openaiModelInfo{
	"gpt-4o":      {window: 128000, inputPerMillion: 2.5, outputPerMillion: 10.0},
	"gpt-4o-mini": {window: 128000, inputPerMillion: 0.15, outputPerMillion: 0.6},
	"gpt-4-turbo": {window: 128000, inputPerMillion: 10.0, outputPerMillion: 30.0},
	"o3-mini":     {window: 200000, inputPerMillion: 1.1, outputPerMillion: 4.4},
}

const defaultOpenAIModel = "gpt-4o"

// NewOpenAIProvider creates a provider from config. The API key is
// required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		maxTokens:    maxTokens,
	}, nil
}

// ModelName returns the default model identifier.
func (p *OpenAIProvider) ModelName() string { return p.defaultModel }

// ContextWindow returns the model's context window in tokens.
func (p *OpenAIProvider) ContextWindow() int {
	return p.modelInfo(p.defaultModel).window
}

// CostRates returns per-token dollar rates for the default model.
func (p *OpenAIProvider) CostRates() budget.Rates {
	info := p.modelInfo(p.defaultModel)
	return budget.Rates{
		InputPerToken:  info.inputPerMillion / 1_000_000,
		OutputPerToken: info.outputPerMillion / 1_000_000,
	}
}

// EstimateTokens approximates token usage with the shared chars/4
// heuristic.
func (p *OpenAIProvider) EstimateTokens(messages []*models.Message) int {
	return EstimateMessagesTokens(messages)
}

func (p *OpenAIProvider) modelInfo(model string) openaiModelInfo {
	if info, ok := openaiModels[model]; ok {
		return info
	}
	return openaiModels[defaultOpenAIModel]
}

// Complete sends a request and blocks for the assembled response.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
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

// CompleteStreaming drives the Chat Completions streaming API. It never
// closes the sink.
func (p *OpenAIProvider) CompleteStreaming(ctx context.Context, req *CompletionRequest, sink chan<- StreamEvent) error {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return p.wrapError(err)
	}
	defer stream.Close()

	send := func(ev StreamEvent) error {
		select {
		case sink <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Tool-call fragments arrive keyed by index; the runtime's grammar
	// wants explicit start/delta/end events, so the first fragment for
	// an index becomes a start and the finish reason closes them all.
	type openCall struct {
		id   string
		name string
	}
	calls := make(map[int]*openCall)
	callOrder := []int{}
	var usage budget.TokenUsage

	closeCalls := func() error {
		for _, idx := range callOrder {
			if err := send(StreamEvent{Type: EventToolCallEnd, ToolCallID: calls[idx].id}); err != nil {
				return err
			}
		}
		calls = make(map[int]*openCall)
		callOrder = callOrder[:0]
		return nil
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if err := closeCalls(); err != nil {
					return err
				}
				return send(StreamEvent{Type: EventDone, Usage: &usage})
			}
			wrapped := p.wrapError(err)
			if sendErr := send(StreamEvent{Type: EventError, Err: wrapped}); sendErr != nil {
				return sendErr
			}
			return wrapped
		}

		if response.Usage != nil {
			usage.InputTokens = int64(response.Usage.PromptTokens)
			usage.OutputTokens = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if err := send(StreamEvent{Type: EventToken, Text: delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := calls[index]
			if !ok {
				call = &openCall{id: tc.ID, name: tc.Function.Name}
				calls[index] = call
				callOrder = append(callOrder, index)
				if err := send(StreamEvent{Type: EventToolCallStart, ToolCallID: call.id, ToolName: call.name}); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				if err := send(StreamEvent{Type: EventToolCallDelta, ToolCallID: call.id, ArgsDelta: tc.Function.Arguments}); err != nil {
					return err
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if err := closeCalls(); err != nil {
				return err
			}
		}
	}
}

// buildRequest converts a CompletionRequest into OpenAI chat format. Tool
// results each become a separate message with role "tool", and system
// messages stay in the messages array.
func (p *OpenAIProvider) buildRequest(req *CompletionRequest) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					oaiMsg.Content += part.Text
				case models.PartToolCall:
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   part.ToolCall.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      part.ToolCall.Name,
							Arguments: string(part.ToolCall.Input),
						},
					})
				}
				// Thinking parts have no OpenAI representation and are
				// dropped from the outbound transcript.
			}
			chatReq.Messages = append(chatReq.Messages, oaiMsg)

		default:
			var text string
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					text += part.Text
				case models.PartToolResult:
					chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    part.ToolResult.Content,
						ToolCallID: part.ToolResult.ToolCallID,
					})
				}
			}
			if text != "" {
				chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}
		}
	}

	for _, tool := range req.Tools {
		var params map[string]interface{}
		if err := json.Unmarshal(tool.Parameters, &params); err != nil {
			return chatReq, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	return chatReq, nil
}

// wrapError classifies SDK errors into the package's error kinds.
func (p *OpenAIProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return NewRateLimitedError(0, err)
	case matchesTransient(msg):
		return NewConnectionError("openai request failed", err)
	default:
		return &Error{Kind: ErrorProvider, Message: "openai request failed", Cause: err}
	}
}

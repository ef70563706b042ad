package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// StreamEventType discriminates events pushed by a streaming producer.
type StreamEventType string

const (
	// EventToken carries a partial text delta.
	EventToken StreamEventType = "token"
	// EventToolCallStart opens a tool-call block.
	EventToolCallStart StreamEventType = "tool_call_start"
	// EventToolCallDelta carries a partial arguments delta for an open
	// tool call.
	EventToolCallDelta StreamEventType = "tool_call_delta"
	// EventToolCallEnd closes a tool-call block.
	EventToolCallEnd StreamEventType = "tool_call_end"
	// EventThinkingDelta carries partial extended-thinking text.
	EventThinkingDelta StreamEventType = "thinking_delta"
	// EventThinkingComplete closes a thinking block, possibly with an
	// opaque signature to echo back.
	EventThinkingComplete StreamEventType = "thinking_complete"
	// EventCitation carries a provider citation block.
	EventCitation StreamEventType = "citation"
	// EventCodeExecution carries a provider code-execution result block.
	EventCodeExecution StreamEventType = "code_execution"
	// EventDone closes the stream with the final usage record.
	EventDone StreamEventType = "done"
	// EventError terminates the stream with a failure.
	EventError StreamEventType = "error"
)

// StreamEvent is one event in a provider's streaming response.
type StreamEvent struct {
	Type StreamEventType

	// Text is set for EventToken and EventThinkingDelta.
	Text string

	// ToolCallID, ToolName, and ArgsDelta describe tool-call events.
	ToolCallID string
	ToolName   string
	ArgsDelta  string

	// ProviderMeta is opaque provider metadata attached to the block
	// being closed (e.g. thought signatures on EventThinkingComplete or
	// EventToolCallEnd).
	ProviderMeta json.RawMessage

	// Data carries extended block payloads (citations, code execution).
	Data json.RawMessage

	// Usage is set on EventDone.
	Usage *budget.TokenUsage

	// Err is set on EventError.
	Err error
}

// StreamSinkCapacity bounds the producer/consumer channel so back-pressure
// holds if the consumer lags.
const StreamSinkCapacity = 64

// collector assembles stream events into a CompletionResponse, preserving
// the original ordering of blocks as they first appeared.
type collector struct {
	order    []*collectedBlock
	byID     map[string]*collectedBlock
	thinking *collectedBlock
	text     *collectedBlock
	usage    budget.TokenUsage
	sawDone  bool
	hasTool  bool
}

type collectedBlock struct {
	kind models.PartType
	text strings.Builder
	// tool call fields
	callID string
	name   string
	args   strings.Builder
	meta   json.RawMessage
	// extended payload
	data json.RawMessage
}

func newCollector() *collector {
	return &collector{byID: make(map[string]*collectedBlock)}
}

// observe folds one event into the collector. It returns a terminal error
// for EventError.
func (c *collector) observe(ev StreamEvent) error {
	switch ev.Type {
	case EventToken:
		if c.text == nil {
			c.text = &collectedBlock{kind: models.PartText}
			c.order = append(c.order, c.text)
		}
		c.text.text.WriteString(ev.Text)

	case EventThinkingDelta:
		if c.thinking == nil {
			c.thinking = &collectedBlock{kind: models.PartThinking}
			c.order = append(c.order, c.thinking)
		}
		c.thinking.text.WriteString(ev.Text)

	case EventThinkingComplete:
		if c.thinking == nil {
			c.thinking = &collectedBlock{kind: models.PartThinking}
			c.order = append(c.order, c.thinking)
		}
		if len(ev.ProviderMeta) > 0 {
			c.thinking.meta = ev.ProviderMeta
		}

	case EventToolCallStart:
		id := ev.ToolCallID
		if id == "" {
			id = uuid.NewString()
		}
		block := &collectedBlock{kind: models.PartToolCall, callID: id, name: ev.ToolName}
		if len(ev.ProviderMeta) > 0 {
			block.meta = ev.ProviderMeta
		}
		c.byID[id] = block
		c.order = append(c.order, block)
		c.hasTool = true

	case EventToolCallDelta:
		if block, ok := c.byID[ev.ToolCallID]; ok {
			block.args.WriteString(ev.ArgsDelta)
		}

	case EventToolCallEnd:
		if block, ok := c.byID[ev.ToolCallID]; ok && len(ev.ProviderMeta) > 0 {
			block.meta = ev.ProviderMeta
		}

	case EventCitation:
		c.order = append(c.order, &collectedBlock{kind: models.PartCitation, data: ev.Data})

	case EventCodeExecution:
		c.order = append(c.order, &collectedBlock{kind: models.PartCodeExecution, data: ev.Data})

	case EventDone:
		c.sawDone = true
		if ev.Usage != nil {
			c.usage = *ev.Usage
		}

	case EventError:
		if ev.Err != nil {
			return ev.Err
		}
		return NewStreamingError("stream error", nil)
	}
	return nil
}

// response assembles the final message: a plain text message when no tool
// call appeared, a tool-call message when only a tool call appeared, and a
// multi-part message otherwise. Provider metadata is attached in part order.
func (c *collector) response() *CompletionResponse {
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		CreatedAt: timeNow(),
	}

	var meta []json.RawMessage
	hasMeta := false
	for _, block := range c.order {
		switch block.kind {
		case models.PartText:
			msg.Parts = append(msg.Parts, models.Part{Type: models.PartText, Text: block.text.String()})
		case models.PartThinking:
			msg.Parts = append(msg.Parts, models.Part{Type: models.PartThinking, Text: block.text.String()})
		case models.PartToolCall:
			args := block.args.String()
			if args == "" {
				args = "{}"
			}
			msg.Parts = append(msg.Parts, models.Part{Type: models.PartToolCall, ToolCall: &models.ToolCall{
				ID:           block.callID,
				Name:         block.name,
				Input:        json.RawMessage(args),
				ProviderMeta: block.meta,
			}})
		default:
			msg.Parts = append(msg.Parts, models.Part{Type: block.kind, Data: block.data})
		}
		meta = append(meta, block.meta)
		if len(block.meta) > 0 {
			hasMeta = true
		}
	}
	if len(msg.Parts) == 0 {
		msg.Parts = []models.Part{{Type: models.PartText, Text: ""}}
	}
	if hasMeta {
		msg.ProviderMeta = meta
	}

	finish := FinishStop
	if c.hasTool {
		finish = FinishToolUse
	}
	return &CompletionResponse{
		Message:      msg,
		Usage:        c.usage,
		FinishReason: finish,
	}
}

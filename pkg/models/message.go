// Package models defines the shared data model for the Kestrel agent runtime:
// dialogue messages, tool calls and results, and task classifications.
//
// Messages are role-tagged and carry an ordered list of content parts. A part
// is a tagged union: plain text, a tool call, a tool result, a thinking block,
// or a provider-specific extended block (citation, code execution result,
// search result, image). Providers may attach opaque metadata to messages for
// round-trip fidelity (e.g. thought signatures); the runtime never inspects it.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem marks system prompts and compression summaries.
	RoleSystem Role = "system"
	// RoleUser marks messages originating from the user.
	RoleUser Role = "user"
	// RoleAssistant marks LLM responses.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool results fed back into the conversation.
	RoleTool Role = "tool"
)

// PartType discriminates the content part union.
type PartType string

const (
	// PartText is plain assistant or user text.
	PartText PartType = "text"
	// PartToolCall is a request from the assistant to execute a tool.
	PartToolCall PartType = "tool_call"
	// PartToolResult carries the output of an executed tool.
	PartToolResult PartType = "tool_result"
	// PartThinking is extended-thinking text from the model.
	PartThinking PartType = "thinking"
	// PartImage is a provider image block.
	PartImage PartType = "image"
	// PartCitation is a provider citation block.
	PartCitation PartType = "citation"
	// PartCodeExecution is a provider code-execution result block.
	PartCodeExecution PartType = "code_execution"
	// PartSearchResult is a provider search-result block.
	PartSearchResult PartType = "search_result"
)

// ToolCall is an assistant request to execute a named tool.
type ToolCall struct {
	// ID correlates the call with its eventual ToolResult.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Input is the raw JSON arguments as emitted by the provider.
	Input json.RawMessage `json:"input,omitempty"`

	// ProviderMeta carries opaque provider metadata (e.g. thought
	// signatures) that must be echoed back on the next request.
	ProviderMeta json.RawMessage `json:"provider_meta,omitempty"`
}

// ToolResult is the outcome of a tool execution, tied to a ToolCall by ID.
type ToolResult struct {
	// ToolCallID references the originating ToolCall.
	ToolCallID string `json:"tool_call_id"`

	// Content is the UTF-8 payload; binary data must be textually encoded
	// at the tool boundary.
	Content string `json:"content"`

	// IsError marks the result as a tool failure the model should recover
	// from.
	IsError bool `json:"is_error,omitempty"`
}

// Part is one element of a message's content union.
type Part struct {
	Type PartType `json:"type"`

	// Text is set for PartText and PartThinking.
	Text string `json:"text,omitempty"`

	// ToolCall is set for PartToolCall.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolResult is set for PartToolResult.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Data carries the raw payload of extended part types.
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a role-tagged unit of dialogue.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`

	// Parts is the ordered content of the message.
	Parts []Part `json:"parts"`

	// Pinned protects the message from compression and masking in
	// short-term memory.
	Pinned bool `json:"pinned,omitempty"`

	// ProviderMeta is opaque per-part provider metadata, in the same order
	// as the parts it annotates.
	ProviderMeta []json.RawMessage `json:"provider_meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTextMessage builds a single-part text message with the given role.
func NewTextMessage(role Role, text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     []Part{{Type: PartText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// NewUserMessage builds a user text message.
func NewUserMessage(text string) *Message {
	return NewTextMessage(RoleUser, text)
}

// NewSystemMessage builds a system text message.
func NewSystemMessage(text string) *Message {
	return NewTextMessage(RoleSystem, text)
}

// NewToolCallMessage builds an assistant message carrying a single tool call.
func NewToolCallMessage(call *ToolCall) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Parts:     []Part{{Type: PartToolCall, ToolCall: call}},
		CreatedAt: time.Now(),
	}
}

// NewToolResultMessage builds a tool message carrying a single tool result.
func NewToolResultMessage(result *ToolResult) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleTool,
		Parts:     []Part{{Type: PartToolResult, ToolResult: result}},
		CreatedAt: time.Now(),
	}
}

// Text returns the concatenation of all plain text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool calls embedded in the message, in part order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results embedded in the message, in part order.
func (m *Message) ToolResults() []*ToolResult {
	var results []*ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			results = append(results, p.ToolResult)
		}
	}
	return results
}

// HasToolCalls reports whether any part is a tool call.
func (m *Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			return true
		}
	}
	return false
}

// IsTextOnly reports whether the message consists solely of text parts.
func (m *Message) IsTextOnly() bool {
	if len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.Type != PartText {
			return false
		}
	}
	return true
}

// HasThinking reports whether any part is a thinking block.
func (m *Message) HasThinking() bool {
	for _, p := range m.Parts {
		if p.Type == PartThinking {
			return true
		}
	}
	return false
}

// Clone returns a copy of the message with its own part slice.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Parts = make([]Part, len(m.Parts))
	copy(cp.Parts, m.Parts)
	if len(m.ProviderMeta) > 0 {
		cp.ProviderMeta = make([]json.RawMessage, len(m.ProviderMeta))
		copy(cp.ProviderMeta, m.ProviderMeta)
	}
	return &cp
}

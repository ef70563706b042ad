package llm

import (
	"encoding/json"
	"testing"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/pkg/models"
)

func collect(t *testing.T, events []StreamEvent) *CompletionResponse {
	t.Helper()
	col := newCollector()
	for _, ev := range events {
		if err := col.observe(ev); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	return col.response()
}

func TestCollectorTextOnly(t *testing.T) {
	resp := collect(t, []StreamEvent{
		{Type: EventToken, Text: "Hello"},
		{Type: EventToken, Text: ", "},
		{Type: EventToken, Text: "world"},
		{Type: EventDone, Usage: &budget.TokenUsage{InputTokens: 10, OutputTokens: 3}},
	})

	if got := resp.Message.Text(); got != "Hello, world" {
		t.Errorf("text = %q, want %q", got, "Hello, world")
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("finish = %q, want %q", resp.FinishReason, FinishStop)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCollectorToolCall(t *testing.T) {
	resp := collect(t, []StreamEvent{
		{Type: EventToolCallStart, ToolCallID: "call_1", ToolName: "echo"},
		{Type: EventToolCallDelta, ToolCallID: "call_1", ArgsDelta: `{"text":`},
		{Type: EventToolCallDelta, ToolCallID: "call_1", ArgsDelta: `"hi"}`},
		{Type: EventToolCallEnd, ToolCallID: "call_1"},
		{Type: EventDone},
	})

	if resp.FinishReason != FinishToolUse {
		t.Fatalf("finish = %q, want %q", resp.FinishReason, FinishToolUse)
	}
	calls := resp.Message.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "echo" || calls[0].ID != "call_1" {
		t.Errorf("call = %+v", calls[0])
	}
	if string(calls[0].Input) != `{"text":"hi"}` {
		t.Errorf("input = %s", calls[0].Input)
	}
}

func TestCollectorEmptyArgsBecomeObject(t *testing.T) {
	resp := collect(t, []StreamEvent{
		{Type: EventToolCallStart, ToolCallID: "call_1", ToolName: "datetime"},
		{Type: EventToolCallEnd, ToolCallID: "call_1"},
		{Type: EventDone},
	})

	calls := resp.Message.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if string(calls[0].Input) != "{}" {
		t.Errorf("input = %q, want {}", calls[0].Input)
	}
}

func TestCollectorBlockOrderPreserved(t *testing.T) {
	resp := collect(t, []StreamEvent{
		{Type: EventThinkingDelta, Text: "considering"},
		{Type: EventThinkingComplete, ProviderMeta: json.RawMessage(`{"signature":"sig"}`)},
		{Type: EventToken, Text: "Running it."},
		{Type: EventToolCallStart, ToolCallID: "call_1", ToolName: "shell_exec"},
		{Type: EventToolCallDelta, ToolCallID: "call_1", ArgsDelta: `{"cmd":"ls"}`},
		{Type: EventToolCallEnd, ToolCallID: "call_1"},
		{Type: EventDone},
	})

	parts := resp.Message.Parts
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	want := []models.PartType{models.PartThinking, models.PartText, models.PartToolCall}
	for i, p := range parts {
		if p.Type != want[i] {
			t.Errorf("part[%d] = %q, want %q", i, p.Type, want[i])
		}
	}
	if len(resp.Message.ProviderMeta) != 3 {
		t.Fatalf("provider meta entries = %d, want 3", len(resp.Message.ProviderMeta))
	}
	if string(resp.Message.ProviderMeta[0]) != `{"signature":"sig"}` {
		t.Errorf("thinking meta = %s", resp.Message.ProviderMeta[0])
	}
}

func TestCollectorMultipleToolCallsKeepOrder(t *testing.T) {
	resp := collect(t, []StreamEvent{
		{Type: EventToolCallStart, ToolCallID: "a", ToolName: "read_file"},
		{Type: EventToolCallDelta, ToolCallID: "a", ArgsDelta: `{"path":"x"}`},
		{Type: EventToolCallEnd, ToolCallID: "a"},
		{Type: EventToolCallStart, ToolCallID: "b", ToolName: "read_file"},
		{Type: EventToolCallDelta, ToolCallID: "b", ArgsDelta: `{"path":"y"}`},
		{Type: EventToolCallEnd, ToolCallID: "b"},
		{Type: EventDone},
	})

	calls := resp.Message.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("order = %s, %s", calls[0].ID, calls[1].ID)
	}
}

func TestCollectorErrorEventTerminates(t *testing.T) {
	col := newCollector()
	if err := col.observe(StreamEvent{Type: EventToken, Text: "partial"}); err != nil {
		t.Fatalf("observe token: %v", err)
	}
	err := col.observe(StreamEvent{Type: EventError, Err: NewConnectionError("reset", nil)})
	if err == nil {
		t.Fatal("expected terminal error")
	}
}

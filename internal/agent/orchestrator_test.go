package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/internal/explain"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/safety"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// scriptedProvider returns canned responses in order. With repeatLast it
// keeps returning the final response.
type scriptedProvider struct {
	mu         sync.Mutex
	responses  []*llm.CompletionResponse
	repeatLast bool
	calls      int
	window     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		if !p.repeatLast || len(p.responses) == 0 {
			return nil, errors.New("script exhausted")
		}
		idx = len(p.responses) - 1
	}
	resp := p.responses[idx]
	return &llm.CompletionResponse{
		Message:      resp.Message.Clone(),
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
	}, nil
}

func (p *scriptedProvider) CompleteStreaming(ctx context.Context, req *llm.CompletionRequest, sink chan<- llm.StreamEvent) error {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return err
	}
	if text := resp.Message.Text(); text != "" {
		sink <- llm.StreamEvent{Type: llm.EventToken, Text: text}
	}
	for _, call := range resp.Message.ToolCalls() {
		sink <- llm.StreamEvent{Type: llm.EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name}
		sink <- llm.StreamEvent{Type: llm.EventToolCallDelta, ToolCallID: call.ID, ArgsDelta: string(call.Input)}
		sink <- llm.StreamEvent{Type: llm.EventToolCallEnd, ToolCallID: call.ID}
	}
	usage := resp.Usage
	sink <- llm.StreamEvent{Type: llm.EventDone, Usage: &usage}
	return nil
}

func (p *scriptedProvider) EstimateTokens(messages []*models.Message) int {
	return llm.EstimateMessagesTokens(messages)
}

func (p *scriptedProvider) ContextWindow() int {
	if p.window > 0 {
		return p.window
	}
	return 100000
}

func (p *scriptedProvider) CostRates() budget.Rates {
	return budget.Rates{InputPerToken: 1e-6, OutputPerToken: 2e-6}
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(text string, in, out int64) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Message:      models.NewTextMessage(models.RoleAssistant, text),
		Usage:        budget.TokenUsage{InputTokens: in, OutputTokens: out},
		FinishReason: llm.FinishStop,
	}
}

func toolCallResponse(id, name, args string, in, out int64) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Message: models.NewToolCallMessage(&models.ToolCall{
			ID:    id,
			Name:  name,
			Input: json.RawMessage(args),
		}),
		Usage:        budget.TokenUsage{InputTokens: in, OutputTokens: out},
		FinishReason: llm.FinishToolUse,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LLM.UseStreaming = false
	cfg.MoE.Enabled = false
	return cfg
}

// writeFileTool is a Write-risk tool used to exercise approval flows.
type writeFileTool struct{}

func (t *writeFileTool) Name() string               { return "write_file" }
func (t *writeFileTool) Description() string        { return "Write content to a file" }
func (t *writeFileTool) RiskLevel() tools.RiskLevel { return tools.RiskWrite }
func (t *writeFileTool) Timeout() time.Duration     { return 5 * time.Second }
func (t *writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)
}
func (t *writeFileTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
	return &tools.Output{Content: "written"}, nil
}

func TestProcessTaskTextOnly(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		textResponse("Hello! I can help you.", 10, 5),
	}}
	var transitions []Status
	orch := NewOrchestrator(provider, tools.NewRegistry(), testConfig(), WithCallbacks(Callbacks{
		OnStatusChange: func(from, to Status) { transitions = append(transitions, to) },
	}))

	result, err := orch.ProcessTask(context.Background(), "Say hello")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if result.Response != "Hello! I can help you." {
		t.Errorf("response = %q", result.Response)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
	if result.TotalUsage.InputTokens != 10 || result.TotalUsage.OutputTokens != 5 {
		t.Errorf("usage = %+v", result.TotalUsage)
	}

	if len(transitions) == 0 || transitions[0] != StatusThinking {
		t.Errorf("first transition = %v, want thinking", transitions)
	}
	if transitions[len(transitions)-1] != StatusComplete {
		t.Errorf("last transition = %v, want complete", transitions[len(transitions)-1])
	}
}

func TestProcessTaskToolRoundTrip(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.EchoTool{})

	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolCallResponse("call_1", "echo", `{"text":"test"}`, 20, 10),
		textResponse("I executed the echo tool successfully.", 30, 8),
	}}

	var toolStarts []string
	var toolResults []string
	orch := NewOrchestrator(provider, registry, testConfig(), WithCallbacks(Callbacks{
		OnToolStart:  func(name string, args json.RawMessage) { toolStarts = append(toolStarts, name) },
		OnToolResult: func(name, payload string, isError bool) { toolResults = append(toolResults, payload) },
	}))

	result, err := orch.ProcessTask(context.Background(), "Test echo tool")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
	if result.Response != "I executed the echo tool successfully." {
		t.Errorf("response = %q", result.Response)
	}
	if len(toolStarts) != 1 || toolStarts[0] != "echo" {
		t.Errorf("tool starts = %v", toolStarts)
	}
	if len(toolResults) != 1 || toolResults[0] != "Echo: test" {
		t.Errorf("tool results = %v", toolResults)
	}
	if result.TotalUsage.InputTokens != 50 || result.TotalUsage.OutputTokens != 18 {
		t.Errorf("cumulative usage = %+v", result.TotalUsage)
	}
}

func TestProcessTaskMaxIterations(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.EchoTool{})

	provider := &scriptedProvider{
		responses:  []*llm.CompletionResponse{toolCallResponse("call_1", "echo", `{"text":"loop"}`, 5, 5)},
		repeatLast: true,
	}

	cfg := testConfig()
	cfg.MaxIterations = 3
	orch := NewOrchestrator(provider, registry, cfg)

	_, err := orch.ProcessTask(context.Background(), "Infinite loop test")
	var maxErr *MaxIterationsError
	if !errors.As(err, &maxErr) {
		t.Fatalf("err = %v, want MaxIterationsError", err)
	}
	if maxErr.Max != 3 {
		t.Errorf("max = %d, want 3", maxErr.Max)
	}
	if got := provider.callCount(); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
	if orch.State().Status != StatusError {
		t.Errorf("status = %v, want error", orch.State().Status)
	}
}

func TestProcessTaskDeniedWrite(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&writeFileTool{})

	longTerm, err := memory.NewLongTerm(memory.LongTermConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}
	defer longTerm.Close()

	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolCallResponse("call_1", "write_file", `{"path":"test.rs","content":"bad code"}`, 10, 5),
		textResponse("Understood, I will not write the file.", 15, 5),
	}}

	cfg := testConfig()
	cfg.Safety.ApprovalMode = "paranoid"
	approvals := 0
	orch := NewOrchestrator(provider, registry, cfg,
		WithLongTerm(longTerm),
		WithCallbacks(Callbacks{
			OnApprovalRequested: func(ac safety.ApprovalContext) safety.ApprovalReply {
				approvals++
				return safety.ReplyDeny
			},
		}))

	result, err := orch.ProcessTask(context.Background(), "Write something")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !result.Success {
		t.Error("expected a successful fallback completion")
	}
	if result.Response != "Understood, I will not write the file." {
		t.Errorf("response = %q", result.Response)
	}
	if approvals != 1 {
		t.Errorf("approvals = %d, want 1", approvals)
	}

	corrections, err := longTerm.RecentCorrections(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentCorrections: %v", err)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if !strings.Contains(corrections[0].OriginalProposal, "write_file") {
		t.Errorf("original = %q", corrections[0].OriginalProposal)
	}
	if !strings.Contains(corrections[0].Context, "denied") {
		t.Errorf("context = %q", corrections[0].Context)
	}
}

func TestProcessTaskCancelled(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolCallResponse("call_1", "echo", `{"text":"never"}`, 5, 5),
	}}
	orch := NewOrchestrator(provider, tools.NewRegistry(), testConfig())

	orch.Cancel()
	_, err := orch.ProcessTask(context.Background(), "anything")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if got := provider.callCount(); got != 0 {
		t.Errorf("provider calls = %d, want 0", got)
	}
	if orch.Memory().Len() != 0 {
		t.Errorf("memory length = %d, want 0", orch.Memory().Len())
	}

	orch.ResetCancellation()
	provider.responses = []*llm.CompletionResponse{textResponse("ok", 1, 1)}
	if _, err := orch.ProcessTask(context.Background(), "try again"); err != nil {
		t.Errorf("after reset: %v", err)
	}
}

func TestProcessTaskContractViolation(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.EchoTool{})

	guardian := safety.NewGuardian(safety.ModeSafe)
	guardian.AddContract(safety.Contract{
		Name:        "always-false",
		Description: "refuses every action",
		Check: func(toolName string, risk tools.RiskLevel, args json.RawMessage) error {
			return errors.New("forbidden by policy")
		},
	})

	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolCallResponse("call_1", "echo", `{"text":"hi"}`, 10, 5),
		textResponse("I could not run the tool.", 12, 4),
	}}

	var resultPayload string
	var resultIsError bool
	var recoveryRecords []explain.Record
	orch := NewOrchestrator(provider, registry, testConfig(),
		WithGuardian(guardian),
		WithCallbacks(Callbacks{
			OnToolResult: func(name, payload string, isError bool) {
				resultPayload = payload
				resultIsError = isError
			},
			OnDecisionExplanation: func(rec explain.Record) {
				if rec.Type == explain.DecisionErrorRecovery {
					recoveryRecords = append(recoveryRecords, rec)
				}
			},
		}))

	result, err := orch.ProcessTask(context.Background(), "Test echo tool")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !resultIsError {
		t.Error("expected an error tool result")
	}
	if !strings.Contains(resultPayload, "Contract violation") {
		t.Errorf("payload = %q, want contract violation text", resultPayload)
	}
	if result.Response != "I could not run the tool." {
		t.Errorf("response = %q", result.Response)
	}
	if len(recoveryRecords) == 0 {
		t.Error("expected an error-recovery explanation")
	}
}

func TestProcessTaskEmptyTask(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		textResponse("", 1, 0),
	}}
	orch := NewOrchestrator(provider, tools.NewRegistry(), testConfig())

	result, err := orch.ProcessTask(context.Background(), "")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !result.Success || result.Response != "" {
		t.Errorf("result = %+v, want empty success", result)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
}

func TestApproveAllSimilarSkipsSecondPrompt(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&writeFileTool{})

	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolCallResponse("call_1", "write_file", `{"path":"a.txt","content":"one"}`, 5, 5),
		toolCallResponse("call_2", "write_file", `{"path":"b.txt","content":"two"}`, 5, 5),
		textResponse("Both files written.", 5, 5),
	}}

	cfg := testConfig()
	cfg.Safety.ApprovalMode = "cautious"
	approvals := 0
	orch := NewOrchestrator(provider, registry, cfg, WithCallbacks(Callbacks{
		OnApprovalRequested: func(ac safety.ApprovalContext) safety.ApprovalReply {
			approvals++
			return safety.ReplyApproveAllSimilar
		},
	}))

	result, err := orch.ProcessTask(context.Background(), "write two files")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if approvals != 1 {
		t.Errorf("approvals = %d, want 1", approvals)
	}
	if result.Response != "Both files written." {
		t.Errorf("response = %q", result.Response)
	}
}

func TestAskUserBypassesSafety(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolCallResponse("call_1", "ask_user", `{"question":"Which file?"}`, 5, 5),
		textResponse("Working on main.go.", 5, 5),
	}}

	var sawClarification string
	var sawWaiting bool
	orch := NewOrchestrator(provider, tools.NewRegistry(), testConfig(), WithCallbacks(Callbacks{
		OnClarificationRequest: func(question string) string {
			sawClarification = question
			return "main.go"
		},
		OnStatusChange: func(from, to Status) {
			if to == StatusWaitingForClarification {
				sawWaiting = true
			}
		},
	}))

	result, err := orch.ProcessTask(context.Background(), "edit a file")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if sawClarification != "Which file?" {
		t.Errorf("question = %q", sawClarification)
	}
	if !sawWaiting {
		t.Error("expected a waiting_for_clarification transition")
	}
	if result.Response != "Working on main.go." {
		t.Errorf("response = %q", result.Response)
	}

	// The answer must be visible to the model as a tool result.
	found := false
	for _, msg := range orch.Memory().Messages() {
		for _, res := range msg.ToolResults() {
			if res.Content == "main.go" {
				found = true
			}
		}
	}
	if !found {
		t.Error("clarification answer not recorded as a tool result")
	}
}

func TestBudgetHaltFailsTask(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		textResponse("unreachable", 5, 5),
	}}

	cfg := testConfig()
	cfg.Budget.HardLimit = 0.000001
	cfg.Budget.HaltOnExceed = true
	orch := NewOrchestrator(provider, tools.NewRegistry(), cfg)

	_, err := orch.ProcessTask(context.Background(), "anything at all")
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if got := provider.callCount(); got != 0 {
		t.Errorf("provider calls = %d, want 0", got)
	}
}

func TestRepairTranscriptDropsOrphans(t *testing.T) {
	call := &models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)}
	msgs := []*models.Message{
		models.NewUserMessage("hi"),
		models.NewToolResultMessage(&models.ToolResult{ToolCallID: "orphan", Content: "x"}),
		models.NewToolCallMessage(call),
		models.NewToolResultMessage(&models.ToolResult{ToolCallID: "c1", Content: "ok"}),
	}
	repaired := repairTranscript(msgs)
	if len(repaired) != 3 {
		t.Fatalf("repaired length = %d, want 3", len(repaired))
	}
	for _, msg := range repaired {
		for _, res := range msg.ToolResults() {
			if res.ToolCallID == "orphan" {
				t.Error("orphan tool result survived repair")
			}
		}
	}
}

func TestClassifyTask(t *testing.T) {
	tests := []struct {
		task string
		want models.ClassificationKind
	}{
		{"commit the staged changes", models.ClassificationGitOperation},
		{"search the web for go generics", models.ClassificationWebSearch},
		{"refactor the parser", models.ClassificationCoding},
		{"hello there", ""},
	}
	for _, tt := range tests {
		got := classifyTask(context.Background(), tt.task)
		if got.Kind != tt.want {
			t.Errorf("classifyTask(%q) = %q, want %q", tt.task, got.Kind, tt.want)
		}
	}
}

func TestStreamingTokensReachCallback(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		textResponse("streamed answer", 5, 5),
	}}

	cfg := testConfig()
	cfg.LLM.UseStreaming = true
	var streamed strings.Builder
	orch := NewOrchestrator(provider, tools.NewRegistry(), cfg, WithCallbacks(Callbacks{
		OnToken: func(token string) { streamed.WriteString(token) },
	}))

	result, err := orch.ProcessTask(context.Background(), "Say something")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if streamed.String() != result.Response {
		t.Errorf("streamed %q, final %q", streamed.String(), result.Response)
	}
}

func TestDeniedApprovalWritesAuditLog(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&writeFileTool{})

	logPath := filepath.Join(t.TempDir(), "audit.log")
	audit, err := safety.NewAuditLogger(safety.AuditConfig{Enabled: true, Output: "file:" + logPath})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolCallResponse("call_1", "write_file", `{"path":"a.txt","content":"x"}`, 10, 5),
		textResponse("Skipping the write.", 15, 5),
	}}

	cfg := testConfig()
	cfg.Safety.ApprovalMode = "paranoid"
	orch := NewOrchestrator(provider, registry, cfg,
		WithAuditLogger(audit),
		WithCallbacks(Callbacks{
			OnApprovalRequested: func(ac safety.ApprovalContext) safety.ApprovalReply {
				return safety.ReplyDeny
			},
		}))

	if _, err := orch.ProcessTask(context.Background(), "Write something"); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if err := audit.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	entry := string(data)
	for _, want := range []string{"approval_decision", "requires_approval", "deny", "write_file"} {
		if !strings.Contains(entry, want) {
			t.Errorf("audit log missing %q:\n%s", want, entry)
		}
	}
}

func TestExtendedContentSurfacesSummary(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		{
			Message: &models.Message{
				ID:   "msg_ext",
				Role: models.RoleAssistant,
				Parts: []models.Part{
					{Type: models.PartCitation, Data: json.RawMessage(`{"url":"https://example.com"}`)},
					{Type: models.PartCitation, Data: json.RawMessage(`{"url":"https://example.org"}`)},
					{Type: models.PartCodeExecution, Data: json.RawMessage(`{"stdout":"42"}`)},
				},
			},
			Usage:        budget.TokenUsage{InputTokens: 10, OutputTokens: 5},
			FinishReason: llm.FinishStop,
		},
	}}

	var surfaced string
	orch := NewOrchestrator(provider, tools.NewRegistry(), testConfig(), WithCallbacks(Callbacks{
		OnAssistantMessage: func(text string) { surfaced = text },
	}))

	result, err := orch.ProcessTask(context.Background(), "Find sources")
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	want := "Received 2 citation block(s), 1 code execution result(s)"
	if result.Response != want {
		t.Errorf("response = %q, want %q", result.Response, want)
	}
	if surfaced != want {
		t.Errorf("surfaced = %q, want %q", surfaced, want)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
}

func TestContextHealthTransitionsEmitOnce(t *testing.T) {
	provider := &scriptedProvider{window: 1000}
	var events []ContextHealthLevel
	orch := NewOrchestrator(provider, tools.NewRegistry(), testConfig(), WithCallbacks(Callbacks{
		OnContextHealth: func(level ContextHealthLevel, utilization float64) {
			events = append(events, level)
		},
	}))

	// Occupancy climbs through warning and critical, drops back, then
	// climbs again. Each transition into a non-OK level fires once.
	for _, est := range []int{100, 650, 700, 720, 900, 950, 100, 800} {
		orch.checkContextHealth(est)
	}

	want := []ContextHealthLevel{ContextHealthWarning, ContextHealthCritical, ContextHealthWarning}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

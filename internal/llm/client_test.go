package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// scriptedProvider replays one canned outcome per call. An outcome is
// either a slice of stream events or an error.
type scriptedProvider struct {
	scripts [][]StreamEvent
	errs    []error
	calls   int
	window  int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
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

func (p *scriptedProvider) CompleteStreaming(ctx context.Context, req *CompletionRequest, sink chan<- StreamEvent) error {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return p.errs[i]
	}
	if i >= len(p.scripts) {
		return errors.New("no script for call")
	}
	for _, ev := range p.scripts[i] {
		select {
		case sink <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *scriptedProvider) EstimateTokens(messages []*models.Message) int {
	return EstimateMessagesTokens(messages)
}

func (p *scriptedProvider) ContextWindow() int {
	if p.window > 0 {
		return p.window
	}
	return 200000
}

func (p *scriptedProvider) CostRates() budget.Rates {
	return budget.Rates{InputPerToken: 3e-6, OutputPerToken: 15e-6}
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

func textScript(text string) []StreamEvent {
	return []StreamEvent{
		{Type: EventToken, Text: text},
		{Type: EventDone, Usage: &budget.TokenUsage{InputTokens: 5, OutputTokens: 2}},
	}
}

func fastRetry(retries int) RetryConfig {
	return RetryConfig{MaxRetries: retries, MaxBackoff: time.Millisecond}
}

func TestClientStreamingAssemblesText(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{{
		{Type: EventToken, Text: "one "},
		{Type: EventToken, Text: "two"},
		{Type: EventDone, Usage: &budget.TokenUsage{InputTokens: 7, OutputTokens: 2}},
	}}}
	client := NewClient(provider, WithRetryConfig(fastRetry(0)))

	var streamed strings.Builder
	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []*models.Message{models.NewUserMessage("hi")},
	}, func(ev StreamEvent) {
		if ev.Type == EventToken {
			streamed.WriteString(ev.Text)
		}
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got := resp.Message.Text(); got != "one two" {
		t.Errorf("text = %q, want %q", got, "one two")
	}
	// The streamed tokens must concatenate to exactly the final text.
	if streamed.String() != resp.Message.Text() {
		t.Errorf("streamed %q != final %q", streamed.String(), resp.Message.Text())
	}
	if resp.Usage.InputTokens != 7 {
		t.Errorf("input tokens = %d, want 7", resp.Usage.InputTokens)
	}
}

func TestClientRetriesTransientErrors(t *testing.T) {
	provider := &scriptedProvider{
		errs:    []error{NewRateLimitedError(0, nil), NewConnectionError("connection reset", nil), nil},
		scripts: [][]StreamEvent{nil, nil, textScript("recovered")},
	}
	client := NewClient(provider, WithRetryConfig(fastRetry(3)))

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []*models.Message{models.NewUserMessage("hi")},
	}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if provider.calls != 3 {
		t.Errorf("calls = %d, want 3", provider.calls)
	}
	if resp.Message.Text() != "recovered" {
		t.Errorf("text = %q", resp.Message.Text())
	}
}

func TestClientStopsAfterMaxRetries(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{
			NewConnectionError("timeout", nil),
			NewConnectionError("timeout", nil),
			NewConnectionError("timeout", nil),
		},
	}
	client := NewClient(provider, WithRetryConfig(fastRetry(2)))

	_, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []*models.Message{models.NewUserMessage("hi")},
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", provider.calls)
	}
}

func TestClientDoesNotRetryTerminalErrors(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{&Error{Kind: ErrorProvider, Message: "invalid api key"}},
	}
	client := NewClient(provider, WithRetryConfig(fastRetry(3)))

	_, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []*models.Message{models.NewUserMessage("hi")},
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Errorf("calls = %d, want 1", provider.calls)
	}
}

func TestClientContextOverflow(t *testing.T) {
	provider := &scriptedProvider{window: 10}
	client := NewClient(provider)

	_, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []*models.Message{models.NewUserMessage(strings.Repeat("x", 400))},
	}, nil)

	var le *Error
	if !errors.As(err, &le) || le.Kind != ErrorContextOverflow {
		t.Fatalf("err = %v, want context overflow", err)
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times before overflow check", provider.calls)
	}
}

func TestClientRequiresDoneEvent(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{{
		{Type: EventToken, Text: "truncated"},
	}}}
	client := NewClient(provider, WithRetryConfig(fastRetry(0)))

	_, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []*models.Message{models.NewUserMessage("hi")},
	}, nil)

	var le *Error
	if !errors.As(err, &le) || le.Kind != ErrorStreaming {
		t.Fatalf("err = %v, want streaming error", err)
	}
}

func TestClientBatchMode(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{textScript("batch")}}
	client := NewClient(provider, WithStreaming(false), WithRetryConfig(fastRetry(0)))

	called := false
	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []*models.Message{models.NewUserMessage("hi")},
	}, func(StreamEvent) { called = true })
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Text() != "batch" {
		t.Errorf("text = %q", resp.Message.Text())
	}
	if called {
		t.Error("onEvent fired in batch mode")
	}
}

func TestBackoffSchedule(t *testing.T) {
	client := NewClient(&scriptedProvider{}, WithRetryConfig(RetryConfig{MaxRetries: 3, MaxBackoff: 32 * time.Second}))

	tests := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{0, NewConnectionError("timeout", nil), time.Second},
		{1, NewConnectionError("timeout", nil), 2 * time.Second},
		{4, NewConnectionError("timeout", nil), 16 * time.Second},
		{10, NewConnectionError("timeout", nil), 32 * time.Second},
		{0, NewRateLimitedError(7*time.Second, nil), 7 * time.Second},
		{0, NewRateLimitedError(90*time.Second, nil), 32 * time.Second},
	}
	for _, tt := range tests {
		if got := client.backoff(tt.attempt, tt.err); got != tt.want {
			t.Errorf("backoff(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", NewRateLimitedError(0, nil), true},
		{"connection", NewConnectionError("refused", nil), true},
		{"overflow", NewContextOverflowError(1000, 100), false},
		{"streaming transient", NewStreamingError("upstream 503", nil), true},
		{"streaming terminal", NewStreamingError("malformed event", nil), false},
		{"context canceled", context.Canceled, false},
		{"plain transient", errors.New("dial tcp: connection refused"), true},
		{"plain terminal", errors.New("invalid request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

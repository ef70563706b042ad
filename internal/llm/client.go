package llm

import (
	"context"
	"log/slog"
	"time"
)

var timeNow = time.Now

// RetryConfig configures the transient-failure retry wrapper around provider
// completions.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3.
	MaxRetries int

	// MaxBackoff caps the exponential backoff. Default: 32s.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		MaxBackoff: 32 * time.Second,
	}
}

// Client wraps a Provider with context-overflow checks, rate limiting,
// retry with exponential backoff, and the streaming producer/consumer path.
type Client struct {
	provider     Provider
	limiter      *RateLimiter
	retry        RetryConfig
	useStreaming bool
	logger       *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRateLimiter attaches a request/token rate limiter.
func WithRateLimiter(limiter *RateLimiter) ClientOption {
	return func(c *Client) { c.limiter = limiter }
}

// WithRetryConfig overrides retry behavior.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithStreaming toggles streaming mode. Default: true.
func WithStreaming(streaming bool) ClientOption {
	return func(c *Client) { c.useStreaming = streaming }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client over the given provider.
func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:     provider,
		retry:        DefaultRetryConfig(),
		useStreaming: true,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the wrapped provider.
func (c *Client) Provider() Provider { return c.provider }

// Complete runs a completion, streaming when enabled, retrying transient
// failures with exponential backoff bounded by min(2^attempt, 32)s and
// honoring server-supplied Retry-After delays. onEvent, when non-nil,
// receives every stream event as it is consumed (tokens, tool-call deltas,
// thinking deltas); it is never called in batch mode.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest, onEvent func(StreamEvent)) (*CompletionResponse, error) {
	if err := c.checkOverflow(req); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.provider.EstimateTokens(req.Messages)); err != nil {
				return nil, err
			}
		}

		var resp *CompletionResponse
		var err error
		if c.useStreaming {
			resp, err = c.completeStreaming(ctx, req, onEvent)
		} else {
			resp, err = c.provider.Complete(ctx, req)
		}
		if err == nil {
			if c.limiter != nil && resp != nil {
				c.limiter.RecordOutput(int(resp.Usage.OutputTokens))
			}
			return resp, nil
		}

		if attempt >= c.retry.MaxRetries || !IsRetryable(err) {
			return nil, err
		}

		delay := c.backoff(attempt, err)
		c.logger.Warn("provider call failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// completeStreaming spawns the producer goroutine and consumes its events.
// The producer must be a separate goroutine: if the sender were dropped
// before the consumer drained the channel, the assembled text would be
// empty.
func (c *Client) completeStreaming(ctx context.Context, req *CompletionRequest, onEvent func(StreamEvent)) (*CompletionResponse, error) {
	sink := make(chan StreamEvent, StreamSinkCapacity)
	producerErr := make(chan error, 1)

	go func() {
		defer close(sink)
		producerErr <- c.provider.CompleteStreaming(ctx, req, sink)
	}()

	col := newCollector()
	var consumeErr error
	for ev := range sink {
		if consumeErr != nil {
			continue // drain so the producer can finish
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if err := col.observe(ev); err != nil {
			consumeErr = err
		}
	}

	if err := <-producerErr; err != nil {
		return nil, err
	}
	if consumeErr != nil {
		return nil, consumeErr
	}
	if !col.sawDone {
		return nil, NewStreamingError("stream ended without done event", nil)
	}
	return col.response(), nil
}

func (c *Client) checkOverflow(req *CompletionRequest) error {
	window := c.provider.ContextWindow()
	if window <= 0 {
		return nil
	}
	used := c.provider.EstimateTokens(req.Messages) + EstimateToolTokens(req.Tools)
	if used > window {
		return NewContextOverflowError(used, window)
	}
	return nil
}

// backoff computes min(2^attempt, max) seconds, preferring an explicit
// server-supplied Retry-After.
func (c *Client) backoff(attempt int, err error) time.Duration {
	if after := RetryAfterOf(err); after > 0 {
		if c.retry.MaxBackoff > 0 && after > c.retry.MaxBackoff {
			return c.retry.MaxBackoff
		}
		return after
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if c.retry.MaxBackoff > 0 && delay > c.retry.MaxBackoff {
		delay = c.retry.MaxBackoff
	}
	return delay
}

package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bridges the llm.rate_limits configuration group to the
// client: requests per minute plus input/output tokens per minute.
type RateLimitConfig struct {
	// RequestsPerMinute caps provider calls. 0 disables.
	RequestsPerMinute int `yaml:"rpm"`

	// InputTokensPerMinute caps estimated prompt tokens. 0 disables.
	InputTokensPerMinute int `yaml:"itpm"`

	// OutputTokensPerMinute caps completion tokens. 0 disables.
	OutputTokensPerMinute int `yaml:"otpm"`
}

// Enabled reports whether any limit is configured.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerMinute > 0 || c.InputTokensPerMinute > 0 || c.OutputTokensPerMinute > 0
}

// bucket is a token bucket refilled continuously at rate/minute.
type bucket struct {
	tokens     float64
	maxTokens  float64
	perMinute  float64
	lastRefill time.Time
}

func newBucket(perMinute int) *bucket {
	return &bucket{
		tokens:     float64(perMinute),
		maxTokens:  float64(perMinute),
		perMinute:  float64(perMinute),
		lastRefill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Minutes()
	b.tokens += elapsed * b.perMinute
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// take consumes n tokens, returning how long the caller must wait before the
// bucket can satisfy the request. A zero return means the tokens were taken.
func (b *bucket) take(n float64, now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return 0
	}
	deficit := n - b.tokens
	wait := time.Duration(deficit / b.perMinute * float64(time.Minute))
	return wait
}

// RateLimiter enforces provider rate limits across requests, input tokens,
// and output tokens. Output tokens are recorded after the fact and drain the
// output bucket retroactively, the way provider-side accounting works.
type RateLimiter struct {
	mu       sync.Mutex
	requests *bucket
	input    *bucket
	output   *bucket
}

// NewRateLimiter creates a limiter from configuration. Returns nil when no
// limit is configured so callers can skip the nil limiter entirely.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if !config.Enabled() {
		return nil
	}
	l := &RateLimiter{}
	if config.RequestsPerMinute > 0 {
		l.requests = newBucket(config.RequestsPerMinute)
	}
	if config.InputTokensPerMinute > 0 {
		l.input = newBucket(config.InputTokensPerMinute)
	}
	if config.OutputTokensPerMinute > 0 {
		l.output = newBucket(config.OutputTokensPerMinute)
	}
	return l
}

// Wait blocks until one request plus the estimated input tokens can be
// admitted, or the context is cancelled.
func (l *RateLimiter) Wait(ctx context.Context, estimatedInputTokens int) error {
	for {
		l.mu.Lock()
		now := time.Now()
		var wait time.Duration
		if l.requests != nil {
			if w := l.requests.take(1, now); w > wait {
				wait = w
			}
		}
		if wait == 0 && l.input != nil {
			if w := l.input.take(float64(estimatedInputTokens), now); w > wait {
				wait = w
			}
		}
		l.mu.Unlock()

		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RecordOutput drains the output bucket after a response completes.
func (l *RateLimiter) RecordOutput(tokens int) {
	if l.output == nil || tokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.refill(time.Now())
	l.output.tokens -= float64(tokens)
	if l.output.tokens < -l.output.maxTokens {
		l.output.tokens = -l.output.maxTokens
	}
}

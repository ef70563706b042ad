package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind categorizes provider errors for retry classification.
type ErrorKind string

const (
	// ErrorRateLimited indicates the provider returned 429; retryable
	// with server-guided delay.
	ErrorRateLimited ErrorKind = "rate_limited"

	// ErrorContextOverflow indicates the request exceeds the model's
	// context window; terminal for the current call.
	ErrorContextOverflow ErrorKind = "context_overflow"

	// ErrorStreaming wraps a mid-stream failure; retryable when the
	// message matches known transient substrings.
	ErrorStreaming ErrorKind = "streaming"

	// ErrorConnection indicates a network-level failure; retryable up to
	// the cap.
	ErrorConnection ErrorKind = "connection"

	// ErrorProvider is an unclassified provider failure; not retried.
	ErrorProvider ErrorKind = "provider"
)

// Error is a structured provider failure.
type Error struct {
	Kind    ErrorKind
	Message string

	// RetryAfter is the server-suggested delay for rate limits.
	RetryAfter time.Duration

	// Used and Limit are populated for context overflows.
	Used  int
	Limit int

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case ErrorContextOverflow:
		return fmt.Sprintf("[llm:%s] %d tokens exceed context window of %d", e.Kind, e.Used, e.Limit)
	default:
		msg := e.Message
		if msg == "" && e.Cause != nil {
			msg = e.Cause.Error()
		}
		return fmt.Sprintf("[llm:%s] %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewRateLimitedError builds a rate-limit error with the server-suggested
// delay.
func NewRateLimitedError(retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: ErrorRateLimited, Message: "rate limited", RetryAfter: retryAfter, Cause: cause}
}

// NewContextOverflowError builds a context-overflow error.
func NewContextOverflowError(used, limit int) *Error {
	return &Error{Kind: ErrorContextOverflow, Used: used, Limit: limit}
}

// NewStreamingError wraps a mid-stream failure message.
func NewStreamingError(message string, cause error) *Error {
	return &Error{Kind: ErrorStreaming, Message: message, Cause: cause}
}

// NewConnectionError wraps a network-level failure.
func NewConnectionError(message string, cause error) *Error {
	return &Error{Kind: ErrorConnection, Message: message, Cause: cause}
}

// transientSubstrings are matched against wrapped streaming errors to decide
// retryability.
var transientSubstrings = []string{
	"rate limit",
	"429",
	"timeout",
	"connection",
	"503",
	"502",
	"overloaded",
}

// IsRetryable classifies an error as transient. Rate limits, connection
// failures, and timeouts are retryable; wrapped streaming errors are
// retryable when their message matches a known transient substring.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var le *Error
	if errors.As(err, &le) {
		switch le.Kind {
		case ErrorRateLimited, ErrorConnection:
			return true
		case ErrorContextOverflow:
			return false
		case ErrorStreaming:
			return matchesTransient(le.Message) || (le.Cause != nil && matchesTransient(le.Cause.Error()))
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return matchesTransient(err.Error())
}

func matchesTransient(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range transientSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RetryAfterOf extracts the server-suggested retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var le *Error
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

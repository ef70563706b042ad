package tools

import (
	"errors"
	"fmt"
)

// Common sentinel errors for tool operations.
var (
	// ErrNotFound indicates a requested tool doesn't exist.
	ErrNotFound = errors.New("tool not found")

	// ErrTimeout indicates a tool execution timed out.
	ErrTimeout = errors.New("tool execution timed out")
)

// ErrorKind categorizes tool errors. Tool errors are never retried
// automatically; the orchestrator surfaces them into the conversation as
// error tool-results so the model can recover.
type ErrorKind string

const (
	// ErrorNotFound indicates the tool doesn't exist.
	ErrorNotFound ErrorKind = "not_found"

	// ErrorInvalidArguments indicates the arguments failed schema
	// validation.
	ErrorInvalidArguments ErrorKind = "invalid_arguments"

	// ErrorExecutionFailed indicates a runtime failure inside the tool.
	ErrorExecutionFailed ErrorKind = "execution_failed"

	// ErrorPermissionDenied indicates the safety guardian blocked the
	// call.
	ErrorPermissionDenied ErrorKind = "permission_denied"
)

// Error is a structured tool failure with categorization.
type Error struct {
	// Kind categorizes the failure.
	Kind ErrorKind

	// ToolName is the name of the tool that failed.
	ToolName string

	// Message is the human-readable failure description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.ToolName != "" {
		return fmt.Sprintf("[tool:%s] %s: %s", e.Kind, e.ToolName, msg)
	}
	return fmt.Sprintf("[tool:%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewNotFoundError builds a not-found error for the given tool name.
func NewNotFoundError(name string) *Error {
	return &Error{Kind: ErrorNotFound, ToolName: name, Message: "tool not found", Cause: ErrNotFound}
}

// NewInvalidArgumentsError builds an invalid-arguments error.
func NewInvalidArgumentsError(name, reason string) *Error {
	return &Error{Kind: ErrorInvalidArguments, ToolName: name, Message: reason}
}

// NewExecutionError wraps a runtime tool failure.
func NewExecutionError(name string, cause error) *Error {
	return &Error{Kind: ErrorExecutionFailed, ToolName: name, Cause: cause}
}

// NewPermissionDeniedError builds a permission-denied error with a reason.
func NewPermissionDeniedError(name, reason string) *Error {
	return &Error{Kind: ErrorPermissionDenied, ToolName: name, Message: reason}
}

// KindOf extracts the error kind, defaulting to ErrorExecutionFailed for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrorExecutionFailed
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/scheduler"
)

// Error codes recorded on failed tasks.
const (
	CodeAgentError    = "AGENT_ERROR"
	CodeCircuitOpen   = "CIRCUIT_OPEN"
	CodeNoAgent       = "NO_AGENT"
	CodeTaskTimeout   = "TASK_TIMEOUT"
	CodeCancelled     = "CANCELLED"
	CodeDLQMaxRetries = "DLQ_MAX_RETRIES"
)

// Context is what an agent sees besides the task itself.
type Context struct {
	RequestID         string                     `json:"request_id"`
	Intent            json.RawMessage            `json:"intent,omitempty"`
	DependencyResults map[string]json.RawMessage `json:"dependency_results,omitempty"`
}

// Result is what a successful invocation reports.
type Result struct {
	Output     json.RawMessage `json:"output"`
	TokensUsed int64           `json:"tokens_used"`
	Cost       float64         `json:"cost"`
	Provider   string          `json:"-"`
}

// Invoker dispatches one task to an agent and waits for the result.
type Invoker interface {
	Invoke(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error) {
	return f(ctx, task, ictx)
}

// Error is an invocation failure with the code stored on the task.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent returns a non-retryable agent error.
func Permanent(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf maps an invocation error to the code recorded on the task.
func CodeOf(err error) string {
	var aerr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &aerr):
		return aerr.Code
	case breaker.IsCircuitOpen(err):
		return CodeCircuitOpen
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTaskTimeout
	default:
		return CodeAgentError
	}
}

// MessageOf returns the human-readable part of an invocation error.
func MessageOf(err error) string {
	var aerr *Error
	if errors.As(err, &aerr) {
		if aerr.Message != "" {
			return aerr.Message
		}
		if aerr.Err != nil {
			return aerr.Err.Error()
		}
		return aerr.Code
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetryable reports whether another attempt may succeed. Errors that are
// not *Error are treated as transient.
func IsRetryable(err error) bool {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Retryable
	}
	return err != nil
}

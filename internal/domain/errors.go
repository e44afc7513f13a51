package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCompletionNotFound indicates no journal entry exists for a completion id.
	ErrCompletionNotFound = errors.New("completion not found")
)

// InvocationError is the typed failure of a completion. Every error returned
// by the orchestrator for a failed invocation can be unwrapped to one.
type InvocationError struct {
	Kind     FailureKind
	Message  string
	ExitCode *int
	Err      error
}

func (e *InvocationError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("%s: %s (exit code %d)", e.Kind, e.Message, *e.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// NewInvocationError builds an InvocationError without an exit code.
func NewInvocationError(kind FailureKind, message string, err error) *InvocationError {
	return &InvocationError{Kind: kind, Message: message, Err: err}
}

// NewExecutionError builds an ExecutionError carrying the process exit code.
func NewExecutionError(exitCode int, message string) *InvocationError {
	code := exitCode
	return &InvocationError{Kind: FailureExecution, Message: message, ExitCode: &code}
}

// KindOf extracts the failure kind of err, defaulting to execution_error.
func KindOf(err error) FailureKind {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Kind
	}
	return FailureExecution
}

package services

import (
	"errors"
	"fmt"
)

// Failure kinds shared by every service. Handlers map these onto the wire
// error codes; services wrap them with context via NewWorkflowError so the
// kind survives errors.Is checks up the stack.
var (
	ErrNotFound              = errors.New("not_found")
	ErrPreconditionFailed    = errors.New("precondition_failed")
	ErrValidationFailed      = errors.New("validation_failed")
	ErrAuthorizationFailed   = errors.New("authorization_failed")
	ErrConflictRetryExceeded = errors.New("conflict_retry_exhausted")
)

// WorkflowError attaches a human-readable message to a failure kind.
type WorkflowError struct {
	Kind    error
	Message string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Kind
}

// NewWorkflowError builds a WorkflowError of the given kind.
func NewWorkflowError(kind error, format string, args ...interface{}) error {
	return &WorkflowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the wire code for err, defaulting to "internal_error"
// for anything outside the workflow taxonomy.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrAuthorizationFailed):
		return "authorization_failed"
	case errors.Is(err, ErrConflictRetryExceeded):
		return "conflict_retry_exhausted"
	}
	return "internal_error"
}

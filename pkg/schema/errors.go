package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	ErrCodeStepNotFound     = "STEP_NOT_FOUND"
	ErrCodeStepExecution    = "STEP_EXECUTION"
	ErrCodeWorkflowAborted  = "WORKFLOW_ABORTED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStore            = "STORE_ERROR"
)

// ConduitError is the structured error type for all conduit operations.
type ConduitError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *ConduitError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConduitError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConduitError.
func NewError(code, message string) *ConduitError {
	return &ConduitError{Code: code, Message: message}
}

// NewErrorf creates a new ConduitError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConduitError {
	return &ConduitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *ConduitError) WithWorkflow(workflowID string) *ConduitError {
	e.WorkflowID = workflowID
	return e
}

// WithStep attaches a step ID to the error.
func (e *ConduitError) WithStep(stepID string) *ConduitError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConduitError) WithCause(err error) *ConduitError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConduitError) WithDetails(details map[string]any) *ConduitError {
	e.Details = details
	return e
}

// CodeOf returns the conduit error code carried by err, or "" if err is not
// a ConduitError (wrapped or direct).
func CodeOf(err error) string {
	var ce *ConduitError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given conduit error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

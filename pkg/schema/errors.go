package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Graph errors: structural DAG defects.
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateTask     = "DUPLICATE_TASK"
	ErrCodeMissingDependency = "MISSING_DEPENDENCY"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"

	// Runner errors: abort the current run.
	ErrCodeRunner          = "RUNNER_ERROR"
	ErrCodeUnknownWorkflow = "UNKNOWN_WORKFLOW"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"

	// Approval errors: surfaced directly to the caller, never retried.
	ErrCodeCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
	ErrCodeAlreadyResolved    = "ALREADY_RESOLVED"
	ErrCodeCheckpointExpired  = "CHECKPOINT_EXPIRED"
	ErrCodeRoleDenied         = "ROLE_DENIED"
	ErrCodeApprovalInvalid    = "APPROVAL_INVALID"

	ErrCodeSchedule = "SCHEDULE_ERROR"
	ErrCodeStore    = "STORE_ERROR"
)

// Error is the structured error type for all gantry operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

var graphCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeDuplicateTask:     true,
	ErrCodeMissingDependency: true,
	ErrCodeCycleDetected:     true,
}

var approvalCodes = map[string]bool{
	ErrCodeCheckpointNotFound: true,
	ErrCodeAlreadyResolved:    true,
	ErrCodeCheckpointExpired:  true,
	ErrCodeRoleDenied:         true,
	ErrCodeApprovalInvalid:    true,
}

// IsGraphError reports whether err is a structural DAG defect
// (duplicate task, missing dependency, cycle, or malformed definition).
func IsGraphError(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && graphCodes[ge.Code]
}

// IsRunnerError reports whether err aborts a DAG run. Graph errors are
// runner errors too: the runner surfaces them before any execution attempt.
func IsRunnerError(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	switch ge.Code {
	case ErrCodeRunner, ErrCodeUnknownWorkflow, ErrCodeRetryExhausted:
		return true
	}
	return graphCodes[ge.Code]
}

// IsApprovalError reports whether err is a checkpoint approval failure.
func IsApprovalError(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && approvalCodes[ge.Code]
}

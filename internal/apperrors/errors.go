// Package apperrors provides structured errors for the batch orchestration core.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrBackend            = errors.New("backend error")
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrProvision          = errors.New("cluster provision error")
	ErrProvisionTimeout   = errors.New("cluster provision timeout")
	ErrLocalization       = errors.New("localization error")
	ErrDelocalization     = errors.New("delocalization error")
	ErrMissingOutput      = errors.New("missing output")
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
)

// Error provides a structured error with context.
type Error struct {
	Sentinel  error  // Wrapped sentinel for errors.Is() classification
	Message   string // Human-readable message
	Op        string // Operation that failed (e.g., "slurm.sbatch")
	JobID     string // Backend job id or batch job name, if job-scoped
	Retryable bool   // Whether the caller may retry the same call
	Cause     error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// IsRetryable reports whether err is a transient error worth retrying.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Backend creates a backend transport error. Retryable: polling callers
// may retry the same call up to their configured budget.
func Backend(op string, jobID string, cause error) error {
	return &Error{
		Sentinel:  ErrBackend,
		Message:   fmt.Sprintf("%s: %v", op, cause),
		Op:        op,
		JobID:     jobID,
		Retryable: true,
		Cause:     cause,
	}
}

// SubmissionRejected creates an error for a submit call the cluster refused.
// retryable indicates whether the rejection was a capacity hint (queue full)
// rather than a permanent refusal (cluster not Ready, draining).
func SubmissionRejected(op, reason string, retryable bool) error {
	return &Error{
		Sentinel:  ErrSubmissionRejected,
		Message:   reason,
		Op:        op,
		Retryable: retryable,
	}
}

// Provision creates a cluster provisioning error. Fatal to the batch.
func Provision(op string, cause error) error {
	return &Error{
		Sentinel: ErrProvision,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ProvisionTimeout creates an error for a cluster that never reached Ready.
func ProvisionTimeout(op string, cause error) error {
	return &Error{
		Sentinel: ErrProvisionTimeout,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Localization creates an input staging error. Fatal to the single job.
func Localization(jobID, message string) error {
	return &Error{
		Sentinel: ErrLocalization,
		Message:  message,
		JobID:    jobID,
	}
}

// LocalizationWrap wraps an underlying staging failure.
func LocalizationWrap(jobID, op string, cause error) error {
	return &Error{
		Sentinel: ErrLocalization,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		JobID:    jobID,
		Cause:    cause,
	}
}

// Delocalization creates an output collection error. Attached to the job
// result as a warning; never downgrades the terminal state.
func Delocalization(jobID, op string, cause error) error {
	return &Error{
		Sentinel: ErrDelocalization,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		JobID:    jobID,
		Cause:    cause,
	}
}

// MissingOutput creates an error for a declared output absent after a
// successful run.
func MissingOutput(jobID, name, pattern string) error {
	return &Error{
		Sentinel: ErrMissingOutput,
		Message:  fmt.Sprintf("output %q: no file matched %q", name, pattern),
		JobID:    jobID,
	}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Op:       field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		JobID:    id,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		JobID:    id,
	}
}

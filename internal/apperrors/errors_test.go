package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"backend", Backend("slurm.squeue", "42", errors.New("connection refused")), ErrBackend},
		{"submission rejected", SubmissionRejected("slurm.sbatch", "queue full", true), ErrSubmissionRejected},
		{"provision", Provision("transient.start", errors.New("image pull failed")), ErrProvision},
		{"provision timeout", ProvisionTimeout("transient.start", errors.New("deadline exceeded")), ErrProvisionTimeout},
		{"localization", Localization("align-0", "input ref missing"), ErrLocalization},
		{"delocalization", Delocalization("align-0", "stage.copy", errors.New("permission denied")), ErrDelocalization},
		{"missing output", MissingOutput("align-0", "bam", "*.bam"), ErrMissingOutput},
		{"validation", Validation("outputs", "duplicate logical name"), ErrValidation},
		{"not found", NotFound("job", "42"), ErrNotFound},
		{"conflict", Conflict("job", "42", "already submitted"), ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	if !IsRetryable(Backend("op", "", errors.New("timeout"))) {
		t.Error("backend errors should be retryable")
	}
	if !IsRetryable(SubmissionRejected("op", "queue full", true)) {
		t.Error("capacity rejections should be retryable")
	}
	if IsRetryable(SubmissionRejected("op", "cluster draining", false)) {
		t.Error("draining rejections should not be retryable")
	}
	if IsRetryable(Localization("j", "missing input")) {
		t.Error("localization errors are never retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestWrappedCauseSurvives(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := Backend("slurm.sacct", "7", fmt.Errorf("invoke: %w", cause))

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected *Error")
	}
	if appErr.JobID != "7" {
		t.Errorf("JobID = %q, want %q", appErr.JobID, "7")
	}
	if !errors.Is(appErr.Cause, cause) {
		t.Error("cause chain lost")
	}
}

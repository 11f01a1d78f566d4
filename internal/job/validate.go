package job

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"sled/internal/apperrors"
)

// Validation limits
const (
	maxNameLength = 128
	maxInputs     = 256
	maxOutputs    = 64
)

// namePattern allows alphanumeric, hyphens, and underscores.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// bindingPattern constrains logical input names to valid environment
// variable identifiers, since the worker contract exports one per binding.
var bindingPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateBatch checks a batch of specifications up front. A structurally
// invalid spec rejects the whole batch before any staging happens.
func ValidateBatch(specs []*Spec) error {
	if len(specs) == 0 {
		return apperrors.Validation("batch", "batch contains no jobs")
	}

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := Validate(spec); err != nil {
			return err
		}
		if seen[spec.Name] {
			return apperrors.Validation("name", fmt.Sprintf("duplicate job name %q", spec.Name))
		}
		seen[spec.Name] = true
	}
	return nil
}

// Validate checks a single specification. Does not modify the spec.
func Validate(spec *Spec) error {
	if spec.Name == "" {
		return apperrors.Validation("name", "job name is required")
	}
	if len(spec.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("job name exceeds maximum length of %d", maxNameLength))
	}
	if !namePattern.MatchString(spec.Name) {
		return apperrors.Validation("name", "job name must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}

	if len(spec.Command) == 0 {
		return apperrors.Validation("command", fmt.Sprintf("job %q: command is required", spec.Name))
	}

	if len(spec.Inputs) > maxInputs {
		return apperrors.Validation("inputs", fmt.Sprintf("job %q: inputs exceed maximum of %d", spec.Name, maxInputs))
	}
	inputNames := make(map[string]bool, len(spec.Inputs))
	for _, in := range spec.Inputs {
		if in.Name == "" {
			return apperrors.Validation("inputs", fmt.Sprintf("job %q: input binding missing logical name", spec.Name))
		}
		if !bindingPattern.MatchString(in.Name) {
			return apperrors.Validation("inputs", fmt.Sprintf("job %q: input %q is not a valid identifier", spec.Name, in.Name))
		}
		if strings.HasPrefix(in.Name, "SLED_") {
			return apperrors.Validation("inputs", fmt.Sprintf("job %q: input %q collides with the reserved SLED_ namespace", spec.Name, in.Name))
		}
		if inputNames[in.Name] {
			return apperrors.Validation("inputs", fmt.Sprintf("job %q: duplicate input %q", spec.Name, in.Name))
		}
		inputNames[in.Name] = true

		if in.Source == "" {
			return apperrors.Validation("inputs", fmt.Sprintf("job %q: input %q has empty source", spec.Name, in.Name))
		}
		switch in.Mode {
		case "", ModeAuto, ModeCopy, ModeSymlink, ModeStream, ModeLiteral:
		default:
			return apperrors.Validation("inputs", fmt.Sprintf("job %q: input %q has unknown mode %q", spec.Name, in.Name, in.Mode))
		}
	}

	if len(spec.Outputs) > maxOutputs {
		return apperrors.Validation("outputs", fmt.Sprintf("job %q: outputs exceed maximum of %d", spec.Name, maxOutputs))
	}
	outputNames := make(map[string]bool, len(spec.Outputs))
	for _, out := range spec.Outputs {
		if out.Name == "" {
			return apperrors.Validation("outputs", fmt.Sprintf("job %q: output binding missing logical name", spec.Name))
		}
		if outputNames[out.Name] {
			return apperrors.Validation("outputs", fmt.Sprintf("job %q: duplicate output %q", spec.Name, out.Name))
		}
		outputNames[out.Name] = true

		if err := validateOutputPattern(out.Pattern); err != nil {
			return apperrors.Validation("outputs", fmt.Sprintf("job %q: output %q: %v", spec.Name, out.Name, err))
		}
	}

	if spec.RetryLimit < 0 {
		return apperrors.Validation("retryLimit", fmt.Sprintf("job %q: retry limit must not be negative", spec.Name))
	}

	return nil
}

// validateOutputPattern rejects patterns that cannot resolve inside the
// job workspace.
func validateOutputPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is empty")
	}
	if filepath.IsAbs(pattern) {
		return fmt.Errorf("pattern must be relative to the workspace")
	}
	for _, part := range strings.Split(filepath.ToSlash(pattern), "/") {
		if part == ".." {
			return fmt.Errorf("pattern must not escape the workspace")
		}
	}
	// Surface malformed globs now rather than at collection time.
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("malformed pattern: %w", err)
	}
	return nil
}

package slurm

import (
	"regexp"
	"strconv"
	"strings"

	"sled/internal/backend"
)

var submitPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// parseSubmit extracts the scheduler-issued job id from sbatch output.
func parseSubmit(output string) (string, bool) {
	m := submitPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// isQueueLimit reports whether sbatch refused the job for a capacity
// reason that resolves itself as the queue drains.
func isQueueLimit(stderr string) bool {
	for _, marker := range []string{
		"QOSMaxSubmitJobPerUserLimit",
		"AssocMaxSubmitJobLimit",
		"Job violates accounting/QOS policy",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// mapState normalizes a scheduler state token into an observation.
// Suffixes like "CANCELLED by 1000" and trailing "+" markers are handled.
func mapState(token string) backend.ObservedKind {
	state, _, _ := strings.Cut(strings.TrimSpace(token), " ")
	state = strings.TrimSuffix(state, "+")

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESIZING", "SUSPENDED":
		return backend.Queued
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		return backend.Running
	case "COMPLETED":
		return backend.Succeeded
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "PREEMPTED":
		return backend.Failed
	case "CANCELLED":
		return backend.Killed
	default:
		return backend.Unknown
	}
}

// parseExitCode parses the accounting "N:M" exit field; N is the command
// exit status, M the terminating signal.
func parseExitCode(field string) int {
	codeStr, _, _ := strings.Cut(strings.TrimSpace(field), ":")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0
	}
	return code
}

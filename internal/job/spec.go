// Package job defines the job specification, state machine, and result record.
package job

import (
	"github.com/google/uuid"
)

// StageMode controls how an input binding is materialized on the
// execution node.
type StageMode string

const (
	// ModeAuto copies local files, fetches URLs, and binds anything else
	// as a literal value.
	ModeAuto StageMode = "auto"
	// ModeCopy stages a private copy of the source.
	ModeCopy StageMode = "copy"
	// ModeSymlink stages a symlink to the source. Local paths only.
	ModeSymlink StageMode = "symlink"
	// ModeStream defers the fetch to job startup via a FIFO; never shared
	// between jobs.
	ModeStream StageMode = "stream"
	// ModeLiteral binds the source string directly, no filesystem staging.
	ModeLiteral StageMode = "literal"
)

// InputBinding maps a logical name to a source reference: a local path, a
// remote URL, or a literal value.
type InputBinding struct {
	Name   string    `json:"name"`
	Source string    `json:"source"`
	Mode   StageMode `json:"mode,omitempty"` // default: auto
}

// OutputBinding maps a logical name to a glob pattern resolved against the
// job's workspace after it terminates.
type OutputBinding struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// Spec is the immutable specification of one unit of work.
type Spec struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`
	Inputs  []InputBinding    `json:"inputs,omitempty"`
	Outputs []OutputBinding   `json:"outputs,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// RetryLimit is the explicit resubmission budget: how many times a
	// failed job may be re-executed. Zero means a failure is final.
	// Distinct from poll-transport retries, which never re-run work.
	RetryLimit int `json:"retryLimit,omitempty"`
}

// NewBatchID returns a unique identifier for one controller run.
func NewBatchID() string {
	return uuid.NewString()
}

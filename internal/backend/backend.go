// Package backend defines the contract every compute substrate must satisfy.
//
// The controller depends only on this interface, never on variant-specific
// behavior. A Backend owns its internal job table and must be safe under
// concurrent Submit/Poll/Kill calls; it only ever returns observations
// keyed by the id it issued, never authoritative job records.
package backend

import (
	"context"

	"sled/internal/job"
	"sled/internal/stage"
)

// ClusterState is the lifecycle of the execution substrate itself.
type ClusterState int

const (
	Uninitialized ClusterState = iota
	Starting
	Ready
	Draining
	Stopped
)

func (s ClusterState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ObservedKind is the normalized scheduler-reported job state.
type ObservedKind int

const (
	Queued ObservedKind = iota
	Running
	Succeeded
	Failed
	Killed
	// Unknown signals the backend lost track of the job. The controller
	// absorbs a bounded number of these before treating the job as failed.
	Unknown
)

func (k ObservedKind) String() string {
	switch k {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Killed:
		return "killed"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// ObservedState is one non-blocking poll observation.
type ObservedState struct {
	Kind     ObservedKind
	ExitCode int // meaningful only for Succeeded and Failed
}

// Backend is the uniform job-lifecycle contract over an execution substrate.
type Backend interface {
	// Kind returns the variant tag ("slurm", "transient", "dummy").
	Kind() string

	// StartCluster brings the substrate to Ready. Idempotent: calling it
	// on a Ready cluster is a no-op. Provisioning variants block until
	// their nodes register as usable, bounded by their configured timeout.
	StartCluster(ctx context.Context) error

	// Submit hands one staged job to the substrate and returns the id the
	// substrate issued. Never blocks for completion. Rejected unless the
	// cluster is Ready.
	Submit(ctx context.Context, spec *job.Spec, staged *stage.StagedJob) (string, error)

	// Poll returns a non-blocking observation for a previously issued id.
	Poll(ctx context.Context, id string) (ObservedState, error)

	// Kill terminates a job best-effort. Idempotent; killing an already
	// terminal job is not an error.
	Kill(ctx context.Context, id string) error

	// StopCluster tears the substrate down. Safe to call after a partial
	// StartCluster; still-running jobs are forcibly killed first.
	StopCluster(ctx context.Context) error

	// ClusterState reports the substrate lifecycle state.
	ClusterState() ClusterState
}

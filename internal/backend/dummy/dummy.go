// Package dummy implements an in-process backend for tests and dry runs.
// Jobs pass through every lifecycle state without external processes, with
// injectable delays, exit codes, and poll faults.
package dummy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sled/internal/apperrors"
	"sled/internal/backend"
	"sled/internal/job"
	"sled/internal/stage"
)

// Options configure deterministic behavior injection.
type Options struct {
	// QueueDelay holds a job in Queued for this long after submission.
	QueueDelay time.Duration

	// RunDelay holds a job in Running for this long after it leaves Queued.
	RunDelay time.Duration

	// ExitCode decides a job's exit status. Nil means every job exits 0.
	// Ignored when Exec is set.
	ExitCode func(spec *job.Spec) int

	// Exec, when set, runs in-process as the job's command once the job
	// completes its run window, and its return value is the exit status.
	// Tests use it to write real output files into the workspace.
	Exec func(spec *job.Spec, staged *stage.StagedJob) int

	// PollErrors injects N transport errors per job name before polls
	// start answering.
	PollErrors map[string]int

	// UnknownPolls makes the first N polls per job name report Unknown.
	UnknownPolls map[string]int

	// RejectSubmits rejects the first N submissions with a retryable
	// queue-full error.
	RejectSubmits int

	// StartErr, when set, makes StartCluster fail.
	StartErr error
}

type record struct {
	spec        *job.Spec
	staged      *stage.StagedJob
	submittedAt time.Time

	lastKind   backend.ObservedKind
	executed   bool
	exitCode   int
	killed     bool
	pollErrs   int
	unknowns   int
}

// Backend is the in-process variant. All state lives behind one mutex.
type Backend struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	state    backend.ClusterState
	seq      int
	rejected int
	jobs     map[string]*record
}

// New creates a dummy backend in the Uninitialized cluster state.
func New(opts Options) *Backend {
	return &Backend{
		opts:   opts,
		logger: slog.With("component", "backend", "kind", "dummy"),
		state:  backend.Uninitialized,
		jobs:   make(map[string]*record),
	}
}

func (b *Backend) Kind() string { return "dummy" }

func (b *Backend) ClusterState() backend.ClusterState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backend) StartCluster(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == backend.Ready {
		return nil
	}
	b.state = backend.Starting
	if b.opts.StartErr != nil {
		return apperrors.Provision("dummy.start", b.opts.StartErr)
	}
	b.state = backend.Ready
	b.logger.Debug("Cluster ready")
	return nil
}

func (b *Backend) Submit(ctx context.Context, spec *job.Spec, staged *stage.StagedJob) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != backend.Ready {
		return "", apperrors.SubmissionRejected("dummy.submit",
			fmt.Sprintf("cluster is %s, not ready", b.state), false)
	}
	if b.rejected < b.opts.RejectSubmits {
		b.rejected++
		return "", apperrors.SubmissionRejected("dummy.submit", "queue full", true)
	}

	b.seq++
	id := fmt.Sprintf("dummy-%d", b.seq)
	b.jobs[id] = &record{
		spec:        spec,
		staged:      staged,
		submittedAt: time.Now(),
		lastKind:    backend.Queued,
		pollErrs:    b.opts.PollErrors[spec.Name],
		unknowns:    b.opts.UnknownPolls[spec.Name],
	}
	b.logger.Debug("Job submitted", "job", spec.Name, "id", id)
	return id, nil
}

func (b *Backend) Poll(ctx context.Context, id string) (backend.ObservedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[id]
	if !ok {
		return backend.ObservedState{}, apperrors.NotFound("job", id)
	}

	if rec.pollErrs > 0 {
		rec.pollErrs--
		return backend.ObservedState{}, apperrors.Backend("dummy.poll", id, fmt.Errorf("injected transport error"))
	}
	if rec.unknowns > 0 {
		rec.unknowns--
		return backend.ObservedState{Kind: backend.Unknown}, nil
	}

	if rec.killed {
		rec.lastKind = backend.Killed
		return backend.ObservedState{Kind: backend.Killed}, nil
	}

	// Advance one lifecycle step per poll at most, so observers always see
	// Queued and Running before a terminal state even with zero delays.
	target := b.clockKind(rec)
	kind := rec.lastKind
	if target > kind {
		kind++
	}
	rec.lastKind = kind

	if kind == backend.Succeeded || kind == backend.Failed {
		b.execute(rec)
		kind = backend.Succeeded
		if rec.exitCode != 0 {
			kind = backend.Failed
		}
		rec.lastKind = kind
		return backend.ObservedState{Kind: kind, ExitCode: rec.exitCode}, nil
	}
	return backend.ObservedState{Kind: kind}, nil
}

// clockKind derives the wall-clock lifecycle position of a job.
func (b *Backend) clockKind(rec *record) backend.ObservedKind {
	elapsed := time.Since(rec.submittedAt)
	switch {
	case elapsed < b.opts.QueueDelay:
		return backend.Queued
	case elapsed < b.opts.QueueDelay+b.opts.RunDelay:
		return backend.Running
	default:
		return backend.Succeeded // placeholder terminal; exit code decides
	}
}

// execute runs the injected command hook exactly once per job.
func (b *Backend) execute(rec *record) {
	if rec.executed {
		return
	}
	rec.executed = true
	switch {
	case b.opts.Exec != nil:
		rec.exitCode = b.opts.Exec(rec.spec, rec.staged)
	case b.opts.ExitCode != nil:
		rec.exitCode = b.opts.ExitCode(rec.spec)
	}
}

func (b *Backend) Kill(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	if rec.lastKind == backend.Succeeded || rec.lastKind == backend.Failed {
		return nil
	}
	rec.killed = true
	b.logger.Debug("Job killed", "id", id)
	return nil
}

func (b *Backend) StopCluster(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = backend.Draining
	for _, rec := range b.jobs {
		if rec.lastKind != backend.Succeeded && rec.lastKind != backend.Failed {
			rec.killed = true
		}
	}
	b.state = backend.Stopped
	b.logger.Debug("Cluster stopped")
	return nil
}

// Package slurm implements the backend over an already-running Slurm
// scheduler reachable through its command-line tools.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"sled/internal/apperrors"
	"sled/internal/backend"
	"sled/internal/job"
	"sled/internal/stage"
	"sled/internal/worker"
)

// Options configure scheduler interaction.
type Options struct {
	// Runner executes scheduler commands. Defaults to local execution.
	Runner Runner

	// Partition, when set, is passed to every submission.
	Partition string

	// SbatchArgs are extra arguments appended to every sbatch call.
	SbatchArgs []string
}

type tracked struct {
	name     string
	jobDir   string
	terminal bool
}

// Backend submits jobs with sbatch and observes them through squeue and
// the accounting database. The scheduler itself outlives the batch:
// StopCluster only drains the jobs this backend submitted.
type Backend struct {
	runner     Runner
	partition  string
	sbatchArgs []string
	logger     *slog.Logger

	mu    sync.Mutex
	state backend.ClusterState
	jobs  map[string]*tracked
}

// New creates a Slurm backend.
func New(opts Options) *Backend {
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Backend{
		runner:     runner,
		partition:  opts.Partition,
		sbatchArgs: opts.SbatchArgs,
		logger:     slog.With("component", "backend", "kind", "slurm"),
		state:      backend.Uninitialized,
		jobs:       make(map[string]*tracked),
	}
}

func (b *Backend) Kind() string { return "slurm" }

func (b *Backend) ClusterState() backend.ClusterState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StartCluster verifies the scheduler is reachable and answering.
func (b *Backend) StartCluster(ctx context.Context) error {
	b.mu.Lock()
	if b.state == backend.Ready {
		b.mu.Unlock()
		return nil
	}
	b.state = backend.Starting
	b.mu.Unlock()

	_, stderr, err := b.runner.Run(ctx, "sinfo", "-h", "-o", "%P")
	if err != nil {
		b.mu.Lock()
		b.state = backend.Uninitialized
		b.mu.Unlock()
		return apperrors.Provision("slurm.sinfo", fmt.Errorf("scheduler unreachable: %v: %s", err, stderr))
	}

	b.mu.Lock()
	b.state = backend.Ready
	b.mu.Unlock()
	b.logger.Info("Scheduler attached")
	return nil
}

func (b *Backend) Submit(ctx context.Context, spec *job.Spec, staged *stage.StagedJob) (string, error) {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	if state != backend.Ready {
		return "", apperrors.SubmissionRejected("slurm.sbatch",
			fmt.Sprintf("cluster is %s, not ready", state), false)
	}

	files, err := worker.Write(spec, staged)
	if err != nil {
		return "", apperrors.Backend("slurm.sbatch", spec.Name, err)
	}

	args := []string{
		"--job-name", spec.Name,
		"--chdir", staged.WorkspaceDir,
		"--output", staged.JobDir + "/slurm-%j.out",
	}
	if b.partition != "" {
		args = append(args, "--partition", b.partition)
	}
	args = append(args, b.sbatchArgs...)
	args = append(args, files.Entry)

	stdout, stderr, err := b.runner.Run(ctx, "sbatch", args...)
	if err != nil {
		if isQueueLimit(stderr) {
			return "", apperrors.SubmissionRejected("slurm.sbatch", stderr, true)
		}
		return "", apperrors.Backend("slurm.sbatch", spec.Name, fmt.Errorf("%v: %s", err, stderr))
	}

	id, ok := parseSubmit(stdout)
	if !ok {
		return "", apperrors.Backend("slurm.sbatch", spec.Name,
			fmt.Errorf("could not parse submission output: %q", stdout))
	}

	b.mu.Lock()
	b.jobs[id] = &tracked{name: spec.Name, jobDir: staged.JobDir}
	b.mu.Unlock()

	b.logger.Info("Job submitted", "job", spec.Name, "id", id)
	return id, nil
}

// Poll asks squeue while the job is in the queue, then falls back to the
// accounting database once it has left.
func (b *Backend) Poll(ctx context.Context, id string) (backend.ObservedState, error) {
	b.mu.Lock()
	rec, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return backend.ObservedState{}, apperrors.NotFound("job", id)
	}

	stdout, stderr, err := b.runner.Run(ctx, "squeue", "-h", "-j", id, "-o", "%T")
	if err == nil && stdout != "" {
		return backend.ObservedState{Kind: mapState(stdout)}, nil
	}
	if err != nil && !isUnknownJob(stderr) {
		return backend.ObservedState{}, apperrors.Backend("slurm.squeue", id, fmt.Errorf("%v: %s", err, stderr))
	}

	// Out of the queue: the accounting record is authoritative.
	stdout, stderr, err = b.runner.Run(ctx, "sacct", "-n", "-P", "-X", "-j", id, "-o", "State,ExitCode")
	if err != nil {
		return backend.ObservedState{}, apperrors.Backend("slurm.sacct", id, fmt.Errorf("%v: %s", err, stderr))
	}
	line, _, _ := strings.Cut(stdout, "\n")
	if strings.TrimSpace(line) == "" {
		return backend.ObservedState{Kind: backend.Unknown}, nil
	}

	stateField, exitField, _ := strings.Cut(line, "|")
	obs := backend.ObservedState{Kind: mapState(stateField), ExitCode: parseExitCode(exitField)}

	// The marker the entry script wrote is the command's own exit status
	// and wins over the accounting field when both are present.
	if obs.Kind == backend.Succeeded || obs.Kind == backend.Failed {
		if code, found, markerErr := worker.ReadExitStatus(rec.jobDir); markerErr == nil && found {
			obs.ExitCode = code
			if code == 0 {
				obs.Kind = backend.Succeeded
			} else {
				obs.Kind = backend.Failed
			}
		}
		b.mu.Lock()
		rec.terminal = true
		b.mu.Unlock()
	}
	return obs, nil
}

func (b *Backend) Kill(ctx context.Context, id string) error {
	b.mu.Lock()
	_, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return apperrors.NotFound("job", id)
	}

	_, stderr, err := b.runner.Run(ctx, "scancel", id)
	if err != nil && !isUnknownJob(stderr) {
		return apperrors.Backend("slurm.scancel", id, fmt.Errorf("%v: %s", err, stderr))
	}
	b.logger.Info("Job cancelled", "id", id)
	return nil
}

// StopCluster cancels every job this backend still tracks as live. The
// scheduler is shared infrastructure and is left running.
func (b *Backend) StopCluster(ctx context.Context) error {
	b.mu.Lock()
	b.state = backend.Draining
	var live []string
	for id, rec := range b.jobs {
		if !rec.terminal {
			live = append(live, id)
		}
	}
	b.mu.Unlock()

	var firstErr error
	for _, id := range live {
		if err := b.Kill(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.mu.Lock()
	b.state = backend.Stopped
	b.mu.Unlock()
	return firstErr
}

// isUnknownJob matches scheduler errors for ids that have left the system.
func isUnknownJob(stderr string) bool {
	return strings.Contains(stderr, "Invalid job id specified") ||
		strings.Contains(stderr, "slurm_load_jobs error")
}

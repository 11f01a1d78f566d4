package slurm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"sled/internal/apperrors"
	"sled/internal/backend"
	"sled/internal/job"
	"sled/internal/stage"
)

type response struct {
	stdout string
	stderr string
	err    error
}

// fakeRunner pops scripted responses per tool and records every call.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	queue := f.responses[name]
	if len(queue) == 0 {
		return "", "", fmt.Errorf("unscripted call to %s", name)
	}
	r := queue[0]
	f.responses[name] = queue[1:]
	return r.stdout, r.stderr, r.err
}

func (f *fakeRunner) script(tool string, r response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		f.responses = map[string][]response{}
	}
	f.responses[tool] = append(f.responses[tool], r)
}

func readyBackend(t *testing.T, runner *fakeRunner) *Backend {
	t.Helper()
	runner.script("sinfo", response{stdout: "batch*"})
	b := New(Options{Runner: runner})
	if err := b.StartCluster(context.Background()); err != nil {
		t.Fatal(err)
	}
	return b
}

func stagedFixture(t *testing.T) (*job.Spec, *stage.StagedJob) {
	t.Helper()
	dir := t.TempDir()
	spec := &job.Spec{Name: "align-0", Command: []string{"true"}}
	return spec, &stage.StagedJob{
		JobName:      spec.Name,
		JobDir:       dir,
		InputDir:     dir,
		WorkspaceDir: dir,
		Inputs:       map[string]string{},
		Env:          map[string]string{"SLED_JOB_ROOT": dir},
	}
}

func TestSubmitParsesJobID(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	b := readyBackend(t, runner)
	runner.script("sbatch", response{stdout: "Submitted batch job 4242"})

	spec, staged := stagedFixture(t)
	id, err := b.Submit(context.Background(), spec, staged)
	if err != nil {
		t.Fatal(err)
	}
	if id != "4242" {
		t.Errorf("id = %q, want 4242", id)
	}

	last := runner.calls[len(runner.calls)-1]
	if !strings.Contains(last, "--job-name align-0") || !strings.Contains(last, "--chdir "+staged.WorkspaceDir) {
		t.Errorf("unexpected sbatch invocation: %s", last)
	}
}

func TestSubmitQueueLimitIsRetryable(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	b := readyBackend(t, runner)
	runner.script("sbatch", response{
		stderr: "sbatch: error: QOSMaxSubmitJobPerUserLimit",
		err:    errors.New("exit status 1"),
	})

	spec, staged := stagedFixture(t)
	_, err := b.Submit(context.Background(), spec, staged)
	if !errors.Is(err, apperrors.ErrSubmissionRejected) || !apperrors.IsRetryable(err) {
		t.Fatalf("expected retryable rejection, got %v", err)
	}
}

func TestSubmitGarbledOutput(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	b := readyBackend(t, runner)
	runner.script("sbatch", response{stdout: "something unexpected"})

	spec, staged := stagedFixture(t)
	if _, err := b.Submit(context.Background(), spec, staged); !errors.Is(err, apperrors.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestSubmitRequiresReady(t *testing.T) {
	t.Parallel()

	b := New(Options{Runner: &fakeRunner{}})
	spec, staged := stagedFixture(t)
	_, err := b.Submit(context.Background(), spec, staged)
	if !errors.Is(err, apperrors.ErrSubmissionRejected) || apperrors.IsRetryable(err) {
		t.Fatalf("expected permanent rejection, got %v", err)
	}
}

func TestPollQueueStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		squeue string
		want   backend.ObservedKind
	}{
		{"PENDING", backend.Queued},
		{"CONFIGURING", backend.Queued},
		{"RUNNING", backend.Running},
		{"COMPLETING", backend.Running},
	}

	for _, tt := range tests {
		t.Run(tt.squeue, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{}
			b := readyBackend(t, runner)
			runner.script("sbatch", response{stdout: "Submitted batch job 7"})
			spec, staged := stagedFixture(t)
			id, err := b.Submit(context.Background(), spec, staged)
			if err != nil {
				t.Fatal(err)
			}

			runner.script("squeue", response{stdout: tt.squeue})
			obs, err := b.Poll(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if obs.Kind != tt.want {
				t.Errorf("kind = %s, want %s", obs.Kind, tt.want)
			}
		})
	}
}

func TestPollAccountingStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sacct    string
		want     backend.ObservedKind
		wantExit int
	}{
		{"completed", "COMPLETED|0:0", backend.Succeeded, 0},
		{"failed", "FAILED|2:0", backend.Failed, 2},
		{"timeout", "TIMEOUT|0:1", backend.Failed, 0},
		{"oom", "OUT_OF_MEMORY|0:9", backend.Failed, 0},
		{"cancelled", "CANCELLED by 1000|0:15", backend.Killed, 0},
		{"vanished", "", backend.Unknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{}
			b := readyBackend(t, runner)
			runner.script("sbatch", response{stdout: "Submitted batch job 9"})
			spec, staged := stagedFixture(t)
			id, err := b.Submit(context.Background(), spec, staged)
			if err != nil {
				t.Fatal(err)
			}

			// Job no longer in the queue.
			runner.script("squeue", response{stderr: "slurm_load_jobs error: Invalid job id specified", err: errors.New("exit status 1")})
			runner.script("sacct", response{stdout: tt.sacct})

			obs, err := b.Poll(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if obs.Kind != tt.want || obs.ExitCode != tt.wantExit {
				t.Errorf("observed %s exit %d, want %s exit %d", obs.Kind, obs.ExitCode, tt.want, tt.wantExit)
			}
		})
	}
}

func TestPollTransportError(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	b := readyBackend(t, runner)
	runner.script("sbatch", response{stdout: "Submitted batch job 11"})
	spec, staged := stagedFixture(t)
	id, err := b.Submit(context.Background(), spec, staged)
	if err != nil {
		t.Fatal(err)
	}

	runner.script("squeue", response{stderr: "socket timed out", err: errors.New("exit status 1")})
	_, err = b.Poll(context.Background(), id)
	if !errors.Is(err, apperrors.ErrBackend) || !apperrors.IsRetryable(err) {
		t.Fatalf("expected retryable backend error, got %v", err)
	}
}

func TestKillIgnoresAlreadyGone(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	b := readyBackend(t, runner)
	runner.script("sbatch", response{stdout: "Submitted batch job 13"})
	spec, staged := stagedFixture(t)
	id, err := b.Submit(context.Background(), spec, staged)
	if err != nil {
		t.Fatal(err)
	}

	runner.script("scancel", response{stderr: "scancel: error: Invalid job id specified", err: errors.New("exit status 1")})
	if err := b.Kill(context.Background(), id); err != nil {
		t.Errorf("killing a finished job should not error: %v", err)
	}
}

func TestStopClusterCancelsLiveJobs(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	b := readyBackend(t, runner)
	runner.script("sbatch", response{stdout: "Submitted batch job 21"})
	spec, staged := stagedFixture(t)
	if _, err := b.Submit(context.Background(), spec, staged); err != nil {
		t.Fatal(err)
	}

	runner.script("scancel", response{})
	if err := b.StopCluster(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := b.ClusterState(); got != backend.Stopped {
		t.Errorf("cluster state = %s, want stopped", got)
	}

	var cancelled bool
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "scancel 21") {
			cancelled = true
		}
	}
	if !cancelled {
		t.Error("live job was not cancelled on stop")
	}
}

func TestStartClusterUnreachable(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	runner.script("sinfo", response{stderr: "sinfo: error: connection refused", err: errors.New("exit status 1")})
	b := New(Options{Runner: runner})
	if err := b.StartCluster(context.Background()); !errors.Is(err, apperrors.ErrProvision) {
		t.Fatalf("expected provision error, got %v", err)
	}
}

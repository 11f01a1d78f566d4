package dummy

import (
	"context"
	"errors"
	"testing"

	"sled/internal/apperrors"
	"sled/internal/backend"
	"sled/internal/job"
	"sled/internal/stage"
)

func submitOne(t *testing.T, b *Backend, name string) string {
	t.Helper()
	id, err := b.Submit(context.Background(), &job.Spec{Name: name, Command: []string{"true"}}, &stage.StagedJob{JobName: name})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestLifecycleVisitsEveryState(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()

	if err := b.StartCluster(ctx); err != nil {
		t.Fatal(err)
	}
	if got := b.ClusterState(); got != backend.Ready {
		t.Fatalf("cluster state = %s, want ready", got)
	}

	id := submitOne(t, b, "j1")

	// Zero delays still never skip a state: one step per poll.
	want := []backend.ObservedKind{backend.Queued, backend.Running, backend.Succeeded, backend.Succeeded}
	for i, w := range want {
		obs, err := b.Poll(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if obs.Kind != w {
			t.Fatalf("poll %d: kind = %s, want %s", i, obs.Kind, w)
		}
	}
}

func TestExitCodeDecidesFailure(t *testing.T) {
	t.Parallel()

	b := New(Options{ExitCode: func(s *job.Spec) int {
		if s.Name == "bad" {
			return 3
		}
		return 0
	}})
	ctx := context.Background()
	if err := b.StartCluster(ctx); err != nil {
		t.Fatal(err)
	}

	id := submitOne(t, b, "bad")
	var obs backend.ObservedState
	for range 4 {
		var err error
		obs, err = b.Poll(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
	}
	if obs.Kind != backend.Failed || obs.ExitCode != 3 {
		t.Errorf("observed %s exit %d, want failed exit 3", obs.Kind, obs.ExitCode)
	}
}

func TestSubmitRequiresReadyCluster(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	_, err := b.Submit(context.Background(), &job.Spec{Name: "early"}, &stage.StagedJob{})
	if !errors.Is(err, apperrors.ErrSubmissionRejected) {
		t.Fatalf("expected submission rejection, got %v", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("not-ready rejection must not be retryable")
	}
}

func TestQueueFullRejectionIsRetryable(t *testing.T) {
	t.Parallel()

	b := New(Options{RejectSubmits: 1})
	ctx := context.Background()
	if err := b.StartCluster(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := b.Submit(ctx, &job.Spec{Name: "j1"}, &stage.StagedJob{})
	if !errors.Is(err, apperrors.ErrSubmissionRejected) || !apperrors.IsRetryable(err) {
		t.Fatalf("expected retryable rejection, got %v", err)
	}
	if _, err := b.Submit(ctx, &job.Spec{Name: "j1"}, &stage.StagedJob{}); err != nil {
		t.Fatalf("second submit should pass: %v", err)
	}
}

func TestPollFaultInjection(t *testing.T) {
	t.Parallel()

	b := New(Options{
		PollErrors:   map[string]int{"flaky": 2},
		UnknownPolls: map[string]int{"lost": 1},
	})
	ctx := context.Background()
	if err := b.StartCluster(ctx); err != nil {
		t.Fatal(err)
	}

	flaky := submitOne(t, b, "flaky")
	for i := range 2 {
		if _, err := b.Poll(ctx, flaky); !errors.Is(err, apperrors.ErrBackend) {
			t.Fatalf("poll %d: expected transport error, got %v", i, err)
		}
	}
	if _, err := b.Poll(ctx, flaky); err != nil {
		t.Fatalf("poll after faults drained: %v", err)
	}

	lost := submitOne(t, b, "lost")
	obs, err := b.Poll(ctx, lost)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Kind != backend.Unknown {
		t.Errorf("first poll kind = %s, want unknown", obs.Kind)
	}
}

func TestKill(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	if err := b.StartCluster(ctx); err != nil {
		t.Fatal(err)
	}

	id := submitOne(t, b, "victim")
	if err := b.Kill(ctx, id); err != nil {
		t.Fatal(err)
	}
	obs, err := b.Poll(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Kind != backend.Killed {
		t.Errorf("kind = %s, want killed", obs.Kind)
	}
	// Idempotent.
	if err := b.Kill(ctx, id); err != nil {
		t.Errorf("second kill: %v", err)
	}
}

func TestPollUnknownID(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	if _, err := b.Poll(context.Background(), "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStopClusterKillsStragglers(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()
	if err := b.StartCluster(ctx); err != nil {
		t.Fatal(err)
	}
	id := submitOne(t, b, "straggler")

	if err := b.StopCluster(ctx); err != nil {
		t.Fatal(err)
	}
	if got := b.ClusterState(); got != backend.Stopped {
		t.Errorf("cluster state = %s, want stopped", got)
	}
	obs, err := b.Poll(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Kind != backend.Killed {
		t.Errorf("kind = %s, want killed", obs.Kind)
	}
}

func TestStartClusterFailure(t *testing.T) {
	t.Parallel()

	b := New(Options{StartErr: errors.New("no capacity")})
	err := b.StartCluster(context.Background())
	if !errors.Is(err, apperrors.ErrProvision) {
		t.Fatalf("expected provision error, got %v", err)
	}
	if b.ClusterState() == backend.Ready {
		t.Error("cluster must not be ready after failed start")
	}
}

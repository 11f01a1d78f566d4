package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	if !b.Allow() {
		t.Fatal("new breaker should allow requests")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("state after 2 failures = %v, want closed", b.State())
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("state after 3 failures = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should block requests")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	if b.State() != Closed {
		t.Errorf("state = %v, want closed (success should reset the count)", b.State())
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open immediately after threshold")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should allow a probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Errorf("state = %v, want half-open", b.State())
	}

	// Probe fails: back to open
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("state after failed probe = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	a := r.For("host-a")
	if got := r.For("host-a"); got != a {
		t.Error("For should return the same breaker for the same destination")
	}

	r.For("host-b").RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("Open = %d, want 1", stats.Open)
	}
}

// Package testutil provides small helpers for asynchronous tests.
package testutil

import (
	"testing"
	"time"
)

// WaitFor polls cond every 10ms until it returns true or the timeout
// elapses. Returns whether cond became true.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// MustWaitFor is WaitFor but fails the test when the condition never holds.
func MustWaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	if !WaitFor(t, timeout, cond) {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}

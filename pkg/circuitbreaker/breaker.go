// Package circuitbreaker gates event delivery to unhealthy destinations.
//
// A Breaker counts consecutive delivery failures to one destination. Once
// the count reaches the configured threshold the destination is considered
// down and attempts are blocked for a cooldown window; after the window a
// single probe delivery is let through. A probe failure re-arms the window,
// a success clears the count.
//
// State is derived from the failure count and the window deadline rather
// than stored, so the breaker never needs a background timer.
package circuitbreaker

import (
	"sync"
	"time"
)

// State describes what the breaker currently does with delivery attempts.
type State int

const (
	Closed   State = iota // destination healthy, deliveries flow
	Open                  // destination down, deliveries blocked
	HalfOpen              // cooldown elapsed, probing the destination
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes when a destination is declared down and for how long.
type Config struct {
	Threshold int           // consecutive failures before blocking (default 5)
	Cooldown  time.Duration // block duration before the next probe (default 30s)
}

// Breaker tracks delivery health for a single destination.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	failures  int       // consecutive failures since the last success
	openUntil time.Time // deliveries blocked until this instant
}

// New creates a breaker for one destination.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a delivery to the destination may be attempted now.
// While the cooldown window is armed only its expiry lets an attempt pass,
// and that attempt is the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.cfg.Threshold {
		return true
	}
	return !time.Now().Before(b.openUntil)
}

// RecordSuccess marks the destination healthy again.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openUntil = time.Time{}
}

// RecordFailure counts a failed delivery. At the threshold, and on every
// failed probe after it, the cooldown window is re-armed from now.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.openUntil = time.Now().Add(b.cfg.Cooldown)
	}
}

// State derives the breaker's position from the failure count and window.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.failures < b.cfg.Threshold:
		return Closed
	case time.Now().Before(b.openUntil):
		return Open
	default:
		return HalfOpen
	}
}

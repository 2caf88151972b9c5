// Package breaker implements a per-provider sliding-window circuit breaker.
//
// Unlike the three-state (closed/open/half-open) breaker this was adapted
// from, this breaker models only two states: once recovery_s has elapsed
// since the breaker opened, the next admission check unconditionally closes
// it — there is no half-open probe slot. See the design notes on why the
// half-open state was dropped instead of kept.
package breaker

import (
	"sync"
	"time"
)

// Config tunes a single provider's breaker. FailureThreshold == 0 disables
// the breaker entirely: admit always returns true and record_failure never
// opens it, with no implicit fallback to a positive default.
type Config struct {
	FailureThreshold int
	RecoveryS        time.Duration
	WindowS          time.Duration
}

// Status is an atomic diagnostic snapshot of a breaker's state.
type Status struct {
	IsOpen   bool
	OpenedAt time.Time
	Failures []time.Time
}

// Breaker is a single provider's circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	isOpen   bool
	openedAt time.Time
	failures []time.Time
}

// New returns a Breaker configured with cfg.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// Admit reports whether the next request should be allowed through.
// It returns false only when the breaker is open and the recovery window
// has not yet elapsed. If the breaker is open and recovery has elapsed, it
// is reset (closed, failures cleared) and true is returned.
func (b *Breaker) Admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isOpen {
		return true
	}
	if time.Since(b.openedAt) < b.cfg.RecoveryS {
		return false
	}
	b.isOpen = false
	b.failures = nil
	return true
}

// RecordSuccess clears the accumulated failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

// RecordFailure appends now to the failure window, prunes entries older
// than WindowS, and opens the breaker if the threshold is reached. It
// returns true iff this call is the one that just opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.FailureThreshold <= 0 {
		return false
	}

	now := time.Now()
	b.failures = append(b.failures, now)
	b.failures = pruneOlderThan(b.failures, now, b.cfg.WindowS)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.isOpen = true
		b.openedAt = now
		return true
	}
	return false
}

// Status returns a snapshot of the breaker's internal state for diagnostics.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures := make([]time.Time, len(b.failures))
	copy(failures, b.failures)
	return Status{
		IsOpen:   b.isOpen,
		OpenedAt: b.openedAt,
		Failures: failures,
	}
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	return kept
}

// Package restart implements the sliding-window restart budget.
// This is part of the Functional Core - callers supply the clock.
package restart

import (
	"time"

	"github.com/artpar/stackd/internal/core/domain"
)

// Window is a timestamped log of unexpected exits. Entries older than the
// policy window are evicted on every access, so the budget applies to any
// trailing interval rather than to fixed clock buckets.
//
// A Window is owned by exactly one supervisor and is not safe for
// concurrent use.
type Window struct {
	policy domain.RestartPolicy
	events []time.Time
}

// NewWindow creates an empty window for the given policy.
func NewWindow(policy domain.RestartPolicy) *Window {
	return &Window{policy: policy}
}

// Policy returns the policy the window enforces.
func (w *Window) Policy() domain.RestartPolicy {
	return w.policy
}

// Record appends an exit at now and returns the number of exits inside the
// trailing window, including this one.
func (w *Window) Record(now time.Time) int {
	w.evict(now)
	w.events = append(w.events, now)
	return len(w.events)
}

// Count returns the number of exits inside the trailing window ending at now.
func (w *Window) Count(now time.Time) int {
	w.evict(now)
	return len(w.events)
}

// Allow reports whether another restart fits the budget at now. It does not
// record anything; call it after Record for the exit being handled.
func (w *Window) Allow(now time.Time) bool {
	return w.Count(now) < w.policy.MaxRestarts
}

// Reset drops every recorded exit.
func (w *Window) Reset() {
	w.events = w.events[:0]
}

// evict removes entries that fell out of the window. An entry exactly
// Window old is out.
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.policy.Window)
	keep := 0
	for keep < len(w.events) && !w.events[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.events = append(w.events[:0], w.events[keep:]...)
	}
}

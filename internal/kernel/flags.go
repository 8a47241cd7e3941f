package kernel

import (
	"sync"
	"time"
)

// flagTracker flags modules whose commands fail repeatedly within a sliding
// window. Flags are advisory: dispatch proceeds, listings and logs surface
// the flag, and a reload clears it.
type flagTracker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	now       func() time.Time
	failures  map[string][]time.Time
	flagged   map[string]time.Time
}

// newFlagTracker creates a tracker with the supplied policy.
func newFlagTracker(threshold int, window time.Duration) *flagTracker {
	return &flagTracker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
		failures:  make(map[string][]time.Time),
		flagged:   make(map[string]time.Time),
	}
}

// recordFailure notes one command failure for a module and reports whether
// this failure crossed the flag threshold.
//
// Crossing is edge-triggered: only the failure that transitions the module
// into the flagged set returns true, so callers publish one event per flag.
func (t *flagTracker) recordFailure(module string) bool {
	if t == nil || module == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)

	kept := t.failures[module][:0]
	for _, at := range t.failures[module] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	t.failures[module] = kept

	if len(kept) < t.threshold {
		return false
	}
	if _, already := t.flagged[module]; already {
		return false
	}
	t.flagged[module] = now

	return true
}

// isFlagged reports whether a module is currently flagged.
func (t *flagTracker) isFlagged(module string) bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, flagged := t.flagged[module]

	return flagged
}

// clear removes flag state for a module; reload uses it for a fresh start.
func (t *flagTracker) clear(module string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.failures, module)
	delete(t.flagged, module)
}

package inject

import (
	"sync"
	"time"
)

const (
	failureWindow    = 5 * time.Minute
	failureThreshold = 3
	quiescencePeriod = 30 * time.Minute
)

// failureTracker decides when the smart strategy should abandon the
// preferred method. Failures older than the window drop out; after long
// enough without any failure, the switch resets.
type failureTracker struct {
	mu       sync.Mutex
	now      func() time.Time
	failures map[string][]time.Time
	lastFail time.Time
	switched bool
}

func newFailureTracker() *failureTracker {
	return &failureTracker{
		now:      time.Now,
		failures: make(map[string][]time.Time),
	}
}

func (t *failureTracker) recordFailure(method string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.failures[method] = append(t.prune(t.failures[method], now), now)
	t.lastFail = now
}

// shouldSwitch reports whether the preferred method has failed enough
// recently that the alternative should lead.
func (t *failureTracker) shouldSwitch(preferred string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	if t.switched && now.Sub(t.lastFail) >= quiescencePeriod {
		t.switched = false
		t.failures = make(map[string][]time.Time)
	}
	t.failures[preferred] = t.prune(t.failures[preferred], now)
	if len(t.failures[preferred]) >= failureThreshold {
		t.switched = true
	}
	return t.switched
}

func (t *failureTracker) prune(stamps []time.Time, now time.Time) []time.Time {
	kept := stamps[:0]
	for _, s := range stamps {
		if now.Sub(s) < failureWindow {
			kept = append(kept, s)
		}
	}
	return kept
}

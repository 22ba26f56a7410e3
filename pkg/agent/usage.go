package agent

import (
	"sync"
	"time"
)

// usageTracker maintains an exponentially weighted estimate of the fraction
// of wall time an agent spends inside its handler. The manager reads it to
// decide when an agent exceeds its CPU budget and needs its effective
// debounce widened.
type usageTracker struct {
	mu       sync.Mutex
	alpha    float64
	share    float64
	lastDone time.Time
}

func newUsageTracker() *usageTracker {
	return &usageTracker{alpha: 0.3, lastDone: time.Now()}
}

// record folds one completed invocation into the estimate. The sample is the
// handler duration over the elapsed time since the previous completion, so
// back-to-back long runs push the share toward 1.
func (u *usageTracker) record(duration time.Duration, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	elapsed := now.Sub(u.lastDone)
	if elapsed < duration {
		elapsed = duration
	}
	if elapsed <= 0 {
		return
	}
	sample := float64(duration) / float64(elapsed)
	u.share = u.alpha*sample + (1-u.alpha)*u.share
	u.lastDone = now
}

// Share returns the current busy-fraction estimate in [0, 1].
func (u *usageTracker) Share() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	// Decay toward zero when the agent has been idle.
	idle := time.Since(u.lastDone)
	if idle > time.Minute {
		return 0
	}
	return u.share
}

package agent

import (
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/config"
)

// loopGuard caps invocations per dedup key inside a sliding window, breaking
// agent↔filesystem feedback cycles (agent writes a file, the write triggers
// the agent again).
type loopGuard struct {
	window time.Duration
	max    int

	mu  sync.Mutex
	ops map[string][]time.Time
}

func newLoopGuard(cfg config.LoopGuardSettings) *loopGuard {
	return &loopGuard{
		window: cfg.Window,
		max:    cfg.MaxOpsPerKey,
		ops:    make(map[string][]time.Time),
	}
}

// allow records an invocation attempt for the key and reports whether it is
// within budget. Timestamps outside the window are pruned on each call.
func (g *loopGuard) allow(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	recent := g.ops[key][:0]
	for _, t := range g.ops[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= g.max {
		g.ops[key] = recent
		return false
	}
	g.ops[key] = append(recent, now)
	return true
}

// prune drops keys with no activity inside the window. Called periodically
// so idle keys do not accumulate.
func (g *loopGuard) prune(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-g.window)
	for key, times := range g.ops {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(g.ops, key)
		}
	}
}

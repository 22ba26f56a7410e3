package manager

import (
	"context"
	"log/slog"
	"time"
)

const (
	// adaptiveInterval is how often agent CPU shares are reviewed.
	adaptiveInterval = 15 * time.Second
	// auditPruneInterval is how often expired audit entries are dropped.
	auditPruneInterval = 24 * time.Hour
	// maxSpacing caps the adaptive inter-invocation delay.
	maxSpacing = 30 * time.Second
	// baseSpacing is the first step applied to an over-budget agent.
	baseSpacing = time.Second
)

// housekeeping runs the periodic maintenance loops: adaptive scheduling and
// audit retention.
func (m *Manager) housekeeping(ctx context.Context) {
	defer m.wg.Done()

	adaptive := time.NewTicker(adaptiveInterval)
	defer adaptive.Stop()
	prune := time.NewTicker(auditPruneInterval)
	defer prune.Stop()

	spacings := make(map[string]time.Duration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-adaptive.C:
			m.adaptSpacing(spacings)
		case <-prune.C:
			if err := m.audit.Prune(time.Now()); err != nil {
				slog.Warn("Audit prune failed", "error", err)
			}
		}
	}
}

// adaptSpacing widens the invocation spacing of agents sustaining more CPU
// than their budget, and unwinds it once they fall back under half of it.
// Measurement is a wall-clock busy fraction, an intentional proxy for CPU:
// an agent whose handlers are always running is hogging a core either way.
func (m *Manager) adaptSpacing(spacings map[string]time.Duration) {
	budget := m.cfg.Global.ResourceLimits.MaxCPU
	if budget <= 0 {
		return
	}

	for _, health := range m.runtime.Health() {
		current := spacings[health.Name]
		switch {
		case health.CPUShare > budget:
			next := current * 2
			if next == 0 {
				next = baseSpacing
			}
			if next > maxSpacing {
				next = maxSpacing
			}
			if next != current {
				slog.Warn("Agent over CPU budget, widening invocation spacing",
					"agent", health.Name,
					"cpu_share", health.CPUShare,
					"budget", budget,
					"spacing", next)
				spacings[health.Name] = next
				_ = m.runtime.SetSpacing(health.Name, next)
			}
		case current > 0 && health.CPUShare < budget/2:
			next := current / 2
			if next < baseSpacing {
				next = 0
			}
			spacings[health.Name] = next
			_ = m.runtime.SetSpacing(health.Name, next)
			if next == 0 {
				slog.Info("Agent back under CPU budget, spacing removed",
					"agent", health.Name)
			}
		}
	}
}

// Package manager assembles and orchestrates the daemon: it builds the
// component graph, starts it in dependency order (store, bus, ingress,
// agents, collectors), stops it in reverse, and runs the periodic
// housekeeping loops.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/agent"
	"github.com/vigil-dev/vigil/pkg/audit"
	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/collector"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/eventstore"
	"github.com/vigil-dev/vigil/pkg/ingress"
	"github.com/vigil-dev/vigil/pkg/masking"
	"github.com/vigil-dev/vigil/pkg/models"
	"github.com/vigil-dev/vigil/pkg/store"
)

// Manager owns the component graph and its lifecycle.
type Manager struct {
	cfg *config.Config

	bus        *bus.Bus
	queue      *ingress.Queue
	store      *store.Store
	runtime    *agent.Runtime
	supervisor *collector.Supervisor
	events     *eventstore.Store // nil when disabled
	audit      *audit.Log
	masker     *masking.Service
	git        *collector.Git

	userSubs []*bus.Subscription

	mu       sync.Mutex
	started  bool
	startAt  time.Time
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds the component graph from configuration. Nothing runs until
// Start.
func New(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	auditLog, err := audit.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	m := &Manager{cfg: cfg, audit: auditLog}

	m.bus = bus.New(bus.Options{
		Overflow: bus.OverflowPolicy(cfg.EventSystem.Queue.OverflowPolicy),
	})
	m.queue = ingress.New(cfg.EventSystem.Queue, m.bus)
	m.store = store.New(cfg.ContextStore, cfg.StateDir, m.queue)
	m.masker = masking.NewService(cfg.Masking)

	m.runtime = agent.NewRuntime(cfg, m.bus, agent.Options{
		Store:     m.store,
		Audit:     auditLog,
		Masker:    m.masker,
		Publisher: m.queue,
	})
	m.queue.SetCanceller(m.runtime)

	m.supervisor = collector.NewSupervisor(m.queue)
	collectors := cfg.EventSystem.Collectors
	if collectors.Filesystem != nil && len(collectors.Filesystem.WatchPaths) > 0 {
		m.supervisor.Add(collector.NewFS(collectors.Filesystem, m.queue))
	}
	m.git = collector.NewGit(collectors.Git, m.queue)
	if collectors.Git.Enabled {
		m.supervisor.Add(m.git)
	}
	if len(collectors.Process.Commands) > 0 {
		m.supervisor.Add(collector.NewProcess(collectors.Process, m.queue))
	}
	if len(collectors.Timers) > 0 {
		m.supervisor.Add(collector.NewTimer(collectors.Timers, m.queue))
	}

	if cfg.EventStore.Enabled {
		m.events = eventstore.New(cfg.EventStore, cfg.StateDir)
	}

	return m, nil
}

// Runtime exposes the agent runtime so callers can register concrete agents
// before Start.
func (m *Manager) Runtime() *agent.Runtime { return m.runtime }

// Bus exposes the bus for read-side consumers (live event streaming).
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Store exposes the context store's read side.
func (m *Manager) Store() *store.Store { return m.store }

// Events returns the optional event store, nil when disabled.
func (m *Manager) Events() *eventstore.Store { return m.events }

// Git returns the git hook collector for control-API deliveries.
func (m *Manager) Git() *collector.Git { return m.git }

// Publish injects an event into the ingress pipeline, applying the same
// debounce, throttle, and priority admission as collector events.
func (m *Manager) Publish(event models.Event) { m.queue.Publish(event) }

// Start brings the daemon up in dependency order. A failure tears down
// whatever already started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		slog.Warn("Manager already started, ignoring duplicate Start call")
		return nil
	}
	m.started = true
	m.startAt = time.Now()
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if err := m.store.Start(ctx); err != nil {
		return fmt.Errorf("starting context store: %w", err)
	}
	if m.events != nil {
		if err := m.events.Start(ctx, m.bus); err != nil {
			m.store.Stop(ctx)
			return fmt.Errorf("starting event store: %w", err)
		}
	}
	if err := m.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting ingress queue: %w", err)
	}
	if err := m.runtime.Start(ctx); err != nil {
		return fmt.Errorf("starting agent runtime: %w", err)
	}
	if err := m.supervisor.Start(loopCtx); err != nil {
		return fmt.Errorf("starting collectors: %w", err)
	}

	m.watchUserActivity(loopCtx)
	m.wg.Add(1)
	go m.housekeeping(loopCtx)

	m.queue.Publish(models.NewEvent(models.EventManagerStarted, "manager", map[string]any{
		"agents": len(m.cfg.Agents),
	}))

	stats := m.cfg.Stats()
	slog.Info("Manager started",
		"agents", stats.Agents,
		"enabled_agents", stats.EnabledAgents,
		"timers", stats.Timers,
		"watch_paths", stats.WatchPaths,
		"state_dir", m.cfg.StateDir)
	return nil
}

// Stop shuts everything down in reverse start order: collectors first so no
// new events arrive, the store last so every accepted finding is flushed.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.queue.Publish(models.NewEvent(models.EventManagerStopping, "manager", nil))
		slog.Info("Manager stopping")

		if m.cancel != nil {
			m.cancel()
		}
		m.supervisor.Stop()
		m.runtime.Stop(ctx)
		for _, sub := range m.userSubs {
			m.bus.Unsubscribe(sub)
		}
		m.queue.Stop()
		if m.events != nil {
			m.events.Stop(m.bus)
		}
		if err := m.store.Flush(ctx); err != nil {
			slog.Warn("Final store flush failed", "error", err)
		}
		m.store.Stop(ctx)
		m.wg.Wait()

		if err := m.audit.Close(); err != nil {
			slog.Warn("Closing audit log failed", "error", err)
		}
		// Ingress is already down, so the terminal event goes straight to
		// the bus for whoever is still subscribed.
		_ = m.bus.Emit(context.Background(), models.NewEvent(models.EventManagerStopped, "manager", nil))
		slog.Info("Manager stopped", "uptime", time.Since(m.startAt).Round(time.Second))
	})
}

// Pause parks the named agents (all when none named).
func (m *Manager) Pause(names ...string) error { return m.runtime.Pause(names...) }

// Resume releases the named agents (all when none named).
func (m *Manager) Resume(names ...string) error { return m.runtime.Resume(names...) }

// SetAgentEnabled toggles one agent.
func (m *Manager) SetAgentEnabled(name string, enabled bool) error {
	return m.runtime.SetEnabled(name, enabled)
}

// Status is the daemon snapshot served by the control API.
type Status struct {
	Uptime        string              `json:"uptime"`
	QueueDepth    int                 `json:"queue_depth"`
	InFlight      int                 `json:"in_flight"`
	BusDropped    uint64              `json:"bus_dropped"`
	StoreDegraded bool                `json:"store_degraded"`
	Agents        []agent.AgentHealth `json:"agents"`
}

// Status snapshots the running daemon.
func (m *Manager) Status() Status {
	m.mu.Lock()
	startAt := m.startAt
	m.mu.Unlock()
	return Status{
		Uptime:        time.Since(startAt).Round(time.Second).String(),
		QueueDepth:    m.queue.Depth(),
		InFlight:      m.runtime.InFlight(),
		BusDropped:    m.bus.Dropped(),
		StoreDegraded: m.store.Degraded(),
		Agents:        m.runtime.Health(),
	}
}

// watchUserActivity feeds file events into the store's user-context window:
// files the user just touched score higher.
func (m *Manager) watchUserActivity(ctx context.Context) {
	ch := make(chan models.Event, 128)
	// Creation counts as activity too; both patterns share the queue.
	m.userSubs = append(m.userSubs,
		m.bus.SubscribeChan(models.EventFileModified, ch),
		m.bus.SubscribeChan(models.EventFileCreated, ch))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-ch:
				if path := event.Path(); path != "" {
					m.store.TouchUserFile(path)
				}
			}
		}
	}()
}

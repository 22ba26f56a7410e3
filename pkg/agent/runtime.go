package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Publisher is where the runtime sends events it originates: derived events,
// completion events, and runtime signals. The ingress queue satisfies it, so
// agent-originated events go through the same admission path as collector
// events.
type Publisher interface {
	Publish(event models.Event)
}

// Masker redacts secrets from finding text before it is persisted.
type Masker interface {
	MaskFinding(finding *models.Finding)
}

// Options wires the runtime's collaborators.
type Options struct {
	Store     FindingStore
	Audit     AuditSink
	Masker    Masker // nil disables masking
	Publisher Publisher
}

// Runtime owns every registered agent's runner plus the shared invocation
// machinery: the global priority semaphore and the cancellation registry.
type Runtime struct {
	cfg     *config.Config
	bus     *bus.Bus
	store   FindingStore
	audit   AuditSink
	masker  Masker
	pub     Publisher
	sem     *Semaphore
	cancels *CancelRegistry

	mu      sync.Mutex
	runners map[string]*Runner
	started bool

	runCtx context.Context
	cancel context.CancelFunc
}

// NewRuntime creates a runtime for the configured agents. Register the
// concrete agents before Start.
func NewRuntime(cfg *config.Config, b *bus.Bus, opts Options) *Runtime {
	return &Runtime{
		cfg:     cfg,
		bus:     b,
		store:   opts.Store,
		audit:   opts.Audit,
		masker:  opts.Masker,
		pub:     opts.Publisher,
		sem:     NewSemaphore(cfg.Global.MaxConcurrentAgents),
		cancels: NewCancelRegistry(),
		runners: make(map[string]*Runner),
	}
}

// Register binds an agent implementation to its configuration section. The
// agent's Name must match a configured agent.
func (rt *Runtime) Register(a Agent) error {
	settings, ok := rt.cfg.Agents[a.Name()]
	if !ok {
		return fmt.Errorf("%w: %s", config.ErrAgentNotFound, a.Name())
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return fmt.Errorf("cannot register agent %s after start", a.Name())
	}
	if _, dup := rt.runners[a.Name()]; dup {
		return fmt.Errorf("agent %s registered twice", a.Name())
	}
	rt.runners[a.Name()] = newRunner(a, settings, rt)
	return nil
}

// DepsFor builds the dependency bundle handed to a plug-in agent's
// constructor.
func (rt *Runtime) DepsFor(name string) Deps {
	var agentConfig map[string]any
	if settings, ok := rt.cfg.Agents[name]; ok {
		agentConfig = settings.Config
	}
	return Deps{
		EmitDerived: rt.emitDerived,
		Store:       rt.store,
		Logger:      slog.Default().With("agent", name),
		Config:      agentConfig,
	}
}

// Start brings up every registered runner. Runners start in name order so
// startup logs are deterministic.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		slog.Warn("Agent runtime already started, ignoring duplicate Start call")
		return nil
	}
	rt.started = true
	// Handler lifetimes are managed by Stop, not by the caller's start
	// context.
	rt.runCtx, rt.cancel = context.WithCancel(context.Background())
	runners := rt.sortedRunnersLocked()
	rt.mu.Unlock()

	for _, r := range runners {
		if err := r.start(rt.runCtx); err != nil {
			return err
		}
	}
	slog.Info("Agent runtime started",
		"agents", len(runners),
		"max_concurrent", rt.cfg.Global.MaxConcurrentAgents)
	return nil
}

// Stop shuts the runtime down: runners stop accepting work, in-flight
// handlers get the shutdown grace to finish, then their contexts are
// cancelled.
func (rt *Runtime) Stop(ctx context.Context) {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return
	}
	runners := rt.sortedRunnersLocked()
	cancel := rt.cancel
	rt.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, r := range runners {
			r.stop(ctx)
		}
		close(done)
	}()

	grace := rt.cfg.Global.ShutdownGrace
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Shutdown grace elapsed, cancelling in-flight handlers", "grace", grace)
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()
	slog.Info("Agent runtime stopped")
}

// Pause parks the named agents, or all agents when none are named.
func (rt *Runtime) Pause(names ...string) error {
	return rt.each(names, func(r *Runner) { r.Pause() })
}

// Resume releases the named agents, or all agents when none are named.
func (rt *Runtime) Resume(names ...string) error {
	return rt.each(names, func(r *Runner) { r.Resume() })
}

// SetEnabled toggles one agent at runtime.
func (rt *Runtime) SetEnabled(name string, enabled bool) error {
	return rt.each([]string{name}, func(r *Runner) { r.SetEnabled(enabled) })
}

// SetSpacing installs an adaptive inter-invocation delay for one agent.
func (rt *Runtime) SetSpacing(name string, d time.Duration) error {
	return rt.each([]string{name}, func(r *Runner) { r.setSpacing(d) })
}

// CancelCorrelation cancels in-flight invocations for a correlation ID.
// Implements the ingress queue's Canceller.
func (rt *Runtime) CancelCorrelation(correlationID string) int {
	return rt.cancels.CancelCorrelation(correlationID)
}

// AgentHealth is one agent's runtime snapshot.
type AgentHealth struct {
	Name       string  `json:"name"`
	Enabled    bool    `json:"enabled"`
	Paused     bool    `json:"paused"`
	QueueDepth int     `json:"queue_depth"`
	QueueSize  int     `json:"queue_size"`
	CPUShare   float64 `json:"cpu_share"`
}

// Health snapshots every runner, sorted by agent name.
func (rt *Runtime) Health() []AgentHealth {
	rt.mu.Lock()
	runners := rt.sortedRunnersLocked()
	rt.mu.Unlock()

	out := make([]AgentHealth, 0, len(runners))
	for _, r := range runners {
		out = append(out, AgentHealth{
			Name:       r.settings.Name,
			Enabled:    r.Enabled(),
			Paused:     r.Paused(),
			QueueDepth: r.QueueDepth(),
			QueueSize:  cap(r.queue),
			CPUShare:   r.Share(),
		})
	}
	return out
}

// InFlight reports currently held invocation slots.
func (rt *Runtime) InFlight() int { return rt.sem.InUse() }

// emitDerived publishes an event derived from a parent, carrying chain
// accounting. A chain past the global depth limit is cut: the derived event
// is dropped and chain.depth_exceeded announced instead.
func (rt *Runtime) emitDerived(parent, derived models.Event) error {
	depth := parent.Meta.ChainDepth + 1
	if depth > rt.cfg.Global.MaxChainDepth {
		slog.Warn("Derived event exceeds chain depth limit, dropping",
			"parent_id", parent.ID,
			"derived_type", derived.Type,
			"depth", depth,
			"limit", rt.cfg.Global.MaxChainDepth)
		rt.announce(models.NewEvent(models.EventChainDepthExceeded, "agent-runtime", map[string]any{
			"parent_event_id": parent.ID,
			"derived_type":    derived.Type,
			"depth":           depth,
		}))
		return fmt.Errorf("chain depth %d exceeds limit %d", depth, rt.cfg.Global.MaxChainDepth)
	}

	derived.Meta.ParentEventID = parent.ID
	derived.Meta.ChainDepth = depth
	if derived.Meta.CorrelationID == "" {
		derived.Meta.CorrelationID = parent.Meta.CorrelationID
	}
	rt.pub.Publish(derived)
	return nil
}

// announce publishes a runtime signal event at chain depth zero.
func (rt *Runtime) announce(event models.Event) {
	if rt.pub != nil {
		rt.pub.Publish(event)
	}
}

func (rt *Runtime) recordAudit(agent, action, target string, durationMS int64, success bool, errMsg string) {
	if rt.audit != nil {
		rt.audit.RecordAgentAction(agent, action, target, durationMS, success, errMsg)
	}
}

func (rt *Runtime) recordFinding(agent, file, sha256 string) {
	if rt.audit != nil {
		rt.audit.RecordFindingReported(agent, file, sha256)
	}
}

func (rt *Runtime) mask(finding *models.Finding) {
	if rt.masker != nil {
		rt.masker.MaskFinding(finding)
	}
}

func (rt *Runtime) each(names []string, fn func(*Runner)) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(names) == 0 {
		for _, r := range rt.runners {
			fn(r)
		}
		return nil
	}
	for _, name := range names {
		r, ok := rt.runners[name]
		if !ok {
			return fmt.Errorf("%w: %s", config.ErrAgentNotFound, name)
		}
		fn(r)
	}
	return nil
}

func (rt *Runtime) sortedRunnersLocked() []*Runner {
	names := make([]string, 0, len(rt.runners))
	for name := range rt.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Runner, 0, len(names))
	for _, name := range names {
		out = append(out, rt.runners[name])
	}
	return out
}

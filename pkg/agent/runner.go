package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/pkg/audit"
	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/metrics"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Runner drives a single agent: it owns the agent's bounded event queue,
// subscribes the queue to every trigger pattern, and runs a fixed pool of
// workers applying loop guard, idempotency, timeout, retry, and cancellation
// around each handler invocation.
type Runner struct {
	agent    Agent
	settings *config.AgentSettings
	rt       *Runtime
	log      *slog.Logger

	queue chan models.Event
	subs  []*bus.Subscription
	guard *loopGuard
	usage *usageTracker

	mu         sync.Mutex
	enabled    bool
	pauseGate  chan struct{} // non-nil while paused; closed on resume
	bpSignaled bool          // one backpressure event per pause
	spacing    time.Duration // adaptive inter-invocation delay

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newRunner(a Agent, settings *config.AgentSettings, rt *Runtime) *Runner {
	return &Runner{
		agent:    a,
		settings: settings,
		rt:       rt,
		log:      slog.Default().With("agent", settings.Name),
		queue:    make(chan models.Event, settings.QueueSize),
		guard:    newLoopGuard(settings.LoopGuard),
		usage:    newUsageTracker(),
		enabled:  settings.Enabled,
		stopCh:   make(chan struct{}),
	}
}

// start calls the agent's OnStart hook, subscribes its triggers, and spawns
// the worker pool.
func (r *Runner) start(ctx context.Context) error {
	if err := r.agent.OnStart(ctx); err != nil {
		return fmt.Errorf("agent %s OnStart: %w", r.settings.Name, err)
	}

	for _, trigger := range r.settings.Triggers {
		r.subs = append(r.subs, r.rt.bus.SubscribeChan(trigger, r.queue))
	}

	for i := 0; i < r.settings.Concurrency; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}

	r.log.Info("Agent started",
		"triggers", r.settings.Triggers,
		"concurrency", r.settings.Concurrency,
		"queue_size", r.settings.QueueSize,
		"enabled", r.settings.Enabled)
	return nil
}

// stop unsubscribes the triggers, stops the workers, and calls OnStop.
// Events still queued are discarded; in-flight invocations are bounded by
// the caller's shutdown grace via the runtime context.
func (r *Runner) stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		for _, sub := range r.subs {
			r.rt.bus.Unsubscribe(sub)
		}
		close(r.stopCh)
		r.Resume() // unblock workers parked on a pause gate
		r.wg.Wait()
		if err := r.agent.OnStop(ctx); err != nil {
			r.log.Warn("Agent OnStop failed", "error", err)
		}
		r.log.Info("Agent stopped", "discarded", len(r.queue))
	})
}

// Pause parks the workers after their current invocation completes. The
// queue keeps accumulating; once full, further deliveries fall to the bus
// overflow policy and a backpressure event is raised.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pauseGate == nil {
		r.pauseGate = make(chan struct{})
		r.bpSignaled = false
		r.log.Info("Agent paused")
	}
}

// Resume releases paused workers.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pauseGate != nil {
		close(r.pauseGate)
		r.pauseGate = nil
		r.log.Info("Agent resumed")
	}
}

// Paused reports whether the runner is currently paused.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauseGate != nil
}

// SetEnabled toggles the agent. A disabled agent discards deliveries
// instead of accumulating them.
func (r *Runner) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled != enabled {
		r.enabled = enabled
		r.log.Info("Agent toggled", "enabled", enabled)
	}
}

// Enabled reports whether the agent is currently enabled.
func (r *Runner) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// setSpacing installs the adaptive inter-invocation delay the manager
// applies when the agent exceeds its CPU budget. Zero removes it.
func (r *Runner) setSpacing(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spacing != d {
		r.spacing = d
		r.log.Info("Agent invocation spacing adjusted", "spacing", d)
	}
}

// Share returns the agent's busy-fraction estimate.
func (r *Runner) Share() float64 { return r.usage.Share() }

// QueueDepth reports queued (undelivered) events.
func (r *Runner) QueueDepth() int { return len(r.queue) }

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case event := <-r.queue:
			if !r.waitIfPaused() {
				return
			}
			r.process(ctx, event)
		}
	}
}

// waitIfPaused blocks while the runner is paused, raising a single
// backpressure event per pause once the queue saturates. Returns false when
// the runner stopped while waiting.
func (r *Runner) waitIfPaused() bool {
	for {
		r.mu.Lock()
		gate := r.pauseGate
		r.mu.Unlock()
		if gate == nil {
			return true
		}

		select {
		case <-gate:
		case <-r.stopCh:
			return false
		case <-time.After(time.Second):
			if len(r.queue) >= cap(r.queue) {
				r.signalBackpressure()
			}
		}
	}
}

func (r *Runner) signalBackpressure() {
	r.mu.Lock()
	already := r.bpSignaled
	r.bpSignaled = true
	r.mu.Unlock()
	if already {
		return
	}
	r.log.Warn("Agent queue saturated while paused", "queue_size", cap(r.queue))
	r.rt.announce(models.NewEvent(models.EventBackpressure, "agent-runtime", map[string]any{
		"agent":      r.settings.Name,
		"queue_size": cap(r.queue),
	}))
}

// process applies the pre-invocation gates, then invokes the handler.
func (r *Runner) process(ctx context.Context, event models.Event) {
	if !r.Enabled() {
		metrics.AgentRuns.WithLabelValues(r.settings.Name, "discarded").Inc()
		return
	}

	key := event.DedupKey()
	if !r.guard.allow(key, time.Now()) {
		r.log.Warn("Loop guard tripped, suppressing invocation",
			"key", key,
			"window", r.settings.LoopGuard.Window,
			"max_ops", r.settings.LoopGuard.MaxOpsPerKey)
		metrics.AgentRuns.WithLabelValues(r.settings.Name, "loop_blocked").Inc()
		r.rt.announce(models.NewEvent(models.EventLoopDetected, "agent-runtime", map[string]any{
			"agent": r.settings.Name,
			"key":   key,
		}))
		r.reportLoop(key, event)
		return
	}

	if !r.agent.NeedsWork(event) {
		metrics.AgentRuns.WithLabelValues(r.settings.Name, "skipped").Inc()
		return
	}

	if d := r.currentSpacing(); d > 0 {
		select {
		case <-time.After(d):
		case <-r.stopCh:
			return
		}
	}

	r.invoke(ctx, event)
}

// reportLoop files the suppressed cycle as a finding so it surfaces in the
// context store, not just the event stream. The stable key keeps repeated
// trips merging into one finding.
func (r *Runner) reportLoop(key string, event models.Event) {
	finding := models.Finding{
		Agent:    r.settings.Name,
		File:     event.Path(),
		Severity: models.SeverityWarning,
		Scope:    models.ScopeFile,
		Category: "loop",
		Message:  fmt.Sprintf("invocation loop detected for %s, suppressing further runs this window", key),
		Detail: fmt.Sprintf("agent exceeded %d invocations per %v for the same event key",
			r.settings.LoopGuard.MaxOpsPerKey, r.settings.LoopGuard.Window),
	}
	finding.EnsureID()
	if err := r.rt.store.Add(context.Background(), finding); err != nil {
		r.log.Warn("Loop finding rejected by store", "error", err)
	}
}

func (r *Runner) currentSpacing() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spacing
}

// invoke runs the handler under the global semaphore with timeout, retry,
// and cancellation, then commits findings and publishes the completion
// event. Ordering matters: findings reach the store before the completion
// event is published.
func (r *Runner) invoke(ctx context.Context, event models.Event) {
	priority := r.effectivePriority(event)
	if err := r.rt.sem.Acquire(ctx, priority); err != nil {
		r.log.Debug("Abandoned invocation waiting for a slot", "error", err)
		return
	}
	defer r.rt.sem.Release()

	hctx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
	defer cancel()

	invocationID := uuid.NewString()
	r.rt.cancels.Register(event.Meta.CorrelationID, invocationID, cancel)
	defer r.rt.cancels.Unregister(event.Meta.CorrelationID, invocationID)

	start := time.Now()
	var result *models.AgentResult
	for attempt := 0; ; attempt++ {
		result = r.safeHandle(hctx, event)
		if result == nil || result.Success || hctx.Err() != nil {
			break
		}
		if !result.Transient || attempt >= r.settings.Retries {
			break
		}
		r.log.Warn("Transient handler failure, retrying",
			"attempt", attempt+1,
			"retries", r.settings.Retries,
			"error", result.Error)
	}
	duration := time.Since(start)
	r.usage.record(duration, time.Now())
	metrics.AgentRunDuration.WithLabelValues(r.settings.Name).Observe(duration.Seconds())

	status, errMsg := r.classify(hctx, ctx, result)
	metrics.AgentRuns.WithLabelValues(r.settings.Name, status).Inc()

	// Cancelled and timed-out invocations must not commit findings; the
	// store also rejects writes from a cancelled scope.
	committed := 0
	if status == "success" || status == "failure" {
		committed = r.commit(hctx, event, result)
	}

	action := audit.ActionCommandRun
	if status != "success" {
		action = audit.ActionError
	}
	r.rt.recordAudit(r.settings.Name, action, event.DedupKey(),
		duration.Milliseconds(), status == "success", errMsg)

	r.log.Info("Agent invocation finished",
		"event_type", event.Type,
		"event_id", event.ID,
		"status", status,
		"duration", duration,
		"findings", committed)

	r.publishCompletion(event, status, errMsg, duration, committed)
}

// effectivePriority is the agent's configured priority, escalated by the
// event when the event carries a higher one.
func (r *Runner) effectivePriority(event models.Event) models.Priority {
	priority := r.settings.Priority
	if !priority.IsValid() {
		priority = models.PriorityNormal
	}
	if event.Meta.Priority.IsValid() && event.Meta.Priority.Rank() > priority.Rank() {
		priority = event.Meta.Priority
	}
	return priority
}

// safeHandle invokes Handle, converting a panic into a failed result so one
// bad agent never takes down the daemon.
func (r *Runner) safeHandle(ctx context.Context, event models.Event) (result *models.AgentResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Agent handler panicked", "event_type", event.Type, "panic", rec)
			result = &models.AgentResult{
				AgentName: r.settings.Name,
				Success:   false,
				Error:     fmt.Sprintf("handler panic: %v", rec),
			}
		}
	}()
	return r.agent.Handle(ctx, event)
}

// classify maps the invocation outcome to a terminal status.
func (r *Runner) classify(hctx, root context.Context, result *models.AgentResult) (string, string) {
	switch {
	case hctx.Err() == context.DeadlineExceeded:
		return "timeout", fmt.Sprintf("handler exceeded %v", r.settings.Timeout)
	case hctx.Err() != nil || root.Err() != nil:
		return "cancelled", "cancelled"
	}
	if err := result.Validate(); err != nil {
		r.log.Error("Agent returned invalid result", "error", err)
		return "failure", err.Error()
	}
	if result.Success {
		return "success", ""
	}
	return "failure", result.Error
}

// commit masks and stores the result's findings, then runs the optional
// Resolver hook. Returns the number of findings handed to the store.
func (r *Runner) commit(ctx context.Context, event models.Event, result *models.AgentResult) int {
	committed := 0
	for i := range result.Findings {
		finding := result.Findings[i]
		if finding.Agent == "" {
			finding.Agent = r.settings.Name
		}
		if finding.Timestamp.IsZero() {
			finding.Timestamp = time.Now().UTC()
		}
		r.rt.mask(&finding)
		finding.EnsureID()
		if err := r.rt.store.Add(ctx, finding); err != nil {
			r.log.Warn("Finding rejected by store", "finding_id", finding.ID, "error", err)
			continue
		}
		committed++
		r.rt.recordFinding(r.settings.Name, finding.File, fileSHA256(finding.File))
	}

	if resolver, ok := r.agent.(Resolver); ok && result.Success {
		for _, id := range resolver.Resolve(ctx, event) {
			if err := r.rt.store.Resolve(ctx, r.settings.Name, id); err != nil {
				r.log.Warn("Finding resolution failed", "finding_id", id, "error", err)
			}
		}
	}
	return committed
}

// fileSHA256 hashes the file a finding points at. Empty when the finding is
// not tied to a file or the file is unreadable by commit time.
func fileSHA256(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// publishCompletion emits the terminal agent.{name}.completed event back
// through ingress (chain-depth accounted) and a direct bus reply for
// EmitAndWait callers.
func (r *Runner) publishCompletion(event models.Event, status, errMsg string, duration time.Duration, findings int) {
	payload := map[string]any{
		"event_id":    event.ID,
		"event_type":  event.Type,
		"status":      status,
		"success":     status == "success",
		"duration_ms": duration.Milliseconds(),
		"findings":    findings,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}

	completed := models.NewEvent(models.AgentCompletedType(r.settings.Name), r.settings.Name, payload)
	if err := r.rt.emitDerived(event, completed); err != nil {
		r.log.Warn("Completion event dropped", "error", err)
	}

	reply := models.NewEvent(event.ResponseType(), r.settings.Name, payload)
	_ = r.rt.bus.Emit(context.Background(), reply)
}

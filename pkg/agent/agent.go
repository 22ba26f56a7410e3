// Package agent hosts the invocation runtime: it binds each registered
// agent's declared triggers to a private queue and enforces timeout, retry,
// concurrency, loop protection, pause, and cancellation around the agent's
// handler. Concrete tool integrations (linters, formatters, test runners)
// live outside the core and plug in behind the Agent interface.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Agent is the contract every tool integration implements.
type Agent interface {
	// Name identifies the agent; must match its configuration key.
	Name() string

	// OnStart is called once when the manager starts the runtime.
	OnStart(ctx context.Context) error

	// OnStop is called once during shutdown, after the agent's queue has
	// been drained or discarded.
	OnStop(ctx context.Context) error

	// NeedsWork is the idempotency check: return false to skip an event
	// without invoking the handler.
	NeedsWork(event models.Event) bool

	// Handle processes one event. The context is cancelled on timeout,
	// cancel_previous, and shutdown; implementations must observe it
	// around external-tool spawn/wait points.
	Handle(ctx context.Context, event models.Event) *models.AgentResult
}

// Resolver is optionally implemented by agents that can signal previously
// reported findings as cleared. Invoked after a successful Handle; the
// returned finding IDs are resolved in the context store.
type Resolver interface {
	Resolve(ctx context.Context, event models.Event) []string
}

// FindingStore is the slice of the context store the runtime and agents use.
type FindingStore interface {
	Add(ctx context.Context, finding models.Finding) error
	Resolve(ctx context.Context, agent, findingID string) error
	ResolveForFile(ctx context.Context, agent, path string) error
}

// AuditSink records agent actions in the append-only audit trail.
type AuditSink interface {
	RecordAgentAction(agent, action, target string, durationMS int64, success bool, errMsg string)
	RecordFindingReported(agent, file, sha256 string)
}

// Deps is what a plug-in agent receives at construction time: derived event
// emission, finding store access, a scoped logger, and its config section.
type Deps struct {
	// EmitDerived publishes a derived event back into the ingress queue,
	// carrying chain-depth accounting from the triggering event.
	EmitDerived func(parent, derived models.Event) error
	Store       FindingStore
	Logger      *slog.Logger
	Config      map[string]any
}

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks the error as retryable for IsTransient.
func (e *transientError) Transient() bool { return true }

// MarkTransient wraps an error so the runtime retries the invocation if
// retry budget remains. Agents classify their own failures.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in the chain is marked retryable.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// ResultFromError builds a failed AgentResult from an error, carrying the
// transient classification through to the retry logic.
func ResultFromError(name string, err error) *models.AgentResult {
	return &models.AgentResult{
		AgentName: name,
		Success:   false,
		Error:     err.Error(),
		Transient: IsTransient(err),
	}
}

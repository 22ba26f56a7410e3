// Package models defines the shared value types exchanged between
// collectors, the ingress queue, the bus, agents, and the context store:
// events, findings, and agent results.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Well-known event types. The vocabulary is open — subscriptions match by
// exact string or by the "*" wildcard — but these are the types the core
// itself emits or recognizes.
const (
	EventFileCreated  = "file.created"
	EventFileModified = "file.modified"
	EventFileDeleted  = "file.deleted"
	EventFileRenamed  = "file.renamed"

	EventGitPreCommit  = "git.pre-commit"
	EventGitPostCommit = "git.post-commit"
	EventGitPrePush    = "git.pre-push"
	EventGitPostMerge  = "git.post-merge"

	EventProcessStarted = "process.started"
	EventProcessExit    = "process.exit"

	EventQueueOverflow      = "queue.overflow"
	EventBusOverflow        = "bus.overflow"
	EventSubscriberSlow     = "subscriber.slow"
	EventChainDepthExceeded = "chain.depth_exceeded"
	EventLoopDetected       = "loop_detected"
	EventBackpressure       = "backpressure"
	EventCollectorDown      = "collector.down"
	EventStoreDegraded      = "store.degraded"

	EventManagerStarted  = "manager.started"
	EventManagerStopping = "manager.stopping"
	EventManagerStopped  = "manager.stopped"
)

// MatchAll is the wildcard subscription pattern.
const MatchAll = "*"

// AgentCompletedType returns the completion event type for an agent.
// Format: "agent.{name}.completed"
func AgentCompletedType(agent string) string {
	return "agent." + agent + ".completed"
}

// TimerType returns the event type for a scheduled timer tag.
// Format: "timer.{tag}"
func TimerType(tag string) string {
	return "timer." + tag
}

// EventMeta carries the dispatch hints attached to an event. The zero value
// means: normal priority, no debounce, no throttle, no cancellation.
type EventMeta struct {
	Priority       Priority      `json:"priority,omitempty"`
	Debounce       time.Duration `json:"debounce,omitempty"`
	Throttle       time.Duration `json:"throttle,omitempty"`
	CancelPrevious bool          `json:"cancel_previous,omitempty"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	ParentEventID  string        `json:"parent_event_id,omitempty"`

	// ChainDepth counts how many agent-emitted derived events precede this
	// one. Collectors always emit at depth 0.
	ChainDepth int `json:"chain_depth,omitempty"`
}

// Event is an immutable description of something that happened. Once emitted
// it must never be mutated — components that need a variant (reply, derived
// event) construct a new Event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Meta      EventMeta      `json:"meta,omitempty"`
}

// NewEvent creates an event with a fresh ID, the current UTC time, and
// normal priority. Callers adjust Meta before handing the event off.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
		Meta:      EventMeta{Priority: PriorityNormal},
	}
}

// Path returns the payload "path" value, or "" when absent.
func (e Event) Path() string {
	return e.PayloadString("path")
}

// PayloadString returns a payload value as a string, or "" when absent or
// not a string.
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// DedupKey identifies the coalescing bucket for debounce and throttle:
// the payload path when present, otherwise the event type.
func (e Event) DedupKey() string {
	if p := e.Path(); p != "" {
		return p
	}
	return e.Type
}

// ResponseType returns the reply subscription pattern used by EmitAndWait.
// Format: "{type}:response:{id}"
func (e Event) ResponseType() string {
	return e.Type + ":response:" + e.ID
}

// Priority returns the effective priority, defaulting to normal when unset.
func (e Event) Priority() Priority {
	if e.Meta.Priority.IsValid() {
		return e.Meta.Priority
	}
	return PriorityNormal
}

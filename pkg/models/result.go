package models

import (
	"fmt"
	"time"
)

// AgentResult is what an agent handler returns for a single event. The
// runtime validates it at the boundary — a malformed result is an agent
// bug and is surfaced, never silently accepted.
type AgentResult struct {
	AgentName string         `json:"agent_name"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"duration"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`

	// Transient marks a failure as retryable. Agents classify their own
	// failures; the runtime retries transient ones while budget remains.
	Transient bool      `json:"transient,omitempty"`
	Findings  []Finding `json:"findings,omitempty"`
}

// Validate rejects results the runtime must not accept: missing agent
// name, negative duration, or findings that fail their own validation.
func (r *AgentResult) Validate() error {
	if r == nil {
		return fmt.Errorf("agent returned nil result")
	}
	if r.AgentName == "" {
		return fmt.Errorf("agent result missing agent_name")
	}
	if r.Duration < 0 {
		return fmt.Errorf("agent result has negative duration %v", r.Duration)
	}
	for i := range r.Findings {
		if err := r.Findings[i].Validate(); err != nil {
			return fmt.Errorf("finding %d: %w", i, err)
		}
	}
	return nil
}

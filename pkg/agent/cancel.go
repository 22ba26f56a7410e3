package agent

import (
	"sync"
)

// CancelRegistry tracks in-flight invocation cancel functions keyed by
// correlation ID. The ingress queue calls CancelCorrelation when it admits an
// event carrying cancel_previous.
type CancelRegistry struct {
	mu      sync.Mutex
	entries map[string]map[string]func() // correlation ID → invocation ID → cancel
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{entries: make(map[string]map[string]func())}
}

// Register records a cancel function for an invocation. No-op when the
// correlation ID is empty.
func (r *CancelRegistry) Register(correlationID, invocationID string, cancel func()) {
	if correlationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[correlationID] == nil {
		r.entries[correlationID] = make(map[string]func())
	}
	r.entries[correlationID][invocationID] = cancel
}

// Unregister removes an invocation, typically via defer at invocation end.
func (r *CancelRegistry) Unregister(correlationID, invocationID string) {
	if correlationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.entries[correlationID]; ok {
		delete(m, invocationID)
		if len(m) == 0 {
			delete(r.entries, correlationID)
		}
	}
}

// CancelCorrelation cancels every registered invocation for the correlation
// ID and returns how many were cancelled. Implements ingress.Canceller.
func (r *CancelRegistry) CancelCorrelation(correlationID string) int {
	r.mu.Lock()
	cancels := make([]func(), 0, len(r.entries[correlationID]))
	for _, cancel := range r.entries[correlationID] {
		cancels = append(cancels, cancel)
	}
	delete(r.entries, correlationID)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

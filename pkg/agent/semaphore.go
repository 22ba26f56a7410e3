package agent

import (
	"context"
	"sync"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Semaphore bounds concurrent handler invocations across all agents. Waiters
// are granted strictly by event priority, FIFO within a priority: a queued
// critical invocation always acquires before a queued low one, regardless of
// arrival order.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  [priorityLevels][]chan struct{} // index = Priority.Rank()
}

const priorityLevels = 4

// NewSemaphore creates a semaphore with the given capacity (minimum 1).
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// Acquire obtains a slot, waiting in priority order. Returns ctx.Err() when
// the context ends before a slot is granted.
func (s *Semaphore) Acquire(ctx context.Context, priority models.Priority) error {
	s.mu.Lock()
	if s.inUse < s.capacity {
		s.inUse++
		s.mu.Unlock()
		return nil
	}

	grant := make(chan struct{})
	rank := priority.Rank()
	if rank < 0 {
		rank = models.PriorityNormal.Rank()
	}
	s.waiters[rank] = append(s.waiters[rank], grant)
	s.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if removed := s.removeWaiterLocked(rank, grant); !removed {
			// Granted concurrently with cancellation; give the slot back.
			s.releaseLocked()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a slot, handing it to the highest-priority waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// InUse reports the number of currently held slots.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *Semaphore) releaseLocked() {
	for rank := priorityLevels - 1; rank >= 0; rank-- {
		if len(s.waiters[rank]) == 0 {
			continue
		}
		grant := s.waiters[rank][0]
		s.waiters[rank] = s.waiters[rank][1:]
		close(grant) // slot transfers to the waiter; inUse unchanged
		return
	}
	s.inUse--
}

func (s *Semaphore) removeWaiterLocked(rank int, grant chan struct{}) bool {
	for i, w := range s.waiters[rank] {
		if w == grant {
			s.waiters[rank] = append(s.waiters[rank][:i], s.waiters[rank][i+1:]...)
			return true
		}
	}
	return false
}

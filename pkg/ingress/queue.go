// Package ingress implements the gateway between collectors and the bus:
// per-key debounce and throttle, a bounded four-level priority queue, and a
// single dispatcher feeding admitted events to the bus in priority order.
package ingress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/metrics"
	"github.com/vigil-dev/vigil/pkg/models"
)

// priorityLevels is the number of distinct queue levels (critical..low).
const priorityLevels = 4

// Canceller is the slice of the agent runtime the queue uses to honour
// cancel_previous before admitting an event.
type Canceller interface {
	// CancelCorrelation cancels all in-flight handler invocations sharing
	// the correlation ID and reports how many were cancelled.
	CancelCorrelation(correlationID string) int
}

// Queue is the ingress gateway. Collectors publish into it; a dispatcher
// goroutine drains it into the bus.
type Queue struct {
	cfg *config.QueueSettings
	bus *bus.Bus

	mu        sync.Mutex
	cond      *sync.Cond
	canceller Canceller
	pending   map[string]*debounceSlot
	throttles map[string]*throttleEntry
	lastSweep time.Time
	levels    [priorityLevels][]models.Event // index = Priority.Rank()
	depth     int
	stopped   bool

	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

type debounceSlot struct {
	timer *time.Timer
	event models.Event
}

// throttleEntry is one key's limiter plus the bookkeeping the idle sweep
// needs.
type throttleEntry struct {
	limiter *rate.Limiter
	window  time.Duration
	lastUse time.Time
}

// throttleSweepInterval is how often idle throttle keys are swept. Keys come
// from event dedup keys, so the map grows with every path ever seen unless
// pruned.
const throttleSweepInterval = time.Minute

// New creates an ingress queue in front of the given bus.
func New(cfg *config.QueueSettings, b *bus.Bus) *Queue {
	q := &Queue{
		cfg:       cfg,
		bus:       b,
		pending:   make(map[string]*debounceSlot),
		throttles: make(map[string]*throttleEntry),
		lastSweep: time.Now(),
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetCanceller wires the agent runtime's cancellation registry. Called once
// during startup, after the runtime exists.
func (q *Queue) SetCanceller(c Canceller) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceller = c
}

// Start launches the dispatcher goroutine. Safe to call once.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		slog.Warn("Ingress queue already started, ignoring duplicate Start call")
		return nil
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatch(ctx)

	slog.Info("Ingress queue started",
		"size", q.cfg.Size, "overflow_policy", q.cfg.OverflowPolicy)
	return nil
}

// Stop halts intake, discards pending debounce slots, and waits for the
// dispatcher to drain what was already admitted.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		discarded := len(q.pending)
		for key, slot := range q.pending {
			slot.timer.Stop()
			delete(q.pending, key)
		}
		q.cond.Broadcast()
		q.mu.Unlock()

		if discarded > 0 {
			slog.Debug("Discarded pending debounce slots on stop", "count", discarded)
		}
		close(q.stopCh)
		q.wg.Wait()
		slog.Info("Ingress queue stopped")
	})
}

// Publish runs an event through throttle, cancel-previous, and debounce,
// then admits it to the priority queue. Collectors and agents (derived
// events) are the callers.
func (q *Queue) Publish(event models.Event) {
	key := event.Type + "|" + event.DedupKey()

	// Throttle: drop silently when the previous same-key admission was
	// inside the cooldown. Checked before debounce so a throttled arrival
	// never consumes a debounce slot.
	if event.Meta.Throttle > 0 && !q.throttleAllow(key, event.Meta.Throttle) {
		metrics.EventsDropped.WithLabelValues("throttle").Inc()
		return
	}

	// cancel_previous targets in-flight work before this event dispatches.
	if event.Meta.CancelPrevious && event.Meta.CorrelationID != "" {
		q.mu.Lock()
		canceller := q.canceller
		q.mu.Unlock()
		if canceller != nil {
			if n := canceller.CancelCorrelation(event.Meta.CorrelationID); n > 0 {
				slog.Debug("Cancelled in-flight work for correlation",
					"correlation_id", event.Meta.CorrelationID, "cancelled", n)
			}
		}
	}

	if event.Meta.Debounce > 0 {
		q.debounce(key, event)
		return
	}

	q.enqueue(event)
}

// Depth reports the number of events currently queued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// throttleAllow maintains a per-key limiter admitting one event per window.
func (q *Queue) throttleAllow(key string, window time.Duration) bool {
	now := time.Now()
	q.mu.Lock()
	entry, ok := q.throttles[key]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(rate.Every(window), 1), window: window}
		q.throttles[key] = entry
	}
	entry.lastUse = now
	if now.Sub(q.lastSweep) >= throttleSweepInterval {
		q.sweepThrottlesLocked(now)
	}
	q.mu.Unlock()
	return entry.limiter.Allow()
}

// sweepThrottlesLocked drops keys idle for longer than their own window. A
// burst-1 limiter idle past its window admits the next call just like a
// fresh one, so nothing observable is lost.
func (q *Queue) sweepThrottlesLocked(now time.Time) {
	q.lastSweep = now
	for key, entry := range q.throttles {
		if now.Sub(entry.lastUse) > entry.window {
			delete(q.throttles, key)
		}
	}
}

// debounce coalesces same-key arrivals: the slot always holds the latest
// event, and releases it once the window elapses without a new arrival.
func (q *Queue) debounce(key string, event models.Event) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if slot, ok := q.pending[key]; ok {
		slot.event = event
		slot.timer.Reset(event.Meta.Debounce)
		q.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("debounce").Inc()
		return
	}

	slot := &debounceSlot{event: event}
	slot.timer = time.AfterFunc(event.Meta.Debounce, func() {
		q.mu.Lock()
		current, ok := q.pending[key]
		if !ok || current != slot || q.stopped {
			q.mu.Unlock()
			return
		}
		delete(q.pending, key)
		released := current.event
		q.mu.Unlock()
		q.enqueue(released)
	})
	q.pending[key] = slot
	q.mu.Unlock()
}

// enqueue admits an event at its priority level, applying the overflow
// policy when the queue is saturated.
func (q *Queue) enqueue(event models.Event) {
	level := event.Priority().Rank()
	if level < 0 {
		level = models.PriorityNormal.Rank()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}

	if q.depth >= q.cfg.Size {
		if q.cfg.OverflowPolicy == "block" {
			for q.depth >= q.cfg.Size && !q.stopped {
				q.cond.Wait()
			}
			if q.stopped {
				q.mu.Unlock()
				return
			}
		} else {
			dropped, ok := q.dropLowestLocked(level)
			q.mu.Unlock()
			metrics.EventsDropped.WithLabelValues("queue_overflow").Inc()
			q.emitOverflow(dropped, ok)
			if !ok {
				// The incoming event was the lowest priority present; it is
				// the one dropped.
				return
			}
			q.mu.Lock()
		}
	}

	q.levels[level] = append(q.levels[level], event)
	q.depth++
	metrics.QueueDepth.Set(float64(q.depth))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dropLowestLocked removes the oldest entry from the lowest-priority
// non-empty level, provided that level does not outrank the incoming event.
// Returns the dropped event and whether room was made.
func (q *Queue) dropLowestLocked(incomingLevel int) (models.Event, bool) {
	for level := 0; level < priorityLevels; level++ {
		if len(q.levels[level]) == 0 {
			continue
		}
		if level > incomingLevel {
			// Everything queued outranks the incoming event; drop it instead.
			return models.Event{}, false
		}
		dropped := q.levels[level][0]
		q.levels[level] = q.levels[level][1:]
		q.depth--
		return dropped, true
	}
	return models.Event{}, false
}

// emitOverflow publishes queue.overflow directly to the bus, bypassing the
// saturated queue.
func (q *Queue) emitOverflow(dropped models.Event, madeRoom bool) {
	payload := map[string]any{"made_room": madeRoom}
	if madeRoom {
		payload["dropped_event_id"] = dropped.ID
		payload["dropped_event_type"] = dropped.Type
	}
	slog.Warn("Ingress queue overflow", "made_room", madeRoom)
	_ = q.bus.Emit(context.Background(), models.NewEvent(models.EventQueueOverflow, "ingress", payload))
}

// dispatch drains the priority queue into the bus: strictly by priority,
// FIFO within a level.
func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()

	for {
		event, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-q.stopCh:
				// Drain whatever was admitted before stop.
				for {
					event, ok := q.pop()
					if !ok {
						return
					}
					q.emit(ctx, event)
				}
			case <-ctx.Done():
				return
			}
		}
		q.emit(ctx, event)
	}
}

func (q *Queue) emit(ctx context.Context, event models.Event) {
	metrics.EventsAdmitted.WithLabelValues(event.Type).Inc()
	if err := q.bus.Emit(ctx, event); err != nil {
		slog.Debug("Bus emit interrupted", "event_type", event.Type, "error", err)
	}
}

func (q *Queue) pop() (models.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for level := priorityLevels - 1; level >= 0; level-- {
		if len(q.levels[level]) == 0 {
			continue
		}
		event := q.levels[level][0]
		q.levels[level] = q.levels[level][1:]
		q.depth--
		metrics.QueueDepth.Set(float64(q.depth))
		q.cond.Signal()
		return event, true
	}
	return models.Event{}, false
}

// Package bus provides the in-process publish/subscribe broker that routes
// events from producers to subscriber queues. Subscriptions match an exact
// event type or the "*" wildcard. Each subscription owns a bounded channel;
// a slow subscriber never stalls unrelated subscribers.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/pkg/models"
)

// OverflowPolicy selects what Emit does when a subscriber queue is full.
type OverflowPolicy string

// Overflow policies.
const (
	// OverflowBlock blocks the producer until space frees up or the emit
	// deadline expires; on expiry the event is dropped for that subscriber.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the oldest queued event to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// IsValid checks if the overflow policy is a known value
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowBlock || p == OverflowDropOldest
}

// Options configures a Bus.
type Options struct {
	// DefaultQueueSize is the channel capacity used by Subscribe when the
	// caller does not bring its own queue.
	DefaultQueueSize int
	// EmitTimeout bounds how long Emit blocks on a full queue under the
	// block policy.
	EmitTimeout time.Duration
	// Overflow is the policy applied to full subscriber queues.
	Overflow OverflowPolicy
	// SlowThreshold is the backlog fraction (0..1] past which a
	// subscriber.slow event is emitted for a subscription.
	SlowThreshold float64
}

// DefaultOptions returns the built-in bus defaults.
func DefaultOptions() Options {
	return Options{
		DefaultQueueSize: 256,
		EmitTimeout:      5 * time.Second,
		Overflow:         OverflowBlock,
		SlowThreshold:    0.8,
	}
}

// Subscription is a registered interest in one event-type pattern. The
// channel is single-consumer; multiple subscriptions may share a channel
// (an agent with several trigger patterns feeds them into one queue).
type Subscription struct {
	ID      string
	Pattern string

	ch   chan models.Event
	slow bool // guarded by the bus mutex
}

// Events returns the receive side of the subscription queue.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Bus is the in-process broker. Emit is safe from any goroutine.
type Bus struct {
	opts Options

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // pattern → id → sub

	// dropped counts events discarded due to overflow; exposed for telemetry.
	dropped uint64
}

// New creates a bus with the given options, falling back to defaults for
// zero values.
func New(opts Options) *Bus {
	def := DefaultOptions()
	if opts.DefaultQueueSize <= 0 {
		opts.DefaultQueueSize = def.DefaultQueueSize
	}
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = def.EmitTimeout
	}
	if !opts.Overflow.IsValid() {
		opts.Overflow = def.Overflow
	}
	if opts.SlowThreshold <= 0 || opts.SlowThreshold > 1 {
		opts.SlowThreshold = def.SlowThreshold
	}
	return &Bus{
		opts: opts,
		subs: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers interest in a pattern with a dedicated queue of the
// given size (0 uses the default).
func (b *Bus) Subscribe(pattern string, size int) *Subscription {
	if size <= 0 {
		size = b.opts.DefaultQueueSize
	}
	return b.SubscribeChan(pattern, make(chan models.Event, size))
}

// SubscribeChan registers interest in a pattern delivering into a queue the
// caller owns. The queue must be buffered and single-consumer.
func (b *Bus) SubscribeChan(pattern string, ch chan models.Event) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		ch:      ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[pattern] == nil {
		b.subs[pattern] = make(map[string]*Subscription)
	}
	b.subs[pattern][sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription. Events already queued stay readable.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.Pattern]; ok {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(b.subs, sub.Pattern)
		}
	}
}

// Emit delivers the event to every matching subscription queue. Delivery to
// distinct subscribers is independent: one full queue never blocks delivery
// to the others beyond the configured policy for that queue.
func (b *Bus) Emit(ctx context.Context, event models.Event) error {
	for _, sub := range b.matching(event.Type) {
		b.deliver(ctx, sub, event)
	}
	return ctx.Err()
}

// EmitAndWait emits the event and blocks until the first reply arrives on
// the private "{type}:response:{id}" pattern, the timeout elapses, or the
// context is cancelled. The reply subscription is always removed.
func (b *Bus) EmitAndWait(ctx context.Context, event models.Event, timeout time.Duration) (models.Event, error) {
	reply := b.Subscribe(event.ResponseType(), 1)
	defer b.Unsubscribe(reply)

	if err := b.Emit(ctx, event); err != nil {
		return models.Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-reply.Events():
		return resp, nil
	case <-timer.C:
		return models.Event{}, fmt.Errorf("no reply to %s within %v: %w", event.Type, timeout, ErrReplyTimeout)
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}

// Dropped returns the number of events discarded because of queue overflow.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// matching snapshots the subscriptions for an event type: exact matches
// plus wildcard subscribers.
func (b *Bus) matching(eventType string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription, 0, len(b.subs[eventType])+len(b.subs[models.MatchAll]))
	for _, sub := range b.subs[eventType] {
		out = append(out, sub)
	}
	if eventType != models.MatchAll {
		for _, sub := range b.subs[models.MatchAll] {
			out = append(out, sub)
		}
	}
	return out
}

// deliver sends one event to one subscription, applying the overflow policy
// and slow-subscriber detection.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, event models.Event) {
	b.checkBacklog(sub, event.Type)

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue is full.
	switch b.opts.Overflow {
	case OverflowDropOldest:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- event:
		default:
			b.countDrop(sub, event)
			return
		}
		b.notifyOverflow(sub, event)

	default: // OverflowBlock
		timer := time.NewTimer(b.opts.EmitTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- event:
		case <-timer.C:
			b.countDrop(sub, event)
		case <-ctx.Done():
			b.countDrop(sub, event)
		}
	}
}

// checkBacklog emits subscriber.slow once when a queue crosses the backlog
// threshold, and rearms once it drains below half of it.
func (b *Bus) checkBacklog(sub *Subscription, eventType string) {
	// Internal signal queues would recurse; only watch real subscriptions.
	if eventType == models.EventSubscriberSlow || eventType == models.EventBusOverflow {
		return
	}

	backlog := len(sub.ch)
	capacity := cap(sub.ch)
	if capacity == 0 {
		return
	}
	threshold := int(float64(capacity) * b.opts.SlowThreshold)

	b.mu.Lock()
	slow := sub.slow
	switch {
	case !slow && backlog >= threshold:
		sub.slow = true
	case slow && backlog < threshold/2:
		sub.slow = false
	default:
		b.mu.Unlock()
		return
	}
	entered := !slow
	b.mu.Unlock()

	if entered {
		slog.Warn("Subscriber backlog crossed slow threshold",
			"subscription_id", sub.ID,
			"pattern", sub.Pattern,
			"backlog", backlog,
			"capacity", capacity)
		b.signal(models.EventSubscriberSlow, map[string]any{
			"subscription_id": sub.ID,
			"pattern":         sub.Pattern,
			"backlog":         backlog,
		})
	}
}

// countDrop records a dropped event and announces bus.overflow.
func (b *Bus) countDrop(sub *Subscription, event models.Event) {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
	slog.Warn("Dropped event for subscriber",
		"subscription_id", sub.ID,
		"pattern", sub.Pattern,
		"event_type", event.Type,
		"event_id", event.ID)
	b.notifyOverflow(sub, event)
}

// notifyOverflow announces a bus.overflow signal for a subscription.
func (b *Bus) notifyOverflow(sub *Subscription, event models.Event) {
	if event.Type == models.EventBusOverflow || event.Type == models.EventSubscriberSlow {
		return
	}
	b.signal(models.EventBusOverflow, map[string]any{
		"subscription_id": sub.ID,
		"pattern":         sub.Pattern,
		"event_type":      event.Type,
		"event_id":        event.ID,
	})
}

// signal delivers an internal bus event to matching subscribers without
// ever blocking the caller.
func (b *Bus) signal(eventType string, payload map[string]any) {
	event := models.NewEvent(eventType, "bus", payload)
	for _, sub := range b.matching(eventType) {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

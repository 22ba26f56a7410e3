package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-dev/vigil/pkg/models"
)

func TestBusExactMatchDelivery(t *testing.T) {
	b := New(DefaultOptions())
	sub := b.Subscribe(models.EventFileModified, 4)
	defer b.Unsubscribe(sub)

	event := models.NewEvent(models.EventFileModified, "fs", map[string]any{"path": "a.go"})
	require.NoError(t, b.Emit(context.Background(), event))

	got := <-sub.Events()
	assert.Equal(t, event.ID, got.ID)
}

func TestBusWildcardReceivesEverything(t *testing.T) {
	b := New(DefaultOptions())
	all := b.Subscribe(models.MatchAll, 8)
	defer b.Unsubscribe(all)

	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventFileModified, "fs", nil)))
	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventGitPostCommit, "git", nil)))

	first := <-all.Events()
	second := <-all.Events()
	assert.Equal(t, models.EventFileModified, first.Type)
	assert.Equal(t, models.EventGitPostCommit, second.Type)
}

func TestBusNonMatchingTypeNotDelivered(t *testing.T) {
	b := New(DefaultOptions())
	sub := b.Subscribe(models.EventFileDeleted, 4)
	defer b.Unsubscribe(sub)

	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventFileModified, "fs", nil)))

	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected delivery: %s", got.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New(DefaultOptions())
	sub := b.Subscribe(models.EventFileModified, 4)
	b.Unsubscribe(sub)

	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventFileModified, "fs", nil)))
	select {
	case <-sub.Events():
		t.Fatal("delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSharedChannelAcrossPatterns(t *testing.T) {
	b := New(DefaultOptions())
	ch := make(chan models.Event, 8)
	s1 := b.SubscribeChan(models.EventFileModified, ch)
	s2 := b.SubscribeChan(models.EventFileCreated, ch)
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventFileCreated, "fs", nil)))
	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventFileModified, "fs", nil)))

	assert.Len(t, drain(ch), 2)
}

func TestBusDropOldestOverflow(t *testing.T) {
	b := New(Options{Overflow: OverflowDropOldest, DefaultQueueSize: 2})
	sub := b.Subscribe(models.EventFileModified, 2)
	defer b.Unsubscribe(sub)

	for i := 0; i < 3; i++ {
		e := models.NewEvent(models.EventFileModified, "fs", map[string]any{"seq": i})
		require.NoError(t, b.Emit(context.Background(), e))
	}

	// The oldest event was evicted; seq 1 and 2 remain.
	got := drain(sub.Events())
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Payload["seq"])
	assert.Equal(t, 2, got[1].Payload["seq"])
}

func TestBusBlockPolicyDropsAfterDeadline(t *testing.T) {
	b := New(Options{Overflow: OverflowBlock, EmitTimeout: 20 * time.Millisecond})
	sub := b.Subscribe(models.EventFileModified, 1)
	defer b.Unsubscribe(sub)

	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventFileModified, "fs", nil)))

	start := time.Now()
	require.NoError(t, b.Emit(context.Background(), models.NewEvent(models.EventFileModified, "fs", nil)))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBusEmitAndWaitReply(t *testing.T) {
	b := New(DefaultOptions())
	request := models.NewEvent("agent.run", "test", nil)

	handler := b.Subscribe("agent.run", 1)
	defer b.Unsubscribe(handler)
	go func() {
		got := <-handler.Events()
		reply := models.NewEvent(got.ResponseType(), "agent", map[string]any{"ok": true})
		_ = b.Emit(context.Background(), reply)
	}()

	resp, err := b.EmitAndWait(context.Background(), request, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Payload["ok"])
}

func TestBusEmitAndWaitTimeout(t *testing.T) {
	b := New(DefaultOptions())
	request := models.NewEvent("agent.run", "test", nil)

	_, err := b.EmitAndWait(context.Background(), request, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReplyTimeout)
}

func drain(ch <-chan models.Event) []models.Event {
	var out []models.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/models"
)

// writeTimeout bounds a single websocket write; a client that cannot keep
// up is disconnected rather than backing up the fan-out.
const writeTimeout = 5 * time.Second

// streamHub fans bus events out to connected websocket clients.
type streamHub struct {
	bus *bus.Bus
	sub *bus.Subscription

	mu    sync.Mutex
	conns map[string]*websocket.Conn

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newStreamHub(b *bus.Bus) *streamHub {
	return &streamHub{
		bus:   b,
		conns: make(map[string]*websocket.Conn),
	}
}

func (h *streamHub) start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.sub = h.bus.Subscribe(models.MatchAll, 256)
	h.wg.Add(1)
	go h.pump()
}

func (h *streamHub) stop() {
	h.stopOnce.Do(func() {
		h.bus.Unsubscribe(h.sub)
		h.cancel()
		h.wg.Wait()

		h.mu.Lock()
		conns := h.conns
		h.conns = make(map[string]*websocket.Conn)
		h.mu.Unlock()
		for _, conn := range conns {
			conn.Close(websocket.StatusGoingAway, "daemon stopping")
		}
	})
}

func (h *streamHub) pump() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case event := <-h.sub.Events():
			h.broadcast(event)
		}
	}
}

func (h *streamHub) broadcast(event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Event not serializable for stream", "event_id", event.ID, "error", err)
		return
	}

	h.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(h.conns))
	for id, conn := range h.conns {
		conns[id] = conn
	}
	h.mu.Unlock()

	for id, conn := range conns {
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("Dropping slow websocket client", "conn_id", id, "error", err)
			h.remove(id)
			conn.Close(websocket.StatusPolicyViolation, "write timeout")
		}
	}
}

func (h *streamHub) add(conn *websocket.Conn) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()
	return id
}

func (h *streamHub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// handleStream upgrades the connection and keeps it registered until the
// client goes away. The read loop exists only to observe closure; the
// stream is one-directional.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Loopback-only service; cross-origin browser pages are rejected
		// by default and that is what we want.
	})
	if err != nil {
		slog.Warn("Websocket accept failed", "error", err)
		return
	}

	id := s.hub.add(conn)
	slog.Debug("Websocket client connected", "conn_id", id)
	defer func() {
		s.hub.remove(id)
		conn.CloseNow()
		slog.Debug("Websocket client disconnected", "conn_id", id)
	}()

	ctx := c.Request.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

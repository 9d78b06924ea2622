// Package broadcast pushes captured audio and session notifications to
// websocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sebas/callcapture/internal/capture/events"
	"github.com/sebas/callcapture/internal/capture/store"
)

var (
	ErrHubFull   = errors.New("subscriber limit reached")
	ErrHubClosed = errors.New("hub closed")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 256
)

// Message types of the JSON frames.
const (
	TypeChunk        = "chunk"
	TypeNotification = "notification"
)

// ChunkHeader is the JSON frame sent ahead of each binary audio frame.
type ChunkHeader struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	StreamID  string    `json:"stream_id"`
	Index     int       `json:"index"`
	Source    string    `json:"source,omitempty"`
	Size      int       `json:"size"`
	Time      time.Time `json:"ts"`
}

// NotificationFrame wraps a session notification for subscribers.
type NotificationFrame struct {
	Type         string              `json:"type"`
	Notification events.Notification `json:"notification"`
}

type frame struct {
	kind int
	data []byte
}

type client struct {
	id      string
	session string
	conn    *websocket.Conn
	send    chan frame

	mu     sync.Mutex
	closed bool
}

func (c *client) wants(sessionID string) bool {
	return c.session == "" || c.session == sessionID
}

// enqueue queues frames together or not at all. It never blocks.
func (c *client) enqueue(frames ...frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || cap(c.send)-len(c.send) < len(frames) {
		return false
	}
	for _, f := range frames {
		c.send <- f
	}
	return true
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans chunks out to websocket clients. A client subscribes to one
// session or, with an empty session, to all of them. Slow clients drop
// frames instead of stalling the pumps.
type Hub struct {
	maxClients int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Int64
	sent    atomic.Int64
}

var _ events.Publisher = (*Hub)(nil)

// NewHub creates a hub accepting up to maxClients subscribers; 0 means
// unlimited.
func NewHub(maxClients int) *Hub {
	return &Hub{
		maxClients: maxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades the request and subscribes the connection to the
// session named by the "session" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if err := h.admit(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Hub] Upgrade failed", "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		session: r.URL.Query().Get("session"),
		conn:    conn,
		send:    make(chan frame, sendBuffer),
	}
	if err := h.register(c); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) admit() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return ErrHubFull
	}
	return nil
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return ErrHubFull
	}
	h.clients[c] = struct{}{}
	slog.Info("[Hub] Subscriber connected",
		"client_id", c.id,
		"session_id", c.session,
		"total", len(h.clients),
	)
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		slog.Info("[Hub] Subscriber disconnected", "client_id", c.id, "total", total)
	}
}

// readPump only services control frames; subscribers do not send data.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("[Hub] Read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}
			h.sent.Add(1)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PublishChunk sends a JSON header followed by the audio as a binary
// frame to every client subscribed to the chunk's session. Both frames
// are queued together or not at all.
func (h *Hub) PublishChunk(_ context.Context, chunk store.Chunk) error {
	header, err := json.Marshal(ChunkHeader{
		Type:      TypeChunk,
		SessionID: chunk.SessionID,
		StreamID:  chunk.StreamID,
		Index:     chunk.Index,
		Source:    chunk.Source,
		Size:      len(chunk.Data),
		Time:      chunk.Time,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(chunk.SessionID) {
			continue
		}
		if !c.enqueue(frame{websocket.TextMessage, header}, frame{websocket.BinaryMessage, chunk.Data}) {
			h.dropped.Add(1)
		}
	}
	return nil
}

// Publish forwards a session notification to matching subscribers.
func (h *Hub) Publish(_ context.Context, n events.Notification) error {
	data, err := json.Marshal(NotificationFrame{Type: TypeNotification, Notification: n})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(n.SessionID) {
			continue
		}
		if !c.enqueue(frame{websocket.TextMessage, data}) {
			h.dropped.Add(1)
		}
	}
	return nil
}

// PublishAsync is Publish without a result; delivery is already non-blocking.
func (h *Hub) PublishAsync(n events.Notification) {
	_ = h.Publish(context.Background(), n)
}

// Flush is a no-op; frames are written by per-client goroutines.
func (h *Hub) Flush(context.Context) error { return nil }

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of frames dropped for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Sent returns the number of frames written.
func (h *Hub) Sent() int64 { return h.sent.Load() }

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	all := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range all {
		c.close()
	}
	slog.Info("[Hub] Closed", "subscribers", len(all))
	return nil
}

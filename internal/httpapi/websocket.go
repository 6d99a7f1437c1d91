package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/service"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

const (
	EventOutcome    = "scan.outcome"
	EventSyncFailed = "sync.failed"

	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Event is the envelope pushed to websocket clients.
type Event struct {
	Type      string         `json:"type"`
	StationID string         `json:"station_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Outcome   *types.Outcome `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHub pushes scan outcomes and sync failures to operator screens. It
// is a service.Sink; dropped outcomes (noise, rate limiting) are not sent.
type EventHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

var _ service.Sink = (*EventHub)(nil)

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		logger:  logger.With("module", "events"),
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *EventHub) Outcome(stationID string, o types.Outcome) {
	if o.Kind == types.OutcomeDropped {
		return
	}
	ev := Event{Type: EventOutcome, StationID: stationID, Outcome: &o, Timestamp: time.Now().UTC()}
	if o.Attempt != nil {
		ev.SessionID = o.Attempt.SessionID
	}
	h.broadcast(ev)
}

func (h *EventHub) SyncFailed(sessionID string, err error) {
	h.broadcast(Event{Type: EventSyncFailed, SessionID: sessionID, Error: err.Error(), Timestamp: time.Now().UTC()})
}

func (h *EventHub) broadcast(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.logger.Warn("client too slow; disconnecting", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected websocket clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	h.logger.Info("client connected", "remote", conn.RemoteAddr().String())

	go c.writePump()
	c.readPump()

	h.remove(c)
	h.logger.Info("client disconnected", "remote", conn.RemoteAddr().String())
}

func (h *EventHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *EventHub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// readPump discards client messages and returns when the connection dies.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

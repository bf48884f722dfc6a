package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/handchoir/internal/app"
)

const (
	defaultControlInterval = 66 * time.Millisecond // ~15 fps
	writeTimeout           = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// controlMessage is pushed to websocket clients on every tick.
type controlMessage struct {
	Type      string    `json:"type"`
	State     app.State `json:"state"`
	Timestamp int64     `json:"timestamp"`
}

// ControlHandler broadcasts the performance state over websockets.
type ControlHandler struct {
	source   Performance
	interval time.Duration
	logger   *slog.Logger

	clients map[*websocket.Conn]bool
	mu      sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewControlHandler creates a ControlHandler and starts its broadcaster.
func NewControlHandler(source Performance, interval time.Duration, logger *slog.Logger) *ControlHandler {
	if interval <= 0 {
		interval = defaultControlInterval
	}
	h := &ControlHandler{
		source:   source,
		interval: interval,
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
		done:     make(chan struct{}),
	}
	go h.broadcast()
	return h
}

// ServeHTTP handles websocket upgrade requests.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer h.remove(conn)

	// Reads only detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Clients returns the number of connected clients.
func (h *ControlHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the broadcaster.
func (h *ControlHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *ControlHandler) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *ControlHandler) broadcast() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		if h.Clients() == 0 {
			continue
		}

		msg, err := json.Marshal(controlMessage{
			Type:      "control",
			State:     h.source.Snapshot(),
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			h.logger.Warn("failed to encode control state", slog.String("error", err.Error()))
			continue
		}

		// Only this goroutine writes, so connections see a single writer.
		h.mu.RLock()
		var failed []*websocket.Conn
		for conn := range h.clients {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				failed = append(failed, conn)
			}
		}
		h.mu.RUnlock()

		for _, conn := range failed {
			h.remove(conn)
			conn.Close()
		}
	}
}

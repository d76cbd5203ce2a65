package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aegiscore/aegis/internal/kernel"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is
// false, only same-origin requests are accepted.
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// EventHub broadcasts drift alerts and enforcement actions to connected
// dashboard clients in real time, so an operator watching the feed sees
// a PAUSE or KILL the instant the Drift Engine decides it.
type EventHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	done     chan struct{}
}

// NewEventHub creates an EventHub.
func NewEventHub(logger *slog.Logger, allowAllOrigins bool) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		clients:  make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "gateway.EventHub"),
		done:     make(chan struct{}),
	}
}

// Close shuts down the hub and all connections.
func (h *EventHub) Close() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection to the event stream.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.logger.Debug("event stream client connected", "remote", conn.RemoteAddr())

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("event stream client disconnected", "remote", conn.RemoteAddr())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastAlert fans a drift alert out to every connected client.
func (h *EventHub) BroadcastAlert(a kernel.DriftAlert) {
	h.broadcast("drift_alert", a)
}

// BroadcastEnforcement fans an enforcement action (kill switch trigger,
// resurrection, throttle) out to every connected client.
func (h *EventHub) BroadcastEnforcement(agentID, kind, reason string) {
	h.broadcast("enforcement", map[string]string{
		"agent_id": agentID,
		"kind":     kind,
		"reason":   reason,
	})
}

func (h *EventHub) broadcast(kind string, data any) {
	msg, err := json.Marshal(map[string]any{"type": kind, "data": data})
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

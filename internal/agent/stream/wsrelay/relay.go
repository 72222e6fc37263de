// Package wsrelay exposes a Turn's stream.Hub over a WebSocket connection
// via github.com/gorilla/websocket, for an operator console or a remote UI
// that cannot hold a long-lived SSE connection. The upgrade/read/write-loop
// shape is grounded on codeready-toolchain-tarsy's WSHub.
package wsrelay

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"deskagent/internal/agent/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireEvent is the JSON shape written per WebSocket text frame, matching
// the framing httpsse and redisbridge use.
type wireEvent struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload"`
}

// pingInterval keeps the connection alive across idle stretches between
// turns; the console is otherwise a pure write-side consumer.
const pingInterval = 30 * time.Second

// Handler upgrades an HTTP request to a WebSocket and streams one Hub's
// events to it until the client disconnects or the hub is closed.
type Handler struct {
	hub *stream.Hub
}

// NewHandler builds a WebSocket relay handler over hub.
func NewHandler(hub *stream.Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades the connection and relays events. A subscriber
// joining mid-turn receives no replay of past events, matching the SSE
// and Redis sinks.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsrelay: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	done := make(chan struct{})
	go readLoop(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(conn, event); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames (the relay is write-only from the
// turn's perspective) but must drain them so the connection's close
// frame and any client-initiated pings are observed.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event stream.Event) error {
	we := wireEvent{
		Type:      string(event.Type()),
		RunID:     event.RunID(),
		SessionID: event.SessionID(),
		Payload:   event.Payload(),
	}
	return conn.WriteJSON(we)
}

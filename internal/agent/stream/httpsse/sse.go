// Package httpsse exposes a Turn's stream.Hub over Server-Sent Events via
// github.com/gin-gonic/gin, grounded on basegraphhq-basegraph's gin-based
// HTTP layer. It is the local UI's transport.
package httpsse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"deskagent/internal/agent/stream"
)

// Handler serves one Hub's events as an SSE stream at the route it is
// mounted on.
type Handler struct {
	hub *stream.Hub
}

// NewHandler builds an SSE handler over hub.
func NewHandler(hub *stream.Hub) *Handler {
	return &Handler{hub: hub}
}

// wireEvent is the JSON shape written on the wire, one object per SSE
// "data:" line, per spec.md §6's transport wire format.
type wireEvent struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload"`
}

// ServeHTTP subscribes a new client to the hub and streams events until the
// request context is canceled, per spec.md §4.9: subscribers joining
// mid-turn receive no replay of past events.
func (h *Handler) ServeHTTP(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	ctx := c.Request.Context()
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			writeEvent(c, event)
			c.Writer.Flush()
		}
	}
}

func writeEvent(c *gin.Context, event stream.Event) {
	we := wireEvent{
		Type:      string(event.Type()),
		RunID:     event.RunID(),
		SessionID: event.SessionID(),
		Payload:   event.Payload(),
	}
	raw, err := json.Marshal(we)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
}

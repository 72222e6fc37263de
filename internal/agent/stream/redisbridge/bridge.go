// Package redisbridge publishes a Turn's stream events onto a
// github.com/redis/go-redis/v9 pub/sub channel for a remote WebSocket relay
// to pick up, grounded on the go-redis publish usage shared across the
// retrieval pack. The relay's own HTML payload and browser fan-out stay
// external to this module, per spec.md §1; this package only owns
// publishing onto the bridge channel.
package redisbridge

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"deskagent/internal/agent/stream"
)

// wireEvent mirrors spec.md §6's relay framing: one JSON object per
// message with a type tag and event-specific fields.
type wireEvent struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload"`
}

// Bridge forwards every event from a Hub subscription onto a Redis
// pub/sub channel.
type Bridge struct {
	client  *redis.Client
	channel string
}

// NewBridge builds a Bridge publishing onto channel via client.
func NewBridge(client *redis.Client, channel string) *Bridge {
	return &Bridge{client: client, channel: channel}
}

// Run subscribes to hub and republishes every event to the Redis channel
// until ctx is canceled or the hub subscription is closed.
func (b *Bridge) Run(ctx context.Context, hub *stream.Hub) error {
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := b.publish(ctx, event); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) publish(ctx context.Context, event stream.Event) error {
	we := wireEvent{
		Type:      eventTypeToWire(event.Type()),
		RunID:     event.RunID(),
		SessionID: event.SessionID(),
		Payload:   event.Payload(),
	}
	raw, err := json.Marshal(we)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// eventTypeToWire maps the internal EventType to the relay's wire type
// names, per spec.md §6: progress and final become "response_chunk", image
// becomes "response_image", stats becomes "stats_update". "response_end" is
// never produced.
func eventTypeToWire(t stream.EventType) string {
	switch t {
	case stream.EventProgress, stream.EventFinal:
		return "response_chunk"
	case stream.EventImage:
		return "response_image"
	case stream.EventStats:
		return "stats_update"
	default:
		return string(t)
	}
}

// Package stream implements the Transport: a publish-subscribe fan-out from
// one Turn Driver to any number of subscribers (the local UI, a
// WebSocket-bridged remote client). The event and Sink shapes are lifted
// close to verbatim from the teacher's runtime/agent/stream package, the
// same Type()/RunID()/SessionID()/Payload() contract and per-subscriber
// bounded-buffer guarantee, narrowed to the four event kinds spec.md §1/§4.9
// names.
package stream

// Sink delivers streaming updates to one subscriber. Implementations must
// be safe for concurrent Send calls.
type Sink interface {
	// Send publishes an event to the sink's underlying transport.
	Send(event Event) error
	// Close releases resources owned by the sink. Idempotent.
	Close() error
}

// EventType enumerates the four wire event kinds spec.md §4.9 names.
type EventType string

const (
	// EventProgress carries bytes for the progress segment: planner
	// thinking and executor/reviewer breadcrumbs.
	EventProgress EventType = "progress"
	// EventFinal carries bytes for the final, user-facing segment.
	EventFinal EventType = "final"
	// EventImage carries a base64 PNG plus dimensions.
	EventImage EventType = "image"
	// EventStats carries a token-usage counter delta.
	EventStats EventType = "stats"
)

// Event is the common interface every stream event implements.
type Event interface {
	Type() EventType
	RunID() string
	SessionID() string
	Payload() any
}

// Base provides the standard metadata every concrete event embeds.
type Base struct {
	t EventType
	r string
	s string
	p any
}

// NewBase constructs a Base event with the given type, run ID, session ID,
// and payload.
func NewBase(t EventType, runID, sessionID string, payload any) Base {
	return Base{t: t, r: runID, s: sessionID, p: payload}
}

func (b Base) Type() EventType  { return b.t }
func (b Base) RunID() string    { return b.r }
func (b Base) SessionID() string { return b.s }
func (b Base) Payload() any     { return b.p }

// ProgressPayload carries one chunk of progress-segment text.
type ProgressPayload struct {
	Text string `json:"text"`
}

// Progress streams one chunk of progress-segment text (planner thinking,
// executor/reviewer breadcrumbs), including the control tokens themselves.
type Progress struct {
	Base
	Data ProgressPayload
}

// NewProgress constructs a Progress event.
func NewProgress(runID, sessionID, text string) Progress {
	payload := ProgressPayload{Text: text}
	return Progress{Base: NewBase(EventProgress, runID, sessionID, payload), Data: payload}
}

// FinalPayload carries one chunk of final-segment text.
type FinalPayload struct {
	Text string `json:"text"`
}

// Final streams one chunk of the user-facing final answer.
type Final struct {
	Base
	Data FinalPayload
}

// NewFinal constructs a Final event.
func NewFinal(runID, sessionID, text string) Final {
	payload := FinalPayload{Text: text}
	return Final{Base: NewBase(EventFinal, runID, sessionID, payload), Data: payload}
}

// ImagePayload carries a base64-encoded PNG and its pixel dimensions.
type ImagePayload struct {
	Base64 string `json:"base64"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Image streams an out-of-band image the turn produced.
type Image struct {
	Base
	Data ImagePayload
}

// NewImage constructs an Image event.
func NewImage(runID, sessionID string, payload ImagePayload) Image {
	return Image{Base: NewBase(EventImage, runID, sessionID, payload), Data: payload}
}

// StatsPayload carries a token-usage counter delta.
type StatsPayload struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Stats streams a token-usage delta for the current turn.
type Stats struct {
	Base
	Data StatsPayload
}

// NewStats constructs a Stats event.
func NewStats(runID, sessionID string, payload StatsPayload) Stats {
	return Stats{Base: NewBase(EventStats, runID, sessionID, payload), Data: payload}
}

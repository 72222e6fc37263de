// Package model defines the LLM Client contract: the single request
// primitive every other component (Planner, Executor, Reviewer, Scheduler)
// depends on. This is the only place the real model endpoint is contacted,
// which is what makes a deterministic mock Client possible in tests.
package model

import (
	"context"
	"errors"
	"io"
)

// Role identifies the author of a Message.
type Role string

const (
	// RoleSystem is the role for system messages.
	RoleSystem Role = "system"
	// RoleUser is the role for user messages.
	RoleUser Role = "user"
	// RoleAssistant is the role for assistant messages.
	RoleAssistant Role = "assistant"
)

// Message is one entry in the ordered conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Usage reports token counters for one model call. Fields the provider does
// not report are left at zero; the Ledger never estimates missing counters.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// Request is the single request primitive: an ordered message list plus
// whether the caller wants incremental output.
type Request struct {
	// Model selects the concrete provider model identifier.
	Model string
	// Messages is the ordered conversation, oldest first.
	Messages []Message
	// Stream requests incremental Chunk delivery via Client.Stream. Complete
	// always returns the full response regardless of this field.
	Stream bool
}

// Response is the result of a non-streaming Complete call.
type Response struct {
	// Content is the full assistant text.
	Content string
	// Usage reports token counters, when the provider supplied them.
	Usage Usage
}

// ChunkType discriminates the payload carried by a streaming Chunk.
type ChunkType string

const (
	// ChunkText carries an incremental fragment of assistant text.
	ChunkText ChunkType = "text"
	// ChunkUsage carries a usage record. Per spec.md §9, the usage object may
	// arrive on any chunk, the last chunk, or not at all.
	ChunkUsage ChunkType = "usage"
	// ChunkStop is the terminal chunk.
	ChunkStop ChunkType = "stop"
)

// Chunk is one increment of a streaming response.
type Chunk struct {
	Type  ChunkType
	Text  string
	Usage Usage
}

// Streamer delivers incremental model output. Callers must drain it until
// Recv returns io.EOF (or another terminal error) and then call Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the provider-agnostic LLM Client. Implementations translate
// Requests into provider calls and adapt provider responses back into the
// generic Response/Chunk types.
type Client interface {
	// Complete performs a non-streaming model invocation.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Stream performs a streaming model invocation.
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// CollectText drains a Streamer, concatenating text chunks and merging any
// usage records it reports (later non-zero fields overwrite earlier ones,
// mirroring that a provider typically reports the final tally once). This is
// a convenience for call sites that want streaming semantics without caring
// about incremental delivery.
func CollectText(s Streamer) (string, Usage, error) {
	defer s.Close()
	var (
		text  string
		usage Usage
	)
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return text, usage, nil
			}
			return text, usage, err
		}
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkUsage:
			usage = mergeUsage(usage, chunk.Usage)
		case ChunkStop:
			return text, usage, nil
		}
	}
}

func mergeUsage(base, delta Usage) Usage {
	if delta.PromptTokens != 0 {
		base.PromptTokens = delta.PromptTokens
	}
	if delta.CompletionTokens != 0 {
		base.CompletionTokens = delta.CompletionTokens
	}
	if delta.CachedTokens != 0 {
		base.CachedTokens = delta.CachedTokens
	}
	return base
}

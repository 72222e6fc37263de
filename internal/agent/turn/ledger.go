package turn

import (
	"context"
	"time"

	"deskagent/internal/agent/ledger"
	"deskagent/internal/agent/model"
	"deskagent/internal/agent/stream"
)

// wrapForLedger wraps client so every Complete/Stream call it makes credits
// d.Ledger with the call's usage and publishes a stats event on d.Hub, per
// spec.md §2/§4.2's "token-usage ledger written transactionally per LLM
// call" and §4.8's stats transport event. Each call adds another wrapper
// (so usage would be recorded once per layer); Chat wraps each client once
// via sync.Once.
func (d *Driver) wrapForLedger(client model.Client) model.Client {
	return &recordingClient{Client: client, driver: d}
}

// recordingClient decorates a model.Client so usage from every call reaches
// the Ledger without the Planner/Executor/Reviewer needing to know the
// Ledger exists.
type recordingClient struct {
	model.Client
	driver *Driver
}

func (c *recordingClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := c.Client.Complete(ctx, req)
	if err == nil && resp != nil {
		c.driver.recordUsage(ctx, resp.Usage)
	}
	return resp, err
}

func (c *recordingClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	streamer, err := c.Client.Stream(ctx, req)
	if err != nil {
		return streamer, err
	}
	return &recordingStreamer{Streamer: streamer, ctx: ctx, driver: c.driver}, nil
}

// recordingStreamer accumulates usage chunks as they arrive (a provider may
// report usage on any chunk, the last chunk, or not at all, per spec.md §9)
// and credits the Ledger once, when the stream ends.
type recordingStreamer struct {
	model.Streamer
	ctx      context.Context
	driver   *Driver
	usage    model.Usage
	recorded bool
}

func (s *recordingStreamer) Recv() (model.Chunk, error) {
	chunk, err := s.Streamer.Recv()
	if chunk.Type == model.ChunkUsage {
		s.usage = mergeUsage(s.usage, chunk.Usage)
	}
	if err != nil && !s.recorded {
		s.recorded = true
		s.driver.recordUsage(s.ctx, s.usage)
	}
	return chunk, err
}

func mergeUsage(base, delta model.Usage) model.Usage {
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

// recordUsage credits usage to the active session's bucket and publishes the
// resulting delta as a stats event. A zero usage (the provider reported
// nothing) is skipped rather than recorded as a free call.
func (d *Driver) recordUsage(ctx context.Context, usage model.Usage) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 && usage.CachedTokens == 0 {
		return
	}

	sessionKey := ledger.Scope{Kind: ledger.ScopeSession, Key: d.currentSessionID}
	before := d.Ledger.Summary(sessionKey)
	d.Ledger.Record(ctx, usage, time.Now())
	after := d.Ledger.Summary(sessionKey)

	d.Hub.Publish(stream.NewStats(d.currentRunID, d.currentSessionID, stream.StatsPayload{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Cost:             after.Cost - before.Cost,
	}))
}

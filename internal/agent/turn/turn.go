// Package turn implements the Turn Driver: the per-turn lifecycle owner
// that assembles enriched user text, runs the Planner → Executor →
// Reviewer round loop, frames the output with control tokens, and
// publishes every byte and out-of-band event through the Transport, per
// spec.md §4.8.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deskagent/internal/agent/executor"
	"deskagent/internal/agent/ledger"
	"deskagent/internal/agent/memory"
	"deskagent/internal/agent/planner"
	"deskagent/internal/agent/reviewer"
	"deskagent/internal/agent/stream"
	"deskagent/internal/agent/telemetry"
)

const (
	progressStart = "[[PROGRESS_START]]"
	progressEnd   = "[[PROGRESS_END]]"
	finalStart    = "[[FINAL_START]]"
	finalEnd      = "[[FINAL_END]]"

	// finalChunkSize is the chunk length the final answer is sliced into
	// before streaming, per spec.md §4.8's "e.g. 120 chars each".
	finalChunkSize = 120

	// defaultSkillTimeout bounds any single skill invocation, per spec.md §5.
	defaultSkillTimeout = 30 * time.Second

	stoppedMarker = "[用户已停止生成]"
)

// Driver owns one chat turn's lifecycle: memory enrichment, the bounded
// review-round loop, control-token framing, and memory/ledger bookkeeping
// afterward.
type Driver struct {
	Planner   *planner.Planner
	Executor  *executor.Executor
	Reviewer  *reviewer.Reviewer
	Memory    memory.Store
	Ledger    ledger.Store
	Hub       *stream.Hub
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics

	MaxReviewRounds int
	SkillTimeout    time.Duration
	TurnDeadline    time.Duration

	// ToolExecuted records whether any round of the most recently completed
	// turn ran a skill, for downstream UI hints, per spec.md §4.8 step 8.
	ToolExecuted bool

	// serialize enforces that overlapping turns against this Driver's
	// Memory/Ledger run one at a time, per spec.md §9's recommendation to
	// serialize same-user turns while letting distinct Drivers (distinct
	// subscribers) run in parallel.
	serialize sync.Mutex

	// wrapLedgerOnce wraps each stage's Client with the usage-recording
	// decorator exactly once, the first time Chat runs.
	wrapLedgerOnce sync.Once

	// currentRunID and currentSessionID are read by the ledger-recording
	// client decorator to attribute a mid-turn usage record to the right
	// stats event; valid only while serialize is held.
	currentRunID     string
	currentSessionID string
}

// Result is what Chat returns for a non-streaming caller: the full final
// answer text plus whether any tool ran.
type Result struct {
	FinalAnswer  string
	ToolExecuted bool
	SessionID    string
}

// Chat runs one full turn for userText, publishing every framed byte and
// out-of-band event onto d.Hub, and returns the final answer. Only the
// output appended to Memory has its control tokens stripped.
func (d *Driver) Chat(ctx context.Context, userText string) (Result, error) {
	d.serialize.Lock()
	defer d.serialize.Unlock()

	maxRounds := d.MaxReviewRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}

	if d.TurnDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.TurnDeadline)
		defer cancel()
	}

	d.wrapLedgerOnce.Do(func() {
		d.Planner.Client = d.wrapForLedger(d.Planner.Client)
		d.Executor.Client = d.wrapForLedger(d.Executor.Client)
		d.Reviewer.Client = d.wrapForLedger(d.Reviewer.Client)
	})

	sessionID := uuid.NewString()
	runID := uuid.NewString()
	d.currentSessionID = sessionID
	d.currentRunID = runID
	d.Ledger.StartSession(sessionID)
	d.Ledger.SetActive(sessionID)

	enriched, err := d.enrichUserText(ctx, userText)
	if err != nil {
		return Result{}, err
	}

	var fullOutput strings.Builder
	publish := func(kind stream.EventType, text string) {
		fullOutput.WriteString(text)
		switch kind {
		case stream.EventProgress:
			d.Hub.Publish(stream.NewProgress(runID, sessionID, text))
		case stream.EventFinal:
			d.Hub.Publish(stream.NewFinal(runID, sessionID, text))
		}
	}

	publish(stream.EventProgress, progressStart)

	var (
		plan         *planner.Plan
		finalAnswer  string
		toolExecuted bool
		stopped      bool
	)

	for round := 1; round <= maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			stopped = true
			break
		}

		publish(stream.EventProgress, fmt.Sprintf("规划思考（第%d轮）:", round))

		var priorTrace *planner.Plan
		if round > 1 {
			priorTrace = plan
		}
		taskStat := d.taskStatSnippet(sessionID)

		plan, err = d.Planner.Plan(ctx, planner.Input{
			UserText:   enriched,
			TaskStat:   taskStat,
			PriorTrace: priorTrace,
			Now:        time.Now().UTC(),
			OnThinking: func(s string) { publish(stream.EventProgress, s) },
		})
		if err != nil {
			return Result{}, err
		}

		publish(stream.EventProgress, "\n执行结果:\n")
		if d.SkillTimeout <= 0 {
			d.SkillTimeout = defaultSkillTimeout
		}
		d.Executor.SkillTimeout = d.SkillTimeout
		ran, execErr := d.Executor.Run(ctx, plan, func(p executor.Progress) {
			publish(stream.EventProgress, p.Text+"\n")
		})
		toolExecuted = toolExecuted || ran
		if execErr != nil {
			return Result{}, execErr
		}

		publish(stream.EventProgress, "\n审查结果:\n")
		verdict, revErr := d.Reviewer.Review(ctx, plan, enriched, round, maxRounds, func(chunk string) {})
		if revErr != nil {
			return Result{}, revErr
		}
		verdictJSON, _ := json.MarshalIndent(perStepVerdicts(plan), "", "  ")
		publish(stream.EventProgress, string(verdictJSON)+"\n")

		finalAnswer = verdict.FinalAnswer
		if verdict.ReviewPassed || !verdict.NeedReplan {
			break
		}
	}

	publish(stream.EventProgress, progressEnd)
	publish(stream.EventProgress, finalStart)

	if stopped {
		finalAnswer += stoppedMarker
	}
	streamFinal(publish, finalAnswer)

	publish(stream.EventProgress, finalEnd)

	d.ToolExecuted = toolExecuted

	sanitized := sanitize(fullOutput.String())
	if appendErr := d.Memory.Append(ctx, userText, sanitized); appendErr != nil {
		d.warn(ctx, "turn: memory append failed", "error", appendErr)
	}

	return Result{FinalAnswer: finalAnswer, ToolExecuted: toolExecuted, SessionID: sessionID}, nil
}

// enrichUserText prepends the last-hour memory window as alternating
// 用户:/助手: lines under a [历史对话] block, followed by the current
// question under [当前问题], per spec.md §4.8 step 1.
func (d *Driver) enrichUserText(ctx context.Context, userText string) (string, error) {
	records, err := d.Memory.Recent(ctx, memory.DefaultWindow)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if len(records) > 0 {
		b.WriteString("[历史对话]\n")
		for _, r := range records {
			fmt.Fprintf(&b, "用户: %s\n", r.Question)
			fmt.Fprintf(&b, "助手: %s\n", r.Response)
		}
		b.WriteString("\n")
	}
	b.WriteString("[当前问题]\n")
	b.WriteString(userText)
	return b.String(), nil
}

// taskStatSnippet summarizes the active session's token usage for the
// Planner's budget-aware prompt, per spec.md §4.5.
func (d *Driver) taskStatSnippet(sessionID string) string {
	bucket := d.Ledger.Summary(ledger.Scope{Kind: ledger.ScopeSession, Key: sessionID})
	return fmt.Sprintf("calls=%d input_cached=%d input_uncached=%d output=%d cost=$%.4f",
		bucket.Calls, bucket.InputCached, bucket.InputUncached, bucket.Output, bucket.Cost)
}

// streamFinal slices text into finalChunkSize runs and publishes each as
// its own EventFinal, to smooth perceived latency per spec.md §4.8 step 5.
func streamFinal(publish func(stream.EventType, string), text string) {
	runes := []rune(text)
	for i := 0; i < len(runes); i += finalChunkSize {
		end := i + finalChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		publish(stream.EventFinal, string(runes[i:end]))
	}
}

// sanitize strips the control tokens before the turn's output is appended
// to Memory, per spec.md §4.8 step 7.
func sanitize(s string) string {
	for _, token := range []string{progressStart, progressEnd, finalStart, finalEnd} {
		s = strings.ReplaceAll(s, token, "")
	}
	return s
}

// perStepVerdicts extracts a compact, operator-visible verdict summary
// from plan, per spec.md §4.8 step 4c ("pretty-printed JSON").
func perStepVerdicts(plan *planner.Plan) []map[string]any {
	out := make([]map[string]any, 0, len(plan.ExecutePlan))
	for _, step := range plan.ExecutePlan {
		entry := map[string]any{"step": step.StepNum, "skill": step.Skill}
		if step.Check != nil {
			entry["success"] = step.Check.Success
			entry["message"] = step.Check.Message
		}
		out = append(out, entry)
	}
	return out
}

func (d *Driver) warn(ctx context.Context, msg string, keyvals ...any) {
	if d.Logger != nil {
		d.Logger.Warn(ctx, msg, keyvals...)
	}
}

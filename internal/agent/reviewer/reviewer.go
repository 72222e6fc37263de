// Package reviewer implements the Reviewer: it inspects an executed Plan
// and decides whether the turn is done, needs another round, or has
// exhausted its retries, per spec.md §4.7's decision table. The Reviewer
// never invokes skills; it only reads the Executor's results.
package reviewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/planner"
)

// Verdict is the Reviewer's decision for one round.
type Verdict struct {
	ReviewPassed bool
	NeedReplan   bool
	FinalAnswer  string
}

// Reviewer evaluates an executed Plan and streams the final answer (or
// failure summary) through the LLM Client.
type Reviewer struct {
	Client    model.Client
	ModelName string
}

// Review applies spec.md §4.7's decision table to plan, filling in each
// step's Check verdict, and streaming the chosen final-answer text chunk
// by chunk to onChunk as it arrives.
func (r *Reviewer) Review(ctx context.Context, plan *planner.Plan, userText string, round, maxRounds int, onChunk func(string)) (Verdict, error) {
	for _, step := range plan.ExecutePlan {
		if step.Result != nil {
			check := *step.Result
			step.Check = &check
		}
	}

	if !plan.IsSkills {
		text, err := r.streamDirectAnswer(ctx, userText, plan.Thinking, onChunk)
		if err != nil {
			return Verdict{}, err
		}
		v := Verdict{ReviewPassed: true, NeedReplan: false, FinalAnswer: text}
		applyVerdict(plan, v)
		return v, nil
	}

	failed := failedSteps(plan)
	if len(failed) == 0 {
		text, err := r.streamTaskSummary(ctx, userText, plan, onChunk)
		if err != nil {
			return Verdict{}, err
		}
		v := Verdict{ReviewPassed: true, NeedReplan: false, FinalAnswer: text}
		applyVerdict(plan, v)
		return v, nil
	}

	if round < maxRounds {
		// plan.Error/IsBack stay unset here: a mid-loop replan is an expected
		// retry, not yet a reportable failure, so the top-level error field
		// is reserved for the round that actually gives up.
		v := Verdict{ReviewPassed: false, NeedReplan: true}
		applyVerdict(plan, v)
		return v, nil
	}

	errorReport, err := r.composeFailureReport(ctx, userText, failed)
	if err != nil {
		return Verdict{}, err
	}
	plan.Error = errorReport
	plan.IsBack = true

	text, err := r.streamFailureSummary(ctx, userText, errorReport, onChunk)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{ReviewPassed: false, NeedReplan: false, FinalAnswer: text}
	applyVerdict(plan, v)
	return v, nil
}

func applyVerdict(plan *planner.Plan, v Verdict) {
	passed := v.ReviewPassed
	replan := v.NeedReplan
	plan.ReviewPassed = &passed
	plan.NeedReplan = &replan
	plan.FinalAnswer = v.FinalAnswer
}

func failedSteps(plan *planner.Plan) []*planner.Step {
	var failed []*planner.Step
	for _, step := range plan.ExecutePlan {
		if step.Result == nil || !step.Result.Success {
			failed = append(failed, step)
		}
	}
	return failed
}

func (r *Reviewer) streamDirectAnswer(ctx context.Context, userText, thinking string, onChunk func(string)) (string, error) {
	prompt := fmt.Sprintf("Answer the user's question directly and naturally. Prior deliberation: %s", thinking)
	return r.stream(ctx, prompt, userText, onChunk)
}

func (r *Reviewer) streamTaskSummary(ctx context.Context, userText string, plan *planner.Plan, onChunk func(string)) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize, in natural language (no JSON), what was accomplished across these completed steps:\n")
	for _, step := range plan.ExecutePlan {
		msg := ""
		if step.Result != nil {
			msg = step.Result.Message
		}
		fmt.Fprintf(&b, "- step %d (%s): %s\n", step.StepNum, step.Skill, msg)
	}
	return r.stream(ctx, b.String(), userText, onChunk)
}

func (r *Reviewer) streamFailureSummary(ctx context.Context, userText, errorReport string, onChunk func(string)) (string, error) {
	prompt := fmt.Sprintf("Compose a brief apology and suggestion for the user, given this failure report: %s", errorReport)
	return r.stream(ctx, prompt, userText, onChunk)
}

// composeFailureReport asks the LLM to turn the failed steps into a
// user-facing error summary, per spec.md §4.7: "built by another LLM call
// given the failed steps and original text". This is a deliberate second
// call even though per-step messages already exist, per the Open Question
// decision recorded in DESIGN.md favoring clearer user-facing wording.
func (r *Reviewer) composeFailureReport(ctx context.Context, userText string, failed []*planner.Step) (string, error) {
	var b strings.Builder
	b.WriteString("The following steps failed while attempting the user's request:\n")
	for _, step := range failed {
		msg := ""
		if step.Result != nil {
			msg = step.Result.Message
		}
		fmt.Fprintf(&b, "- step %d (%s): %s\n", step.StepNum, step.Skill, msg)
	}
	b.WriteString("Write one concise sentence describing what went wrong, suitable as an internal error field.")

	resp, err := r.Client.Complete(ctx, &model.Request{
		Model: r.ModelName,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: b.String()},
			{Role: model.RoleUser, Content: userText},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// stream performs a streaming completion and forwards text chunks to
// onChunk as they arrive, returning the full accumulated text.
func (r *Reviewer) stream(ctx context.Context, system, userText string, onChunk func(string)) (string, error) {
	streamer, err := r.Client.Stream(ctx, &model.Request{
		Model: r.ModelName,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: system},
			{Role: model.RoleUser, Content: userText},
		},
		Stream: true,
	})
	if err != nil {
		return "", err
	}
	defer streamer.Close()

	var full strings.Builder
	for {
		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return full.String(), err
		}
		if chunk.Type != model.ChunkText {
			continue
		}
		full.WriteString(chunk.Text)
		if onChunk != nil {
			onChunk(chunk.Text)
		}
	}
	return full.String(), nil
}

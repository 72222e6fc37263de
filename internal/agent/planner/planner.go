// Package planner implements the Planner: it turns a user message (plus any
// prior round's executed trace) into a Plan, streaming its deliberation
// ("thinking") to the transport as it arrives and allowing a bounded
// read-only tool sub-loop to gather information before committing to a
// final Plan JSON.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/tools"
)

// maxSubLoopIterations bounds the Planner's read-only tool sub-loop, per
// spec.md §4.5.
const maxSubLoopIterations = 3

// StepResult is the outcome recorded against a Step after execution or
// review. It reuses the Skill Registry's tagged-variant Result shape so the
// Executor's success analysis and the Reviewer's per-step verdict share one
// type.
type StepResult = skills.Result

// Step is one entry in a Plan's execute_plan list.
type Step struct {
	StepNum int            `json:"step"`
	Desc    string         `json:"desc"`
	Skill   string         `json:"skill"`
	Args    map[string]any `json:"arguments"`

	// Result is filled in by the Executor.
	Result *StepResult `json:"result,omitempty"`
	// Check is the Reviewer's per-step verdict: a copy of Result taken by
	// the Reviewer.
	Check *StepResult `json:"check,omitempty"`
}

// Plan is the mutable tree that flows Planner → Executor → Reviewer, each
// stage annotating fields the next stage reads. A single struct with
// optional fields stands in for three distinct per-stage types, per
// spec.md §9's "Plan JSON as mutable tree across stages" note.
type Plan struct {
	IsSkills    bool    `json:"is_skills"`
	Thinking    string  `json:"thinking"`
	ExecutePlan []*Step `json:"execute_plan"`

	// Error is the Reviewer's failure report, set only when a round
	// exhausts its retries or produces no successful path.
	Error string `json:"error,omitempty"`
	// IsBack is set by the Reviewer together with Error, in the final round
	// when a step failed; a round that asks for a replan leaves it false.
	IsBack bool `json:"is_back,omitempty"`
	// ReviewPassed and NeedReplan are set by the Reviewer; nil until then.
	ReviewPassed *bool `json:"review_passed,omitempty"`
	NeedReplan   *bool `json:"need_replan,omitempty"`
	// FinalAnswer carries the natural-language text the Turn Driver streams
	// in the FINAL segment, set by the Reviewer.
	FinalAnswer string `json:"-"`
	// ToolExecuted records whether the Executor actually ran a skill during
	// this plan's execution, for the Turn Driver's downstream UI hint.
	ToolExecuted bool `json:"-"`
}

// Input carries everything the Planner needs for one invocation. UserText
// is expected to already be enriched with the memory window by the Turn
// Driver; the Planner itself does not read Memory.
type Input struct {
	// UserText is the enriched prompt: memory block + current question.
	UserText string
	// TaskStat is a short token-usage snippet shown to the model so it can
	// reason about budget, per spec.md §4.5's "token-usage snippet".
	TaskStat string
	// PriorTrace is the previous round's executed Plan, if this is a
	// replan round; nil on the first round.
	PriorTrace *Plan
	// Now is the current time, injected for deterministic tests instead of
	// calling time.Now() inside the package.
	Now time.Time
	// OnThinking, if non-nil, receives each unescaped character of the
	// streamed "thinking" field as it is extracted, for forwarding to the
	// transport.
	OnThinking func(string)
}

// Planner produces Plans from user text via an LLM Client and a read-only
// tool sub-loop over the Skill Registry.
type Planner struct {
	Client    model.Client
	Registry  *skills.Registry
	ModelName string
}

// Plan runs the bounded sub-loop and returns a committed Plan. It never
// returns an error for a malformed model response: per spec.md §4.5's
// failure semantics, a JSON parse failure degrades to a zero-step plan
// carrying the raw text as Thinking. An error is returned only for an LLM
// Client failure (config/transport/upstream).
func (p *Planner) Plan(ctx context.Context, in Input) (*Plan, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: p.systemPrompt(in)},
		{Role: model.RoleUser, Content: in.UserText},
	}

	var lastRaw string
	for iteration := 0; iteration < maxSubLoopIterations; iteration++ {
		raw, err := p.streamOnce(ctx, messages, in.OnThinking)
		if err != nil {
			return nil, err
		}
		lastRaw = raw

		action, ok := parseAction(raw)
		if !ok {
			// Not a call_skill envelope; try to parse as the final Plan.
			return p.commitPlan(raw), nil
		}
		if action.Action != "call_skill" {
			return p.commitPlan(raw), nil
		}

		if !tools.IsReadOnlyGate(action.Name) {
			messages = append(messages,
				model.Message{Role: model.RoleAssistant, Content: raw},
				model.Message{Role: model.RoleSystem, Content: fmt.Sprintf("error: 禁止调用修改类技能: %s", action.Name)},
			)
			continue
		}

		result, err := p.Registry.Invoke(ctx, action.Name, action.Arguments)
		if err != nil {
			messages = append(messages,
				model.Message{Role: model.RoleAssistant, Content: raw},
				model.Message{Role: model.RoleSystem, Content: fmt.Sprintf("error: %s", err.Error())},
			)
			continue
		}
		toolJSON, _ := json.Marshal(result)
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: raw},
			model.Message{Role: model.RoleSystem, Content: string(toolJSON)},
		)
	}

	// Sub-loop exhausted without a committed Plan. Per the Open Question
	// decision recorded in DESIGN.md, this degrades rather than fails: the
	// last raw text becomes Thinking with an empty step list.
	return &Plan{Thinking: lastRaw, IsSkills: false, ExecutePlan: nil}, nil
}

// streamOnce performs one streaming completion call, forwarding the
// extracted "thinking" field text to onThinking as it arrives, and returns
// the full accumulated response text.
func (p *Planner) streamOnce(ctx context.Context, messages []model.Message, onThinking func(string)) (string, error) {
	req := &model.Request{Model: p.ModelName, Messages: messages, Stream: true}
	streamer, err := p.Client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer streamer.Close()

	extractor := newThinkingExtractor()
	var text strings.Builder
	for {
		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return text.String(), err
		}
		if chunk.Type != model.ChunkText {
			continue
		}
		text.WriteString(chunk.Text)
		if onThinking != nil && !extractor.Done() {
			for i := 0; i < len(chunk.Text); i++ {
				emit, _ := extractor.Feed(chunk.Text[i])
				if emit != "" {
					onThinking(emit)
				}
			}
		}
	}
	return text.String(), nil
}

// rawAction is the `{"action":"call_skill", ...}` envelope the sub-loop
// recognizes before a final Plan JSON is committed.
type rawAction struct {
	Action    string         `json:"action"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func parseAction(raw string) (rawAction, bool) {
	var a rawAction
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil {
		return rawAction{}, false
	}
	return a, a.Action != ""
}

// rawPlan is the wire shape of a committed Plan, before defaults are filled.
type rawPlan struct {
	Thinking    string  `json:"thinking"`
	IsSkills    bool    `json:"is_skills"`
	ExecutePlan []*Step `json:"execute_plan"`
}

// commitPlan parses raw as a Plan JSON, filling missing fields with safe
// defaults per spec.md §4.5 step 4. A parse failure degrades to a zero-step
// plan carrying the raw text as Thinking, per §4.5's failure semantics.
func (p *Planner) commitPlan(raw string) *Plan {
	var rp rawPlan
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &rp); err != nil {
		return &Plan{Thinking: raw, IsSkills: false, ExecutePlan: nil}
	}
	if rp.ExecutePlan == nil {
		rp.ExecutePlan = []*Step{}
	}
	if rp.Thinking == "" {
		rp.Thinking = raw
	}
	return &Plan{Thinking: rp.Thinking, IsSkills: rp.IsSkills, ExecutePlan: rp.ExecutePlan}
}

// systemPrompt assembles the base-responsibility, skill-brief, task-stat
// snippet, current time, strict-JSON instruction, pre-review rule, and
// read-only sub-loop note, per spec.md §4.5.
func (p *Planner) systemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You are the planning stage of a tool-using assistant. ")
	b.WriteString("Given the user's request, decide whether it requires invoking skills, and if so, produce a step-by-step plan.\n\n")

	b.WriteString("Available skills:\n")
	for _, entry := range p.Registry.ListBrief() {
		fmt.Fprintf(&b, "- %s: %s\n", entry.Name, entry.Description)
	}
	b.WriteString("\n")

	if in.TaskStat != "" {
		b.WriteString("Token usage so far: ")
		b.WriteString(in.TaskStat)
		b.WriteString("\n\n")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	fmt.Fprintf(&b, "Current time: %s\n\n", now.Format(time.RFC3339))

	if in.PriorTrace != nil {
		b.WriteString("Prior execution trace from the previous round:\n")
		for _, step := range in.PriorTrace.ExecutePlan {
			success := step.Result != nil && step.Result.Success
			fmt.Fprintf(&b, "- step %d (%s): success=%t\n", step.StepNum, step.Skill, success)
		}
		b.WriteString("If a step above has success=true, do NOT re-include that step — plan only what remains.\n\n")
	}

	b.WriteString("You may call read-only skills (names starting with read_/get_/list_/search_/query_/check_, ")
	b.WriteString("containing none of delete/remove/update/write/create/append/set_/move_/copy_/upload/push/merge) ")
	b.WriteString("to gather information before finalizing the plan, by responding with exactly ")
	b.WriteString(`{"action":"call_skill","name":"...","arguments":{...}}`)
	b.WriteString(". You must not call write skills during planning.\n\n")

	b.WriteString("When ready to commit to a plan, respond with exactly one JSON object and nothing else: ")
	b.WriteString(`{"thinking":"...", "is_skills": bool, "execute_plan": [{"step":1,"desc":"...","skill":"...","arguments":{...}}]}`)
	b.WriteString(". Stream your deliberation inside the \"thinking\" field.")

	return b.String()
}

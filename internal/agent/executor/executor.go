// Package executor implements the Executor: it walks a Plan's steps in
// order, asking the LLM to bind each step's concrete arguments from prior
// step results before invoking the bound skill through the Skill Registry.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/planner"
	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/tools"
)

const (
	// contextMemoryBudget truncates the growing context_memory JSON passed
	// to the bind prompt, per spec.md §4.6.
	contextMemoryBudget = 8 * 1024
	// sketchBudget truncates the original argument sketch shown to the
	// bind prompt.
	sketchBudget = 2 * 1024
	genericSuccessMessage = "执行完成"

	// defaultSkillTimeout bounds a single skill invocation when the Executor
	// is used without an explicit SkillTimeout, per spec.md §5.
	defaultSkillTimeout = 30 * time.Second
)

// Progress is a single breadcrumb line emitted after a step completes.
type Progress struct {
	StepNum int
	Text    string
}

// contextEntry is one entry in the growing context_memory list the bind
// prompt is given, so later steps can reference earlier results.
type contextEntry struct {
	Step int         `json:"step"`
	Desc string      `json:"desc"`
	Skill string     `json:"skill"`
	Result *planner.StepResult `json:"result,omitempty"`
}

// Executor runs a Plan's steps against the Skill Registry, using the LLM
// Client to bind each step's concrete arguments.
type Executor struct {
	Client    model.Client
	Registry  *skills.Registry
	ModelName string

	// SkillTimeout bounds each Registry.Invoke call; defaultSkillTimeout is
	// used when this is zero.
	SkillTimeout time.Duration
}

// Run walks plan.ExecutePlan in order, mutating each Step's Result field
// and emitting a Progress breadcrumb pair for every step. It returns
// whether any skill was actually invoked, for the Turn Driver's downstream
// UI hint.
func (e *Executor) Run(ctx context.Context, plan *planner.Plan, onProgress func(Progress)) (toolExecuted bool, err error) {
	var history []contextEntry

	for _, step := range plan.ExecutePlan {
		name, args, boundFromModel, bindErr := e.bindArguments(ctx, step, history)
		if bindErr != nil {
			return toolExecuted, bindErr
		}
		if name == "" {
			name = step.Skill
			args = step.Args
		}

		result := e.invoke(ctx, name, args)
		step.Result = &result
		toolExecuted = true
		_ = boundFromModel

		history = append(history, contextEntry{Step: step.StepNum, Desc: step.Desc, Skill: name, Result: &result})

		emit(onProgress, Progress{StepNum: step.StepNum, Text: fmt.Sprintf("步骤%d：调用技能%s", step.StepNum, name)})
		emit(onProgress, Progress{StepNum: step.StepNum, Text: fmt.Sprintf("步骤%d：%s", step.StepNum, result.Message)})
	}

	return toolExecuted, nil
}

func emit(onProgress func(Progress), p Progress) {
	if onProgress != nil {
		onProgress(p)
	}
}

// invoke normalizes and calls name through the Registry, bounding the call
// with SkillTimeout (defaultSkillTimeout when unset) per spec.md §5, and
// translates any registry-level error (missing skill, normalization
// failure, timeout) into a failed StepResult instead of propagating it,
// since a step failure must never abort the turn.
func (e *Executor) invoke(ctx context.Context, name string, args map[string]any) planner.StepResult {
	timeout := e.SkillTimeout
	if timeout <= 0 {
		timeout = defaultSkillTimeout
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.Registry.Invoke(invokeCtx, name, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			timeoutErr := tools.Errorf(tools.KindSkillTimeout, "%s: skill_timeout after %s", name, timeout)
			return skills.Err(timeoutErr.Message)
		}
		var toolErr *tools.ToolError
		if errors.As(err, &toolErr) {
			return skills.Err(toolErr.Message)
		}
		return skills.Err(err.Error())
	}
	return analyze(result)
}

// analyze normalizes whatever a skill returned (it may not have used the Ok
// /Err constructors directly, e.g. when wrapping a raw map/list/scalar)
// into the success/message shape spec.md §4.6 describes.
func analyze(result skills.Result) planner.StepResult {
	switch data := result.Data.(type) {
	case map[string]any:
		if status, ok := data["status"].(string); ok && status == "error" {
			return skills.Err(messageOr(data, result.Message))
		}
		if ok, present := data["success"].(bool); present && !ok {
			return skills.Err(messageOr(data, result.Message))
		}
		return skills.Ok(messageOr(data, result.Message), data)
	case []any:
		for _, item := range data {
			if m, ok := item.(map[string]any); ok {
				if ok2, present := m["success"].(bool); present && !ok2 {
					return skills.Err(fmt.Sprintf("%d item(s), at least one failed", len(data)))
				}
			}
		}
		return skills.Ok(result.Message, data)
	default:
		if !result.Success && result.Message != "" {
			return result
		}
		if result.Message == "" {
			return skills.Ok(genericSuccessMessage, result.Data)
		}
		return result
	}
}

func messageOr(data map[string]any, fallback string) string {
	if msg, ok := data["message"].(string); ok && msg != "" {
		return msg
	}
	return fallback
}

// bindArguments asks the LLM (non-streaming, no memory, no further tool
// loop) to bind step's concrete arguments from the growing context_memory,
// per spec.md §4.6. On any failure to get a parseable tool call, it falls
// back to the step's original sketch arguments and reports bound=false.
func (e *Executor) bindArguments(ctx context.Context, step *planner.Step, history []contextEntry) (name string, args map[string]any, bound bool, err error) {
	spec, ok := e.Registry.Spec(step.Skill)
	if !ok {
		return step.Skill, step.Args, false, nil
	}

	prompt := e.bindPrompt(step, spec.Full(), history)
	req := &model.Request{
		Model: e.ModelName,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: prompt},
			{Role: model.RoleUser, Content: step.Desc},
		},
	}
	resp, callErr := e.Client.Complete(ctx, req)
	if callErr != nil {
		return step.Skill, step.Args, false, nil
	}

	var call rawCall
	if jsonErr := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &call); jsonErr != nil || call.Action != "call_skill" {
		return step.Skill, step.Args, false, nil
	}
	return call.Name, call.Arguments, true, nil
}

type rawCall struct {
	Action    string         `json:"action"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// bindPrompt builds the step-bind prompt: the step's desc, skill name,
// original argument sketch, the skill's full schema, and the truncated
// context memory. It explicitly instructs the model to substitute concrete
// values from prior step results in place of descriptive placeholders —
// the system's only dataflow mechanism between steps.
func (e *Executor) bindPrompt(step *planner.Step, full tools.FullEntry, history []contextEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bind concrete arguments for step %d.\n", step.StepNum)
	fmt.Fprintf(&b, "Description: %s\n", step.Desc)
	fmt.Fprintf(&b, "Skill: %s\n", full.Name)

	sketch, _ := json.Marshal(step.Args)
	fmt.Fprintf(&b, "Original argument sketch: %s\n", truncate(string(sketch), sketchBudget))

	schema, _ := json.Marshal(full)
	fmt.Fprintf(&b, "Skill schema: %s\n", schema)

	ctxJSON, _ := json.Marshal(history)
	fmt.Fprintf(&b, "Context memory (prior step results): %s\n", truncate(string(ctxJSON), contextMemoryBudget))

	b.WriteString("Wherever the description references a value produced by a prior step ")
	b.WriteString("(e.g. \"the pdf from step 1\"), substitute the actual concrete value found in the context memory above, ")
	b.WriteString("not a paraphrase of the description.\n")
	b.WriteString(`Respond with exactly one JSON object: {"action":"call_skill","name":"...","arguments":{...}}`)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

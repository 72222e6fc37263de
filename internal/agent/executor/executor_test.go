package executor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/planner"
	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/tools"
)

// fakeClient returns Complete responses from a fixed script, one per call,
// in order (the Executor only ever calls Complete, for binding); Stream
// returns an empty stream.
type fakeClient struct {
	responses []string
	calls     int
}

func (f *fakeClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if f.calls >= len(f.responses) {
		return &model.Response{Content: f.responses[len(f.responses)-1]}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return &model.Response{Content: resp}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return &fakeStreamer{}, nil
}

type fakeStreamer struct{ sent bool }

func (s *fakeStreamer) Recv() (model.Chunk, error) {
	return model.Chunk{}, io.EOF
}
func (s *fakeStreamer) Close() error { return nil }

func readURLSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "read_url",
		Description: "reads a URL",
		Required:    []string{"url"},
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
		},
		Permission: tools.Read,
	}
}

func TestExecutor_BindsArgumentsFromModelThenInvokes(t *testing.T) {
	registry := skills.NewRegistry()
	var gotArgs map[string]any
	require.NoError(t, registry.Register(readURLSpec(), skills.InvokerFunc(
		func(ctx context.Context, args map[string]any) (skills.Result, error) {
			gotArgs = args
			return skills.Ok("fetched", map[string]any{"title": "Example"}), nil
		},
	)))

	client := &fakeClient{responses: []string{
		`{"action":"call_skill","name":"read_url","arguments":{"url":"https://example.com"}}`,
	}}
	exec := &Executor{Client: client, Registry: registry, ModelName: "test-model"}

	plan := &planner.Plan{ExecutePlan: []*planner.Step{
		{StepNum: 1, Desc: "read the example page", Skill: "read_url", Args: map[string]any{"url": "<placeholder>"}},
	}}

	var progress []Progress
	toolExecuted, err := exec.Run(context.Background(), plan, func(p Progress) { progress = append(progress, p) })
	require.NoError(t, err)
	require.True(t, toolExecuted)
	require.Equal(t, "https://example.com", gotArgs["url"])
	require.True(t, plan.ExecutePlan[0].Result.Success)
	require.NotEmpty(t, progress)
}

func TestExecutor_UnregisteredSkillFailsStepWithoutCallingModel(t *testing.T) {
	registry := skills.NewRegistry()
	client := &fakeClient{responses: []string{"should never be used"}}
	exec := &Executor{Client: client, Registry: registry, ModelName: "test-model"}

	plan := &planner.Plan{ExecutePlan: []*planner.Step{
		{StepNum: 1, Desc: "frobnicate", Skill: "frobnicate", Args: map[string]any{}},
	}}

	toolExecuted, err := exec.Run(context.Background(), plan, nil)
	require.NoError(t, err)
	require.True(t, toolExecuted)
	require.False(t, plan.ExecutePlan[0].Result.Success)
	require.Equal(t, 0, client.calls)
}

func TestExecutor_MalformedBindResponseFallsBackToSketchArguments(t *testing.T) {
	registry := skills.NewRegistry()
	var gotArgs map[string]any
	require.NoError(t, registry.Register(readURLSpec(), skills.InvokerFunc(
		func(ctx context.Context, args map[string]any) (skills.Result, error) {
			gotArgs = args
			return skills.Ok("fetched", nil), nil
		},
	)))

	client := &fakeClient{responses: []string{"not json at all"}}
	exec := &Executor{Client: client, Registry: registry, ModelName: "test-model"}

	plan := &planner.Plan{ExecutePlan: []*planner.Step{
		{StepNum: 1, Desc: "read it", Skill: "read_url", Args: map[string]any{"url": "https://sketch.example"}},
	}}

	_, err := exec.Run(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, "https://sketch.example", gotArgs["url"])
}

func TestExecutor_ContextCarriesForwardBetweenSteps(t *testing.T) {
	registry := skills.NewRegistry()
	require.NoError(t, registry.Register(readURLSpec(), skills.InvokerFunc(
		func(ctx context.Context, args map[string]any) (skills.Result, error) {
			return skills.Ok("fetched step 1", map[string]any{"title": "Doc"}), nil
		},
	)))
	require.NoError(t, registry.Register(&tools.Spec{
		Name:        "search_web",
		Description: "searches the web",
		Permission:  tools.Read,
		Parameters:  map[string]any{"type": "object"},
	}, skills.InvokerFunc(func(ctx context.Context, args map[string]any) (skills.Result, error) {
		return skills.Ok("searched", nil), nil
	})))

	var secondPrompt string
	responses := []string{
		`{"action":"call_skill","name":"read_url","arguments":{"url":"https://x"}}`,
		`{"action":"call_skill","name":"search_web","arguments":{"q":"Doc"}}`,
	}
	client := &captureClient{
		onComplete: func(n int, req *model.Request) string {
			if n == 1 && len(req.Messages) > 0 {
				secondPrompt = req.Messages[0].Content
			}
			return responses[n]
		},
	}
	exec := &Executor{Client: client, Registry: registry, ModelName: "test-model"}

	plan := &planner.Plan{ExecutePlan: []*planner.Step{
		{StepNum: 1, Desc: "read the doc", Skill: "read_url", Args: map[string]any{"url": "https://x"}},
		{StepNum: 2, Desc: "search for the doc title from step 1", Skill: "search_web", Args: map[string]any{}},
	}}

	_, err := exec.Run(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Contains(t, secondPrompt, "Doc")
}

// TestExecutor_SkillTimeoutFailsStepWithoutAbortingTheTurn exercises the
// spec's "wrapped with a timeout; on timeout the step fails with
// error=skill_timeout" behavior: a skill that blocks past SkillTimeout must
// fail that one step, not the whole Run call.
func TestExecutor_SkillTimeoutFailsStepWithoutAbortingTheTurn(t *testing.T) {
	registry := skills.NewRegistry()
	require.NoError(t, registry.Register(&tools.Spec{
		Name: "slow_skill", Description: "never returns in time", Permission: tools.Read,
		Parameters: map[string]any{"type": "object"},
	}, skills.InvokerFunc(func(ctx context.Context, args map[string]any) (skills.Result, error) {
		<-ctx.Done()
		return skills.Result{}, ctx.Err()
	})))

	client := &fakeClient{responses: []string{`{"action":"call_skill","name":"slow_skill","arguments":{}}`}}
	exec := &Executor{Client: client, Registry: registry, ModelName: "test-model", SkillTimeout: 10 * time.Millisecond}

	plan := &planner.Plan{ExecutePlan: []*planner.Step{
		{StepNum: 1, Desc: "run the slow skill", Skill: "slow_skill", Args: map[string]any{}},
	}}

	toolExecuted, err := exec.Run(context.Background(), plan, nil)
	require.NoError(t, err)
	require.True(t, toolExecuted)
	require.False(t, plan.ExecutePlan[0].Result.Success)
	require.Contains(t, plan.ExecutePlan[0].Result.Message, "skill_timeout")
}

type captureClient struct {
	onComplete func(n int, req *model.Request) string
	calls      int
}

func (c *captureClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	n := c.calls
	c.calls++
	return &model.Response{Content: c.onComplete(n, req)}, nil
}

func (c *captureClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return &fakeStreamer{}, nil
}

package planner

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/tools"
)

type queueClient struct {
	responses []string
	calls     int
}

func (c *queueClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Content: c.next()}, nil
}

func (c *queueClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return &queueStreamer{text: c.next()}, nil
}

func (c *queueClient) next() string {
	if c.calls >= len(c.responses) {
		return c.responses[len(c.responses)-1]
	}
	r := c.responses[c.calls]
	c.calls++
	return r
}

type queueStreamer struct {
	text string
	sent bool
}

func (s *queueStreamer) Recv() (model.Chunk, error) {
	if s.sent {
		return model.Chunk{}, io.EOF
	}
	s.sent = true
	return model.Chunk{Type: model.ChunkText, Text: s.text}, nil
}
func (s *queueStreamer) Close() error { return nil }

func TestPlanner_CommitsDirectJSONPlan(t *testing.T) {
	registry := skills.NewRegistry()
	plan := `{"thinking":"simple question","is_skills":false,"execute_plan":[]}`
	client := &queueClient{responses: []string{plan}}
	p := &Planner{Client: client, Registry: registry, ModelName: "test-model"}

	result, err := p.Plan(context.Background(), Input{UserText: "hi", Now: time.Now()})
	require.NoError(t, err)
	require.False(t, result.IsSkills)
	require.Equal(t, "simple question", result.Thinking)
	require.Empty(t, result.ExecutePlan)
}

func TestPlanner_SubLoopInvokesReadOnlySkillThenCommits(t *testing.T) {
	registry := skills.NewRegistry()
	require.NoError(t, registry.Register(&tools.Spec{
		Name:        "list_files",
		Description: "lists files",
		Permission:  tools.Read,
		Parameters:  map[string]any{"type": "object"},
	}, skills.InvokerFunc(func(ctx context.Context, args map[string]any) (skills.Result, error) {
		return skills.Ok("listed", []any{"a.txt", "b.txt"}), nil
	})))

	callAction := `{"action":"call_skill","name":"list_files","arguments":{}}`
	finalPlan := `{"thinking":"found two files","is_skills":true,"execute_plan":[{"step":1,"desc":"delete a.txt","skill":"delete_file","arguments":{"path":"a.txt"}}]}`
	client := &queueClient{responses: []string{callAction, finalPlan}}
	p := &Planner{Client: client, Registry: registry, ModelName: "test-model"}

	result, err := p.Plan(context.Background(), Input{UserText: "delete a.txt", Now: time.Now()})
	require.NoError(t, err)
	require.True(t, result.IsSkills)
	require.Len(t, result.ExecutePlan, 1)
	require.Equal(t, "delete_file", result.ExecutePlan[0].Skill)
}

func TestPlanner_SubLoopRejectsWriteSkillCall(t *testing.T) {
	registry := skills.NewRegistry()
	blockedAction := `{"action":"call_skill","name":"delete_file","arguments":{"path":"a.txt"}}`
	finalPlan := `{"thinking":"done","is_skills":false,"execute_plan":[]}`
	client := &queueClient{responses: []string{blockedAction, finalPlan}}
	p := &Planner{Client: client, Registry: registry, ModelName: "test-model"}

	result, err := p.Plan(context.Background(), Input{UserText: "delete a.txt", Now: time.Now()})
	require.NoError(t, err)
	// The blocked call never invoked anything (no skill registered at all),
	// and the sub-loop continued to the next scripted response instead of
	// committing the rejected action as a Plan.
	require.False(t, result.IsSkills)
	require.Equal(t, "done", result.Thinking)
}

func TestPlanner_SubLoopExhaustionDegradesToThinkingOnlyPlan(t *testing.T) {
	registry := skills.NewRegistry()
	neverResolves := `{"action":"call_skill","name":"list_files","arguments":{}}`
	client := &queueClient{responses: []string{neverResolves, neverResolves, neverResolves}}
	p := &Planner{Client: client, Registry: registry, ModelName: "test-model"}

	result, err := p.Plan(context.Background(), Input{UserText: "do something", Now: time.Now()})
	require.NoError(t, err)
	require.False(t, result.IsSkills)
	require.Empty(t, result.ExecutePlan)
	require.Equal(t, neverResolves, result.Thinking)
}

func TestPlanner_OnThinkingReceivesStreamedText(t *testing.T) {
	registry := skills.NewRegistry()
	plan := `{"thinking":"hello","is_skills":false,"execute_plan":[]}`
	client := &queueClient{responses: []string{plan}}
	p := &Planner{Client: client, Registry: registry, ModelName: "test-model"}

	var streamed string
	_, err := p.Plan(context.Background(), Input{
		UserText:   "hi",
		Now:        time.Now(),
		OnThinking: func(s string) { streamed += s },
	})
	require.NoError(t, err)
	require.Contains(t, streamed, "hello")
}

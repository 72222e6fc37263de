package reviewer

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/planner"
	"deskagent/internal/agent/skills"
)

type scriptedClient struct {
	turns []string
	calls int
}

func (c *scriptedClient) next() string {
	if c.calls >= len(c.turns) {
		return c.turns[len(c.turns)-1]
	}
	r := c.turns[c.calls]
	c.calls++
	return r
}

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Content: c.next()}, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return &scriptedStreamer{text: c.next()}, nil
}

type scriptedStreamer struct {
	text string
	sent bool
}

func (s *scriptedStreamer) Recv() (model.Chunk, error) {
	if s.sent {
		return model.Chunk{}, io.EOF
	}
	s.sent = true
	return model.Chunk{Type: model.ChunkText, Text: s.text}, nil
}
func (s *scriptedStreamer) Close() error { return nil }

func TestReviewer_KnowledgeOnlyPlanStreamsDirectAnswer(t *testing.T) {
	client := &scriptedClient{turns: []string{"Paris is the capital of France."}}
	r := &Reviewer{Client: client, ModelName: "test-model"}

	plan := &planner.Plan{IsSkills: false, Thinking: "the user asked a fact question"}
	var chunks []string
	verdict, err := r.Review(context.Background(), plan, "what is the capital of France?", 1, 3, func(s string) { chunks = append(chunks, s) })

	require.NoError(t, err)
	require.True(t, verdict.ReviewPassed)
	require.False(t, verdict.NeedReplan)
	require.Equal(t, "Paris is the capital of France.", verdict.FinalAnswer)
	require.NotEmpty(t, chunks)
	require.NotNil(t, plan.ReviewPassed)
	require.True(t, *plan.ReviewPassed)
}

func TestReviewer_AllStepsSucceedPassesAndSummarizes(t *testing.T) {
	client := &scriptedClient{turns: []string{"Created three folders as requested."}}
	r := &Reviewer{Client: client, ModelName: "test-model"}

	plan := &planner.Plan{
		IsSkills: true,
		ExecutePlan: []*planner.Step{
			{StepNum: 1, Skill: "create_folder", Result: ptrResult(skills.Ok("created", nil))},
			{StepNum: 2, Skill: "create_folder", Result: ptrResult(skills.Ok("created", nil))},
		},
	}

	verdict, err := r.Review(context.Background(), plan, "create two folders", 1, 3, func(string) {})
	require.NoError(t, err)
	require.True(t, verdict.ReviewPassed)
	require.False(t, verdict.NeedReplan)
	require.NotNil(t, plan.ExecutePlan[0].Check)
	require.True(t, plan.ExecutePlan[0].Check.Success)
}

func TestReviewer_FailedStepBeforeMaxRoundsRequestsReplan(t *testing.T) {
	client := &scriptedClient{turns: []string{"unused"}}
	r := &Reviewer{Client: client, ModelName: "test-model"}

	plan := &planner.Plan{
		IsSkills: true,
		ExecutePlan: []*planner.Step{
			{StepNum: 1, Skill: "frobnicate", Result: ptrResult(skills.Err("frobnicate is not a registered skill"))},
		},
	}

	verdict, err := r.Review(context.Background(), plan, "please frobnicate", 1, 3, func(string) {})
	require.NoError(t, err)
	require.False(t, verdict.ReviewPassed)
	require.True(t, verdict.NeedReplan)
	require.Equal(t, 0, client.calls) // no LLM call on a non-final replan round
}

func TestReviewer_FailedStepAtMaxRoundsComposesFailureReportAndSummary(t *testing.T) {
	client := &scriptedClient{turns: []string{
		"step 1 failed: frobnicate is not a registered skill",
		"Sorry, I was unable to complete that request.",
	}}
	r := &Reviewer{Client: client, ModelName: "test-model"}

	plan := &planner.Plan{
		IsSkills: true,
		ExecutePlan: []*planner.Step{
			{StepNum: 1, Skill: "frobnicate", Result: ptrResult(skills.Err("frobnicate is not a registered skill"))},
		},
	}

	verdict, err := r.Review(context.Background(), plan, "please frobnicate", 3, 3, func(string) {})
	require.NoError(t, err)
	require.False(t, verdict.ReviewPassed)
	require.False(t, verdict.NeedReplan)
	require.Equal(t, "Sorry, I was unable to complete that request.", verdict.FinalAnswer)
	require.NotEmpty(t, plan.Error)
	require.True(t, plan.IsBack)
	require.Equal(t, 2, client.calls)
}

func ptrResult(r skills.Result) *skills.Result { return &r }

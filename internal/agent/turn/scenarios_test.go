package turn

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/stream"
	"deskagent/internal/agent/tools"
)

func registerFolderSkills(t *testing.T, registry *skills.Registry) {
	t.Helper()
	readOnly := func(name string) *tools.Spec {
		return &tools.Spec{Name: name, Description: name, Permission: tools.Read, Parameters: map[string]any{"type": "object"}}
	}
	writeOnly := func(name string) *tools.Spec {
		return &tools.Spec{Name: name, Description: name, Permission: tools.Write, Parameters: map[string]any{"type": "object"}}
	}
	ok := func(name string) skills.Invoker {
		return skills.InvokerFunc(func(ctx context.Context, args map[string]any) (skills.Result, error) {
			return skills.Ok(name+" succeeded", nil), nil
		})
	}
	require.NoError(t, registry.Register(readOnly("list_files"), ok("list_files")))
	require.NoError(t, registry.Register(writeOnly("create_folder"), ok("create_folder")))
	require.NoError(t, registry.Register(writeOnly("delete_folder"), ok("delete_folder")))
	require.NoError(t, registry.Register(writeOnly("move_item"), ok("move_item")))
	require.NoError(t, registry.Register(writeOnly("delete_file"), ok("delete_file")))
}

// S1: "create three folders, delete two, move three items" exercises a Plan
// with a step per skill call, confirmed to all execute in order without a
// replan.
func TestScenario_S1_MultiStepDesktopReorganization(t *testing.T) {
	registry := skills.NewRegistry()
	registerFolderSkills(t, registry)

	plan := `{"thinking":"reorganize the desktop","is_skills":true,"execute_plan":[
		{"step":1,"desc":"create folder A","skill":"create_folder","arguments":{"name":"A"}},
		{"step":2,"desc":"create folder B","skill":"create_folder","arguments":{"name":"B"}},
		{"step":3,"desc":"create folder C","skill":"create_folder","arguments":{"name":"C"}},
		{"step":4,"desc":"delete folder A","skill":"delete_folder","arguments":{"name":"A"}},
		{"step":5,"desc":"delete folder B","skill":"delete_folder","arguments":{"name":"B"}},
		{"step":6,"desc":"move item 1 into C","skill":"move_item","arguments":{"item":"1","dest":"C"}},
		{"step":7,"desc":"move item 2 into C","skill":"move_item","arguments":{"item":"2","dest":"C"}},
		{"step":8,"desc":"move item 3 into C","skill":"move_item","arguments":{"item":"3","dest":"C"}}
	]}`
	summary := "Created three folders, deleted two, and moved three items into the remaining folder."

	client := &scriptedClient{turns: []string{plan, summary}}
	driver, _ := newDriver(t, client, registry)

	result, err := driver.Chat(context.Background(), "create three folders on the desktop, delete two of them, then move any three desktop items into the remaining one")
	require.NoError(t, err)
	require.True(t, result.ToolExecuted)
	require.Contains(t, result.FinalAnswer, "Created three folders")
}

// S3: prior-success short-circuit. Round 1 succeeds at creating a.md but a
// follow-up step fails, forcing a round 2; the Planner is given the round 1
// executed Plan as PriorTrace, and round 2's scripted plan omits a repeat
// "create a.md" step, which Executor/Reviewer confirm by never re-invoking
// create_file in round 2.
func TestScenario_S3_PriorSuccessIsNotRepeatedOnReplan(t *testing.T) {
	registry := skills.NewRegistry()
	var createFileCalls int
	require.NoError(t, registry.Register(&tools.Spec{
		Name: "create_file", Description: "creates a file", Permission: tools.Write,
		Parameters: map[string]any{"type": "object"},
	}, skills.InvokerFunc(func(ctx context.Context, args map[string]any) (skills.Result, error) {
		createFileCalls++
		return skills.Ok("created a.md", nil), nil
	})))
	require.NoError(t, registry.Register(&tools.Spec{
		Name: "frobnicate_followup", Description: "a follow-up that fails round 1", Permission: tools.Write,
		Parameters: map[string]any{"type": "object"},
	}, skills.InvokerFunc(func(ctx context.Context, args map[string]any) (skills.Result, error) {
		return skills.Err("follow-up step is not available yet"), nil
	})))

	round1Plan := `{"thinking":"create a.md then do a follow-up","is_skills":true,"execute_plan":[
		{"step":1,"desc":"create a.md","skill":"create_file","arguments":{"name":"a.md"}},
		{"step":2,"desc":"follow up on a.md","skill":"frobnicate_followup","arguments":{}}
	]}`
	// Round 2 omits the "create a.md" step entirely: it is not re-planned
	// since it already succeeded.
	round2Plan := `{"thinking":"retry only the follow-up, a.md already exists","is_skills":true,"execute_plan":[
		{"step":1,"desc":"follow up on a.md","skill":"frobnicate_followup","arguments":{}}
	]}`
	failureReport := "step 1 failed: follow-up step is not available yet"
	apology := "a.md was created, but the follow-up step could not complete."

	// Every step whose skill is registered costs one Executor bind call
	// (Complete); a reply that is not a call_skill object keeps the step's
	// planned arguments.
	keepArgs := "keep the planned arguments"

	client := &scriptedClient{turns: []string{
		round1Plan, keepArgs, keepArgs, // round 1: plan, bind create_file, bind follow-up
		round2Plan, keepArgs, // round 2: plan, bind follow-up
		failureReport, apology, // final round: Reviewer's report and summary
	}}
	driver, _ := newDriver(t, client, registry)
	driver.MaxReviewRounds = 2

	_, err := driver.Chat(context.Background(), "create a.md and run the follow-up")
	require.NoError(t, err)
	require.Equal(t, 1, createFileCalls, "create_file must not be re-invoked once it already succeeded")
}

// S5: read-only gate breach. The sub-loop's mock Planner response asks to
// call delete_file (a mutating skill) mid-planning; the gate must reject it
// without invoking the registry, while the same skill may still appear as a
// properly scheduled step in the committed Plan and run normally there.
func TestScenario_S5_ReadOnlyGateBreachDuringPlanningIsRejected(t *testing.T) {
	registry := skills.NewRegistry()
	registerFolderSkills(t, registry)

	blockedSubLoopCall := `{"action":"call_skill","name":"delete_file","arguments":{"path":"secret.txt"}}`
	committedPlan := `{"thinking":"delete the file as a scheduled step","is_skills":true,"execute_plan":[
		{"step":1,"desc":"delete secret.txt","skill":"delete_file","arguments":{"path":"secret.txt"}}
	]}`
	summary := "Deleted secret.txt as requested."

	client := &scriptedClient{turns: []string{blockedSubLoopCall, committedPlan, summary}}
	driver, _ := newDriver(t, client, registry)

	result, err := driver.Chat(context.Background(), "delete secret.txt")
	require.NoError(t, err)
	require.True(t, result.ToolExecuted)
	require.Contains(t, result.FinalAnswer, "Deleted secret.txt")
}

// S6: streaming frame integrity. A mock Planner streams a thinking field
// byte by byte, including an escaped newline; the subscriber must observe
// the literal unescaped characters inside the PROGRESS segment, never the
// surrounding JSON quotes or key name.
func TestScenario_S6_StreamingFrameIntegrity(t *testing.T) {
	registry := skills.NewRegistry()

	planJSON := `{"thinking": "hello\nworld", "is_skills": false, "execute_plan": []}`
	directAnswer := "done"

	client := &byteByByteClient{planText: planJSON, finalText: directAnswer}
	driver, _ := newDriver(t, client, registry)

	sub := driver.Hub.Subscribe()
	_, err := driver.Chat(context.Background(), "say hello")
	require.NoError(t, err)

	var progressText string
drainS6:
	for {
		select {
		case ev := <-sub.Events:
			if ev.Type() == stream.EventProgress {
				progressText += ev.Payload().(stream.ProgressPayload).Text
			}
		default:
			break drainS6
		}
	}

	require.Contains(t, progressText, "hello\nworld")
	require.NotContains(t, progressText, `"thinking"`)
	require.NotContains(t, progressText, `\n`) // the literal two-char escape must never leak through
}

// byteByByteClient streams planText one byte per chunk on the first Stream
// call (simulating a real provider's incremental delivery) and finalText on
// every call after.
type byteByByteClient struct {
	planText  string
	finalText string
	calls     int
}

func (c *byteByByteClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Content: c.finalText}, nil
}

func (c *byteByByteClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.calls++
	if c.calls == 1 {
		return &byteStreamer{text: c.planText}, nil
	}
	return &byteStreamer{text: c.finalText}, nil
}

type byteStreamer struct {
	text string
	pos  int
}

func (s *byteStreamer) Recv() (model.Chunk, error) {
	if s.pos >= len(s.text) {
		return model.Chunk{}, io.EOF
	}
	b := s.text[s.pos]
	s.pos++
	return model.Chunk{Type: model.ChunkText, Text: string(b)}, nil
}
func (s *byteStreamer) Close() error { return nil }

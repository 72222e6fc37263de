package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskagent/internal/agent/model"
)

type fakeClient struct {
	content string
}

func (f *fakeClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Content: f.content}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, nil
}

type fakeMailer struct {
	sent []string
}

func (f *fakeMailer) Send(ctx context.Context, to []string, subject, body string) error {
	f.sent = append(f.sent, subject)
	return nil
}

func TestScheduler_AddScheduledPersistsAndArms(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{content: `{"subject":"hi","body":"there"}`}
	mailer := &fakeMailer{}

	s, err := New(Options{
		Path:      filepath.Join(dir, "email_tasks.json"),
		Client:    client,
		ModelName: "test-model",
		Mailer:    mailer,
	})
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	task := &ScheduledTask{ScheduledAt: future, Prompt: "remind me", To: []string{"a@example.com"}}
	require.NoError(t, s.AddScheduled(task))

	require.NotEmpty(t, task.TaskID)
	require.Equal(t, StatusScheduled, task.Status)

	reloaded, err := New(Options{Path: filepath.Join(dir, "email_tasks.json"), Client: client, Mailer: mailer})
	require.NoError(t, err)
	require.Len(t, reloaded.tasks.ScheduledTasks, 1)
	require.Equal(t, task.TaskID, reloaded.tasks.ScheduledTasks[0].TaskID)
}

func TestScheduler_FireScheduledNonRecurringGoesTerminal(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{content: `{"subject":"s","body":"b"}`}
	mailer := &fakeMailer{}

	s, err := New(Options{Path: filepath.Join(dir, "email_tasks.json"), Client: client, Mailer: mailer})
	require.NoError(t, err)

	task := &ScheduledTask{TaskID: "t1", ScheduledAt: time.Now(), Prompt: "p", To: []string{"a@example.com"}}
	s.tasks.ScheduledTasks = append(s.tasks.ScheduledTasks, task)

	s.fireScheduled(context.Background(), task)

	require.Equal(t, StatusTerminal, task.Status)
	require.Equal(t, []string{"s"}, mailer.sent)
}

func TestScheduler_FireScheduledRecurringReArms(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{content: `{"subject":"s","body":"b"}`}
	mailer := &fakeMailer{}

	s, err := New(Options{Path: filepath.Join(dir, "email_tasks.json"), Client: client, Mailer: mailer})
	require.NoError(t, err)

	task := &ScheduledTask{TaskID: "t2", Recurrence: RecurDaily, Time: "09:00:00", Prompt: "p", To: []string{"a@example.com"}}
	s.tasks.ScheduledTasks = append(s.tasks.ScheduledTasks, task)

	s.fireScheduled(context.Background(), task)

	require.Equal(t, StatusScheduled, task.Status)
	require.NotZero(t, task.ScheduledAt)
	require.Contains(t, s.timers, "t2")
	s.timers["t2"].Stop()
}

func TestScheduler_DeleteRemovesTaskAndTimer(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{content: `{}`}
	mailer := &fakeMailer{}

	s, err := New(Options{Path: filepath.Join(dir, "email_tasks.json"), Client: client, Mailer: mailer})
	require.NoError(t, err)

	task := &ScheduledTask{ScheduledAt: time.Now().Add(time.Hour), Prompt: "p"}
	require.NoError(t, s.AddScheduled(task))
	require.NoError(t, s.Delete(task.TaskID))
	require.Empty(t, s.tasks.ScheduledTasks)
	require.NotContains(t, s.timers, task.TaskID)
}

func TestScheduler_StartSkipsOverdueNonRecurring(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{content: `{}`}
	mailer := &fakeMailer{}

	s, err := New(Options{Path: filepath.Join(dir, "email_tasks.json"), Client: client, Mailer: mailer})
	require.NoError(t, err)

	overdue := &ScheduledTask{TaskID: "old", ScheduledAt: time.Now().Add(-time.Hour), Prompt: "p"}
	s.tasks.ScheduledTasks = append(s.tasks.ScheduledTasks, overdue)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StatusTerminal, overdue.Status)
}

func TestScheduler_StartFiresRealtimeWhenDateChanged(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{content: `{"subject":"rt","body":"b"}`}
	mailer := &fakeMailer{}

	s, err := New(Options{Path: filepath.Join(dir, "email_tasks.json"), Client: client, Mailer: mailer})
	require.NoError(t, err)

	rt := &RealtimeTask{TaskID: "rt1", Prompt: "p", To: []string{"a@example.com"}, LastRunDate: "2000-01-01"}
	s.tasks.RealtimeTasks = append(s.tasks.RealtimeTasks, rt)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return rt.LastRunDate == today(time.Now())
	}, time.Second, 10*time.Millisecond)
}

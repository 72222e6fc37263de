package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deskagent/internal/agent/model"
	"deskagent/internal/agent/skills"
)

// Mailer sends one composed email. skills/email.Catalog's registered
// send_email invoker satisfies this through a thin adapter at wiring time.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Scheduler owns the persisted task list and the timers that fire
// scheduled and realtime email sends, per spec.md §4.10.
type Scheduler struct {
	mu    sync.Mutex
	path  string
	tasks file

	client    model.Client
	modelName string
	mailer    Mailer
	clock     func() time.Time

	timers map[string]*time.Timer
}

// Options configures a Scheduler.
type Options struct {
	Path      string
	Client    model.Client
	ModelName string
	Mailer    Mailer
}

// New loads (or initializes) the persisted task list at opts.Path.
func New(opts Options) (*Scheduler, error) {
	s := &Scheduler{
		path:      opts.Path,
		client:    opts.Client,
		modelName: opts.ModelName,
		mailer:    opts.Mailer,
		clock:     func() time.Time { return time.Now() },
		timers:    make(map[string]*time.Timer),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.tasks = file{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: read %s: %w", s.path, err)
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("scheduler: decode %s: %w", s.path, err)
	}
	s.tasks = f
	return nil
}

// persist writes the task list with write-then-rename, matching the
// Ledger's and Dialog Memory's durability discipline. Caller must hold
// s.mu.
func (s *Scheduler) persist() error {
	raw, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("scheduler: mkdir %s: %w", dir, err)
		}
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("scheduler: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: rename %s: %w", tmpPath, err)
	}
	return nil
}

// AddScheduled creates a new scheduled task (one-shot or recurring) and
// arms its timer.
func (s *Scheduler) AddScheduled(t *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.TaskID = newTaskID()
	t.Status = StatusCreated
	t.CreatedAt = s.clock()
	s.tasks.ScheduledTasks = append(s.tasks.ScheduledTasks, t)
	if err := s.persist(); err != nil {
		return err
	}
	s.arm(t)
	return nil
}

// AddRealtime registers a daily-first-start task.
func (s *Scheduler) AddRealtime(t *RealtimeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.TaskID = newTaskID()
	s.tasks.RealtimeTasks = append(s.tasks.RealtimeTasks, t)
	return s.persist()
}

// Delete cancels any pending timer and removes the task (scheduled or
// realtime) from the store.
func (s *Scheduler) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[taskID]; ok {
		timer.Stop()
		delete(s.timers, taskID)
	}

	kept := s.tasks.ScheduledTasks[:0]
	for _, t := range s.tasks.ScheduledTasks {
		if t.TaskID != taskID {
			kept = append(kept, t)
		}
	}
	s.tasks.ScheduledTasks = kept

	keptRT := s.tasks.RealtimeTasks[:0]
	for _, t := range s.tasks.RealtimeTasks {
		if t.TaskID != taskID {
			keptRT = append(keptRT, t)
		}
	}
	s.tasks.RealtimeTasks = keptRT

	return s.persist()
}

// Start replays the persisted task list on process startup: for each
// scheduled task, computes the next-fire delay, skipping overdue
// non-recurring tasks and advancing overdue recurring ones to their next
// occurrence, per spec.md §4.10. It then checks every realtime task
// against today's date.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]*ScheduledTask(nil), s.tasks.ScheduledTasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		s.mu.Lock()
		s.replay(t)
		s.mu.Unlock()
	}

	for _, t := range s.tasks.RealtimeTasks {
		if t.LastRunDate != today(s.clock()) {
			go s.fireRealtime(ctx, t)
		}
	}
	return nil
}

// replay computes the next fire time for a persisted task at startup.
// Caller must hold s.mu.
func (s *Scheduler) replay(t *ScheduledTask) {
	now := s.clock()
	if !t.isRecurring() {
		if t.ScheduledAt.Before(now) {
			t.Status = StatusTerminal
			return
		}
		s.arm(t)
		return
	}
	for nextFire(t, now).Before(now) {
		advanceRecurrence(t, now)
	}
	s.arm(t)
}

// arm schedules t's timer to fire at its next due time. Caller must hold
// s.mu.
func (s *Scheduler) arm(t *ScheduledTask) {
	now := s.clock()
	var when time.Time
	if t.isRecurring() {
		when = nextFire(t, now)
	} else {
		when = t.ScheduledAt
	}
	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}
	t.Status = StatusScheduled

	timer := time.AfterFunc(delay, func() {
		s.fireScheduled(context.Background(), t)
	})
	s.timers[t.TaskID] = timer
}

// fireScheduled runs one scheduled task: compose, send, record the
// outcome, and re-arm if recurring. A fire must not block the driver;
// callers invoke this from time.AfterFunc's own goroutine, which keeps it
// off any Turn Driver goroutine.
func (s *Scheduler) fireScheduled(ctx context.Context, t *ScheduledTask) {
	s.mu.Lock()
	t.Status = StatusFiring
	s.mu.Unlock()

	subject, body, err := s.compose(ctx, t.Prompt)
	if err == nil {
		err = s.mailer.Send(ctx, t.To, subject, body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		t.Status = StatusFailed
		t.LastError = err.Error()
		slog.Warn("scheduler: task failed", "task_id", t.TaskID, "error", err)
	} else {
		t.Status = StatusSent
		t.LastError = ""
	}

	if t.isRecurring() {
		advanceRecurrence(t, s.clock())
		s.arm(t)
	} else {
		t.Status = StatusTerminal
		delete(s.timers, t.TaskID)
	}
	if perr := s.persist(); perr != nil {
		slog.Warn("scheduler: persist failed", "error", perr)
	}
}

// fireRealtime composes and sends a daily-first-start task, stamping
// last_run_date on success.
func (s *Scheduler) fireRealtime(ctx context.Context, t *RealtimeTask) {
	subject, body, err := s.compose(ctx, t.Prompt)
	if err == nil {
		err = s.mailer.Send(ctx, t.To, subject, body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		slog.Warn("scheduler: realtime task failed", "task_id", t.TaskID, "error", err)
		return
	}
	t.LastRunDate = today(s.clock())
	if perr := s.persist(); perr != nil {
		slog.Warn("scheduler: persist failed", "error", perr)
	}
}

// compose asks the LLM Client for a {subject, body} pair given a stored
// prompt, per spec.md §4.10.
func (s *Scheduler) compose(ctx context.Context, prompt string) (subject, body string, err error) {
	resp, err := s.client.Complete(ctx, &model.Request{
		Model: s.modelName,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "Compose an email as JSON {\"subject\":...,\"body\":...} for this request."},
			{Role: model.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", "", err
	}
	var out struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return "", resp.Content, nil
	}
	return out.Subject, out.Body, nil
}

// SkillMailer adapts a registered send_email skill invoker into a Mailer.
type SkillMailer struct {
	Invoke skills.Invoker
}

// Send invokes the send_email skill and surfaces a failure result as an
// error.
func (m SkillMailer) Send(ctx context.Context, to []string, subject, body string) error {
	result, err := m.Invoke.Invoke(ctx, map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("send_email: %s", result.Message)
	}
	return nil
}

// nextFire computes t's next occurrence at or after now, per its
// recurrence/time/weekday fields.
func nextFire(t *ScheduledTask, now time.Time) time.Time {
	hh, mm, ss := parseTimeOfDay(t.Time)
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, ss, 0, now.Location())

	switch t.Recurrence {
	case RecurDaily:
		if candidate.Before(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	case RecurWeekly:
		weekday := 0
		if t.Weekday != nil {
			weekday = *t.Weekday
		}
		for int(candidate.Weekday()) != weekday || candidate.Before(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	case RecurMonthly:
		if candidate.Before(now) {
			candidate = candidate.AddDate(0, 1, 0)
		}
	case RecurYearly:
		if candidate.Before(now) {
			candidate = candidate.AddDate(1, 0, 0)
		}
	}
	return candidate
}

// advanceRecurrence moves t's schedule forward by one period from now.
func advanceRecurrence(t *ScheduledTask, now time.Time) {
	switch t.Recurrence {
	case RecurDaily:
		t.ScheduledAt = nextFire(t, now).AddDate(0, 0, 1)
	case RecurWeekly:
		t.ScheduledAt = nextFire(t, now).AddDate(0, 0, 7)
	case RecurMonthly:
		t.ScheduledAt = nextFire(t, now).AddDate(0, 1, 0)
	case RecurYearly:
		t.ScheduledAt = nextFire(t, now).AddDate(1, 0, 0)
	default:
		t.ScheduledAt = nextFire(t, now)
	}
}

func parseTimeOfDay(s string) (hh, mm, ss int) {
	if s == "" {
		return 9, 0, 0
	}
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &hh, &mm, &ss); err != nil {
		return 9, 0, 0
	}
	return hh, mm, ss
}

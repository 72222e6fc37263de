// Package scheduler implements the Email Scheduler: durable one-shot and
// recurring timers, plus a daily-first-start realtime task, that trigger
// LLM-composed email sends and survive process restart by replay, per
// spec.md §4.10. Persistence follows the same write-then-rename discipline
// as the Ledger and Dialog Memory.
package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Status is a scheduled task's current state in its lifecycle, per
// spec.md §4.10's `created → scheduled → firing → (sent|failed) →
// (terminal|scheduled)` state machine.
type Status string

const (
	StatusCreated  Status = "created"
	StatusScheduled Status = "scheduled"
	StatusFiring   Status = "firing"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusTerminal Status = "terminal"
)

// Recurrence names a recurring cadence.
type Recurrence string

const (
	RecurNone    Recurrence = ""
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
	RecurYearly  Recurrence = "yearly"
)

// ScheduledTask is a one-shot or recurring timer that fires an
// LLM-composed email send.
type ScheduledTask struct {
	TaskID       string     `json:"task_id"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ScheduledAt  time.Time  `json:"scheduled_at,omitempty"`
	Recurrence   Recurrence `json:"recurrence,omitempty"`
	Time         string     `json:"time,omitempty"`    // HH:MM:SS, for recurring tasks
	Weekday      *int       `json:"weekday,omitempty"` // 0..6, for weekly
	Prompt       string     `json:"prompt"`
	To           []string   `json:"to"`
	LastRunDate  string     `json:"last_run_date,omitempty"` // YYYY-MM-DD
	LastError    string     `json:"last_error,omitempty"`

	timer *time.Timer
}

// RealtimeTask runs at most once per calendar day, the first time the
// process starts on a new day, per spec.md §4.10's "daily-first-start"
// kind.
type RealtimeTask struct {
	TaskID      string   `json:"task_id"`
	Prompt      string   `json:"prompt"`
	To          []string `json:"to"`
	LastRunDate string   `json:"last_run_date,omitempty"`
}

// file is the on-disk shape of email_tasks.json, per spec.md §6.
type file struct {
	ScheduledTasks []*ScheduledTask `json:"scheduled_tasks"`
	RealtimeTasks  []*RealtimeTask  `json:"realtime_tasks"`
}

// newTaskID mints a fresh task identifier.
func newTaskID() string {
	return uuid.NewString()
}

// isRecurring reports whether t fires more than once.
func (t *ScheduledTask) isRecurring() bool {
	return t.Recurrence != RecurNone
}

// today returns the current date as YYYY-MM-DD in local time, the unit
// spec.md §4.10 compares last_run_date against.
func today(now time.Time) string {
	return now.Format("2006-01-02")
}

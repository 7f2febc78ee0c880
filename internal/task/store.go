package task

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned by Apply when the task row changed between
// the caller's read and its commit. The engine reacts by re-reading and
// re-applying the transition, up to its retry budget.
var ErrVersionConflict = errors.New("task version conflict")

// Commit describes the atomic durable outcome of one applied transition:
// the new task row plus the implied reminder-table changes. Stores apply the
// whole struct in a single transaction (or equivalent); a failed commit
// leaves no partial state.
type Commit struct {
	// Task is the new row. On success the store bumps Task.Version.
	Task *Task

	// ExpectedVersion guards the update: the commit succeeds only when the
	// stored row still carries this version. Ignored when Create is set.
	ExpectedVersion int64

	// Create inserts the row instead of updating; the task must not exist.
	Create bool

	// Attempt, when set, records the notification attempt being dispatched
	// for this transition. It is inserted in the sent state; the notify
	// queue later moves it to delivered or failed.
	Attempt *Reminder

	// Wake, when set, becomes the task's single scheduled reminder,
	// replacing any previous one.
	Wake *Reminder

	// ClearWake removes any scheduled reminder for the task.
	ClearWake bool

	// Acknowledge marks the task's outstanding sent/delivered attempts
	// acknowledged (the user responded).
	Acknowledge bool
}

// DueWake is a pending wake whose time has arrived, as re-derived from
// durable state by the reconciliation sweep.
type DueWake struct {
	TaskID string
	// Version pins the resulting event to the row version observed at read
	// time, so a concurrent transition invalidates the wake.
	Version int64
	Kind    EventKind
	At      time.Time
}

// Store is the persistence port for tasks and reminders. It is the only
// shared mutable resource in the system; all cross-worker coordination goes
// through its version CAS.
type Store interface {
	// Apply commits one transition atomically. Returns ErrVersionConflict
	// when the guard fails and ErrTaskNotFound (wrapped from
	// internal/errors) when updating a missing row.
	Apply(ctx context.Context, c Commit) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListDueWakes returns scheduled wakes with a due time at or before now,
	// oldest first, limited to limit entries.
	ListDueWakes(ctx context.Context, now time.Time, limit int) ([]DueWake, error)

	// MostRecentlyNotified returns the open task the user most recently
	// received a reminder for, falling back to the newest open task. Returns
	// ErrTaskNotFound when the user has no open tasks.
	MostRecentlyNotified(ctx context.Context, userID string) (*Task, error)

	// ListOpenByUser returns the user's pending and snoozed tasks due inside
	// [from, to), ordered by due time.
	ListOpenByUser(ctx context.Context, userID string, from, to time.Time) ([]*Task, error)

	// ListReminders returns a task's reminder history, newest first.
	ListReminders(ctx context.Context, taskID string) ([]*Reminder, error)

	// MarkReminderDelivered records a delivery receipt for a sent attempt.
	MarkReminderDelivered(ctx context.Context, reminderID, deliveryRef string) error

	// MarkReminderFailed records delivery retry exhaustion for a sent
	// attempt. The reminder row never re-enters the state machine.
	MarkReminderFailed(ctx context.Context, reminderID, errMsg string) error
}

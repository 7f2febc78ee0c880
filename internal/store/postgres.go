package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	kberrors "kabanda/internal/errors"
	"kabanda/internal/logging"
	"kabanda/internal/task"
)

const (
	tasksTable     = "kabanda_tasks"
	remindersTable = "kabanda_reminders"
)

// Postgres persists tasks and reminders in PostgreSQL. The task row carries
// a version column; Apply commits guarded updates so concurrent transitions
// on one task serialize through ErrVersionConflict instead of overwriting
// each other.
type Postgres struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgres constructs a Postgres-backed task store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskStore"),
	}
}

var _ task.Store = (*Postgres)(nil)

// EnsureSchema creates the task and reminder tables if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    priority TEXT NOT NULL DEFAULT 'medium',
    due_at TIMESTAMPTZ,
    snoozed_until TIMESTAMPTZ,
    reminder_count INTEGER NOT NULL DEFAULT 0,
    last_reminded_at TIMESTAMPTZ,
    version BIGINT NOT NULL DEFAULT 1,
    source_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
);`, tasksTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
    channel TEXT NOT NULL DEFAULT 'primary',
    status TEXT NOT NULL DEFAULT 'scheduled',
    level INTEGER NOT NULL DEFAULT 1,
    scheduled_for TIMESTAMPTZ NOT NULL,
    sent_at TIMESTAMPTZ,
    acknowledged_at TIMESTAMPTZ,
    message TEXT NOT NULL DEFAULT '',
    delivery_ref TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT ''
);`, remindersTable, tasksTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_status ON %s (user_id, status);`, tasksTable, tasksTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_task ON %s (task_id);`, remindersTable, remindersTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_due ON %s (scheduled_for) WHERE status = 'scheduled';`, remindersTable, remindersTable),
		// One scheduled wake per task, enforced by the database itself.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_one_scheduled ON %s (task_id) WHERE status = 'scheduled';`, remindersTable, remindersTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure reminder schema: %w", err)
		}
	}
	return nil
}

// Apply commits one transition in a single transaction: the guarded task
// update plus the implied reminder-row changes.
func (s *Postgres) Apply(ctx context.Context, c task.Commit) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	if c.Task == nil {
		return fmt.Errorf("store: commit without task")
	}
	if err := c.Task.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t := c.Task
	if c.Create {
		t.Version = 1
		_, err = tx.Exec(ctx, `
INSERT INTO `+tasksTable+` (id, user_id, title, description, status, priority, due_at, snoozed_until,
    reminder_count, last_reminded_at, version, source_message, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`, t.ID, t.UserID, t.Title, t.Description, t.Status, t.Priority, nullTime(t.DueAt), t.SnoozedUntil,
			t.ReminderCount, t.LastRemindedAt, t.Version, t.SourceMessage, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	} else {
		newVersion := c.ExpectedVersion + 1
		tag, err := tx.Exec(ctx, `
UPDATE `+tasksTable+`
SET title = $1, description = $2, status = $3, priority = $4, due_at = $5, snoozed_until = $6,
    reminder_count = $7, last_reminded_at = $8, version = $9, updated_at = $10, completed_at = $11
WHERE id = $12 AND version = $13
`, t.Title, t.Description, t.Status, t.Priority, nullTime(t.DueAt), t.SnoozedUntil,
			t.ReminderCount, t.LastRemindedAt, newVersion, t.UpdatedAt, t.CompletedAt,
			t.ID, c.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update task %s: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			// Either the row is gone or another writer moved the version.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+tasksTable+` WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
				return fmt.Errorf("probe task %s: %w", t.ID, err)
			}
			if !exists {
				return fmt.Errorf("task %s: %w", t.ID, kberrors.ErrTaskNotFound)
			}
			return fmt.Errorf("task %s, commit expects version %d: %w", t.ID, c.ExpectedVersion, task.ErrVersionConflict)
		}
		t.Version = newVersion
	}

	if c.Attempt != nil {
		if err := insertReminder(ctx, tx, c.Attempt); err != nil {
			return err
		}
	}
	if c.ClearWake || c.Wake != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM `+remindersTable+` WHERE task_id = $1 AND status = 'scheduled'`, t.ID); err != nil {
			return fmt.Errorf("clear wake for %s: %w", t.ID, err)
		}
	}
	if c.Wake != nil {
		if err := insertReminder(ctx, tx, c.Wake); err != nil {
			return err
		}
	}
	if c.Acknowledge {
		_, err := tx.Exec(ctx, `
UPDATE `+remindersTable+`
SET status = 'acknowledged', acknowledged_at = now()
WHERE task_id = $1 AND status IN ('sent', 'delivered')
`, t.ID)
		if err != nil {
			return fmt.Errorf("acknowledge reminders for %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition for %s: %w", t.ID, err)
	}
	return nil
}

func insertReminder(ctx context.Context, tx pgx.Tx, r *task.Reminder) error {
	_, err := tx.Exec(ctx, `
INSERT INTO `+remindersTable+` (id, task_id, channel, status, level, scheduled_for, sent_at, acknowledged_at, message, delivery_ref, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, r.ID, r.TaskID, defaultChannel(r.Channel), r.Status, r.Level, r.ScheduledFor, r.SentAt, r.AcknowledgedAt, r.Message, r.DeliveryRef, r.Error)
	if err != nil {
		return fmt.Errorf("insert reminder %s: %w", r.ID, err)
	}
	return nil
}

func defaultChannel(c task.ReminderChannel) task.ReminderChannel {
	if c == "" {
		return task.ChannelPrimary
	}
	return c
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const taskColumns = `id, user_id, title, description, status, priority, due_at, snoozed_until,
    reminder_count, last_reminded_at, version, source_message, created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var dueAt *time.Time
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&dueAt, &t.SnoozedUntil, &t.ReminderCount, &t.LastRemindedAt, &t.Version,
		&t.SourceMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if dueAt != nil {
		t.DueAt = *dueAt
	}
	return &t, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, kberrors.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListDueWakes re-derives pending wakes from the scheduled reminder rows.
// The join pins each wake to the task version current at read time, so a
// transition committed between the sweep and the resulting event makes the
// event stale.
func (s *Postgres) ListDueWakes(ctx context.Context, now time.Time, limit int) ([]task.DueWake, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT r.task_id, t.version, t.status, r.scheduled_for
FROM `+remindersTable+` r
JOIN `+tasksTable+` t ON t.id = r.task_id
WHERE r.status = 'scheduled'
  AND r.scheduled_for <= $1
  AND t.status NOT IN ('completed', 'cancelled')
ORDER BY r.scheduled_for ASC
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due wakes: %w", err)
	}
	defer rows.Close()

	var due []task.DueWake
	for rows.Next() {
		var w task.DueWake
		var status task.Status
		if err := rows.Scan(&w.TaskID, &w.Version, &status, &w.At); err != nil {
			return nil, fmt.Errorf("scan due wake: %w", err)
		}
		w.Kind = task.EventReminderDue
		if status == task.StatusSnoozed {
			w.Kind = task.EventSnoozeExpiry
		}
		due = append(due, w)
	}
	return due, rows.Err()
}

func (s *Postgres) MostRecentlyNotified(ctx context.Context, userID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+taskColumns+` FROM `+tasksTable+`
WHERE user_id = $1 AND status NOT IN ('completed', 'cancelled')
ORDER BY last_reminded_at DESC NULLS LAST, created_at DESC
LIMIT 1
`, userID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s has no open tasks: %w", userID, kberrors.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("most recently notified for %s: %w", userID, err)
	}
	return t, nil
}

func (s *Postgres) ListOpenByUser(ctx context.Context, userID string, from, to time.Time) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM `+tasksTable+`
WHERE user_id = $1 AND status NOT IN ('completed', 'cancelled')
  AND due_at >= $2 AND due_at < $3
ORDER BY due_at ASC
`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list open tasks for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) ListReminders(ctx context.Context, taskID string) ([]*task.Reminder, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, channel, status, level, scheduled_for, sent_at, acknowledged_at, message, delivery_ref, error
FROM `+remindersTable+`
WHERE task_id = $1
ORDER BY scheduled_for DESC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reminders for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*task.Reminder
	for rows.Next() {
		var r task.Reminder
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Channel, &r.Status, &r.Level,
			&r.ScheduledFor, &r.SentAt, &r.AcknowledgedAt, &r.Message, &r.DeliveryRef, &r.Error); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkReminderDelivered(ctx context.Context, reminderID, deliveryRef string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+remindersTable+`
SET status = 'delivered', delivery_ref = $1
WHERE id = $2 AND status = 'sent'
`, deliveryRef, reminderID)
	if err != nil {
		return fmt.Errorf("mark reminder %s delivered: %w", reminderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", reminderID, kberrors.ErrReminderNotFound)
	}
	return nil
}

func (s *Postgres) MarkReminderFailed(ctx context.Context, reminderID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+remindersTable+`
SET status = 'failed', error = $1
WHERE id = $2 AND status = 'sent'
`, errMsg, reminderID)
	if err != nil {
		return fmt.Errorf("mark reminder %s failed: %w", reminderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", reminderID, kberrors.ErrReminderNotFound)
	}
	s.logger.Warn("reminder %s delivery failed permanently: %s", reminderID, errMsg)
	return nil
}

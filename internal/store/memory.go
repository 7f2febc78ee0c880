// Package store provides the durable task.Store implementations: an
// in-memory store for tests and single-process runs, and a PostgreSQL store
// for production.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	kberrors "kabanda/internal/errors"
	"kabanda/internal/task"
)

// Memory is a mutex-guarded in-process task.Store. It implements the same
// version CAS contract as the PostgreSQL store so the engine behaves
// identically against either.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	history   map[string][]*task.Reminder
	scheduled map[string]*task.Reminder
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*task.Task),
		history:   make(map[string][]*task.Reminder),
		scheduled: make(map[string]*task.Reminder),
	}
}

var _ task.Store = (*Memory)(nil)

func cloneTask(t *task.Task) *task.Task {
	c := *t
	return &c
}

func cloneReminder(r *task.Reminder) *task.Reminder {
	c := *r
	return &c
}

// Apply commits one transition atomically under the store lock.
func (m *Memory) Apply(ctx context.Context, c task.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Task == nil {
		return fmt.Errorf("store: commit without task")
	}
	if err := c.Task.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := cloneTask(c.Task)
	if c.Create {
		if _, exists := m.tasks[next.ID]; exists {
			return fmt.Errorf("store: task %s already exists", next.ID)
		}
		next.Version = 1
	} else {
		cur, ok := m.tasks[next.ID]
		if !ok {
			return fmt.Errorf("task %s: %w", next.ID, kberrors.ErrTaskNotFound)
		}
		if cur.Version != c.ExpectedVersion {
			return fmt.Errorf("task %s at version %d, commit expects %d: %w",
				next.ID, cur.Version, c.ExpectedVersion, task.ErrVersionConflict)
		}
		next.Version = c.ExpectedVersion + 1
	}
	m.tasks[next.ID] = next
	c.Task.Version = next.Version

	if c.Attempt != nil {
		m.history[next.ID] = append(m.history[next.ID], cloneReminder(c.Attempt))
	}
	if c.ClearWake {
		delete(m.scheduled, next.ID)
	}
	if c.Wake != nil {
		m.scheduled[next.ID] = cloneReminder(c.Wake)
	}
	if c.Acknowledge {
		ackAt := time.Now().UTC()
		for _, r := range m.history[next.ID] {
			if r.Status.CanTransitionTo(task.ReminderAcknowledged) && r.Status != task.ReminderFailed {
				r.Status = task.ReminderAcknowledged
				at := ackAt
				r.AcknowledgedAt = &at
			}
		}
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, kberrors.ErrTaskNotFound)
	}
	return cloneTask(t), nil
}

// ListDueWakes re-derives pending wakes from the scheduled reminder rows.
// The wake kind follows the task's current status: a snoozed task's wake is
// its snooze expiry, any other open task wakes into a reminder.
func (m *Memory) ListDueWakes(ctx context.Context, now time.Time, limit int) ([]task.DueWake, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []task.DueWake
	for taskID, r := range m.scheduled {
		if r.ScheduledFor.After(now) {
			continue
		}
		t, ok := m.tasks[taskID]
		if !ok || t.Status.IsTerminal() {
			continue
		}
		kind := task.EventReminderDue
		if t.Status == task.StatusSnoozed {
			kind = task.EventSnoozeExpiry
		}
		due = append(due, task.DueWake{
			TaskID:  taskID,
			Version: t.Version,
			Kind:    kind,
			At:      r.ScheduledFor,
		})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) MostRecentlyNotified(ctx context.Context, userID string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *task.Task
	for _, t := range m.tasks {
		if t.UserID != userID || t.Status.IsTerminal() {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		if laterNotified(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, fmt.Errorf("user %s has no open tasks: %w", userID, kberrors.ErrTaskNotFound)
	}
	return cloneTask(best), nil
}

// laterNotified prefers the more recently reminded task; tasks that were
// never reminded rank below any reminded one and fall back to creation time.
func laterNotified(a, b *task.Task) bool {
	switch {
	case a.LastRemindedAt != nil && b.LastRemindedAt != nil:
		return a.LastRemindedAt.After(*b.LastRemindedAt)
	case a.LastRemindedAt != nil:
		return true
	case b.LastRemindedAt != nil:
		return false
	default:
		return a.CreatedAt.After(b.CreatedAt)
	}
}

func (m *Memory) ListOpenByUser(ctx context.Context, userID string, from, to time.Time) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Task
	for _, t := range m.tasks {
		if t.UserID != userID || t.Status.IsTerminal() {
			continue
		}
		if t.DueAt.Before(from) || !t.DueAt.Before(to) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *Memory) ListReminders(ctx context.Context, taskID string) ([]*task.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Reminder
	if s, ok := m.scheduled[taskID]; ok {
		out = append(out, cloneReminder(s))
	}
	for _, r := range m.history[taskID] {
		out = append(out, cloneReminder(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.After(out[j].ScheduledFor) })
	return out, nil
}

func (m *Memory) MarkReminderDelivered(ctx context.Context, reminderID, deliveryRef string) error {
	return m.markReminder(ctx, reminderID, func(r *task.Reminder) error {
		if !r.Status.CanTransitionTo(task.ReminderDelivered) {
			return fmt.Errorf("reminder %s is %s, cannot mark delivered", reminderID, r.Status)
		}
		r.Status = task.ReminderDelivered
		r.DeliveryRef = deliveryRef
		return nil
	})
}

func (m *Memory) MarkReminderFailed(ctx context.Context, reminderID, errMsg string) error {
	return m.markReminder(ctx, reminderID, func(r *task.Reminder) error {
		if !r.Status.CanTransitionTo(task.ReminderFailed) {
			return fmt.Errorf("reminder %s is %s, cannot mark failed", reminderID, r.Status)
		}
		r.Status = task.ReminderFailed
		r.Error = errMsg
		return nil
	})
}

func (m *Memory) markReminder(ctx context.Context, reminderID string, fn func(*task.Reminder) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rs := range m.history {
		for _, r := range rs {
			if r.ID == reminderID {
				return fn(r)
			}
		}
	}
	return fmt.Errorf("reminder %s: %w", reminderID, kberrors.ErrReminderNotFound)
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	kberrors "kabanda/internal/errors"
	"kabanda/internal/task"
)

func newTestTask(id, userID string, due time.Time) *task.Task {
	now := due.Add(-time.Hour)
	return &task.Task{
		ID:        id,
		UserID:    userID,
		Title:     "test task " + id,
		Status:    task.StatusPending,
		Priority:  task.PriorityMedium,
		DueAt:     due,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func mustCreate(t *testing.T, m *Memory, tk *task.Task, wakeAt time.Time) {
	t.Helper()
	err := m.Apply(context.Background(), task.Commit{
		Task:   tk,
		Create: true,
		Wake: &task.Reminder{
			ID:           task.NewReminderID(),
			TaskID:       tk.ID,
			Channel:      task.ChannelPrimary,
			Status:       task.ReminderScheduled,
			Level:        1,
			ScheduledFor: wakeAt,
		},
	})
	if err != nil {
		t.Fatalf("create %s: %v", tk.ID, err)
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	m := NewMemory()
	due := time.Now().Add(time.Hour)
	tk := newTestTask("task-a", "tg:1", due)
	mustCreate(t, m, tk, due)

	got, err := m.GetTask(context.Background(), "task-a")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1 after create", got.Version)
	}

	// Mutating the returned copy must not leak into the store.
	got.Title = "mutated"
	again, _ := m.GetTask(context.Background(), "task-a")
	if again.Title == "mutated" {
		t.Error("GetTask leaked internal state")
	}
}

func TestMemory_GetMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.GetTask(context.Background(), "task-nope")
	if !errors.Is(err, kberrors.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemory_VersionCAS(t *testing.T) {
	m := NewMemory()
	due := time.Now().Add(time.Hour)
	tk := newTestTask("task-a", "tg:1", due)
	mustCreate(t, m, tk, due)

	// First writer wins.
	upd := *tk
	upd.Status = task.StatusCompleted
	now := time.Now()
	upd.CompletedAt = &now
	err := m.Apply(context.Background(), task.Commit{
		Task: &upd, ExpectedVersion: 1, ClearWake: true,
	})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if upd.Version != 2 {
		t.Errorf("version = %d, want 2 after commit", upd.Version)
	}

	// Second writer raced on the same version and must lose.
	lost := *tk
	lost.Status = task.StatusCancelled
	err = m.Apply(context.Background(), task.Commit{
		Task: &lost, ExpectedVersion: 1, ClearWake: true,
	})
	if !errors.Is(err, task.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := m.GetTask(context.Background(), "task-a")
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, the losing writer overwrote the winner", got.Status)
	}
}

func TestMemory_CreateDuplicate(t *testing.T) {
	m := NewMemory()
	due := time.Now().Add(time.Hour)
	mustCreate(t, m, newTestTask("task-a", "tg:1", due), due)

	err := m.Apply(context.Background(), task.Commit{
		Task: newTestTask("task-a", "tg:1", due), Create: true,
	})
	if err == nil {
		t.Fatal("duplicate create should fail")
	}
}

func TestMemory_SingleScheduledWakePerTask(t *testing.T) {
	m := NewMemory()
	due := time.Now().Add(time.Minute)
	tk := newTestTask("task-a", "tg:1", due)
	mustCreate(t, m, tk, due)

	// Replace the wake twice; only the last survives.
	for i := 1; i <= 2; i++ {
		upd := *tk
		upd.ReminderCount = i
		err := m.Apply(context.Background(), task.Commit{
			Task:            &upd,
			ExpectedVersion: int64(i),
			Wake: &task.Reminder{
				ID:           task.NewReminderID(),
				TaskID:       tk.ID,
				Status:       task.ReminderScheduled,
				ScheduledFor: due.Add(time.Duration(i) * 10 * time.Minute),
			},
		})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		*tk = upd
	}

	wakes, err := m.ListDueWakes(context.Background(), due.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueWakes: %v", err)
	}
	if len(wakes) != 1 {
		t.Fatalf("wakes = %d, want exactly one scheduled wake per task", len(wakes))
	}
	if want := due.Add(20 * time.Minute); !wakes[0].At.Equal(want) {
		t.Errorf("wake at %v, want %v", wakes[0].At, want)
	}
	if wakes[0].Version != 3 {
		t.Errorf("wake pinned to version %d, want 3", wakes[0].Version)
	}
}

func TestMemory_ListDueWakes(t *testing.T) {
	m := NewMemory()
	now := time.Now()

	mustCreate(t, m, newTestTask("task-a", "tg:1", now.Add(-20*time.Minute)), now.Add(-20*time.Minute))
	mustCreate(t, m, newTestTask("task-b", "tg:1", now.Add(-5*time.Minute)), now.Add(-5*time.Minute))
	mustCreate(t, m, newTestTask("task-c", "tg:1", now.Add(time.Hour)), now.Add(time.Hour))

	wakes, err := m.ListDueWakes(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ListDueWakes: %v", err)
	}
	if len(wakes) != 2 {
		t.Fatalf("due wakes = %d, want 2", len(wakes))
	}
	if wakes[0].TaskID != "task-a" || wakes[1].TaskID != "task-b" {
		t.Errorf("order = %s, %s; want oldest first", wakes[0].TaskID, wakes[1].TaskID)
	}
	for _, w := range wakes {
		if w.Kind != task.EventReminderDue {
			t.Errorf("%s kind = %s, want reminder_due", w.TaskID, w.Kind)
		}
	}
}

func TestMemory_DueWakeKindFollowsSnooze(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	tk := newTestTask("task-a", "tg:1", now.Add(-time.Minute))
	mustCreate(t, m, tk, now.Add(-time.Minute))

	until := now.Add(-time.Second)
	snoozed := *tk
	snoozed.Status = task.StatusSnoozed
	snoozed.SnoozedUntil = &until
	err := m.Apply(context.Background(), task.Commit{
		Task:            &snoozed,
		ExpectedVersion: 1,
		Wake: &task.Reminder{
			ID:           task.NewReminderID(),
			TaskID:       tk.ID,
			Status:       task.ReminderScheduled,
			ScheduledFor: until,
		},
	})
	if err != nil {
		t.Fatalf("snooze commit: %v", err)
	}

	wakes, _ := m.ListDueWakes(context.Background(), now, 10)
	if len(wakes) != 1 {
		t.Fatalf("wakes = %d, want 1", len(wakes))
	}
	if wakes[0].Kind != task.EventSnoozeExpiry {
		t.Errorf("kind = %s, want snooze_expiry for snoozed task", wakes[0].Kind)
	}
}

func TestMemory_TerminalTasksYieldNoWakes(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	tk := newTestTask("task-a", "tg:1", now.Add(-time.Minute))
	mustCreate(t, m, tk, now.Add(-time.Minute))

	done := *tk
	done.Status = task.StatusCompleted
	doneAt := now
	done.CompletedAt = &doneAt
	// The wake row is cleared in the same commit; even if it were not, a
	// terminal task must never surface from the sweep.
	if err := m.Apply(context.Background(), task.Commit{Task: &done, ExpectedVersion: 1, ClearWake: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	wakes, _ := m.ListDueWakes(context.Background(), now.Add(time.Hour), 10)
	if len(wakes) != 0 {
		t.Fatalf("wakes = %d, want 0 for terminal task", len(wakes))
	}
}

func TestMemory_MostRecentlyNotified(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ctx := context.Background()

	a := newTestTask("task-a", "tg:1", now.Add(time.Hour))
	b := newTestTask("task-b", "tg:1", now.Add(2*time.Hour))
	mustCreate(t, m, a, a.DueAt)
	mustCreate(t, m, b, b.DueAt)

	// Neither reminded yet: the newest open task wins (b is created later).
	got, err := m.MostRecentlyNotified(ctx, "tg:1")
	if err != nil {
		t.Fatalf("MostRecentlyNotified: %v", err)
	}
	if got.ID != "task-b" {
		t.Errorf("got %s, want newest open task task-b", got.ID)
	}

	// A reminded task beats a newer unreminded one.
	reminded := *a
	reminded.ReminderCount = 1
	at := now
	reminded.LastRemindedAt = &at
	if err := m.Apply(ctx, task.Commit{Task: &reminded, ExpectedVersion: 1}); err != nil {
		t.Fatalf("remind a: %v", err)
	}
	got, _ = m.MostRecentlyNotified(ctx, "tg:1")
	if got.ID != "task-a" {
		t.Errorf("got %s, want most recently reminded task-a", got.ID)
	}

	_, err = m.MostRecentlyNotified(ctx, "tg:999")
	if !errors.Is(err, kberrors.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for unknown user, got %v", err)
	}
}

func TestMemory_ListOpenByUser(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ctx := context.Background()

	later := newTestTask("task-later", "tg:1", now.Add(3*time.Hour))
	soon := newTestTask("task-soon", "tg:1", now.Add(time.Hour))
	other := newTestTask("task-other", "tg:2", now.Add(time.Hour))
	outside := newTestTask("task-outside", "tg:1", now.Add(48*time.Hour))
	for _, tk := range []*task.Task{later, soon, other, outside} {
		mustCreate(t, m, tk, tk.DueAt)
	}

	got, err := m.ListOpenByUser(ctx, "tg:1", now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListOpenByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tasks = %d, want 2", len(got))
	}
	if got[0].ID != "task-soon" || got[1].ID != "task-later" {
		t.Errorf("order = %s, %s; want due time ascending", got[0].ID, got[1].ID)
	}
}

func TestMemory_ReminderAttemptLifecycle(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ctx := context.Background()
	tk := newTestTask("task-a", "tg:1", now)
	mustCreate(t, m, tk, now)

	sentAt := now
	attempt := &task.Reminder{
		ID:           "rem-1",
		TaskID:       tk.ID,
		Channel:      task.ChannelPrimary,
		Status:       task.ReminderSent,
		Level:        1,
		ScheduledFor: now,
		SentAt:       &sentAt,
		Message:      "🔔 Reminder: test task task-a",
	}
	fired := *tk
	fired.ReminderCount = 1
	fired.LastRemindedAt = &sentAt
	err := m.Apply(ctx, task.Commit{
		Task:            &fired,
		ExpectedVersion: 1,
		Attempt:         attempt,
		Wake: &task.Reminder{
			ID: "rem-2", TaskID: tk.ID,
			Status: task.ReminderScheduled, ScheduledFor: now.Add(10 * time.Minute),
		},
	})
	if err != nil {
		t.Fatalf("fire commit: %v", err)
	}

	if err := m.MarkReminderDelivered(ctx, "rem-1", "msg-555"); err != nil {
		t.Fatalf("MarkReminderDelivered: %v", err)
	}
	// Delivery receipts are idempotent at the lifecycle level: a second
	// delivered mark is a monotonicity violation.
	if err := m.MarkReminderDelivered(ctx, "rem-1", "msg-556"); err == nil {
		t.Error("second delivered mark should fail the monotone check")
	}

	// Acknowledge on user reply.
	done := fired
	done.Status = task.StatusCompleted
	done.CompletedAt = &sentAt
	err = m.Apply(ctx, task.Commit{
		Task: &done, ExpectedVersion: 2, ClearWake: true, Acknowledge: true,
	})
	if err != nil {
		t.Fatalf("done commit: %v", err)
	}

	history, err := m.ListReminders(ctx, tk.ID)
	if err != nil {
		t.Fatalf("ListReminders: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d rows, want 1 (wake cleared)", len(history))
	}
	if history[0].Status != task.ReminderAcknowledged {
		t.Errorf("status = %s, want acknowledged", history[0].Status)
	}
	if history[0].DeliveryRef != "msg-555" {
		t.Errorf("delivery ref = %q, want msg-555", history[0].DeliveryRef)
	}
}

func TestMemory_MarkFailedIsTerminalForAttempt(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ctx := context.Background()
	tk := newTestTask("task-a", "tg:1", now)
	mustCreate(t, m, tk, now)

	sentAt := now
	fired := *tk
	fired.ReminderCount = 1
	err := m.Apply(ctx, task.Commit{
		Task:            &fired,
		ExpectedVersion: 1,
		Attempt: &task.Reminder{
			ID: "rem-1", TaskID: tk.ID,
			Status: task.ReminderSent, ScheduledFor: now, SentAt: &sentAt,
		},
	})
	if err != nil {
		t.Fatalf("fire commit: %v", err)
	}

	if err := m.MarkReminderFailed(ctx, "rem-1", "telegram: 502 bad gateway"); err != nil {
		t.Fatalf("MarkReminderFailed: %v", err)
	}

	// A failure receipt never touches the task row.
	got, _ := m.GetTask(ctx, tk.ID)
	if got.Status != task.StatusPending {
		t.Errorf("task status = %s, delivery failure must not change it", got.Status)
	}

	if err := m.MarkReminderFailed(ctx, "rem-nope", "x"); !errors.Is(err, kberrors.ErrReminderNotFound) {
		t.Errorf("expected ErrReminderNotFound, got %v", err)
	}
}

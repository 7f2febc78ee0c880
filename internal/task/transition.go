package task

import (
	"fmt"
	"time"

	kberrors "kabanda/internal/errors"
)

// Policy is the escalation policy port consumed by Transition. The concrete
// implementation lives in internal/escalation; the state machine only asks
// "how urgent" and "how long until the next wake".
type Policy interface {
	// Level maps a post-increment reminder count to an urgency tier 1..3.
	Level(reminderCount int, priority Priority) int
	// Delay returns the wait before the next wake after a reminder fired.
	// Implementations enforce the per-task floor interval.
	Delay(reminderCount int, priority Priority) time.Duration
	// ResetCountOnEdit reports whether rescheduling a task resets its
	// escalation progress.
	ResetCountOnEdit() bool
}

// Result is the outcome of one transition. Changed reports whether the task
// row must be committed; effect-only outcomes (clarifications, terminal
// reports, stale wake re-derivations) leave storage untouched.
type Result struct {
	Task    Task
	Effects []Effect
	Changed bool
}

// Transition is the pure lifecycle state machine: given the current task row
// and an incoming event, it computes the next row and the side-effect
// requests. It never performs I/O and never mutates its input.
//
// Events pinned to an outdated version return kberrors.ErrStaleEvent and must
// be discarded by the caller; this is the core defense against at-least-once
// delivery and late timer wakes.
func Transition(t Task, ev Event, pol Policy, now time.Time) (Result, error) {
	if ev.ExpectedVersion != 0 && ev.ExpectedVersion != t.Version {
		return Result{Task: t}, fmt.Errorf("task %s at version %d, event expects %d: %w",
			t.ID, t.Version, ev.ExpectedVersion, kberrors.ErrStaleEvent)
	}

	switch ev.Kind {
	case EventTaskCreated:
		return applyCreated(t, now)
	case EventReminderDue:
		return applyReminderDue(t, pol, now)
	case EventSnoozeExpiry:
		return applySnoozeExpiry(t, now)
	case EventUserReply:
		return applyUserReply(t, ev, now)
	case EventUserEdit:
		return applyUserEdit(t, ev, pol, now)
	default:
		return Result{Task: t}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func applyCreated(t Task, now time.Time) (Result, error) {
	t.Status = StatusPending
	t.ReminderCount = 0
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	wakeAt := t.DueAt
	if wakeAt.Before(now) {
		// Never schedule a wake in the past; an overdue task fires at once.
		wakeAt = now
	}
	return Result{
		Task:    t,
		Changed: true,
		Effects: []Effect{{Kind: EffectScheduleWake, At: wakeAt, WakeKind: EventReminderDue}},
	}, nil
}

func applyReminderDue(t Task, pol Policy, now time.Time) (Result, error) {
	if t.Status.IsTerminal() {
		// Phantom wake: the task closed between scheduling and firing.
		return Result{Task: t}, nil
	}

	if t.Status == StatusSnoozed {
		// A wake from the pre-snooze schedule slipped through; defer to the
		// snooze expiry without consuming a reminder.
		wakeAt := now
		if t.SnoozedUntil != nil && t.SnoozedUntil.After(now) {
			wakeAt = *t.SnoozedUntil
		}
		return Result{
			Task:    t,
			Effects: []Effect{{Kind: EffectScheduleWake, At: wakeAt, WakeKind: EventSnoozeExpiry}},
		}, nil
	}

	t.ReminderCount++
	remindedAt := now
	t.LastRemindedAt = &remindedAt
	t.UpdatedAt = now

	level := pol.Level(t.ReminderCount, t.Priority)
	effects := []Effect{
		{
			Kind:    EffectNotify,
			Level:   level,
			Channel: ChannelForLevel(level),
			Message: reminderMessage(t, level),
		},
		{
			Kind:     EffectScheduleWake,
			At:       now.Add(pol.Delay(t.ReminderCount, t.Priority)),
			WakeKind: EventReminderDue,
		},
	}
	return Result{Task: t, Effects: effects, Changed: true}, nil
}

func applySnoozeExpiry(t Task, now time.Time) (Result, error) {
	if t.Status != StatusSnoozed {
		// The user acted (or edited) while the snooze wake was in flight.
		return Result{Task: t}, nil
	}

	wakeAt := now
	if t.SnoozedUntil != nil && t.SnoozedUntil.After(now) {
		wakeAt = *t.SnoozedUntil
	}
	t.Status = StatusPending
	t.SnoozedUntil = nil
	t.UpdatedAt = now

	// The reminder fires immediately at expiry; ReminderCount is untouched
	// by the snooze round-trip.
	return Result{
		Task:    t,
		Changed: true,
		Effects: []Effect{{Kind: EffectScheduleWake, At: wakeAt, WakeKind: EventReminderDue}},
	}, nil
}

func applyUserReply(t Task, ev Event, now time.Time) (Result, error) {
	if t.Status.IsTerminal() {
		return Result{
			Task:    t,
			Effects: []Effect{{Kind: EffectReportTerminal, Message: terminalMessage(t)}},
		}, nil
	}

	switch ev.Reply {
	case ReplyDone:
		t.Status = StatusCompleted
		completedAt := now
		t.CompletedAt = &completedAt
		t.SnoozedUntil = nil
		t.UpdatedAt = now
		return Result{
			Task:    t,
			Changed: true,
			Effects: []Effect{{Kind: EffectCancelWake}},
		}, nil

	case ReplySnooze:
		d := ev.SnoozeFor
		if d <= 0 {
			d = 10 * time.Minute
		}
		until := now.Add(d)
		t.Status = StatusSnoozed
		t.SnoozedUntil = &until
		t.UpdatedAt = now
		return Result{
			Task:    t,
			Changed: true,
			Effects: []Effect{
				{Kind: EffectCancelWake},
				{Kind: EffectScheduleWake, At: until, WakeKind: EventSnoozeExpiry},
			},
		}, nil

	case ReplyCancel:
		t.Status = StatusCancelled
		t.SnoozedUntil = nil
		t.UpdatedAt = now
		return Result{
			Task:    t,
			Changed: true,
			Effects: []Effect{{Kind: EffectCancelWake}},
		}, nil

	default:
		return Result{
			Task:    t,
			Effects: []Effect{{Kind: EffectClarify, Message: clarifyMessage(t)}},
		}, nil
	}
}

func applyUserEdit(t Task, ev Event, pol Policy, now time.Time) (Result, error) {
	if t.Status.IsTerminal() {
		return Result{
			Task:    t,
			Effects: []Effect{{Kind: EffectReportTerminal, Message: terminalMessage(t)}},
		}, nil
	}
	if t.Status != StatusPending {
		// Edits only apply to pending tasks; ask the user to resolve the
		// snooze first rather than guessing.
		return Result{
			Task:    t,
			Effects: []Effect{{Kind: EffectClarify, Message: clarifyMessage(t)}},
		}, nil
	}

	changed := false
	var effects []Effect
	if ev.NewDueAt != nil {
		t.DueAt = *ev.NewDueAt
		wakeAt := t.DueAt
		if wakeAt.Before(now) {
			wakeAt = now
		}
		effects = append(effects,
			Effect{Kind: EffectCancelWake},
			Effect{Kind: EffectScheduleWake, At: wakeAt, WakeKind: EventReminderDue},
		)
		if pol != nil && pol.ResetCountOnEdit() {
			t.ReminderCount = 0
		}
		changed = true
	}
	if ev.NewPriority != nil {
		t.Priority = *ev.NewPriority
		changed = true
	}
	if !changed {
		return Result{
			Task:    t,
			Effects: []Effect{{Kind: EffectClarify, Message: clarifyMessage(t)}},
		}, nil
	}
	t.UpdatedAt = now
	return Result{Task: t, Effects: effects, Changed: true}, nil
}

func reminderMessage(t Task, level int) string {
	switch {
	case level >= 3:
		return fmt.Sprintf("⚠️ URGENT: you have ignored %q for %d reminders. Please address this now!", t.Title, t.ReminderCount)
	case level == 2:
		return fmt.Sprintf("🔔 Reminder (%dx): %s", t.ReminderCount, t.Title)
	case t.ReminderCount > 1:
		return fmt.Sprintf("🔔 Reminder (%dx): %s", t.ReminderCount, t.Title)
	default:
		return fmt.Sprintf("🔔 Reminder: %s", t.Title)
	}
}

func terminalMessage(t Task) string {
	switch t.Status {
	case StatusCompleted:
		return fmt.Sprintf("%q is already completed.", t.Title)
	case StatusCancelled:
		return fmt.Sprintf("%q was already cancelled.", t.Title)
	default:
		return fmt.Sprintf("%q is already closed.", t.Title)
	}
}

func clarifyMessage(t Task) string {
	return fmt.Sprintf("I wasn't sure what you meant for %q. Reply \"done\", \"snooze <minutes>\", or \"cancel\".", t.Title)
}

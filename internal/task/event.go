package task

import "time"

// EventKind enumerates the canonical events the state machine consumes. The
// event ingestor normalizes every inbound signal (webhook message, button
// callback, timer wake) into this closed vocabulary.
type EventKind string

const (
	EventTaskCreated  EventKind = "task_created"
	EventReminderDue  EventKind = "reminder_due"
	EventSnoozeExpiry EventKind = "snooze_expiry"
	EventUserReply    EventKind = "user_reply"
	EventUserEdit     EventKind = "user_edit"
)

// ReplyKind classifies a user's reply to a reminder.
type ReplyKind string

const (
	ReplyDone         ReplyKind = "done"
	ReplySnooze       ReplyKind = "snooze"
	ReplyCancel       ReplyKind = "cancel"
	ReplyUnrecognized ReplyKind = "unrecognized"
)

// Event is the canonical input to Transition. Exactly the fields relevant to
// its Kind are set.
type Event struct {
	Kind   EventKind
	TaskID string
	UserID string

	// ExpectedVersion, when non-zero, pins the event to the task version it
	// was produced against. A mismatch marks the event stale and it is
	// discarded without touching storage. Timer wakes always carry the
	// version committed when the wake was scheduled.
	ExpectedVersion int64

	// UserReply fields.
	Reply     ReplyKind
	SnoozeFor time.Duration

	// UserEdit fields. Nil means the field is untouched.
	NewDueAt    *time.Time
	NewPriority *Priority

	OccurredAt time.Time
}

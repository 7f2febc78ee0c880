// Package task defines the reminder domain model, the canonical event
// vocabulary, and the pure lifecycle state machine.
//
// The package holds no I/O. Durable state lives behind the Store port and
// every decision is recomputed from the stored row, so a process restart
// loses nothing.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusSnoozed    Status = "snoozed"
)

// IsTerminal reports whether the status is a final state. Terminal tasks
// never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority determines how aggressively reminders escalate.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority normalizes a priority string, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Task is a user's scheduled reminder intent.
type Task struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	DueAt        time.Time  `json:"due_at"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`

	// ReminderCount only ever increases for the lifetime of a task.
	ReminderCount  int        `json:"reminder_count"`
	LastRemindedAt *time.Time `json:"last_reminded_at,omitempty"`

	// Version is bumped by the store on every committed transition and is
	// the basis for optimistic concurrency and stale-event discards.
	Version int64 `json:"version"`

	SourceMessage string     `json:"source_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewID generates a task identifier.
func NewID() string {
	return "task-" + uuid.NewString()
}

// Validate checks the task invariants that must hold on every commit.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("task: user id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task: title is required")
	}
	if t.DueAt.IsZero() && t.Status != StatusCancelled {
		return fmt.Errorf("task: due_at is required unless cancelled")
	}
	if t.Status == StatusSnoozed && t.SnoozedUntil == nil {
		return fmt.Errorf("task: snoozed task requires snoozed_until")
	}
	if t.ReminderCount < 0 {
		return fmt.Errorf("task: reminder_count must be non-negative")
	}
	return nil
}

// ReminderChannel is the abstract delivery tier of one reminder attempt.
type ReminderChannel string

const (
	ChannelPrimary     ReminderChannel = "primary"
	ChannelEscalation1 ReminderChannel = "escalation-1"
	ChannelEscalation2 ReminderChannel = "escalation-2"
)

// ChannelForLevel maps an escalation level to its delivery channel.
func ChannelForLevel(level int) ReminderChannel {
	switch {
	case level >= 3:
		return ChannelEscalation2
	case level == 2:
		return ChannelEscalation1
	default:
		return ChannelPrimary
	}
}

// ReminderStatus tracks one notification attempt. Transitions are monotone:
// scheduled → sent → {delivered|failed} → acknowledged.
type ReminderStatus string

const (
	ReminderScheduled    ReminderStatus = "scheduled"
	ReminderSent         ReminderStatus = "sent"
	ReminderDelivered    ReminderStatus = "delivered"
	ReminderFailed       ReminderStatus = "failed"
	ReminderAcknowledged ReminderStatus = "acknowledged"
)

var reminderRank = map[ReminderStatus]int{
	ReminderScheduled:    0,
	ReminderSent:         1,
	ReminderDelivered:    2,
	ReminderFailed:       2,
	ReminderAcknowledged: 3,
}

// CanTransitionTo reports whether moving from s to next respects the monotone
// reminder lifecycle.
func (s ReminderStatus) CanTransitionTo(next ReminderStatus) bool {
	from, ok := reminderRank[s]
	if !ok {
		return false
	}
	to, ok := reminderRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Reminder is one escalation notification instance tied to a task. At most
// one reminder per task may be in the scheduled state: it represents the next
// pending wake.
type Reminder struct {
	ID      string          `json:"id"`
	TaskID  string          `json:"task_id"`
	Channel ReminderChannel `json:"channel"`
	Status  ReminderStatus  `json:"status"`
	Level   int             `json:"level"`

	ScheduledFor   time.Time  `json:"scheduled_for"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	Message     string `json:"message"`
	DeliveryRef string `json:"delivery_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewReminderID generates a reminder identifier. KSUIDs sort by creation
// time, which keeps attempt rows naturally ordered.
func NewReminderID() string {
	return "rem-" + ksuid.New().String()
}

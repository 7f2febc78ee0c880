// Package notify delivers reminder notifications to users.
//
// Delivery is strictly post-commit and best-effort: the state machine never
// waits on a send, and a failed send only marks the attempt row failed. The
// next scheduled wake re-notifies regardless.
package notify

import (
	"context"

	"kabanda/internal/task"
)

// Message is one outbound notification.
type Message struct {
	// UserID is the channel-scoped recipient, e.g. "tg:123456".
	UserID string
	Text   string
	// TaskID, when set, attaches the quick-action buttons for that task.
	TaskID  string
	Channel task.ReminderChannel
}

// Notifier is the delivery port. Send returns a channel-specific delivery
// reference (e.g. the provider message ID) on success.
type Notifier interface {
	Send(ctx context.Context, msg Message) (deliveryRef string, err error)
}

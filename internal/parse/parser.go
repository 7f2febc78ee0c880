// Package parse turns free-form user messages into structured intents. The
// primary path is an LLM extraction call; a deterministic fallback covers
// extraction failures so a broken model endpoint degrades the experience,
// never the pipeline.
package parse

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"kabanda/internal/task"
)

// IntentKind classifies what the user wants.
type IntentKind string

const (
	IntentNewTask         IntentKind = "new_task"
	IntentModifyTask      IntentKind = "modify_task"
	IntentDeleteTask      IntentKind = "delete_task"
	IntentQueryTasks      IntentKind = "query_tasks"
	IntentGeneralQuestion IntentKind = "general_question"
)

// Intent is the structured reading of one user message.
type Intent struct {
	Kind        IntentKind
	Title       string
	Description string
	Priority    task.Priority
	// DueAt is set for new_task and for modify_task reschedules.
	DueAt *time.Time
	// Clarification, when non-empty, is appended to the user-facing
	// confirmation (e.g. a defaulted due time).
	Clarification string
}

// Parser extracts intents from messages.
type Parser interface {
	ParseMessage(ctx context.Context, text string, now time.Time) (*Intent, error)
}

var snoozeMinutesRe = regexp.MustCompile(`(?i)^\s*snooze(?:\s+(?:for\s+)?(\d+)\s*(?:m|min|mins|minutes)?)?\s*$`)

// ClassifyReply maps a short reply on an existing task to its action. The
// returned duration is only meaningful for snooze replies; zero means the
// default snooze.
func ClassifyReply(text string) (task.ReplyKind, time.Duration) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	switch normalized {
	case "done", "complete", "completed", "finished", "ok done", "✅":
		return task.ReplyDone, 0
	case "cancel", "cancelled", "drop", "drop it", "nevermind", "never mind", "❌":
		return task.ReplyCancel, 0
	}
	if m := snoozeMinutesRe.FindStringSubmatch(normalized); m != nil {
		if m[1] == "" {
			return task.ReplySnooze, 0
		}
		minutes, err := strconv.Atoi(m[1])
		if err != nil || minutes <= 0 {
			return task.ReplySnooze, 0
		}
		return task.ReplySnooze, time.Duration(minutes) * time.Minute
	}
	if strings.HasPrefix(normalized, "later") || normalized == "not now" || normalized == "remind me later" {
		return task.ReplySnooze, 0
	}
	return task.ReplyUnrecognized, 0
}

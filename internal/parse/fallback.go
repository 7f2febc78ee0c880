package parse

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"kabanda/internal/task"
)

// FallbackParser is the deterministic extractor used when no LLM is
// configured or the extraction call fails. It recognizes a handful of
// relative time phrases and otherwise defaults the due time, flagging the
// guess so the confirmation message asks the user to correct it.
type FallbackParser struct {
	// DefaultLead is the due offset applied when no time phrase matches.
	DefaultLead time.Duration
}

// NewFallback creates the fallback parser with the standard 2 hour default.
func NewFallback() *FallbackParser {
	return &FallbackParser{DefaultLead: 2 * time.Hour}
}

var _ Parser = (*FallbackParser)(nil)

var (
	inMinutesRe  = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(?:m|min|mins|minute|minutes)\b`)
	inHoursRe    = regexp.MustCompile(`(?i)\bin\s+(\d+(?:\.\d+)?)\s*(?:h|hr|hrs|hour|hours)\b`)
	tomorrowRe   = regexp.MustCompile(`(?i)\btomorrow\b`)
	listRe       = regexp.MustCompile(`(?i)\b(?:list|show|what(?:'s| is| are)?)\b.*\b(?:task|tasks|reminder|reminders|todo|today)\b`)
	deleteRe     = regexp.MustCompile(`(?i)\b(?:delete|cancel|remove|forget)\b.*\b(?:task|reminder|it|that)\b`)
	urgentWordRe = regexp.MustCompile(`(?i)\b(?:urgent|asap|immediately|right away)\b`)
)

// ParseMessage never fails: every message becomes some intent.
func (p *FallbackParser) ParseMessage(_ context.Context, text string, now time.Time) (*Intent, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Intent{Kind: IntentGeneralQuestion}, nil
	}
	if listRe.MatchString(trimmed) {
		return &Intent{Kind: IntentQueryTasks}, nil
	}
	if deleteRe.MatchString(trimmed) {
		return &Intent{Kind: IntentDeleteTask}, nil
	}

	intent := &Intent{
		Kind:     IntentNewTask,
		Title:    titleFrom(trimmed),
		Priority: task.PriorityMedium,
	}
	if urgentWordRe.MatchString(trimmed) {
		intent.Priority = task.PriorityUrgent
	}

	switch {
	case inMinutesRe.MatchString(trimmed):
		m := inMinutesRe.FindStringSubmatch(trimmed)
		minutes, _ := strconv.Atoi(m[1])
		due := now.Add(time.Duration(minutes) * time.Minute)
		intent.DueAt = &due
	case inHoursRe.MatchString(trimmed):
		m := inHoursRe.FindStringSubmatch(trimmed)
		hours, _ := strconv.ParseFloat(m[1], 64)
		due := now.Add(time.Duration(hours * float64(time.Hour)))
		intent.DueAt = &due
	case tomorrowRe.MatchString(trimmed):
		due := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		intent.DueAt = &due
	default:
		due := now.Add(p.DefaultLead)
		intent.DueAt = &due
		intent.Clarification = "I couldn't find a time in your message, so I set it for 2 hours from now. Tell me if you want a different time."
	}
	return intent, nil
}

var reminderPrefixRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:remind me to|remind me|remember to|i need to|don't let me forget to)\s+`)

// titleFrom strips the reminder boilerplate and trailing time phrase so the
// stored title reads like the task itself.
func titleFrom(text string) string {
	title := reminderPrefixRe.ReplaceAllString(text, "")
	title = inMinutesRe.ReplaceAllString(title, "")
	title = inHoursRe.ReplaceAllString(title, "")
	title = tomorrowRe.ReplaceAllString(title, "")
	title = strings.Trim(strings.TrimSpace(title), ".,!")
	if title == "" {
		return strings.TrimSpace(text)
	}
	return title
}

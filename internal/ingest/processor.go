package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"kabanda/internal/engine"
	kberrors "kabanda/internal/errors"
	"kabanda/internal/logging"
	"kabanda/internal/notify"
	"kabanda/internal/parse"
	"kabanda/internal/task"
)

// queryStore is the read surface the processor needs beyond the engine.
type queryStore interface {
	MostRecentlyNotified(ctx context.Context, userID string) (*task.Task, error)
	ListOpenByUser(ctx context.Context, userID string, from, to time.Time) ([]*task.Task, error)
}

// Replier sends conversational responses back to the user.
type Replier interface {
	DispatchText(ctx context.Context, userID, text string)
}

// Processor routes webhook updates: button callbacks and short replies act
// on an existing task, everything else goes through intent extraction.
// Updates are deduplicated by update_id because Telegram redelivers until it
// sees a 2xx.
type Processor struct {
	engine  *engine.Engine
	store   queryStore
	parser  parse.Parser
	replier Replier
	dedup   *lru.Cache[int64, struct{}]
	logger  logging.Logger
	now     func() time.Time
}

// NewProcessor creates the update processor. dedupSize bounds the redelivery
// window; 4096 is plenty for a single bot.
func NewProcessor(eng *engine.Engine, store queryStore, parser parse.Parser, replier Replier,
	dedupSize int, logger logging.Logger) (*Processor, error) {
	if eng == nil || store == nil || parser == nil || replier == nil {
		return nil, fmt.Errorf("processor requires engine, store, parser and replier")
	}
	if dedupSize <= 0 {
		dedupSize = 4096
	}
	dedup, err := lru.New[int64, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Processor{
		engine:  eng,
		store:   store,
		parser:  parser,
		replier: replier,
		dedup:   dedup,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}, nil
}

// HandleUpdate processes one update. Errors are for the caller's log; the
// webhook response is 200 regardless.
func (p *Processor) HandleUpdate(ctx context.Context, u Update) error {
	if _, seen := p.dedup.Get(u.UpdateID); seen {
		p.logger.Debug("duplicate update %d dropped", u.UpdateID)
		return nil
	}
	p.dedup.Add(u.UpdateID, struct{}{})

	switch {
	case u.CallbackQuery != nil:
		return p.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && strings.TrimSpace(u.Message.Text) != "":
		return p.handleMessage(ctx, u.Message)
	default:
		p.logger.Debug("update %d carries nothing actionable", u.UpdateID)
		return nil
	}
}

// callback data format: <action>_<taskID>, action one of complete, snooze,
// cancel.
func (p *Processor) handleCallback(ctx context.Context, cb *CallbackQuery) error {
	if cb.Message == nil {
		return fmt.Errorf("callback %s without message context", cb.ID)
	}
	userID := userIDFor(cb.Message.Chat.ID)

	action, taskID, ok := splitCallback(cb.Data)
	if !ok {
		p.logger.Warn("malformed callback data %q from %s", cb.Data, userID)
		return nil
	}

	var reply task.ReplyKind
	switch action {
	case "complete":
		reply = task.ReplyDone
	case "snooze":
		reply = task.ReplySnooze
	case "cancel":
		reply = task.ReplyCancel
	default:
		p.logger.Warn("unknown callback action %q from %s", action, userID)
		return nil
	}

	err := p.engine.Handle(ctx, task.Event{
		Kind:   task.EventUserReply,
		TaskID: taskID,
		UserID: userID,
		Reply:  reply,
	})
	if errors.Is(err, kberrors.ErrTaskNotFound) {
		p.replier.DispatchText(ctx, userID, "That task no longer exists.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("callback %s on task %s: %w", action, taskID, err)
	}
	p.replier.DispatchText(ctx, userID, confirmationFor(reply))
	return nil
}

func (p *Processor) handleMessage(ctx context.Context, msg *Message) error {
	userID := userIDFor(msg.Chat.ID)
	text := strings.TrimSpace(msg.Text)

	// Short replies bind to the task the user was last reminded about.
	if reply, snooze := parse.ClassifyReply(text); reply != task.ReplyUnrecognized {
		target, err := p.store.MostRecentlyNotified(ctx, userID)
		if errors.Is(err, kberrors.ErrTaskNotFound) {
			p.replier.DispatchText(ctx, userID, "You have no open tasks right now.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve reply target: %w", err)
		}
		err = p.engine.Handle(ctx, task.Event{
			Kind:      task.EventUserReply,
			TaskID:    target.ID,
			UserID:    userID,
			Reply:     reply,
			SnoozeFor: snooze,
		})
		if err != nil {
			return fmt.Errorf("apply reply to task %s: %w", target.ID, err)
		}
		p.replier.DispatchText(ctx, userID, confirmationFor(reply))
		return nil
	}

	intent, err := p.parser.ParseMessage(ctx, text, p.now())
	if err != nil {
		p.logger.Warn("intent extraction failed for %s: %v", userID, err)
		p.replier.DispatchText(ctx, userID, "Sorry, I couldn't make sense of that. Try \"remind me to <something> in 20 minutes\".")
		return nil
	}

	switch intent.Kind {
	case parse.IntentNewTask:
		return p.createTask(ctx, userID, text, intent)
	case parse.IntentModifyTask:
		return p.modifyTask(ctx, userID, intent)
	case parse.IntentDeleteTask:
		return p.deleteTask(ctx, userID)
	case parse.IntentQueryTasks:
		return p.listTasks(ctx, userID)
	default:
		p.replier.DispatchText(ctx, userID, "I'm a reminder bot. Tell me what to remind you about and when.")
		return nil
	}
}

func (p *Processor) createTask(ctx context.Context, userID, source string, intent *parse.Intent) error {
	if intent.DueAt == nil {
		p.replier.DispatchText(ctx, userID, "When should I remind you?")
		return nil
	}
	created, err := p.engine.CreateTask(ctx, engine.CreateRequest{
		UserID:        userID,
		Title:         intent.Title,
		Description:   intent.Description,
		Priority:      intent.Priority,
		DueAt:         *intent.DueAt,
		SourceMessage: source,
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	confirmation := fmt.Sprintf("Got it. I'll remind you about %q at %s.",
		created.Title, created.DueAt.Format("15:04 Mon Jan 2"))
	if intent.Clarification != "" {
		confirmation += " " + intent.Clarification
	}
	p.replier.DispatchText(ctx, userID, confirmation)
	return nil
}

func (p *Processor) modifyTask(ctx context.Context, userID string, intent *parse.Intent) error {
	target, err := p.store.MostRecentlyNotified(ctx, userID)
	if errors.Is(err, kberrors.ErrTaskNotFound) {
		p.replier.DispatchText(ctx, userID, "You have no open tasks to change.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve edit target: %w", err)
	}

	ev := task.Event{Kind: task.EventUserEdit, TaskID: target.ID, UserID: userID, NewDueAt: intent.DueAt}
	if intent.Priority != "" && intent.Priority != target.Priority {
		priority := intent.Priority
		ev.NewPriority = &priority
	}
	if err := p.engine.Handle(ctx, ev); err != nil {
		return fmt.Errorf("edit task %s: %w", target.ID, err)
	}
	if intent.DueAt != nil {
		p.replier.DispatchText(ctx, userID, fmt.Sprintf("Updated. %q is now due at %s.",
			target.Title, intent.DueAt.Format("15:04 Mon Jan 2")))
	}
	return nil
}

func (p *Processor) deleteTask(ctx context.Context, userID string) error {
	target, err := p.store.MostRecentlyNotified(ctx, userID)
	if errors.Is(err, kberrors.ErrTaskNotFound) {
		p.replier.DispatchText(ctx, userID, "You have no open tasks to cancel.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve delete target: %w", err)
	}
	err = p.engine.Handle(ctx, task.Event{
		Kind: task.EventUserReply, TaskID: target.ID, UserID: userID, Reply: task.ReplyCancel,
	})
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", target.ID, err)
	}
	p.replier.DispatchText(ctx, userID, fmt.Sprintf("Cancelled %q.", target.Title))
	return nil
}

func (p *Processor) listTasks(ctx context.Context, userID string) error {
	now := p.now()
	open, err := p.store.ListOpenByUser(ctx, userID, now.Add(-24*time.Hour), now.Add(7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(open) == 0 {
		p.replier.DispatchText(ctx, userID, "Nothing on your list. Enjoy the quiet.")
		return nil
	}

	var b strings.Builder
	b.WriteString("Your open tasks:\n")
	for i, t := range open {
		status := ""
		if t.Status == task.StatusSnoozed {
			status = " (snoozed)"
		}
		fmt.Fprintf(&b, "%d. %s at %s%s\n", i+1, t.Title, t.DueAt.Format("15:04 Mon Jan 2"), status)
	}
	p.replier.DispatchText(ctx, userID, strings.TrimRight(b.String(), "\n"))
	return nil
}

func splitCallback(data string) (action, taskID string, ok bool) {
	idx := strings.Index(data, "_")
	if idx <= 0 || idx == len(data)-1 {
		return "", "", false
	}
	return data[:idx], data[idx+1:], true
}

func userIDFor(chatID int64) string {
	return fmt.Sprintf("%s%d", notify.UserIDPrefix, chatID)
}

func confirmationFor(reply task.ReplyKind) string {
	switch reply {
	case task.ReplyDone:
		return "Nice, marked as done. ✅"
	case task.ReplySnooze:
		return "Snoozed. I'll check back with you."
	case task.ReplyCancel:
		return "Cancelled."
	default:
		return "Okay."
	}
}

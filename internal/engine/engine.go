// Package engine drives the task lifecycle: it feeds events through the pure
// state machine, commits the outcome with optimistic concurrency, and only
// then executes the committed side effects.
//
// Ordering is strict: nothing observable happens for an event until its
// transition is durable. A rolled-back commit schedules no wake and sends no
// notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	kberrors "kabanda/internal/errors"
	"kabanda/internal/logging"
	"kabanda/internal/metrics"
	"kabanda/internal/task"
)

// Waker is the scheduling port. Schedule replaces the task's single pending
// wake; Cancel drops it.
type Waker interface {
	Schedule(taskID string, at time.Time, kind task.EventKind, version int64)
	Cancel(taskID string)
}

// Dispatcher is the delivery port for committed notifications and
// conversational replies.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, r *task.Reminder)
	DispatchText(ctx context.Context, userID, text string)
}

// Config holds engine runtime settings.
type Config struct {
	// CommitRetries bounds re-read and re-apply cycles on version conflicts.
	CommitRetries int `mapstructure:"commit_retries" yaml:"commit_retries"`
}

// DefaultConfig returns the production default of 3 commit attempts.
func DefaultConfig() Config {
	return Config{CommitRetries: 3}
}

// Engine applies lifecycle events against the store.
type Engine struct {
	store      task.Store
	policy     task.Policy
	waker      Waker
	dispatcher Dispatcher
	config     Config
	logger     logging.Logger
	observer   *metrics.Observer
	now        func() time.Time
}

// New creates an engine. observer may be nil.
func New(store task.Store, policy task.Policy, waker Waker, dispatcher Dispatcher,
	cfg Config, logger logging.Logger, observer *metrics.Observer) (*Engine, error) {
	if store == nil || policy == nil || waker == nil || dispatcher == nil {
		return nil, fmt.Errorf("engine requires store, policy, waker and dispatcher")
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = DefaultConfig().CommitRetries
	}
	return &Engine{
		store:      store,
		policy:     policy,
		waker:      waker,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logging.OrNop(logger),
		observer:   observer,
		now:        time.Now,
	}, nil
}

// CreateRequest is a new task draft, typically produced by the parser.
type CreateRequest struct {
	UserID        string
	Title         string
	Description   string
	Priority      task.Priority
	DueAt         time.Time
	SourceMessage string
}

// CreateTask persists a new task and arms its first wake.
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (*task.Task, error) {
	now := e.now().UTC()
	draft := task.Task{
		ID:            task.NewID(),
		UserID:        req.UserID,
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		DueAt:         req.DueAt,
		SourceMessage: req.SourceMessage,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if draft.Priority == "" {
		draft.Priority = task.PriorityMedium
	}

	res, err := task.Transition(draft, task.Event{Kind: task.EventTaskCreated, TaskID: draft.ID}, e.policy, now)
	if err != nil {
		return nil, err
	}

	commit := task.Commit{Task: &res.Task, Create: true}
	wakeEffect, hasWake := findWake(res.Effects)
	if hasWake {
		commit.Wake = wakeRow(res.Task.ID, wakeEffect)
	}
	if err := e.store.Apply(ctx, commit); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	// Commit first, schedule second.
	if hasWake {
		e.waker.Schedule(res.Task.ID, wakeEffect.At, wakeEffect.WakeKind, res.Task.Version)
	}
	e.observer.EventApplied(string(task.EventTaskCreated))
	e.logger.Info("task %s created for %s, due %s", res.Task.ID, res.Task.UserID, res.Task.DueAt.Format(time.RFC3339))
	return &res.Task, nil
}

// Handle applies one event. Stale events are absorbed silently: duplicate
// deliveries and late wakes are expected operating conditions, not errors.
// Version conflicts are retried against a fresh read up to the configured
// budget; exhaustion returns kberrors.ErrConcurrencyExhausted and leaves the
// durable schedule intact for the sweep to recover.
func (e *Engine) Handle(ctx context.Context, ev task.Event) error {
	if ev.TaskID == "" {
		return fmt.Errorf("engine: event without task id")
	}

	for attempt := 0; attempt < e.config.CommitRetries; attempt++ {
		current, err := e.store.GetTask(ctx, ev.TaskID)
		if err != nil {
			if errors.Is(err, kberrors.ErrTaskNotFound) && ev.Kind != task.EventUserReply && ev.Kind != task.EventUserEdit {
				// A wake outlived its task row.
				e.logger.Debug("dropping %s for missing task %s", ev.Kind, ev.TaskID)
				return nil
			}
			return err
		}

		res, err := task.Transition(*current, ev, e.policy, e.now().UTC())
		if err != nil {
			if kberrors.IsStale(err) {
				e.observer.StaleDiscarded()
				e.logger.Debug("discarding stale %s for task %s: %v", ev.Kind, ev.TaskID, err)
				return nil
			}
			return err
		}

		if !res.Changed {
			e.runEffects(ctx, &res.Task, res.Effects, nil)
			return nil
		}

		commit := task.Commit{Task: &res.Task, ExpectedVersion: current.Version}
		var attemptRow *task.Reminder
		if notifyEffect, ok := task.FindNotify(res.Effects); ok {
			attemptRow = attemptRowFor(&res.Task, notifyEffect, e.now().UTC())
			commit.Attempt = attemptRow
		}
		wakeEffect, hasWake := findWake(res.Effects)
		if hasWake {
			commit.Wake = wakeRow(res.Task.ID, wakeEffect)
		}
		if hasCancel(res.Effects) && !hasWake {
			commit.ClearWake = true
		}
		if ev.Kind == task.EventUserReply && (ev.Reply == task.ReplyDone || ev.Reply == task.ReplyCancel) {
			commit.Acknowledge = true
		}

		if err := e.store.Apply(ctx, commit); err != nil {
			if errors.Is(err, task.ErrVersionConflict) {
				e.observer.VersionConflict()
				e.logger.Debug("commit conflict on task %s (attempt %d), re-reading", ev.TaskID, attempt+1)
				if ev.ExpectedVersion != 0 {
					// A pinned event cannot succeed against a moved row.
					e.observer.StaleDiscarded()
					return nil
				}
				continue
			}
			return fmt.Errorf("apply %s for task %s: %w", ev.Kind, ev.TaskID, err)
		}

		e.runEffects(ctx, &res.Task, res.Effects, attemptRow)
		e.observer.EventApplied(string(ev.Kind))
		return nil
	}
	return fmt.Errorf("task %s: %d commit attempts: %w", ev.TaskID, e.config.CommitRetries, kberrors.ErrConcurrencyExhausted)
}

// HandleWake adapts a due wake into a version-pinned event. This is the wake
// service's handler.
func (e *Engine) HandleWake(ctx context.Context, w task.DueWake) {
	ev := task.Event{
		Kind:            w.Kind,
		TaskID:          w.TaskID,
		ExpectedVersion: w.Version,
		OccurredAt:      w.At,
	}
	if err := e.Handle(ctx, ev); err != nil {
		e.logger.Error("wake %s for task %s failed: %v", w.Kind, w.TaskID, err)
	}
}

// runEffects executes committed (or effect-only) side effects. The task row
// is already durable at this point.
func (e *Engine) runEffects(ctx context.Context, t *task.Task, effects []task.Effect, attemptRow *task.Reminder) {
	for _, eff := range effects {
		switch eff.Kind {
		case task.EffectNotify:
			if attemptRow == nil {
				continue
			}
			e.observer.ReminderFired(eff.Level)
			e.dispatcher.Dispatch(ctx, t.UserID, attemptRow)
		case task.EffectScheduleWake:
			e.waker.Schedule(t.ID, eff.At, eff.WakeKind, t.Version)
		case task.EffectCancelWake:
			// A following schedule effect re-arms; Cancel is still correct
			// because Schedule replaces.
			e.waker.Cancel(t.ID)
		case task.EffectClarify, task.EffectReportTerminal:
			e.dispatcher.DispatchText(ctx, t.UserID, eff.Message)
		}
	}
}

func findWake(effects []task.Effect) (task.Effect, bool) {
	for _, eff := range effects {
		if eff.Kind == task.EffectScheduleWake {
			return eff, true
		}
	}
	return task.Effect{}, false
}

func hasCancel(effects []task.Effect) bool {
	for _, eff := range effects {
		if eff.Kind == task.EffectCancelWake {
			return true
		}
	}
	return false
}

func wakeRow(taskID string, eff task.Effect) *task.Reminder {
	return &task.Reminder{
		ID:           task.NewReminderID(),
		TaskID:       taskID,
		Channel:      task.ChannelPrimary,
		Status:       task.ReminderScheduled,
		ScheduledFor: eff.At,
	}
}

func attemptRowFor(t *task.Task, eff task.Effect, now time.Time) *task.Reminder {
	sentAt := now
	return &task.Reminder{
		ID:           task.NewReminderID(),
		TaskID:       t.ID,
		Channel:      eff.Channel,
		Status:       task.ReminderSent,
		Level:        eff.Level,
		ScheduledFor: now,
		SentAt:       &sentAt,
		Message:      eff.Message,
	}
}

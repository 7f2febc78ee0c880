package notify

import (
	"context"
	"sync"
	"time"

	"kabanda/internal/async"
	kberrors "kabanda/internal/errors"
	"kabanda/internal/logging"
	"kabanda/internal/metrics"
	"kabanda/internal/task"
)

// receiptStore is the subset of task.Store the queue needs to record
// delivery outcomes.
type receiptStore interface {
	MarkReminderDelivered(ctx context.Context, reminderID, deliveryRef string) error
	MarkReminderFailed(ctx context.Context, reminderID, errMsg string) error
}

// Queue performs asynchronous best-effort delivery with bounded retries.
// Dispatch never blocks the caller; outcomes land on the reminder row, not
// the task.
type Queue struct {
	notifier Notifier
	store    receiptStore
	retry    kberrors.RetryConfig
	logger   logging.Logger
	observer *metrics.Observer

	wg sync.WaitGroup
}

// NewQueue creates a delivery queue. observer may be nil.
func NewQueue(notifier Notifier, store receiptStore, retry kberrors.RetryConfig, logger logging.Logger, observer *metrics.Observer) *Queue {
	return &Queue{
		notifier: notifier,
		store:    store,
		retry:    retry,
		logger:   logging.OrNop(logger),
		observer: observer,
	}
}

// Dispatch delivers a reminder attempt in the background. The reminder row
// was already committed in the sent state; here it moves to delivered or
// failed. Delivery outlives the triggering context: a webhook handler that
// has already answered, or a daemon shutting down, must not turn a committed
// reminder into a failed one before a single send was tried.
func (q *Queue) Dispatch(_ context.Context, userID string, r *task.Reminder) {
	attempt := *r
	q.wg.Add(1)
	async.Go(q.logger, "deliver reminder "+attempt.ID, func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), q.deliveryBudget())
		defer cancel()
		q.deliver(ctx, userID, attempt)
	})
}

// DispatchText sends a plain conversational message (clarifications,
// terminal reports, query answers). No reminder row is involved. Detached
// from the caller for the same reason as Dispatch.
func (q *Queue) DispatchText(_ context.Context, userID, text string) {
	q.wg.Add(1)
	async.Go(q.logger, "deliver text", func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendAllowance)
		defer cancel()
		_, err := q.notifier.Send(ctx, Message{UserID: userID, Text: text})
		if err != nil {
			q.logger.Warn("text delivery to %s failed: %v", userID, err)
		}
	})
}

// Wait blocks until all in-flight deliveries have settled. Used by shutdown
// and tests.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) deliver(ctx context.Context, userID string, r task.Reminder) {
	var deliveryRef string
	attempts := 0
	err := kberrors.Retry(ctx, q.retry, func(ctx context.Context) error {
		attempts++
		ref, sendErr := q.notifier.Send(ctx, Message{
			UserID:  userID,
			Text:    r.Message,
			TaskID:  r.TaskID,
			Channel: r.Channel,
		})
		if sendErr != nil {
			return sendErr
		}
		deliveryRef = ref
		return nil
	})
	if err != nil {
		failure := &kberrors.NotificationFailure{Err: err, ReminderID: r.ID, Attempts: attempts}
		q.logger.Warn("reminder %s for task %s undeliverable after %d attempts: %v",
			r.ID, r.TaskID, attempts, err)
		q.observer.NotificationSent("failed")

		markCtx, cancel := receiptContext(ctx)
		defer cancel()
		if markErr := q.store.MarkReminderFailed(markCtx, r.ID, failure.Error()); markErr != nil {
			q.logger.Error("record failure for reminder %s: %v", r.ID, markErr)
		}
		return
	}

	q.observer.NotificationSent("delivered")
	markCtx, cancel := receiptContext(ctx)
	defer cancel()
	if markErr := q.store.MarkReminderDelivered(markCtx, r.ID, deliveryRef); markErr != nil {
		q.logger.Error("record delivery for reminder %s: %v", r.ID, markErr)
	}
}

// sendAllowance is the wall time granted to each individual send attempt
// when sizing a detached delivery context.
const sendAllowance = 15 * time.Second

// deliveryBudget sizes the detached delivery context from the retry policy:
// one allowance per attempt plus a capped backoff sleep per gap. Hitting it
// means the retry loop itself stalled, not that the caller went away.
func (q *Queue) deliveryBudget() time.Duration {
	attempts := q.retry.MaxAttempts
	if attempts <= 0 {
		attempts = kberrors.DefaultRetryConfig().MaxAttempts
	}
	maxDelay := q.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = kberrors.DefaultRetryConfig().MaxDelay
	}
	return time.Duration(attempts)*sendAllowance + time.Duration(attempts-1)*maxDelay
}

// receiptContext detaches the receipt write from a cancelled delivery
// context so shutdown still records the outcome.
func receiptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.Background(), 5*time.Second)
}

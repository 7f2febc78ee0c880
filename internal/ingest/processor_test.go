package ingest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"kabanda/internal/engine"
	"kabanda/internal/escalation"
	"kabanda/internal/logging"
	"kabanda/internal/parse"
	"kabanda/internal/store"
	"kabanda/internal/task"
)

type nopWaker struct{}

func (nopWaker) Schedule(string, time.Time, task.EventKind, int64) {}
func (nopWaker) Cancel(string)                                     {}

type recordingReplier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingReplier) Dispatch(_ context.Context, _ string, _ *task.Reminder) {}

func (r *recordingReplier) DispatchText(_ context.Context, _ string, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recordingReplier) lastText(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		t.Fatal("no reply sent")
	}
	return r.texts[len(r.texts)-1]
}

type fixture struct {
	processor *Processor
	engine    *engine.Engine
	store     *store.Memory
	replier   *recordingReplier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	replier := &recordingReplier{}
	eng, err := engine.New(st, escalation.Default(), nopWaker{}, replier, engine.DefaultConfig(), logging.Nop(), nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	p, err := NewProcessor(eng, st, parse.NewFallback(), replier, 16, logging.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return &fixture{processor: p, engine: eng, store: st, replier: replier}
}

func (f *fixture) seedTask(t *testing.T, chatID int64, title string) *task.Task {
	t.Helper()
	created, err := f.engine.CreateTask(context.Background(), engine.CreateRequest{
		UserID: userIDFor(chatID),
		Title:  title,
		DueAt:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return created
}

func TestProcessor_CallbackComplete(t *testing.T) {
	f := newFixture(t)
	created := f.seedTask(t, 42, "call the dentist")

	err := f.processor.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		CallbackQuery: &CallbackQuery{
			ID:      "cb-1",
			Message: &Message{Chat: Chat{ID: 42}},
			Data:    "complete_" + created.ID,
		},
	})
	if err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}

	stored, _ := f.store.GetTask(context.Background(), created.ID)
	if stored.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
}

func TestProcessor_CallbackSnoozeAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snoozed := f.seedTask(t, 42, "water plants")
	if err := f.processor.HandleUpdate(ctx, Update{
		UpdateID: 1,
		CallbackQuery: &CallbackQuery{
			Message: &Message{Chat: Chat{ID: 42}}, Data: "snooze_" + snoozed.ID,
		},
	}); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	stored, _ := f.store.GetTask(ctx, snoozed.ID)
	if stored.Status != task.StatusSnoozed {
		t.Errorf("status = %s, want snoozed", stored.Status)
	}

	cancelled := f.seedTask(t, 42, "old chore")
	if err := f.processor.HandleUpdate(ctx, Update{
		UpdateID: 2,
		CallbackQuery: &CallbackQuery{
			Message: &Message{Chat: Chat{ID: 42}}, Data: "cancel_" + cancelled.ID,
		},
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ = f.store.GetTask(ctx, cancelled.ID)
	if stored.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
}

func TestProcessor_DuplicateUpdateDropped(t *testing.T) {
	f := newFixture(t)
	created := f.seedTask(t, 42, "task")
	ctx := context.Background()

	u := Update{
		UpdateID: 7,
		CallbackQuery: &CallbackQuery{
			Message: &Message{Chat: Chat{ID: 42}}, Data: "complete_" + created.ID,
		},
	}
	if err := f.processor.HandleUpdate(ctx, u); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	stored, _ := f.store.GetTask(ctx, created.ID)
	version := stored.Version

	// Telegram redelivers the same update_id until it sees a 2xx.
	if err := f.processor.HandleUpdate(ctx, u); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	stored, _ = f.store.GetTask(ctx, created.ID)
	if stored.Version != version {
		t.Errorf("version moved %d -> %d on a duplicate update", version, stored.Version)
	}
}

func TestProcessor_MalformedCallbackIgnored(t *testing.T) {
	f := newFixture(t)
	for i, data := range []string{"", "complete", "_task-1", "complete_", "frobnicate_task-1"} {
		err := f.processor.HandleUpdate(context.Background(), Update{
			UpdateID: int64(100 + i),
			CallbackQuery: &CallbackQuery{
				Message: &Message{Chat: Chat{ID: 42}}, Data: data,
			},
		})
		if err != nil {
			t.Errorf("data %q: %v", data, err)
		}
	}
}

func TestProcessor_CallbackForMissingTask(t *testing.T) {
	f := newFixture(t)
	err := f.processor.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		CallbackQuery: &CallbackQuery{
			Message: &Message{Chat: Chat{ID: 42}}, Data: "complete_task-gone",
		},
	})
	if err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := f.replier.lastText(t); !strings.Contains(got, "no longer exists") {
		t.Errorf("reply = %q, want missing-task notice", got)
	}
}

func TestProcessor_TextReplyResolvesRecentTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := f.seedTask(t, 42, "older task")
	newer := f.seedTask(t, 42, "newer task")

	// Simulate a reminder on the older task so it becomes the reply target.
	f.engine.HandleWake(ctx, task.DueWake{
		TaskID: older.ID, Version: 1, Kind: task.EventReminderDue, At: time.Now(),
	})

	if err := f.processor.HandleUpdate(ctx, Update{
		UpdateID: 1,
		Message:  &Message{Chat: Chat{ID: 42}, Text: "done"},
	}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}

	stored, _ := f.store.GetTask(ctx, older.ID)
	if stored.Status != task.StatusCompleted {
		t.Errorf("reminded task = %s, want completed", stored.Status)
	}
	untouched, _ := f.store.GetTask(ctx, newer.ID)
	if untouched.Status != task.StatusPending {
		t.Errorf("other task = %s, want pending", untouched.Status)
	}
}

func TestProcessor_TextSnoozeWithMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.seedTask(t, 42, "stretch")

	if err := f.processor.HandleUpdate(ctx, Update{
		UpdateID: 1,
		Message:  &Message{Chat: Chat{ID: 42}, Text: "snooze 25"},
	}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}

	stored, _ := f.store.GetTask(ctx, created.ID)
	if stored.Status != task.StatusSnoozed || stored.SnoozedUntil == nil {
		t.Fatalf("stored = %s, want snoozed", stored.Status)
	}
	until := time.Until(*stored.SnoozedUntil)
	if until < 24*time.Minute || until > 26*time.Minute {
		t.Errorf("snoozed for %v, want about 25 minutes", until)
	}
}

func TestProcessor_ReplyWithNoOpenTasks(t *testing.T) {
	f := newFixture(t)
	if err := f.processor.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		Message:  &Message{Chat: Chat{ID: 42}, Text: "done"},
	}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := f.replier.lastText(t); !strings.Contains(got, "no open tasks") {
		t.Errorf("reply = %q, want no-open-tasks notice", got)
	}
}

func TestProcessor_NewTaskFromText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.processor.HandleUpdate(ctx, Update{
		UpdateID: 1,
		Message:  &Message{Chat: Chat{ID: 42}, Text: "remind me to call mom in 30 minutes"},
	}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}

	open, err := f.store.ListOpenByUser(ctx, "tg:42", time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListOpenByUser: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open tasks = %d, want 1", len(open))
	}
	if open[0].Title != "call mom" {
		t.Errorf("title = %q, want call mom", open[0].Title)
	}
	if got := f.replier.lastText(t); !strings.Contains(got, "call mom") {
		t.Errorf("confirmation = %q, should name the task", got)
	}
}

func TestProcessor_DefaultedTimeMentionsGuess(t *testing.T) {
	f := newFixture(t)
	if err := f.processor.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		Message:  &Message{Chat: Chat{ID: 42}, Text: "remind me to submit the expense report"},
	}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := f.replier.lastText(t); !strings.Contains(got, "2 hours") {
		t.Errorf("confirmation = %q, should flag the defaulted time", got)
	}
}

func TestProcessor_QueryTasks(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, 42, "buy milk")
	f.seedTask(t, 42, "file taxes")

	if err := f.processor.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		Message:  &Message{Chat: Chat{ID: 42}, Text: "show my tasks for today"},
	}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}

	got := f.replier.lastText(t)
	if !strings.Contains(got, "buy milk") || !strings.Contains(got, "file taxes") {
		t.Errorf("listing = %q, should include both tasks", got)
	}
}

func TestProcessor_DeleteIntentCancelsRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.seedTask(t, 42, "obsolete chore")

	if err := f.processor.HandleUpdate(ctx, Update{
		UpdateID: 1,
		Message:  &Message{Chat: Chat{ID: 42}, Text: "delete that reminder"},
	}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}

	stored, _ := f.store.GetTask(ctx, created.ID)
	if stored.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
}

func TestProcessor_EmptyUpdateIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.processor.HandleUpdate(context.Background(), Update{UpdateID: 1}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
}

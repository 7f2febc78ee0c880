// Package wake turns durable schedule rows into in-process timer firings.
//
// The service keeps no authoritative state: every wake it fires is re-derived
// from the store, and every event it emits is pinned to the task version
// observed when the wake was scheduled. Lost timers (crashes, missed
// in-process schedules) are recovered by a periodic cron sweep over the
// scheduled reminder rows.
package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kabanda/internal/async"
	"kabanda/internal/logging"
	"kabanda/internal/metrics"
	"kabanda/internal/task"
)

// Handler consumes a due wake, typically by feeding it to the engine as a
// version-pinned event. Handlers absorb stale wakes themselves; the service
// never inspects the outcome.
type Handler func(ctx context.Context, w task.DueWake)

// Config holds wake service runtime configuration.
type Config struct {
	// SweepSchedule is the cron spec for the reconciliation sweep.
	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	// SweepBatch caps how many due wakes one sweep dispatches.
	SweepBatch int `mapstructure:"sweep_batch" yaml:"sweep_batch"`
}

// DefaultConfig returns the production defaults: sweep every minute, at most
// 100 wakes per sweep.
func DefaultConfig() Config {
	return Config{SweepSchedule: "* * * * *", SweepBatch: 100}
}

// Service schedules one-shot wakes per task and reconciles against the store.
type Service struct {
	store    task.Store
	handler  Handler
	config   Config
	logger   logging.Logger
	observer *metrics.Observer
	cron     *cron.Cron

	mu       sync.Mutex
	timers   map[string]*time.Timer
	baseCtx  context.Context
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a wake service. The handler is invoked on its own goroutine
// for every firing. observer may be nil.
func New(store task.Store, handler Handler, cfg Config, logger logging.Logger, observer *metrics.Observer) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("wake service requires a store")
	}
	if handler == nil {
		return nil, fmt.Errorf("wake service requires a handler")
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultConfig().SweepSchedule
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultConfig().SweepBatch
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	return &Service{
		store:    store,
		handler:  handler,
		config:   cfg,
		logger:   logging.OrNop(logger),
		observer: observer,
		cron:     c,
		timers:   make(map[string]*time.Timer),
		baseCtx:  context.Background(),
		stopped:  make(chan struct{}),
	}, nil
}

// Start runs an immediate recovery sweep, then starts the periodic sweep.
// The service stops when ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}

	// Restart recovery: anything that came due while the process was down
	// fires now.
	s.Sweep(ctx)
	s.cron.Start()
	s.logger.Info("WakeService started (sweep %q, batch %d)", s.config.SweepSchedule, s.config.SweepBatch)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop cancels all pending timers and stops the sweep. Safe to call multiple
// times.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		for taskID, t := range s.timers {
			t.Stop()
			delete(s.timers, taskID)
		}
		s.mu.Unlock()

		stopCtx := s.cron.Stop()
		<-stopCtx.Done()

		close(s.stopped)
		s.logger.Info("WakeService stopped")
	})
}

// Done returns a channel closed once the service has fully stopped.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

// Schedule arms (or re-arms) the single wake timer for a task. The wake
// carries the version the caller just committed, so a later transition
// invalidates it.
func (s *Service) Schedule(taskID string, at time.Time, kind task.EventKind, version int64) {
	w := task.DueWake{TaskID: taskID, Version: version, Kind: kind, At: at}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[taskID]; ok {
		old.Stop()
		delete(s.timers, taskID)
	}

	remaining := time.Until(at)
	if remaining <= 0 {
		go s.fire(w)
		return
	}
	s.timers[taskID] = time.AfterFunc(remaining, func() {
		s.mu.Lock()
		delete(s.timers, taskID)
		s.mu.Unlock()
		s.fire(w)
	})
}

// Cancel drops the pending in-process timer for a task, if any. The durable
// row is the caller's concern.
func (s *Service) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}

func (s *Service) fire(w task.DueWake) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	async.Go(s.logger, fmt.Sprintf("wake %s %s", w.Kind, w.TaskID), func() {
		s.handler(ctx, w)
	})
}

// Sweep dispatches every wake the store reports as due. It also serves as
// the catch-all for wakes whose in-process timers were lost.
func (s *Service) Sweep(ctx context.Context) {
	due, err := s.store.ListDueWakes(ctx, time.Now(), s.config.SweepBatch)
	if err != nil {
		s.logger.Error("WakeService sweep failed: %v", err)
		return
	}
	dispatched := 0
	for _, w := range due {
		s.mu.Lock()
		// A pending in-process timer already covers this task.
		_, armed := s.timers[w.TaskID]
		s.mu.Unlock()
		if armed {
			continue
		}
		s.fire(w)
		s.observer.SweepDispatched()
		dispatched++
	}
	if dispatched > 0 {
		s.logger.Debug("WakeService sweep dispatched %d wakes", dispatched)
	}
}

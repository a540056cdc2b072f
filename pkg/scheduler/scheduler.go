// Package scheduler runs periodic maintenance tasks in-process next to
// the HTTP server. Ticks are minute-aligned against a reference anchor
// (midnight) so task runs land on predictable wall-clock boundaries
// regardless of when the process started.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beamline/trove/pkg/observability"
)

// TaskFunc is the body of one scheduled task.
type TaskFunc func(ctx context.Context) error

// task is one registered periodic task.
type task struct {
	name   string
	period time.Duration
	fn     TaskFunc

	// mu serializes runs of this task and guards lastRun/nextRun; cron
	// starts each tick in a fresh goroutine, so a delayed tick can
	// overlap the next one. Overlapping dispatches skip rather than
	// queue.
	mu      sync.Mutex
	lastRun time.Time
	nextRun time.Time
}

// Scheduler dispatches registered tasks from a once-a-minute tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *observability.Logger

	mu     sync.Mutex
	tasks  []*task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle scheduler.
func New(logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Register adds a task with a period in whole minutes. Must be called
// before Start.
func (s *Scheduler) Register(name string, periodMinutes int, fn TaskFunc) {
	if periodMinutes < 1 {
		periodMinutes = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{
		name:   name,
		period: time.Duration(periodMinutes) * time.Minute,
		fn:     fn,
	})
}

// Start begins ticking. The returned error only covers cron setup.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	_, err := s.cron.AddFunc("* * * * *", func() {
		s.tick(ctx, time.Now())
	})
	if err != nil {
		cancel()
		return err
	}
	s.cron.Start()
	return nil
}

// Stop cancels running tasks and waits for them to return. Call before
// disposing shared resources like the database pool.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// tick evaluates every task against the current minute. A task runs
// when it has never run, or when its next scheduled time has arrived.
// If the scheduler fell behind by more than one period, the missed
// cycles are skipped: nextRun advances by whole periods without
// dispatching, and the lag is logged.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	tasks := append([]*task{}, s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		if !t.mu.TryLock() {
			s.logger.WithField("task", t.name).Warn("previous run still in progress; skipping")
			continue
		}
		if t.lastRun.Equal(minute) {
			t.mu.Unlock()
			continue
		}
		switch {
		case t.nextRun.IsZero():
			// Never run: dispatch immediately and anchor the schedule
			// to midnight-aligned boundaries.
			t.nextRun = nextAligned(minute, t.period)
			s.dispatch(ctx, t, minute)
		case minute.Sub(t.nextRun) >= t.period:
			behind := t.nextRun
			for !t.nextRun.After(minute) {
				t.nextRun = t.nextRun.Add(t.period)
			}
			s.logger.WithFields(map[string]interface{}{
				"task":     t.name,
				"was_due":  behind,
				"next_run": t.nextRun,
			}).Warn("scheduler fell behind; skipping missed cycles")
			t.mu.Unlock()
		case !minute.Before(t.nextRun):
			t.nextRun = t.nextRun.Add(t.period)
			s.dispatch(ctx, t, minute)
		default:
			t.mu.Unlock()
		}
	}
}

// nextAligned returns the first period boundary after minute, anchored
// at the day's midnight.
func nextAligned(minute time.Time, period time.Duration) time.Time {
	midnight := time.Date(minute.Year(), minute.Month(), minute.Day(), 0, 0, 0, 0, minute.Location())
	elapsed := minute.Sub(midnight)
	boundaries := elapsed/period + 1
	return midnight.Add(boundaries * period)
}

// dispatch runs t's body in its own goroutine. The caller holds t.mu;
// it is released when the run returns.
func (s *Scheduler) dispatch(ctx context.Context, t *task, minute time.Time) {
	t.lastRun = minute

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.mu.Unlock()
		start := time.Now()
		if err := t.fn(ctx); err != nil {
			s.logger.WithError(err).WithField("task", t.name).Error("scheduled task failed")
			return
		}
		s.logger.WithFields(map[string]interface{}{
			"task":     t.name,
			"duration": time.Since(start).String(),
		}).Debug("scheduled task completed")
	}()
}

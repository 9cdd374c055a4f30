package rtos

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"dualstep/logging"
)

// Priority orders tasks that are due at the same instant. Higher runs first.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityTelemetry
	PriorityComm
	PriorityMotor
	PrioritySafety
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityTelemetry:
		return "telemetry"
	case PriorityComm:
		return "comm"
	case PriorityMotor:
		return "motor"
	case PrioritySafety:
		return "safety"
	default:
		return "unknown"
	}
}

// StaleFactor is how many periods a task may go without running before it
// counts as stale.
const StaleFactor = 3

// TaskFunc is one cycle of a periodic task. now is the cycle's wake time.
type TaskFunc func(ctx context.Context, now time.Time) error

// TaskConfig describes a periodic task.
type TaskConfig struct {
	Name     string
	Priority Priority
	Period   time.Duration
	Func     TaskFunc
}

// TaskStats is a snapshot of a task's heartbeat.
type TaskStats struct {
	Name     string
	Priority Priority
	Period   time.Duration
	Cycles   uint64
	Overruns uint64
	LastRun  time.Time
	MaxExec  time.Duration
	LastErr  error
}

// Task is a registered periodic task.
type Task struct {
	cfg   TaskConfig
	timer Timer

	// next is the absolute deadline of the next cycle. Owned by whichever
	// executor is running the task.
	next time.Time

	cycles   atomic.Uint64
	overruns atomic.Uint64
	lastRun  atomic.Time
	maxExec  atomic.Duration
	lastErr  atomic.Error
}

// Name returns the task name.
func (t *Task) Name() string { return t.cfg.Name }

// Stats returns a snapshot of the task heartbeat.
func (t *Task) Stats() TaskStats {
	return TaskStats{
		Name:     t.cfg.Name,
		Priority: t.cfg.Priority,
		Period:   t.cfg.Period,
		Cycles:   t.cycles.Load(),
		Overruns: t.overruns.Load(),
		LastRun:  t.lastRun.Load(),
		MaxExec:  t.maxExec.Load(),
		LastErr:  t.lastErr.Load(),
	}
}

// Scheduler runs periodic tasks at absolute deadlines start + k*period. A
// cycle that runs past one or more deadlines counts them as overruns and
// resumes at the next deadline still in the future, so lateness never
// accumulates as drift.
//
// The same task set can be executed two ways: Run gives every task its own
// goroutine woken by clock timers, while Start/Dispatch/Simulate run due
// tasks one at a time in priority order for deterministic tests.
type Scheduler struct {
	clk    clock.Clock
	logger logging.Logger

	tasks   []*Task
	timers  TimerList
	ctx     context.Context
	start   time.Time
	started atomic.Bool
	halted  atomic.Error
}

// NewScheduler returns an empty scheduler timed by clk.
func NewScheduler(clk clock.Clock, logger logging.Logger) *Scheduler {
	return &Scheduler{clk: clk, logger: logger, ctx: context.Background()}
}

// Add registers a task. Tasks can only be added before the scheduler starts.
func (s *Scheduler) Add(cfg TaskConfig) (*Task, error) {
	if s.started.Load() {
		return nil, ErrStarted
	}
	if cfg.Name == "" || cfg.Period <= 0 || cfg.Func == nil {
		return nil, errors.Wrapf(ErrInvalidTask, "task %q", cfg.Name)
	}
	for _, t := range s.tasks {
		if t.cfg.Name == cfg.Name {
			return nil, errors.Wrap(ErrDuplicateTask, cfg.Name)
		}
	}

	t := &Task{cfg: cfg}
	t.timer.Priority = cfg.Priority
	t.timer.Handler = func(_ *Timer, now time.Time) uint8 {
		if err := s.runCycle(s.ctx, t, now); err != nil {
			s.halted.Store(err)
			return SF_DONE
		}
		t.timer.WakeTime = t.next
		return SF_RESCHEDULE
	}
	s.tasks = append(s.tasks, t)
	return t, nil
}

// Tasks returns the registered tasks in registration order.
func (s *Scheduler) Tasks() []*Task { return s.tasks }

// AppendStats appends a heartbeat snapshot of every task to dst.
func (s *Scheduler) AppendStats(dst []TaskStats) []TaskStats {
	for _, t := range s.tasks {
		dst = append(dst, t.Stats())
	}
	return dst
}

// Stale returns the first task that has not completed a cycle within
// StaleFactor periods of now. A task that never ran is measured from the
// scheduler start.
func (s *Scheduler) Stale(now time.Time) (string, bool) {
	for _, t := range s.tasks {
		ref := t.lastRun.Load()
		if ref.IsZero() {
			ref = s.start
		}
		if now.Sub(ref) > StaleFactor*t.cfg.Period {
			return t.cfg.Name, true
		}
	}
	return "", false
}

// Run executes every task on its own goroutine until ctx is done or a task
// returns ErrHalt. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	s.start = s.clk.Now()
	s.logger.Infow("scheduler running", "tasks", len(s.tasks))

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		t.next = s.start
		g.Go(func() error { return s.loop(ctx, t) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, t *Task) error {
	for {
		if wait := t.next.Sub(s.clk.Now()); wait > 0 {
			timer := s.clk.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}
		if err := s.runCycle(ctx, t, t.next); err != nil {
			return err
		}
	}
}

// Start arms every task for deterministic execution with its first cycle at
// now.
func (s *Scheduler) Start(ctx context.Context, now time.Time) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	s.ctx = ctx
	s.start = now
	for _, t := range s.tasks {
		t.next = now
		t.timer.WakeTime = now
		s.timers.Schedule(&t.timer)
	}
	return nil
}

// NextWake returns the earliest pending deadline.
func (s *Scheduler) NextWake() (time.Time, bool) {
	return s.timers.Next()
}

// Dispatch runs every task due at or before now, earliest deadline first and
// highest priority first among equal deadlines. It returns the number of
// cycles run, or the halting error.
func (s *Scheduler) Dispatch(now time.Time) (int, error) {
	n := s.timers.Dispatch(now)
	return n, s.halted.Load()
}

// SimClock is a clock that a deterministic run can move forward.
type SimClock interface {
	Now() time.Time
	AdvanceTo(t time.Time)
}

// Simulate advances clk by d, stopping at every task deadline on the way to
// dispatch the tasks due there.
func (s *Scheduler) Simulate(clk SimClock, d time.Duration) error {
	end := clk.Now().Add(d)
	for {
		if err := s.halted.Load(); err != nil {
			return err
		}
		next, ok := s.timers.Next()
		if !ok || next.After(end) {
			break
		}
		if next.After(clk.Now()) {
			clk.AdvanceTo(next)
		}
		if _, err := s.Dispatch(next); err != nil {
			return err
		}
	}
	clk.AdvanceTo(end)
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context, t *Task, wake time.Time) error {
	began := s.clk.Now()
	err := t.cfg.Func(ctx, wake)
	end := s.clk.Now()

	t.cycles.Inc()
	t.lastRun.Store(end)
	if exec := end.Sub(began); exec > t.maxExec.Load() {
		t.maxExec.Store(exec)
	}
	if err != nil {
		t.lastErr.Store(err)
		if errors.Is(err, ErrHalt) {
			s.logger.Warnw("task halted scheduler", "task", t.cfg.Name, "error", err)
			return err
		}
		s.logger.Debugw("task cycle failed", "task", t.cfg.Name, "error", err)
	}

	next := t.next.Add(t.cfg.Period)
	if !next.After(end) {
		missed := end.Sub(next)/t.cfg.Period + 1
		t.overruns.Add(uint64(missed))
		next = next.Add(missed * t.cfg.Period)
	}
	t.next = next
	return nil
}

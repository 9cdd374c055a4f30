// Package controller wires the drivers, the encoders, the safety supervisor
// and the scheduler into one system and runs the five periodic tasks: safety
// monitor, motor control, bus communication, telemetry and idle.
//
// A System is the only owner of its components. Nothing in this package or
// below it keeps package-level mutable state.
package controller

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"dualstep/config"
	"dualstep/dspin"
	"dualstep/encoder"
	"dualstep/faults"
	"dualstep/hal"
	"dualstep/logging"
	"dualstep/rtos"
	"dualstep/safety"
)

// Link is the communication layer. Its byte-level framing is its own.
type Link interface {
	// Receive returns the next decoded command without blocking. ok is
	// false when none is pending.
	Receive(ctx context.Context) (cmd Command, ok bool, err error)

	// Send transmits one telemetry message.
	Send(ctx context.Context, t Telemetry) error
}

// Options holds the optional collaborators of a System.
type Options struct {
	// Link connects the communication task to the host. Without one,
	// commands are submitted with Submit and telemetry is taken with
	// NextTelemetry.
	Link Link

	// Session is stamped on every telemetry message.
	Session string
}

// Task names.
const (
	TaskSafety        = "safety"
	TaskMotor         = "motor"
	TaskComm          = "comm"
	TaskNameTelemetry = "telemetry"
	TaskIdle          = "idle"
)

// System is the context object owning every component.
type System struct {
	cfg      *config.Config
	platform hal.Platform
	logger   logging.Logger
	opts     Options
	n        int

	driverLock   *rtos.Mutex
	encoderLocks []*rtos.Mutex
	commands     *rtos.Queue[Command]
	events       *rtos.Queue[safety.Event]
	transitions  *rtos.Queue[safety.Transition]
	telemetry    *rtos.Queue[Telemetry]
	stop         *rtos.Signal
	estop        atomic.Bool

	driver    *dspin.Engine
	encoders  *encoder.Engine
	safety    *safety.Supervisor
	scheduler *rtos.Scheduler

	// Owned by the motor task.
	motor motorState

	// Owned by the telemetry task.
	telemetrySeq uint64

	rejected    atomic.Uint64
	initialized atomic.Bool
}

// New builds a system on platform p. clk times the scheduler and the
// concurrency primitives; p.Ticker times the components.
func New(cfg *config.Config, clk clock.Clock, p hal.Platform, logger logging.Logger, opts Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(cfg.Channels); err != nil {
		return nil, errors.Wrap(err, "controller: platform")
	}
	settings, err := cfg.Driver.Settings()
	if err != nil {
		return nil, err
	}

	s := &System{
		cfg:         cfg,
		platform:    p,
		logger:      logger,
		opts:        opts,
		n:           cfg.Channels,
		driverLock:  rtos.NewMutex(clk, p.DriverBus.Name()),
		commands:    rtos.NewQueue[Command](clk, "commands", cfg.Queues.Commands),
		events:      rtos.NewQueue[safety.Event](clk, "safety_events", cfg.Queues.SafetyEvents),
		transitions: rtos.NewQueue[safety.Transition](clk, "transitions", cfg.Queues.Transitions),
		telemetry:   rtos.NewQueue[Telemetry](clk, "telemetry", cfg.Queues.Telemetry),
		stop:        rtos.NewSignal(clk, "stop"),
		scheduler:   rtos.NewScheduler(clk, logger.Named("rtos")),
	}

	s.driver, err = dspin.NewEngine(p.DriverBus, s.driverLock, p.Ticker, logger.Named("dspin"), dspin.Options{
		Channels:    cfg.Channels,
		BusTimeout:  cfg.Bus.DriverTimeout,
		LockTimeout: cfg.Bus.LockTimeout,
		Settings:    settings,
		Reset:       p.DriverReset,
		ResetPulse:  cfg.Driver.ResetPulse,
	})
	if err != nil {
		return nil, err
	}

	ports := make([]encoder.Port, cfg.Channels)
	for i := range ports {
		bus := p.EncoderBuses[i]
		lock := rtos.NewMutex(clk, bus.Name())
		s.encoderLocks = append(s.encoderLocks, lock)
		ports[i] = encoder.Port{Bus: bus, Lock: lock}
	}
	s.encoders, err = encoder.NewEngine(ports, p.Ticker, logger.Named("encoder"), encoder.Options{
		Address:        cfg.Encoder.Address,
		BusTimeout:     cfg.Bus.EncoderTimeout,
		LockTimeout:    cfg.Bus.LockTimeout,
		MaxJumpDegrees: cfg.Encoder.MaxJumpDegrees,
	})
	if err != nil {
		return nil, err
	}

	s.safety, err = safety.NewSupervisor(s.events, s.transitions, s.driver, p.Watchdog, p.Ticker, logger.Named("safety"), safety.Options{
		CommErrorThreshold: cfg.Safety.CommErrorThreshold,
		WatchdogTimeout:    cfg.Safety.WatchdogTimeout,
		StepPeriod:         cfg.Tasks.Safety.Period,
		Health:             s.scheduler,
		EStop:              estopLine{s},
	})
	if err != nil {
		return nil, err
	}

	tasks := []struct {
		name string
		tc   config.TaskConfig
		fn   rtos.TaskFunc
	}{
		{TaskSafety, cfg.Tasks.Safety, s.safetyCycle},
		{TaskMotor, cfg.Tasks.Motor, s.motorCycle},
		{TaskComm, cfg.Tasks.Comm, s.commCycle},
		{TaskNameTelemetry, cfg.Tasks.Telemetry, s.telemetryCycle},
		{TaskIdle, cfg.Tasks.Idle, s.idleCycle},
	}
	for _, t := range tasks {
		if _, err := s.scheduler.Add(rtos.TaskConfig{
			Name:     t.name,
			Priority: t.tc.Priority,
			Period:   t.tc.Period,
			Func:     t.fn,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Init brings up the emergency-stop input, the drivers, the encoders and the
// supervisor, in that order. The system cannot run unless every step
// succeeds.
func (s *System) Init(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}
	if pin := s.platform.EStop; pin != nil {
		if err := pin.Init(hal.PinInputPullUp); err != nil {
			return errors.Wrap(err, "controller: estop pin")
		}
		if err := pin.EnableInterrupt(hal.EdgeFalling, s.onEStop); err != nil {
			return errors.Wrap(err, "controller: estop interrupt")
		}
	}
	if err := s.driver.Init(ctx); err != nil {
		return errors.Wrap(err, "controller: driver init")
	}
	if err := s.encoders.Init(ctx); err != nil {
		_ = s.driver.StopAll(ctx)
		return errors.Wrap(err, "controller: encoder init")
	}
	for ch := 0; ch < s.n; ch++ {
		m, _ := s.driver.Channel(ch)
		s.motor.counts[ch] = m.FlagCounts
	}
	for ch, off := range s.cfg.Encoder.ZeroOffsets {
		if err := s.encoders.SetZeroOffset(ch, off); err != nil {
			return err
		}
	}
	if err := s.safety.Init(ctx); err != nil {
		_ = s.driver.StopAll(ctx)
		return err
	}
	s.initialized.Store(true)
	s.logger.Infow("system initialized", "channels", s.n, "session", s.opts.Session)
	return nil
}

// Run executes the tasks on their own goroutines until ctx is done.
func (s *System) Run(ctx context.Context) error {
	if !s.initialized.Load() {
		return faults.ErrNotInitialized
	}
	return s.scheduler.Run(ctx)
}

// Start arms the tasks for deterministic execution with Simulate.
func (s *System) Start(ctx context.Context) error {
	if !s.initialized.Load() {
		return faults.ErrNotInitialized
	}
	return s.scheduler.Start(ctx, s.platform.Ticker.Now())
}

// Simulate moves clk forward by d, running every task deadline on the way.
func (s *System) Simulate(clk rtos.SimClock, d time.Duration) error {
	return s.scheduler.Simulate(clk, d)
}

// Submit queues cmd for the motor task without blocking.
func (s *System) Submit(cmd Command) error {
	if !s.commands.TrySend(cmd) {
		return errors.Wrap(rtos.ErrQueueFull, s.commands.Name())
	}
	return nil
}

// NextTelemetry takes the oldest queued telemetry message.
func (s *System) NextTelemetry() (Telemetry, bool) {
	return s.telemetry.TryReceive()
}

// Driver returns the stepper driver engine.
func (s *System) Driver() *dspin.Engine { return s.driver }

// Encoders returns the encoder engine.
func (s *System) Encoders() *encoder.Engine { return s.encoders }

// Safety returns the supervisor.
func (s *System) Safety() *safety.Supervisor { return s.safety }

// Scheduler returns the task scheduler.
func (s *System) Scheduler() *rtos.Scheduler { return s.scheduler }

// Rejected returns the number of commands that were refused or failed.
func (s *System) Rejected() uint64 { return s.rejected.Load() }

// onEStop runs in interrupt context. It neither blocks nor allocates.
func (s *System) onEStop() {
	s.estop.Store(true)
	s.stop.Give()
}

// estopLine feeds the hardware input to the supervisor: the latch set by the
// interrupt handler, or the current (active low) pin level.
type estopLine struct{ s *System }

func (l estopLine) Asserted() bool {
	latched := l.s.estop.Swap(false)
	pin := l.s.platform.EStop
	if pin == nil {
		return latched
	}
	level, err := pin.Read()
	if err != nil {
		return true
	}
	return latched || !level
}

// Package safety implements the safety supervisor: the single point that
// aggregates fault events, owns the safety level and forces every motor
// channel to a stop when required.
//
// The supervisor's state is mutated only by Step, which the Safety Monitor
// task calls. Every other component submits events through the input queue
// and reads the snapshot published by State.
package safety

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"dualstep/faults"
	"dualstep/hal"
	"dualstep/logging"
	"dualstep/rtos"
)

// Sources used for transitions the supervisor raises itself.
const (
	SourceSystem  Source = "system"
	SourceDriver  Source = "driver"
	SourceEncoder Source = "encoder"
	SourceLimits  Source = "limits"
)

// NoChannel marks a fault or transition not tied to a motor channel.
const NoChannel = -1

// maxEncoderBuses bounds the per-bus leaky buckets. Bucket 0 is the driver
// bus, bucket 1+c the encoder bus of channel c.
const maxEncoderBuses = 8

// Stopper forces every motor channel to a stopped, de-energized state.
type Stopper interface {
	StopAll(ctx context.Context) error
}

// Health reports a task that has missed its staleness bound.
type Health interface {
	Stale(now time.Time) (task string, stale bool)
}

// EStopLine is the hardware emergency-stop input.
type EStopLine interface {
	// Asserted reports whether the line is asserted, or was asserted since
	// the previous call.
	Asserted() bool
}

// Options configures a Supervisor.
type Options struct {
	// CommErrorThreshold is the leaky-bucket level at which communication
	// errors on one bus latch a comm fault.
	CommErrorThreshold int

	// WatchdogTimeout is the hardware watchdog timeout.
	WatchdogTimeout time.Duration

	// StepPeriod is the period Step is called at. The software watchdog
	// deadline is WatchdogTimeout-StepPeriod so the stop lands before the
	// hardware timer expires.
	StepPeriod time.Duration

	// Health gates the watchdog refresh. Nil means always healthy.
	Health Health

	// EStop is polled at the start of every Step. May be nil.
	EStop EStopLine
}

// EStopState describes the emergency-stop latch.
type EStopState struct {
	Active       bool
	// Source is the first source to assert the stop.
	Source       Source
	Released     bool
	Acknowledged bool
	Count        uint32
}

// State is a snapshot of the supervisor.
type State struct {
	Level               Level
	Active              FaultSet
	Latched             FaultSet
	EStop               EStopState
	WatchdogRefreshedAt time.Time
	Since               time.Time
	Cause               string
	Transitions         uint32
	Rejected            uint32
	LastRejection       string
	StopPending         bool
}

// StartAllowed reports whether a StartRequest would be accepted, ignoring the
// task health check.
func (s State) StartAllowed() bool {
	return s.Level == LevelReady && s.Latched.Empty() && !s.EStop.Active && !s.StopPending
}

// Supervisor is the safety state machine.
type Supervisor struct {
	opts        Options
	events      *rtos.Queue[Event]
	transitions *rtos.Queue[Transition]
	stopper     Stopper
	watchdog    hal.Watchdog
	ticker      hal.Ticker
	logger      logging.Logger

	st          State
	held        map[Source]bool
	buckets     [1 + maxEncoderBuses]int
	hit         [1 + maxEncoderBuses]bool
	stopErr     error
	initialized bool

	published atomic.Pointer[State]
}

// NewSupervisor returns a supervisor reading events and publishing
// transitions on the given queues.
func NewSupervisor(
	events *rtos.Queue[Event],
	transitions *rtos.Queue[Transition],
	stopper Stopper,
	watchdog hal.Watchdog,
	ticker hal.Ticker,
	logger logging.Logger,
	opts Options,
) (*Supervisor, error) {
	if events == nil || transitions == nil || stopper == nil || watchdog == nil || ticker == nil {
		return nil, faults.InvalidParameterf("safety: missing collaborator")
	}
	if opts.CommErrorThreshold <= 0 {
		return nil, faults.InvalidParameterf("safety: comm error threshold %d", opts.CommErrorThreshold)
	}
	if opts.WatchdogTimeout <= 0 || opts.StepPeriod < 0 {
		return nil, faults.InvalidParameterf("safety: watchdog timeout %v, step period %v", opts.WatchdogTimeout, opts.StepPeriod)
	}
	s := &Supervisor{
		opts:        opts,
		events:      events,
		transitions: transitions,
		stopper:     stopper,
		watchdog:    watchdog,
		ticker:      ticker,
		logger:      logger,
		held:        make(map[Source]bool),
	}
	s.st.Since = ticker.Now()
	s.publish()
	return s, nil
}

// Report submits ev without blocking. It returns false when the input queue
// is full.
func (s *Supervisor) Report(ev Event) bool {
	return s.events.TrySend(ev)
}

// State returns the last published snapshot. Safe from any goroutine.
func (s *Supervisor) State() State {
	return *s.published.Load()
}

// Level returns the published level.
func (s *Supervisor) Level() Level {
	return s.published.Load().Level
}

// Init arms the watchdog and enters READY.
func (s *Supervisor) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.watchdog.Init(s.opts.WatchdogTimeout); err != nil {
		return errors.Wrap(err, "safety: watchdog init")
	}
	now := s.ticker.Now()
	s.st.WatchdogRefreshedAt = now
	s.initialized = true
	s.transition(now, LevelReady, "init", NoChannel, SourceSystem)
	s.publish()
	return nil
}

// Step processes pending events, services the watchdog and publishes the
// new state. It returns the error of a stop action that has not succeeded
// yet; the action is retried on the next Step.
func (s *Supervisor) Step(ctx context.Context) error {
	if !s.initialized {
		return faults.ErrNotInitialized
	}
	now := s.ticker.Now()
	s.hit = [len(s.hit)]bool{}
	retry := s.st.StopPending

	s.pollEStop(ctx, now)

	// Only events present on entry, so a flooding producer cannot starve
	// the watchdog.
	for n := s.events.Len(); n > 0; n-- {
		ev, ok := s.events.TryReceive()
		if !ok {
			break
		}
		s.handle(ctx, now, ev)
	}
	s.leak(now)

	if retry && s.st.StopPending {
		_ = s.stop(ctx)
	}
	s.serviceWatchdog(ctx, now)
	s.publish()
	if s.st.StopPending {
		return s.stopErr
	}
	return nil
}

func (s *Supervisor) pollEStop(ctx context.Context, now time.Time) {
	if s.opts.EStop == nil {
		return
	}
	if s.opts.EStop.Asserted() {
		s.assertEStop(ctx, now, SourceHardware)
		return
	}
	if s.held[SourceHardware] {
		s.releaseEStop(SourceHardware)
	}
}

func (s *Supervisor) handle(ctx context.Context, now time.Time, ev Event) {
	switch ev := ev.(type) {
	case FaultReported:
		s.report(ctx, now, ev)
	case FaultCleared:
		s.clear(now, ev)
	case EStopAsserted:
		s.assertEStop(ctx, now, ev.Source)
	case EStopReleased:
		s.releaseEStop(ev.Source)
	case AcknowledgeRequest:
		s.acknowledge(ev.Source)
	case ResetRequest:
		s.reset(ctx, now, ev.Source)
	case StartRequest:
		s.start(now, ev.Source)
	case StopRequest:
		if s.st.Level.MotionAllowed() {
			s.transition(now, LevelReady, "stop", NoChannel, ev.Source)
		}
	default:
		s.logger.Errorw("unknown safety event", "event", ev)
	}
}

func (s *Supervisor) report(ctx context.Context, now time.Time, ev FaultReported) {
	k := ev.Kind
	switch {
	case k == FaultEmergencyStop:
		s.assertEStop(ctx, now, SourceCommand)
	case k.comm():
		i, ok := bucket(k, ev.Channel)
		if !ok {
			s.latch(ctx, now, k, ev.Channel, ev.Err)
			return
		}
		s.hit[i] = true
		if s.buckets[i] < s.opts.CommErrorThreshold {
			s.buckets[i]++
		}
		if s.buckets[i] >= s.opts.CommErrorThreshold {
			s.latch(ctx, now, k, ev.Channel, ev.Err)
			return
		}
		s.warn(now, k, ev.Channel, ev.Err)
	case k.Latching():
		s.latch(ctx, now, k, ev.Channel, ev.Err)
	default:
		s.warn(now, k, ev.Channel, ev.Err)
	}
}

func (s *Supervisor) latch(ctx context.Context, now time.Time, k FaultKind, ch int, err error) {
	newly := !s.st.Latched.Has(k)
	s.st.Active = s.st.Active.Add(k)
	s.st.Latched = s.st.Latched.Add(k)
	if !newly {
		return
	}
	s.logger.Warnw("fault latched", "fault", k, "channel", ch, "error", err)
	if s.st.Level != LevelEmergency {
		s.transition(now, LevelFault, k.String(), ch, sourceOf(k))
	}
	_ = s.stop(ctx)
}

func (s *Supervisor) warn(now time.Time, k FaultKind, ch int, err error) {
	if !s.st.Active.Has(k) {
		s.logger.Infow("fault active", "fault", k, "channel", ch, "error", err)
	}
	s.st.Active = s.st.Active.Add(k)
	if s.st.Level == LevelRunning {
		s.transition(now, LevelWarning, k.String(), ch, sourceOf(k))
	}
}

func (s *Supervisor) clear(now time.Time, ev FaultCleared) {
	k := ev.Kind
	if k == FaultEmergencyStop {
		s.logger.Warnw("emergency stop cannot be cleared by event", "channel", ev.Channel)
		return
	}
	if k.comm() {
		if i, ok := bucket(k, ev.Channel); ok {
			s.buckets[i] = 0
		}
		if s.commPending(k) {
			return
		}
	}
	if !s.st.Active.Has(k) && !s.st.Latched.Has(k) {
		return
	}
	s.st.Active = s.st.Active.Remove(k)
	s.st.Latched = s.st.Latched.Remove(k)
	s.logger.Infow("fault cleared", "fault", k, "channel", ev.Channel)
	s.settle(now, k.String())
}

// settle returns WARNING to RUNNING once nothing is active.
func (s *Supervisor) settle(now time.Time, cause string) {
	if s.st.Level == LevelWarning && s.st.Active.Empty() {
		s.transition(now, LevelRunning, cause, NoChannel, SourceSystem)
	}
}

// leak drains one unit from every bucket that saw no error this step.
func (s *Supervisor) leak(now time.Time) {
	for i := range s.buckets {
		if s.hit[i] || s.buckets[i] == 0 {
			continue
		}
		s.buckets[i]--
	}
	for _, k := range [...]FaultKind{FaultDriverComm, FaultEncoderComm} {
		if s.st.Active.Has(k) && !s.st.Latched.Has(k) && !s.commPending(k) {
			s.st.Active = s.st.Active.Remove(k)
			s.settle(now, k.String())
		}
	}
}

func (s *Supervisor) commPending(k FaultKind) bool {
	if k == FaultDriverComm {
		return s.buckets[0] > 0
	}
	for _, b := range s.buckets[1:] {
		if b > 0 {
			return true
		}
	}
	return false
}

// assertEStop records src as holding the emergency stop. The stop counts as
// released only once every source that asserted it has released it.
func (s *Supervisor) assertEStop(ctx context.Context, now time.Time, src Source) {
	if s.st.EStop.Active {
		if s.held[src] {
			return
		}
		s.held[src] = true
		if s.st.EStop.Released {
			s.st.EStop.Released = false
			s.st.Active = s.st.Active.Add(FaultEmergencyStop)
		}
		s.logger.Warnw("emergency stop asserted again", "source", src, "asserted_by", s.st.EStop.Source)
		return
	}
	clear(s.held)
	s.held[src] = true
	s.st.EStop = EStopState{Active: true, Source: src, Count: s.st.EStop.Count + 1}
	s.st.Active = s.st.Active.Add(FaultEmergencyStop)
	s.st.Latched = s.st.Latched.Add(FaultEmergencyStop)
	s.transition(now, LevelEmergency, FaultEmergencyStop.String(), NoChannel, src)
	_ = s.stop(ctx)
}

func (s *Supervisor) releaseEStop(src Source) {
	if !s.st.EStop.Active || s.st.EStop.Released {
		return
	}
	if !s.held[src] {
		s.logger.Warnw("emergency stop release ignored", "source", src, "asserted_by", s.st.EStop.Source)
		return
	}
	delete(s.held, src)
	if len(s.held) > 0 {
		s.logger.Infow("emergency stop source released", "source", src, "still_held", len(s.held))
		return
	}
	s.st.EStop.Released = true
	s.st.Active = s.st.Active.Remove(FaultEmergencyStop)
	s.logger.Infow("emergency stop released", "source", src, "asserted_by", s.st.EStop.Source)
}

func (s *Supervisor) acknowledge(src Source) {
	if s.st.Level != LevelEmergency {
		s.reject("acknowledge", "no emergency stop to acknowledge", src)
		return
	}
	s.st.EStop.Acknowledged = true
	s.logger.Infow("emergency stop acknowledged", "source", src)
}

func (s *Supervisor) reset(ctx context.Context, now time.Time, src Source) {
	switch s.st.Level {
	case LevelEmergency:
		// The line may have been pressed again since the poll at the start
		// of this step.
		if s.opts.EStop != nil && s.opts.EStop.Asserted() {
			s.assertEStop(ctx, now, SourceHardware)
		}
		switch {
		case !s.st.EStop.Released:
			s.reject("reset", "emergency stop source not released", src)
			return
		case !s.st.EStop.Acknowledged:
			s.reject("reset", "emergency stop not acknowledged", src)
			return
		}
		clear(s.held)
		s.st.EStop = EStopState{Count: s.st.EStop.Count}
		s.st.Active = s.st.Active.Remove(FaultEmergencyStop)
		s.st.Latched = s.st.Latched.Remove(FaultEmergencyStop)
		if !s.st.Latched.Empty() {
			s.transition(now, LevelFault, "reset: "+s.st.Latched.String(), NoChannel, src)
			return
		}
		s.transition(now, LevelReady, "reset", NoChannel, src)
	case LevelFault:
		if !s.st.Latched.Empty() {
			s.reject("reset", "latched: "+s.st.Latched.String(), src)
			return
		}
		s.transition(now, LevelReady, "reset", NoChannel, src)
	}
}

func (s *Supervisor) start(now time.Time, src Source) {
	if s.st.Level.MotionAllowed() {
		return
	}
	if !s.st.StartAllowed() {
		s.reject("start", "level "+s.st.Level.String()+", latched "+s.st.Latched.String(), src)
		return
	}
	if s.opts.Health != nil {
		if task, stale := s.opts.Health.Stale(now); stale {
			s.reject("start", "task "+task+" stale", src)
			return
		}
	}
	if s.st.Active.Empty() {
		s.transition(now, LevelRunning, "start", NoChannel, src)
		return
	}
	s.transition(now, LevelWarning, "start: "+s.st.Active.String(), NoChannel, src)
}

func (s *Supervisor) reject(what, reason string, src Source) {
	s.st.Rejected++
	s.st.LastRejection = what + ": " + reason
	s.logger.Warnw("safety request rejected", "request", what, "reason", reason, "source", src, "level", s.st.Level)
}

// stop runs the stop action. A failure leaves StopPending set so that Step
// retries and the watchdog stops being refreshed.
func (s *Supervisor) stop(ctx context.Context) error {
	if err := s.stopper.StopAll(ctx); err != nil {
		s.st.StopPending = true
		s.stopErr = errors.Wrap(err, "safety: stop all")
		s.logger.Errorw("stop action failed", "error", err)
		return s.stopErr
	}
	if s.st.StopPending {
		s.logger.Infow("stop action completed after retry")
	}
	s.st.StopPending = false
	return nil
}

// serviceWatchdog refreshes the watchdog while every task is live and the
// last stop action succeeded. A latched fault whose channels are stopped does
// not withhold the refresh.
func (s *Supervisor) serviceWatchdog(ctx context.Context, now time.Time) {
	healthy := !s.st.StopPending
	if healthy && s.opts.Health != nil {
		if task, stale := s.opts.Health.Stale(now); stale {
			s.logger.Debugw("withholding watchdog refresh", "task", task)
			healthy = false
		}
	}
	if healthy {
		err := s.watchdog.Refresh()
		if err == nil {
			s.st.WatchdogRefreshedAt = now
			return
		}
		s.logger.Errorw("watchdog refresh failed", "error", err)
	}
	if now.Sub(s.st.WatchdogRefreshedAt) >= s.deadline() {
		s.latch(ctx, now, FaultWatchdogTimeout, NoChannel, faults.ErrWatchdogTimeout)
	}
}

func (s *Supervisor) deadline() time.Duration {
	if d := s.opts.WatchdogTimeout - s.opts.StepPeriod; d > 0 {
		return d
	}
	return s.opts.WatchdogTimeout
}

func (s *Supervisor) transition(now time.Time, to Level, cause string, ch int, src Source) {
	from := s.st.Level
	if from == to {
		return
	}
	s.st.Level = to
	s.st.Since = now
	s.st.Cause = cause
	s.st.Transitions++

	tr := Transition{From: from, To: to, At: now, Cause: cause, Channel: ch, Source: src}
	if !s.transitions.TrySend(tr) {
		s.logger.Warnw("transition queue full", "from", from, "to", to)
	}
	if to.Stopped() {
		s.logger.Warnw("safety transition", "from", from, "to", to, "cause", cause, "channel", ch, "source", src)
		return
	}
	s.logger.Infow("safety transition", "from", from, "to", to, "cause", cause, "source", src)
}

func (s *Supervisor) publish() {
	st := s.st
	s.published.Store(&st)
}

func bucket(k FaultKind, ch int) (int, bool) {
	if k == FaultDriverComm {
		return 0, true
	}
	if ch < 0 || ch >= maxEncoderBuses {
		return 0, false
	}
	return 1 + ch, true
}

func sourceOf(k FaultKind) Source {
	switch k {
	case FaultUndervoltage, FaultThermalWarning, FaultThermalShutdown, FaultOvercurrent,
		FaultStallA, FaultStallB, FaultDriverComm:
		return SourceDriver
	case FaultEncoderNoMagnet, FaultEncoderTooStrong, FaultEncoderTooWeak,
		FaultEncoderComm, FaultEncoderJump:
		return SourceEncoder
	case FaultWatchdogTimeout:
		return SourceWatchdog
	case FaultLimitViolation:
		return SourceLimits
	default:
		return SourceSystem
	}
}

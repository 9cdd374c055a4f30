package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"dualstep/dspin"
	"dualstep/encoder"
	"dualstep/faults"
	"dualstep/safety"
)

// driverFlagKinds maps dspin fault flag i to its supervisor kind. Command
// errors are not safety faults.
var driverFlagKinds = [dspin.NumFlags]safety.FaultKind{
	safety.FaultThermalShutdown,
	safety.FaultOvercurrent,
	safety.FaultStallA,
	safety.FaultStallB,
	safety.FaultUndervoltage,
	safety.FaultThermalWarning,
	0,
}

// pendingMove is the second half of a MoveTo issued while the channel was
// moving: a GoTo that waits for the soft stop to finish.
type pendingMove struct {
	target int32
	active bool
}

// motorState is what the motor task remembers between cycles.
type motorState struct {
	pending [dspin.MaxChainLength]pendingMove

	// Per-flag counters seen at the previous poll; a rise is a new fault.
	counts [dspin.MaxChainLength][dspin.NumFlags]uint32

	// Faults reported to the supervisor and not cleared yet.
	driver  [dspin.MaxChainLength]safety.FaultSet
	encoder [dspin.MaxChainLength]safety.FaultSet

	outside [dspin.MaxChainLength]bool
}

// motorCycle is the motor control task. The stop signal is taken first so
// that stop latency does not depend on the command backlog.
func (s *System) motorCycle(ctx context.Context, _ time.Time) error {
	if s.stop.TryTake() {
		s.emergencyStop(ctx, "stop signal")
	}
	level := s.safety.Level()
	if level.Stopped() {
		s.abandon("safety level " + level.String())
	}

	for ch := 0; ch < s.n; ch++ {
		c, err := s.encoders.Read(ctx, ch)
		s.trackEncoder(ch, c, err)
	}

	for i := 0; i < s.cfg.CommandsPerCycle; i++ {
		cmd, ok := s.commands.TryReceive()
		if !ok {
			break
		}
		if err := s.execute(ctx, cmd, level); err != nil {
			s.rejected.Inc()
			s.logger.Warnw("command failed", "command", cmd.Kind, "channel", cmd.Channel, "error", err)
			if faults.CategoryOf(err) == faults.CategoryComm {
				comm := safety.FaultDriverComm
				if cmd.Kind == CmdCalibrate {
					comm = safety.FaultEncoderComm
				}
				s.report(comm, cmd.Channel, err)
			}
		}
	}

	for ch := 0; ch < s.n; ch++ {
		m, err := s.driver.Poll(ctx, ch)
		if cat := faults.CategoryOf(err); err != nil && cat != faults.CategoryDriver {
			if cat == faults.CategoryComm {
				s.report(safety.FaultDriverComm, safety.NoChannel, err)
			}
			continue
		}
		s.trackDriver(ch, m)
		s.checkLimit(ch, m.Position)
		s.advance(ctx, ch, m)
	}
	return nil
}

func (s *System) execute(ctx context.Context, cmd Command, level safety.Level) error {
	if cmd.system() {
		return s.executeSystem(ctx, cmd)
	}
	ch := cmd.Channel
	if cmd.Kind == CmdClearFaults {
		return s.clearFaults(ctx, ch)
	}
	if ch < 0 || ch >= s.n {
		return &faults.UsageError{Kind: faults.InvalidChannel, Detail: fmt.Sprintf("command channel %d", ch)}
	}
	if cmd.motion() && !level.MotionAllowed() {
		return &faults.SafetyFault{Kind: faults.StartInhibited, Source: level.String()}
	}

	switch cmd.Kind {
	case CmdMove:
		steps, err := cmd.steps()
		if err != nil {
			return err
		}
		m, _ := s.driver.Channel(ch)
		if err := s.inLimits(ch, int64(m.Position)+int64(steps)); err != nil {
			return err
		}
		s.cancel(ch)
		return s.driver.Move(ctx, ch, steps)
	case CmdMoveTo:
		target, err := cmd.steps()
		if err != nil {
			return err
		}
		if err := s.inLimits(ch, int64(target)); err != nil {
			return err
		}
		return s.moveTo(ctx, ch, target)
	case CmdRun:
		s.cancel(ch)
		return s.driver.Run(ctx, ch, cmd.Param)
	case CmdSoftStop:
		s.cancel(ch)
		return s.driver.SoftStop(ctx, ch)
	case CmdHardStop:
		s.cancel(ch)
		return s.driver.HardStop(ctx, ch)
	case CmdHighZ:
		s.cancel(ch)
		return s.driver.HighZ(ctx, ch)
	case CmdResetPosition:
		if m, _ := s.driver.Channel(ch); m.Busy || s.motor.pending[ch].active {
			return faults.InvalidParameterf("reset position of moving channel %d", ch)
		}
		return s.driver.ResetPosition(ctx, ch)
	case CmdCalibrate:
		return s.encoders.Calibrate(ctx, ch)
	default:
		return faults.InvalidParameterf("command kind %d", cmd.Kind)
	}
}

func (s *System) executeSystem(ctx context.Context, cmd Command) error {
	var ev safety.Event
	switch cmd.Kind {
	case CmdEmergencyStop:
		ev = safety.EStopAsserted{Source: safety.SourceCommand}
		s.emergencyStop(ctx, "command")
	case CmdReleaseEmergencyStop:
		ev = safety.EStopReleased{Source: safety.SourceCommand}
	case CmdAcknowledge:
		ev = safety.AcknowledgeRequest{Source: safety.SourceCommand}
	case CmdReset:
		ev = safety.ResetRequest{Source: safety.SourceCommand}
	case CmdStart:
		ev = safety.StartRequest{Source: safety.SourceCommand}
	case CmdStop:
		ev = safety.StopRequest{Source: safety.SourceCommand}
		var err error
		for ch := 0; ch < s.n; ch++ {
			s.cancel(ch)
			err = multierr.Append(err, s.driver.SoftStop(ctx, ch))
		}
		if err != nil {
			s.logger.Warnw("soft stop failed", "error", err)
		}
	}
	if !s.safety.Report(ev) {
		if cmd.Kind == CmdEmergencyStop {
			// Picked up by the supervisor as a hardware assertion.
			s.estop.Store(true)
		}
		return faults.InvalidParameterf("%s: safety event queue full", cmd.Kind)
	}
	return nil
}

// moveTo starts a move to target. A channel still in motion is soft-stopped
// first and the GoTo follows once it has stopped.
func (s *System) moveTo(ctx context.Context, ch int, target int32) error {
	m, _ := s.driver.Channel(ch)
	switch {
	case m.State == dspin.StateDecelerating:
	case m.Busy || m.State == dspin.StateRunning:
		if err := s.driver.SoftStop(ctx, ch); err != nil {
			return err
		}
	default:
		s.cancel(ch)
		return s.driver.MoveTo(ctx, ch, target)
	}
	s.motor.pending[ch] = pendingMove{target: target, active: true}
	s.logger.Debugw("move deferred until stopped", "channel", ch, "target", target)
	return nil
}

// advance issues the deferred GoTo of ch once the channel has stopped.
func (s *System) advance(ctx context.Context, ch int, m dspin.MotorChannel) {
	p := &s.motor.pending[ch]
	if !p.active || m.Busy || m.State != dspin.StateIdle {
		return
	}
	p.active = false
	if !s.safety.Level().MotionAllowed() {
		return
	}
	if err := s.driver.MoveTo(ctx, ch, p.target); err != nil {
		s.logger.Warnw("deferred move failed", "channel", ch, "target", p.target, "error", err)
		if faults.CategoryOf(err) == faults.CategoryComm {
			s.report(safety.FaultDriverComm, safety.NoChannel, err)
		}
	}
}

func (s *System) cancel(ch int) {
	s.motor.pending[ch] = pendingMove{}
}

// abandon drops every in-flight sequence.
func (s *System) abandon(reason string) {
	for ch := 0; ch < s.n; ch++ {
		if s.motor.pending[ch].active {
			s.logger.Warnw("sequence abandoned", "channel", ch, "target", s.motor.pending[ch].target, "reason", reason)
		}
		s.cancel(ch)
	}
}

func (s *System) emergencyStop(ctx context.Context, reason string) {
	s.abandon(reason)
	if err := s.driver.StopAll(ctx); err != nil {
		s.report(safety.FaultDriverComm, safety.NoChannel, err)
	}
}

func (s *System) inLimits(ch int, target int64) error {
	lim := s.cfg.Limit(ch)
	if !lim.Enabled() {
		return nil
	}
	if target < int64(lim.Min) || target > int64(lim.Max) {
		return faults.InvalidParameterf("channel %d target %d outside %d..%d", ch, target, lim.Min, lim.Max)
	}
	return nil
}

func (s *System) checkLimit(ch int, pos int32) {
	outside := !s.cfg.Limit(ch).Contains(pos)
	if outside && !s.motor.outside[ch] {
		s.report(safety.FaultLimitViolation, ch, &faults.SafetyFault{
			Kind:   faults.LimitViolation,
			Source: fmt.Sprintf("channel %d at %d", ch, pos),
		})
	}
	s.motor.outside[ch] = outside
}

// trackDriver reports every flag whose counter rose since the last poll.
func (s *System) trackDriver(ch int, m dspin.MotorChannel) {
	for i, k := range driverFlagKinds {
		if m.FlagCounts[i] > s.motor.counts[ch][i] && k != 0 {
			s.motor.driver[ch] = s.motor.driver[ch].Add(k)
			s.report(k, ch, dspin.FaultFlags(1<<i).MostSevere(ch))
		}
	}
	s.motor.counts[ch] = m.FlagCounts
}

// trackEncoder reports new encoder conditions. Warnings clear themselves
// when the condition goes away; latching kinds stay until ClearFaults.
func (s *System) trackEncoder(ch int, c encoder.Channel, err error) {
	var now safety.FaultSet
	if err != nil {
		kind, ok := safety.Classify(err, safety.FaultEncoderComm)
		if !ok {
			s.logger.Warnw("encoder read failed", "channel", ch, "error", err)
			return
		}
		if kind == safety.FaultEncoderComm {
			s.report(kind, ch, err)
			return
		}
		now = now.Add(kind)
	}
	now |= healthKinds(c.Health)

	prev := s.motor.encoder[ch]
	for _, k := range (now &^ prev).Kinds() {
		s.report(k, ch, err)
	}
	for _, k := range (prev &^ now).Kinds() {
		if k.Latching() {
			now = now.Add(k)
			continue
		}
		s.motor.encoder[ch] = s.motor.encoder[ch].Remove(k)
		s.clearFault(k, ch)
	}
	s.motor.encoder[ch] = now
}

func healthKinds(h encoder.MagnetHealth) safety.FaultSet {
	var set safety.FaultSet
	if h&encoder.MagnetDetected == 0 {
		set = set.Add(safety.FaultEncoderNoMagnet)
	}
	if h&encoder.MagnetTooStrong != 0 {
		set = set.Add(safety.FaultEncoderTooStrong)
	}
	if h&encoder.MagnetTooWeak != 0 {
		set = set.Add(safety.FaultEncoderTooWeak)
	}
	return set
}

// clearFaults clears the latched driver flags of ch, or of every channel for
// AllChannels, and tells the supervisor which conditions are gone.
func (s *System) clearFaults(ctx context.Context, ch int) error {
	if ch == AllChannels {
		var err error
		for c := 0; c < s.n; c++ {
			err = multierr.Append(err, s.clearChannel(ctx, c))
		}
		s.clearFault(safety.FaultWatchdogTimeout, safety.NoChannel)
		return err
	}
	if ch < 0 || ch >= s.n {
		return &faults.UsageError{Kind: faults.InvalidChannel, Detail: fmt.Sprintf("command channel %d", ch)}
	}
	return s.clearChannel(ctx, ch)
}

func (s *System) clearChannel(ctx context.Context, ch int) error {
	if err := s.driver.ClearFaults(ctx, ch); err != nil {
		return err
	}
	s.clearFault(safety.FaultDriverComm, safety.NoChannel)

	st, err := s.driver.GetStatus(ctx, ch)
	if err != nil && faults.CategoryOf(err) != faults.CategoryDriver {
		return err
	}
	flags := st.Faults()
	for i, k := range driverFlagKinds {
		if k == 0 || !s.motor.driver[ch].Has(k) || flags.Has(dspin.FaultFlags(1<<i)) {
			continue
		}
		s.motor.driver[ch] = s.motor.driver[ch].Remove(k)
		s.clearFault(k, ch)
	}
	m, _ := s.driver.Channel(ch)
	s.motor.counts[ch] = m.FlagCounts

	c, err := s.encoders.Read(ctx, ch)
	if err != nil && faults.CategoryOf(err) != faults.CategoryEncoder {
		return err
	}
	s.clearFault(safety.FaultEncoderComm, ch)
	present := healthKinds(c.Health)
	if kind, ok := safety.Classify(err, safety.FaultEncoderComm); ok {
		present = present.Add(kind)
	}
	for _, k := range (s.motor.encoder[ch] &^ present).Kinds() {
		s.motor.encoder[ch] = s.motor.encoder[ch].Remove(k)
		s.clearFault(k, ch)
	}

	s.clearFault(safety.FaultLimitViolation, ch)
	return nil
}

// clearFault tells the supervisor k is gone, unless another channel still
// has it.
func (s *System) clearFault(k safety.FaultKind, ch int) {
	for c := 0; c < s.n; c++ {
		if c == ch {
			continue
		}
		if s.motor.driver[c].Has(k) || s.motor.encoder[c].Has(k) {
			return
		}
		if k == safety.FaultLimitViolation && s.motor.outside[c] {
			return
		}
	}
	s.post(safety.FaultCleared{Kind: k, Channel: ch})
}

func (s *System) report(k safety.FaultKind, ch int, err error) {
	s.post(safety.FaultReported{Kind: k, Channel: ch, Err: err})
}

// post hands ev to the supervisor. A full queue forces a stop on the next
// motor cycle.
func (s *System) post(ev safety.Event) {
	if !s.safety.Report(ev) {
		s.logger.Errorw("safety event queue full", "event", fmt.Sprintf("%T", ev))
		s.stop.Give()
	}
}

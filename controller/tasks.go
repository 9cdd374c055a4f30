package controller

import (
	"context"
	"time"

	"dualstep/dspin"
	"dualstep/encoder"
	"dualstep/faults"
	"dualstep/rtos"
	"dualstep/safety"
)

func (s *System) safetyCycle(ctx context.Context, _ time.Time) error {
	return s.safety.Step(ctx)
}

// commCycle moves commands from the link into the command queue and queued
// telemetry out to the link.
func (s *System) commCycle(ctx context.Context, _ time.Time) error {
	link := s.opts.Link
	if link == nil {
		return nil
	}
	for i := 0; i < s.commands.Cap(); i++ {
		cmd, ok, err := link.Receive(ctx)
		if err != nil {
			s.logger.Warnw("link receive failed", "error", err)
			break
		}
		if !ok {
			break
		}
		if err := s.Submit(cmd); err != nil {
			s.rejected.Inc()
			s.logger.Warnw("command dropped", "command", cmd.Kind, "error", err)
		}
	}
	for {
		t, ok := s.telemetry.TryReceive()
		if !ok {
			return nil
		}
		if err := link.Send(ctx, t); err != nil {
			return err
		}
	}
}

// telemetryCycle queues a snapshot. When the queue is full the oldest message
// gives way.
func (s *System) telemetryCycle(_ context.Context, now time.Time) error {
	t := s.Snapshot(now)
	for _, tr := range s.transitions.Drain(nil) {
		t.Transitions = append(t.Transitions, transitionTelemetry(tr))
	}
	if s.telemetry.TrySend(t) {
		return nil
	}
	s.telemetry.TryReceive()
	if !s.telemetry.TrySend(t) {
		return rtos.ErrQueueFull
	}
	return nil
}

// idleCycle refreshes the slow-changing encoder diagnostics.
func (s *System) idleCycle(ctx context.Context, _ time.Time) error {
	for ch := 0; ch < s.n; ch++ {
		if _, _, err := s.encoders.ReadMagnitude(ctx, ch); err != nil {
			if faults.CategoryOf(err) == faults.CategoryComm {
				s.report(safety.FaultEncoderComm, ch, err)
			}
			s.logger.Debugw("magnitude read failed", "channel", ch, "error", err)
		}
	}
	return nil
}

// Snapshot assembles a telemetry message from the current state of every
// component. It does not touch the buses.
func (s *System) Snapshot(now time.Time) Telemetry {
	st := s.safety.State()
	s.telemetrySeq++
	t := Telemetry{
		Session:     s.opts.Session,
		Seq:         s.telemetrySeq,
		At:          now,
		Level:       st.Level.String(),
		Active:      st.Active.String(),
		Latched:     st.Latched.String(),
		EStop:       st.EStop.Active,
		EStopSource: string(st.EStop.Source),
	}

	var motors [dspin.MaxChainLength]dspin.MotorChannel
	var encs [dspin.MaxChainLength]encoder.Channel
	ms := s.driver.AppendChannels(motors[:0])
	es := s.encoders.AppendChannels(encs[:0])
	t.Channels = make([]ChannelTelemetry, 0, len(ms))
	for i, m := range ms {
		var e encoder.Channel
		if i < len(es) {
			e = es[i]
		}
		t.Channels = append(t.Channels, channelTelemetry(m, e))
	}

	t.Stats.Queues = []rtos.QueueStats{
		s.commands.Stats(),
		s.events.Stats(),
		s.transitions.Stats(),
		s.telemetry.Stats(),
	}
	t.Stats.Mutexes = append(t.Stats.Mutexes, s.driverLock.Stats())
	for _, l := range s.encoderLocks {
		t.Stats.Mutexes = append(t.Stats.Mutexes, l.Stats())
	}
	for _, ts := range s.scheduler.AppendStats(nil) {
		t.Stats.Tasks = append(t.Stats.Tasks, taskTelemetry(ts))
	}
	t.Stats.Rejected = s.rejected.Load()
	return t
}

package main

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"dualstep/config"
	"dualstep/controller"
	"dualstep/logging"
	"dualstep/sim"
	"dualstep/telemetry"
)

// rigTick is the step of the simulated motion model.
const rigTick = time.Millisecond

// Result summarizes a simulated run.
type Result struct {
	Level     string
	Positions []int32
	Degrees   []float64
	Messages  int
	Rejected  uint64
	Last      controller.Telemetry
}

// simulation runs a System on a sim.Bench under a mock clock.
type simulation struct {
	cfg    *config.Config
	logger logging.Logger
	record io.Writer

	bench   *sim.Bench
	sys     *controller.System
	elapsed time.Duration
	result  Result
}

// Simulate runs script against a simulated two-motor bench. Every telemetry
// message is logged at debug level and, when record is not nil, written to
// it as a frame.
func Simulate(ctx context.Context, cfg *config.Config, script *Script, session string, record io.Writer, logger logging.Logger) (*Result, error) {
	bench := sim.NewBench(cfg.Channels, float64(cfg.StepsPerRev), rigTick)
	if err := bench.Rig.Start(); err != nil {
		return nil, err
	}
	sys, err := controller.New(cfg, bench.Clock, bench.Platform, logger.Named("controller"), controller.Options{Session: session})
	if err != nil {
		return nil, err
	}
	if err := sys.Init(ctx); err != nil {
		return nil, err
	}
	if err := sys.Start(ctx); err != nil {
		return nil, err
	}

	s := &simulation{cfg: cfg, logger: logger, record: record, bench: bench, sys: sys}
	for _, st := range script.Steps {
		if err := s.advance(ctx, st.At); err != nil {
			return nil, err
		}
		s.apply(st)
	}
	if err := s.advance(ctx, script.Duration); err != nil {
		return nil, err
	}

	s.result.Level = sys.Safety().Level().String()
	s.result.Rejected = sys.Rejected()
	for ch := 0; ch < cfg.Channels; ch++ {
		s.result.Positions = append(s.result.Positions, bench.Chain.Position(ch))
		s.result.Degrees = append(s.result.Degrees, bench.Rig.Degrees(ch))
	}
	return &s.result, nil
}

// advance runs the system up to t, collecting telemetry at least once per
// telemetry period so the bounded queue never overflows.
func (s *simulation) advance(ctx context.Context, t time.Duration) error {
	chunk := s.cfg.Tasks.Telemetry.Period
	for s.elapsed < t {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := t - s.elapsed
		if d > chunk {
			d = chunk
		}
		if err := s.sys.Simulate(s.bench.Clock, d); err != nil {
			return err
		}
		s.elapsed += d
		if err := s.collect(); err != nil {
			return err
		}
	}
	return nil
}

func (s *simulation) collect() error {
	for {
		t, ok := s.sys.NextTelemetry()
		if !ok {
			return nil
		}
		s.result.Messages++
		s.result.Last = t
		for _, tr := range t.Transitions {
			s.logger.Infow("safety level", "from", tr.From, "to", tr.To, "cause", tr.Cause, "source", tr.Source)
		}
		s.logger.Debugw("telemetry", "seq", t.Seq, "level", t.Level, "active", t.Active)
		if s.record != nil {
			if err := telemetry.WriteFrame(s.record, t); err != nil {
				return errors.Wrap(err, "record telemetry")
			}
		}
	}
}

func (s *simulation) apply(st Step) {
	switch st.EStop {
	case "press":
		s.logger.Infow("emergency stop pressed", "at", st.At)
		s.bench.PressEStop()
		return
	case "release":
		s.logger.Infow("emergency stop released", "at", st.At)
		s.bench.ReleaseEStop()
		return
	}
	cmd, err := st.command()
	if err != nil {
		s.logger.Warnw("skipping step", "at", st.At, "error", err)
		return
	}
	if err := s.sys.Submit(cmd); err != nil {
		s.logger.Warnw("command not queued", "at", st.At, "command", cmd.Kind, "error", err)
	}
}

package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualstep/config"
	"dualstep/controller"
	"dualstep/dspin"
	"dualstep/hal/mock"
	"dualstep/logging"
	"dualstep/safety"
	"dualstep/sim"
)

type fixture struct {
	clk   *mock.Clock
	chain *sim.Chain
	encs  []*sim.AS5600
	estop *mock.Pin
	wd    *mock.Watchdog
	sys   *controller.System
}

func newFixture(t *testing.T, opts controller.Options, edit ...func(c *config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	for _, fn := range edit {
		fn(cfg)
	}

	b := sim.NewBench(cfg.Channels, float64(cfg.StepsPerRev), time.Millisecond)
	require.NoError(t, b.Rig.Start())
	f := &fixture{
		clk:   b.Clock,
		chain: b.Chain,
		encs:  b.Encoders,
		estop: b.EStop,
		wd:    b.Watchdog,
	}
	clk, p := b.Clock, b.Platform

	sys, err := controller.New(cfg, clk, p, logging.NewTestLogger(t), opts)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sys.Init(ctx))
	require.NoError(t, sys.Start(ctx))
	f.sys = sys
	return f
}

func (f *fixture) run(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, f.sys.Simulate(f.clk, d))
}

func (f *fixture) submit(t *testing.T, cmds ...controller.Command) {
	t.Helper()
	for _, c := range cmds {
		require.NoError(t, f.sys.Submit(c))
	}
}

func (f *fixture) level() safety.Level {
	return f.sys.Safety().Level()
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.submit(t, controller.Command{Kind: controller.CmdStart})
	f.run(t, 20*time.Millisecond)
	require.Equal(t, safety.LevelRunning, f.level())
}

func TestMoveToReachesTargetAndEncoderFollows(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)

	f.submit(t, controller.Command{Channel: 0, Kind: controller.CmdMoveTo, Param: 1000})
	f.run(t, 2*time.Second)

	assert.Equal(t, int32(1000), f.chain.Position(0))
	assert.Equal(t, int32(0), f.chain.Position(1))

	m, err := f.sys.Driver().Channel(0)
	require.NoError(t, err)
	assert.Equal(t, int32(1000), m.Position)
	assert.Equal(t, int32(1000), m.Target)
	assert.False(t, m.Busy)
	assert.Equal(t, dspin.StateIdle, m.State)

	e, err := f.sys.Encoders().Channel(0)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0/25600*360, e.Degrees, 0.1)
	assert.Equal(t, safety.LevelRunning, f.level())
	assert.Zero(t, f.sys.Rejected())
}

func TestMotionRejectedUnlessRunning(t *testing.T) {
	f := newFixture(t, controller.Options{})
	require.Equal(t, safety.LevelReady, f.level())

	f.submit(t, controller.Command{Channel: 0, Kind: controller.CmdMoveTo, Param: 1000})
	f.run(t, 100*time.Millisecond)

	assert.Equal(t, uint64(1), f.sys.Rejected())
	assert.False(t, f.chain.Moving(0))
	assert.Equal(t, int32(0), f.chain.Position(0))
}

func TestInvalidCommandsAreRejected(t *testing.T) {
	f := newFixture(t, controller.Options{}, func(c *config.Config) {
		c.Limits = []config.LimitConfig{{Min: -100, Max: 100}}
	})
	f.start(t)

	f.submit(t,
		controller.Command{Channel: 0, Kind: controller.CmdMoveTo, Param: 500},
		controller.Command{Channel: 5, Kind: controller.CmdRun, Param: 100},
		controller.Command{Channel: 1, Kind: controller.CmdMove, Param: 1.5},
	)
	f.run(t, 50*time.Millisecond)

	assert.Equal(t, uint64(3), f.sys.Rejected())
	assert.False(t, f.chain.Moving(0))
	assert.False(t, f.chain.Moving(1))
	assert.Equal(t, safety.LevelRunning, f.level())
}

func TestMoveToWhileRunningStopsFirst(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)

	f.submit(t, controller.Command{Channel: 0, Kind: controller.CmdRun, Param: 1000})
	f.run(t, 300*time.Millisecond)
	require.True(t, f.chain.Moving(0))
	require.Greater(t, f.chain.Position(0), int32(0))

	f.submit(t, controller.Command{Channel: 0, Kind: controller.CmdMoveTo, Param: 0})
	f.run(t, 20*time.Millisecond)
	m, err := f.sys.Driver().Channel(0)
	require.NoError(t, err)
	assert.Equal(t, dspin.StateDecelerating, m.State)
	assert.Greater(t, f.chain.Speed(0), 0.0)

	f.run(t, 3*time.Second)
	assert.Equal(t, int32(0), f.chain.Position(0))
	assert.False(t, f.chain.Moving(0))
	m, err = f.sys.Driver().Channel(0)
	require.NoError(t, err)
	assert.Equal(t, int32(0), m.Target)
	assert.Equal(t, dspin.StateIdle, m.State)
}

func TestUndervoltageCountedOnceAndLatched(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)
	f.submit(t, controller.Command{Channel: 1, Kind: controller.CmdRun, Param: 500})
	f.run(t, 50*time.Millisecond)

	f.chain.Inject(0, dspin.FlagUndervoltage)
	f.run(t, 100*time.Millisecond)

	m, err := f.sys.Driver().Channel(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.FlagCount(dspin.FlagUndervoltage))
	assert.Equal(t, uint32(1), m.FaultCount)

	st := f.sys.Safety().State()
	assert.Equal(t, safety.LevelFault, st.Level)
	assert.True(t, st.Latched.Has(safety.FaultUndervoltage))
	assert.True(t, f.chain.HiZ(0))
	assert.True(t, f.chain.HiZ(1))

	f.submit(t, controller.Command{Kind: controller.CmdReset})
	f.run(t, 20*time.Millisecond)
	assert.Equal(t, safety.LevelFault, f.level())

	f.submit(t, controller.Command{Channel: controller.AllChannels, Kind: controller.CmdClearFaults})
	f.run(t, 20*time.Millisecond)
	assert.True(t, f.sys.Safety().State().Latched.Empty())

	f.submit(t, controller.Command{Kind: controller.CmdReset})
	f.run(t, 20*time.Millisecond)
	assert.Equal(t, safety.LevelReady, f.level())

	m, err = f.sys.Driver().Channel(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.FlagCount(dspin.FlagUndervoltage))
}

func TestPersistentFaultSurvivesClearFaults(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)

	f.chain.Persist(1, dspin.FlagOvercurrent)
	f.run(t, 50*time.Millisecond)
	require.Equal(t, safety.LevelFault, f.level())

	f.submit(t, controller.Command{Channel: 1, Kind: controller.CmdClearFaults})
	f.run(t, 20*time.Millisecond)
	assert.True(t, f.sys.Safety().State().Latched.Has(safety.FaultOvercurrent))

	f.chain.Release(1, dspin.FlagOvercurrent)
	f.submit(t, controller.Command{Channel: 1, Kind: controller.CmdClearFaults})
	f.run(t, 20*time.Millisecond)
	f.submit(t, controller.Command{Kind: controller.CmdReset})
	f.run(t, 20*time.Millisecond)
	assert.Equal(t, safety.LevelReady, f.level())
}

func TestHardwareEmergencyStop(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)
	f.submit(t,
		controller.Command{Channel: 0, Kind: controller.CmdRun, Param: 500},
		controller.Command{Channel: 1, Kind: controller.CmdRun, Param: -500},
	)
	f.run(t, 100*time.Millisecond)
	require.True(t, f.chain.Moving(0))

	f.estop.Set(false)
	f.run(t, 10*time.Millisecond)

	st := f.sys.Safety().State()
	assert.Equal(t, safety.LevelEmergency, st.Level)
	assert.Equal(t, safety.SourceHardware, st.EStop.Source)
	for ch := 0; ch < 2; ch++ {
		assert.True(t, f.chain.HiZ(ch), "channel %d", ch)
		m, err := f.sys.Driver().Channel(ch)
		require.NoError(t, err)
		assert.Equal(t, dspin.StateEmergencyStopped, m.State)
	}

	// Still held down.
	f.submit(t,
		controller.Command{Kind: controller.CmdAcknowledge},
		controller.Command{Kind: controller.CmdReset},
	)
	f.run(t, 20*time.Millisecond)
	st = f.sys.Safety().State()
	assert.Equal(t, safety.LevelEmergency, st.Level)
	assert.Contains(t, st.LastRejection, "not released")

	f.estop.Set(true)
	f.run(t, 20*time.Millisecond)
	f.submit(t, controller.Command{Kind: controller.CmdReset})
	f.run(t, 20*time.Millisecond)
	assert.Equal(t, safety.LevelReady, f.level())

	f.start(t)
	f.submit(t, controller.Command{Channel: 0, Kind: controller.CmdMoveTo, Param: 0})
	f.run(t, 2*time.Second)
	assert.Equal(t, int32(0), f.chain.Position(0))
	assert.False(t, f.chain.HiZ(0))
}

func TestEmergencyStopCommand(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)
	f.submit(t, controller.Command{Channel: 0, Kind: controller.CmdRun, Param: 800})
	f.run(t, 100*time.Millisecond)

	f.submit(t, controller.Command{Kind: controller.CmdEmergencyStop})
	f.run(t, 10*time.Millisecond)

	st := f.sys.Safety().State()
	assert.Equal(t, safety.LevelEmergency, st.Level)
	assert.Equal(t, safety.SourceCommand, st.EStop.Source)
	assert.True(t, f.chain.HiZ(0))
	assert.Equal(t, uint32(1), st.EStop.Count)

	f.submit(t,
		controller.Command{Kind: controller.CmdReleaseEmergencyStop},
		controller.Command{Kind: controller.CmdAcknowledge},
		controller.Command{Kind: controller.CmdReset},
	)
	f.run(t, 20*time.Millisecond)
	assert.Equal(t, safety.LevelReady, f.level())
}

func TestEncoderMagnetLoss(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)

	f.encs[1].SetMagnet(true, false, true)
	f.run(t, 30*time.Millisecond)
	st := f.sys.Safety().State()
	assert.Equal(t, safety.LevelWarning, st.Level)
	assert.True(t, st.Active.Has(safety.FaultEncoderTooWeak))

	f.encs[1].SetMagnet(true, false, false)
	f.run(t, 30*time.Millisecond)
	assert.Equal(t, safety.LevelRunning, f.level())

	f.encs[1].SetMagnet(false, false, false)
	f.run(t, 30*time.Millisecond)
	st = f.sys.Safety().State()
	assert.Equal(t, safety.LevelFault, st.Level)
	assert.True(t, st.Latched.Has(safety.FaultEncoderNoMagnet))

	// Latched until cleared, even with the magnet back.
	f.encs[1].SetMagnet(true, false, false)
	f.run(t, 30*time.Millisecond)
	assert.Equal(t, safety.LevelFault, f.level())

	f.submit(t, controller.Command{Channel: 1, Kind: controller.CmdClearFaults})
	f.run(t, 20*time.Millisecond)
	f.submit(t, controller.Command{Kind: controller.CmdReset})
	f.run(t, 20*time.Millisecond)
	assert.Equal(t, safety.LevelReady, f.level())
}

func TestSoftLimitViolation(t *testing.T) {
	f := newFixture(t, controller.Options{}, func(c *config.Config) {
		c.Limits = []config.LimitConfig{{Min: -50, Max: 50}}
	})
	f.start(t)

	f.submit(t, controller.Command{Channel: 0, Kind: controller.CmdRun, Param: 1000})
	f.run(t, 500*time.Millisecond)

	st := f.sys.Safety().State()
	assert.Equal(t, safety.LevelFault, st.Level)
	assert.True(t, st.Latched.Has(safety.FaultLimitViolation))
	assert.True(t, f.chain.HiZ(0))
}

type fakeLink struct {
	in   []controller.Command
	sent []controller.Telemetry
}

func (l *fakeLink) Receive(context.Context) (controller.Command, bool, error) {
	if len(l.in) == 0 {
		return controller.Command{}, false, nil
	}
	c := l.in[0]
	l.in = l.in[1:]
	return c, true, nil
}

func (l *fakeLink) Send(_ context.Context, t controller.Telemetry) error {
	l.sent = append(l.sent, t)
	return nil
}

func TestLinkCarriesCommandsAndTelemetry(t *testing.T) {
	link := &fakeLink{in: []controller.Command{{Kind: controller.CmdStart}}}
	f := newFixture(t, controller.Options{Link: link, Session: "bench"})

	f.run(t, 300*time.Millisecond)
	assert.Equal(t, safety.LevelRunning, f.level())
	require.NotEmpty(t, link.sent)

	first := link.sent[0]
	assert.Equal(t, "bench", first.Session)
	assert.Len(t, first.Channels, 2)
	assert.Len(t, first.Stats.Tasks, 5)
	assert.Len(t, first.Stats.Queues, 4)
	assert.Len(t, first.Stats.Mutexes, 3)

	var levels []string
	for i, tm := range link.sent {
		if i > 0 {
			assert.Greater(t, tm.Seq, link.sent[i-1].Seq)
		}
		for _, tr := range tm.Transitions {
			levels = append(levels, tr.To)
		}
	}
	assert.Equal(t, []string{"READY", "RUNNING"}, levels)
	last := link.sent[len(link.sent)-1]
	assert.Equal(t, "RUNNING", last.Level)
}

func TestWatchdogRefreshedWhileHealthy(t *testing.T) {
	f := newFixture(t, controller.Options{})
	f.start(t)
	f.run(t, time.Second)
	assert.Zero(t, f.wd.Resets())
	assert.Greater(t, f.wd.Refreshes(), uint64(100))
}

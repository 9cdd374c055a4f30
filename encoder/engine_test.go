package encoder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"dualstep/encoder"
	"dualstep/faults"
	"dualstep/hal"
	"dualstep/hal/mock"
	"dualstep/logging"
	"dualstep/rtos"
	"dualstep/sim"
)

type fixture struct {
	clk    *mock.Clock
	devs   []*sim.AS5600
	buses  []*mock.Bus
	engine *encoder.Engine
}

func newFixture(t *testing.T, n int, opts encoder.Options) *fixture {
	t.Helper()
	f := &fixture{clk: mock.NewClock()}
	ports := make([]encoder.Port, n)
	for i := 0; i < n; i++ {
		dev := sim.NewAS5600(encoder.DefaultAddress)
		bus := mock.NewI2CBus("i2c"+string(rune('0'+i)), dev)
		f.devs = append(f.devs, dev)
		f.buses = append(f.buses, bus)
		ports[i] = encoder.Port{Bus: bus, Lock: rtos.NewMutex(f.clk, bus.Name())}
	}
	e, err := encoder.NewEngine(ports, f.clk, logging.NewTestLogger(t), opts)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	f.engine = e
	return f
}

func TestVelocityTakesShortPathThroughZero(t *testing.T) {
	f := newFixture(t, 2, encoder.Options{})
	ctx := context.Background()
	period := 10 * time.Millisecond

	f.devs[0].SetDegrees(350)
	_, err := f.engine.Read(ctx, 0)
	require.NoError(t, err)

	f.clk.Advance(period)
	f.devs[0].SetDegrees(5)
	c, err := f.engine.Read(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 15, c.Velocity*period.Seconds(), 0.1)

	f.clk.Advance(period)
	f.devs[0].SetDegrees(350)
	c, err = f.engine.Read(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, -15, c.Velocity*period.Seconds(), 0.1)
}

func TestRevolutionsAccumulate(t *testing.T) {
	f := newFixture(t, 1, encoder.Options{})
	ctx := context.Background()

	for _, deg := range []float64{90, 180, 270, 0, 90} {
		f.clk.Advance(time.Millisecond)
		f.devs[0].SetDegrees(deg)
		_, err := f.engine.Read(ctx, 0)
		require.NoError(t, err)
	}
	c, _ := f.engine.Channel(0)
	assert.InDelta(t, 1.25, c.Revolutions, 1e-9)
}

func TestAnglesAreMasked(t *testing.T) {
	f := newFixture(t, 1, encoder.Options{})
	f.devs[0].SetUnusedBits(0xF000)
	f.devs[0].SetAngles(2048, 1024)

	c, err := f.engine.Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(2048), c.Raw)
	assert.Equal(t, uint16(1024), c.Filtered)
	assert.Equal(t, 180.0, c.Degrees)
}

func TestMagnetHealth(t *testing.T) {
	tests := []struct {
		name     string
		detected bool
		strong   bool
		weak     bool
		want     error
		all      int
	}{
		{"ok", true, false, false, nil, 0},
		{"too strong", true, true, false, faults.ErrFieldTooStrong, 1},
		{"too weak", true, false, true, faults.ErrFieldTooWeak, 1},
		{"not detected", false, false, false, faults.ErrMagnetNotDetected, 1},
		{"not detected and weak", false, false, true, faults.ErrMagnetNotDetected, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, encoder.Options{})
			f.devs[0].SetMagnet(tt.detected, tt.strong, tt.weak)

			c, err := f.engine.Read(context.Background(), 0)
			if tt.want == nil {
				assert.NoError(t, err)
				assert.True(t, c.Health.OK())
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, faults.CategoryEncoder, faults.CategoryOf(err))
			assert.Len(t, multierr.Errors(c.LastError), tt.all)
			assert.Equal(t, uint32(tt.all), c.FaultCount)
			assert.Equal(t, tt.detected, c.Health&encoder.MagnetDetected != 0)
		})
	}
}

func TestFaultCountedOncePerOccurrence(t *testing.T) {
	f := newFixture(t, 1, encoder.Options{})
	ctx := context.Background()

	f.devs[0].SetMagnet(false, false, false)
	for i := 0; i < 3; i++ {
		_, err := f.engine.Read(ctx, 0)
		assert.ErrorIs(t, err, faults.ErrMagnetNotDetected)
	}
	f.devs[0].SetMagnet(true, false, false)
	_, err := f.engine.Read(ctx, 0)
	require.NoError(t, err)
	f.devs[0].SetMagnet(false, false, false)
	_, err = f.engine.Read(ctx, 0)
	require.Error(t, err)

	c, _ := f.engine.Channel(0)
	assert.Equal(t, uint32(2), c.FaultCount)
}

func TestImplausibleJump(t *testing.T) {
	f := newFixture(t, 1, encoder.Options{MaxJumpDegrees: 30})
	ctx := context.Background()

	f.clk.Advance(time.Millisecond)
	f.devs[0].SetDegrees(20)
	_, err := f.engine.Read(ctx, 0)
	require.NoError(t, err)

	f.clk.Advance(time.Millisecond)
	f.devs[0].SetDegrees(110)
	_, err = f.engine.Read(ctx, 0)
	assert.ErrorIs(t, err, faults.ErrImplausibleJump)
	assert.True(t, faults.SafetyRelevant(err))
}

func TestCalibration(t *testing.T) {
	f := newFixture(t, 2, encoder.Options{})
	ctx := context.Background()

	f.devs[1].SetDegrees(100)
	require.NoError(t, f.engine.Calibrate(ctx, 1))
	c, err := f.engine.Read(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0, c.Degrees, 0.1)
	assert.InDelta(t, 100, c.ZeroOffset, 0.1)

	f.devs[1].SetDegrees(90)
	c, err = f.engine.Read(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 350, c.Degrees, 0.1)

	require.NoError(t, f.engine.SetZeroOffset(1, -10))
	c, _ = f.engine.Channel(1)
	assert.Equal(t, 350.0, c.ZeroOffset)
	assert.InDelta(t, 100, c.Degrees, 0.1)

	// channel 0 untouched
	c, _ = f.engine.Channel(0)
	assert.Zero(t, c.ZeroOffset)

	f.devs[0].SetMagnet(false, false, false)
	assert.ErrorIs(t, f.engine.Calibrate(ctx, 0), faults.ErrMagnetNotDetected)
}

func TestInvalidChannelDoesNoBusTransaction(t *testing.T) {
	f := newFixture(t, 2, encoder.Options{})
	ctx := context.Background()
	for _, b := range f.buses {
		b.ResetLog()
	}

	for _, ch := range []int{-1, 2} {
		_, err := f.engine.Read(ctx, ch)
		assert.ErrorIs(t, err, faults.ErrInvalidChannel)
		assert.ErrorIs(t, f.engine.Calibrate(ctx, ch), faults.ErrInvalidChannel)
		assert.ErrorIs(t, f.engine.SetZeroOffset(ch, 1), faults.ErrInvalidChannel)
		_, _, err = f.engine.ReadMagnitude(ctx, ch)
		assert.ErrorIs(t, err, faults.ErrInvalidChannel)
	}
	for _, b := range f.buses {
		assert.Zero(t, b.Count())
	}
}

func TestCommErrorCounted(t *testing.T) {
	f := newFixture(t, 2, encoder.Options{})
	ctx := context.Background()

	f.buses[1].FailNext(1, hal.ErrTimeout)
	c, err := f.engine.Read(ctx, 1)
	assert.ErrorIs(t, err, hal.ErrTimeout)
	assert.Equal(t, faults.CategoryComm, faults.CategoryOf(err))
	assert.Equal(t, uint32(1), c.CommErrors)

	_, err = f.engine.Read(ctx, 0)
	assert.NoError(t, err)
	_, err = f.engine.Read(ctx, 1)
	assert.NoError(t, err)

	f.buses[1].FailNext(1, hal.ErrTimeout)
	_, _, err = f.engine.ReadMagnitude(ctx, 1)
	assert.ErrorIs(t, err, hal.ErrTimeout)
	c, err = f.engine.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c.CommErrors)
}

func TestReadMagnitude(t *testing.T) {
	f := newFixture(t, 1, encoder.Options{})
	f.devs[0].SetMagnitude(0x0ABC, 0x42)

	mag, agc, err := f.engine.ReadMagnitude(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0ABC), mag)
	assert.Equal(t, uint8(0x42), agc)
}

func TestInitFailure(t *testing.T) {
	clk := mock.NewClock()
	bus := mock.NewI2CBus("i2c0", sim.NewAS5600(0x40))
	e, err := encoder.NewEngine([]encoder.Port{{Bus: bus, Lock: rtos.NewMutex(clk, "i2c0")}},
		clk, logging.NewTestLogger(t), encoder.Options{})
	require.NoError(t, err)

	err = e.Init(context.Background())
	assert.ErrorIs(t, err, hal.ErrTransport)
	_, err = e.Read(context.Background(), 0)
	assert.ErrorIs(t, err, faults.ErrNotInitialized)
}

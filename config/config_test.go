package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualstep/dspin"
	"dualstep/rtos"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 2, c.Channels)
	assert.Equal(t, 5*time.Millisecond, c.Tasks.Safety.Period)
	assert.Equal(t, rtos.PrioritySafety, c.Tasks.Safety.Priority)
	assert.Equal(t, rtos.PriorityIdle, c.Tasks.Idle.Priority)
	assert.Equal(t, uint16(0x36), c.Encoder.Address)
	assert.Equal(t, 100*time.Millisecond, c.Safety.WatchdogTimeout)
}

func TestLoadFillsDefaults(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "dualstep.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3200, c.StepsPerRev)
	assert.Equal(t, int32(1), c.PositionTolerance)
	assert.Equal(t, "/dev/ttyUSB0", c.TelemetryPort)
	assert.Equal(t, 115200, c.TelemetryBaud)
	assert.Equal(t, 50*time.Millisecond, c.Tasks.Telemetry.Period)
	assert.Equal(t, 20*time.Millisecond, c.Tasks.Comm.Period)
	assert.Equal(t, 8, c.Queues.Commands)
	assert.Equal(t, 32, c.Queues.SafetyEvents)
	assert.Equal(t, time.Millisecond, c.Bus.DriverTimeout)
	assert.Equal(t, 2*time.Millisecond, c.Bus.EncoderTimeout)
	assert.Equal(t, []float64{12.5, 0}, c.Encoder.ZeroOffsets)
	assert.Equal(t, 3, c.Safety.CommErrorThreshold)

	assert.Equal(t, LimitConfig{Min: -20000, Max: 20000}, c.Limit(0))
	assert.False(t, c.Limit(1).Enabled())
	assert.True(t, c.Limit(1).Contains(1<<20))
	assert.False(t, c.Limit(0).Contains(20001))

	assert.Equal(t, "SPI1.0", c.Board.DriverSPI)
	assert.Equal(t, []string{"I2C1", "I2C4"}, c.Board.EncoderI2C)
	assert.Equal(t, "GPIO22", c.Board.EStopPin)
	assert.Equal(t, "/dev/watchdog", c.Board.Watchdog)
}

func TestDriverSettings(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "dualstep.yaml"))
	require.NoError(t, err)
	settings, err := c.Driver.Settings()
	require.NoError(t, err)

	var regs []dspin.Register
	for _, s := range settings {
		regs = append(regs, s.Reg)
	}
	assert.Equal(t, []dspin.Register{
		dspin.RegAcc, dspin.RegDec, dspin.RegMaxSpeed,
		dspin.RegKvalHold, dspin.RegKvalRun, dspin.RegStepMode,
	}, regs)
	assert.Equal(t, dspin.Setting{Reg: dspin.RegKvalRun, Value: 0x29}, settings[4])
	assert.Equal(t, dspin.MaxSpeedToReg(1500), settings[2].Value)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"too many channels", func(c *Config) { c.Channels = dspin.MaxChainLength + 1 }, "channels"},
		{"limits inverted", func(c *Config) { c.Limits = []LimitConfig{{Min: 10, Max: -10}} }, "limits[0]"},
		{"safety outranked", func(c *Config) { c.Tasks.Motor.Priority = rtos.PrioritySafety }, "outrank"},
		{"watchdog too short", func(c *Config) { c.Safety.WatchdogTimeout = c.Tasks.Safety.Period }, "watchdog_timeout"},
		{"unknown register", func(c *Config) { c.Driver.Registers = map[string]uint32{"BOGUS": 1} }, "BOGUS"},
		{"read-only register", func(c *Config) { c.Driver.Registers = map[string]uint32{"STATUS": 1} }, "read-only"},
		{"register overflow", func(c *Config) { c.Driver.Registers = map[string]uint32{"KVAL_RUN": 0x100} }, "exceeds"},
		{"register twice", func(c *Config) { c.Driver.Registers = map[string]uint32{"ACC": 1} }, "twice"},
		{"jump", func(c *Config) { c.Encoder.MaxJumpDegrees = 270 }, "max_jump_degrees"},
		{"spi clock", func(c *Config) { c.Board.SPIHz = -1 }, "board.spi_hz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("channels: [1"))
	assert.ErrorContains(t, err, "config: parse")

	_, err = Parse([]byte("channels: 9"))
	assert.ErrorContains(t, err, "channels 9")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

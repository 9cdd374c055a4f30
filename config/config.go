// Package config holds the externally supplied constants of the controller:
// task periods and priorities, queue sizes, timeouts, driver tuning and fault
// thresholds. Nothing is persisted; a configuration is read once at startup.
package config

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"dualstep/dspin"
	"dualstep/rtos"
)

// TaskConfig configures one periodic task.
type TaskConfig struct {
	Period   time.Duration `yaml:"period"`
	Priority rtos.Priority `yaml:"priority"`
}

// TasksConfig holds the five tasks.
type TasksConfig struct {
	Safety    TaskConfig `yaml:"safety"`
	Motor     TaskConfig `yaml:"motor"`
	Comm      TaskConfig `yaml:"comm"`
	Telemetry TaskConfig `yaml:"telemetry"`
	Idle      TaskConfig `yaml:"idle"`
}

// QueuesConfig sizes the bounded queues.
type QueuesConfig struct {
	Commands     int `yaml:"commands"`
	SafetyEvents int `yaml:"safety_events"`
	Transitions  int `yaml:"transitions"`
	Telemetry    int `yaml:"telemetry"`
}

// BusConfig holds bus and lock timeouts.
type BusConfig struct {
	DriverTimeout  time.Duration `yaml:"driver_timeout"`
	EncoderTimeout time.Duration `yaml:"encoder_timeout"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
}

// DriverConfig tunes the stepper drivers.
type DriverConfig struct {
	// MaxSpeed, MinSpeed in steps/s and Acc, Dec in steps/s² are converted
	// to register values. Zero leaves the device default.
	MaxSpeed float64 `yaml:"max_speed"`
	MinSpeed float64 `yaml:"min_speed"`
	Acc      float64 `yaml:"acc"`
	Dec      float64 `yaml:"dec"`

	// Registers holds raw values keyed by datasheet register name, for
	// example KVAL_RUN or STEP_MODE.
	Registers map[string]uint32 `yaml:"registers"`

	ResetPulse time.Duration `yaml:"reset_pulse"`
}

// EncoderConfig configures the magnetic encoders.
type EncoderConfig struct {
	Address        uint16    `yaml:"address"`
	MaxJumpDegrees float64   `yaml:"max_jump_degrees"`
	ZeroOffsets    []float64 `yaml:"zero_offsets"`
}

// SafetyConfig holds the fault thresholds.
type SafetyConfig struct {
	CommErrorThreshold int           `yaml:"comm_error_threshold"`
	WatchdogTimeout    time.Duration `yaml:"watchdog_timeout"`
}

// BoardConfig names the peripherals of a Linux board. The names are
// periph registry names, for example SPI0.0, I2C1 or GPIO17.
type BoardConfig struct {
	DriverSPI  string   `yaml:"driver_spi"`
	SPIHz      int64    `yaml:"spi_hz"`
	EncoderI2C []string `yaml:"encoder_i2c"`
	EStopPin   string   `yaml:"estop_pin"`
	ResetPin   string   `yaml:"reset_pin"`
	Watchdog   string   `yaml:"watchdog"`
}

// LimitConfig is a soft travel limit in steps. A zero value disables it.
type LimitConfig struct {
	Min int32 `yaml:"min"`
	Max int32 `yaml:"max"`
}

// Enabled reports whether the limit is set.
func (l LimitConfig) Enabled() bool { return l.Min != 0 || l.Max != 0 }

// Contains reports whether pos is within the limit.
func (l LimitConfig) Contains(pos int32) bool {
	return !l.Enabled() || (pos >= l.Min && pos <= l.Max)
}

// Config is the full controller configuration.
type Config struct {
	Channels          int           `yaml:"channels"`
	StepsPerRev       int           `yaml:"steps_per_rev"`
	PositionTolerance int32         `yaml:"position_tolerance"`
	CommandsPerCycle  int           `yaml:"commands_per_cycle"`
	TelemetryPort     string        `yaml:"telemetry_port"`
	TelemetryBaud     int           `yaml:"telemetry_baud"`
	Limits            []LimitConfig `yaml:"limits"`

	Tasks   TasksConfig   `yaml:"tasks"`
	Queues  QueuesConfig  `yaml:"queues"`
	Bus     BusConfig     `yaml:"bus"`
	Driver  DriverConfig  `yaml:"driver"`
	Encoder EncoderConfig `yaml:"encoder"`
	Safety  SafetyConfig  `yaml:"safety"`
	Board   BoardConfig   `yaml:"board"`
}

// Default returns the configuration of the two-channel board.
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

// Parse decodes YAML, fills in missing values and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

func applyDefaults(c *Config) {
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.StepsPerRev == 0 {
		c.StepsPerRev = 200 * 128 // 1.8° motor, 1/128 microstepping
	}
	if c.PositionTolerance == 0 {
		c.PositionTolerance = 2
	}
	if c.CommandsPerCycle == 0 {
		c.CommandsPerCycle = 4
	}
	if c.TelemetryBaud == 0 {
		c.TelemetryBaud = 115200
	}

	defaultTask(&c.Tasks.Safety, 5*time.Millisecond, rtos.PrioritySafety)
	defaultTask(&c.Tasks.Motor, 10*time.Millisecond, rtos.PriorityMotor)
	defaultTask(&c.Tasks.Comm, 20*time.Millisecond, rtos.PriorityComm)
	defaultTask(&c.Tasks.Telemetry, 100*time.Millisecond, rtos.PriorityTelemetry)
	defaultTask(&c.Tasks.Idle, 500*time.Millisecond, rtos.PriorityIdle)

	q := &c.Queues
	if q.Commands == 0 {
		q.Commands = 16
	}
	if q.SafetyEvents == 0 {
		q.SafetyEvents = 32
	}
	if q.Transitions == 0 {
		q.Transitions = 16
	}
	if q.Telemetry == 0 {
		q.Telemetry = 4
	}

	if c.Bus.DriverTimeout == 0 {
		c.Bus.DriverTimeout = 2 * time.Millisecond
	}
	if c.Bus.EncoderTimeout == 0 {
		c.Bus.EncoderTimeout = 2 * time.Millisecond
	}
	if c.Bus.LockTimeout == 0 {
		c.Bus.LockTimeout = 2 * time.Millisecond
	}

	if c.Driver.MaxSpeed == 0 {
		c.Driver.MaxSpeed = 2000
	}
	if c.Driver.Acc == 0 {
		c.Driver.Acc = 4000
	}
	if c.Driver.Dec == 0 {
		c.Driver.Dec = 4000
	}
	if c.Driver.ResetPulse == 0 {
		c.Driver.ResetPulse = time.Millisecond
	}

	if c.Encoder.Address == 0 {
		c.Encoder.Address = 0x36
	}
	if c.Encoder.MaxJumpDegrees == 0 {
		c.Encoder.MaxJumpDegrees = 90
	}

	if c.Safety.CommErrorThreshold == 0 {
		c.Safety.CommErrorThreshold = 5
	}
	if c.Safety.WatchdogTimeout == 0 {
		c.Safety.WatchdogTimeout = 100 * time.Millisecond
	}

	b := &c.Board
	if b.DriverSPI == "" {
		b.DriverSPI = "SPI0.0"
	}
	if b.SPIHz == 0 {
		b.SPIHz = 4_000_000
	}
	if len(b.EncoderI2C) == 0 {
		b.EncoderI2C = []string{"I2C1", "I2C3"}
	}
	if b.Watchdog == "" {
		b.Watchdog = "/dev/watchdog"
	}
}

func defaultTask(t *TaskConfig, period time.Duration, p rtos.Priority) {
	if t.Period == 0 {
		t.Period = period
	}
	if t.Priority == 0 {
		t.Priority = p
	}
}

// Validate reports the first inconsistent value.
func (c *Config) Validate() error {
	if c.Channels < 1 || c.Channels > dspin.MaxChainLength {
		return errors.Errorf("config: channels %d out of range 1..%d", c.Channels, dspin.MaxChainLength)
	}
	if c.StepsPerRev <= 0 {
		return errors.Errorf("config: steps_per_rev %d", c.StepsPerRev)
	}
	if c.PositionTolerance < 0 {
		return errors.Errorf("config: position_tolerance %d", c.PositionTolerance)
	}
	if len(c.Limits) > c.Channels {
		return errors.Errorf("config: %d limits for %d channels", len(c.Limits), c.Channels)
	}
	for i, l := range c.Limits {
		if l.Enabled() && l.Min >= l.Max {
			return errors.Errorf("config: limits[%d]: min %d >= max %d", i, l.Min, l.Max)
		}
	}
	if len(c.Encoder.ZeroOffsets) > c.Channels {
		return errors.Errorf("config: %d zero offsets for %d channels", len(c.Encoder.ZeroOffsets), c.Channels)
	}

	tasks := map[string]TaskConfig{
		"safety":    c.Tasks.Safety,
		"motor":     c.Tasks.Motor,
		"comm":      c.Tasks.Comm,
		"telemetry": c.Tasks.Telemetry,
		"idle":      c.Tasks.Idle,
	}
	for name, t := range tasks {
		if t.Period <= 0 {
			return errors.Errorf("config: tasks.%s.period %v", name, t.Period)
		}
		if t.Priority > rtos.PrioritySafety {
			return errors.Errorf("config: tasks.%s.priority %d", name, t.Priority)
		}
	}
	if c.Tasks.Safety.Priority <= c.Tasks.Motor.Priority {
		return errors.New("config: safety task must outrank motor task")
	}
	if c.Safety.WatchdogTimeout <= 2*c.Tasks.Safety.Period {
		return errors.Errorf("config: watchdog_timeout %v too short for safety period %v",
			c.Safety.WatchdogTimeout, c.Tasks.Safety.Period)
	}
	if c.Safety.CommErrorThreshold <= 0 {
		return errors.Errorf("config: comm_error_threshold %d", c.Safety.CommErrorThreshold)
	}

	q := c.Queues
	if q.Commands <= 0 || q.SafetyEvents <= 0 || q.Transitions <= 0 || q.Telemetry <= 0 {
		return errors.Errorf("config: queue capacities %+v", q)
	}
	if c.CommandsPerCycle <= 0 {
		return errors.Errorf("config: commands_per_cycle %d", c.CommandsPerCycle)
	}
	if c.Bus.DriverTimeout <= 0 || c.Bus.EncoderTimeout <= 0 || c.Bus.LockTimeout <= 0 {
		return errors.Errorf("config: bus timeouts %+v", c.Bus)
	}
	if c.Encoder.Address > 0x7F {
		return errors.Errorf("config: encoder address %#x", c.Encoder.Address)
	}
	if c.Encoder.MaxJumpDegrees <= 0 || c.Encoder.MaxJumpDegrees > 180 {
		return errors.Errorf("config: max_jump_degrees %v", c.Encoder.MaxJumpDegrees)
	}
	if c.Board.SPIHz <= 0 {
		return errors.Errorf("config: board.spi_hz %d", c.Board.SPIHz)
	}
	_, err := c.Driver.Settings()
	return err
}

// Limit returns the soft limit of channel ch.
func (c *Config) Limit(ch int) LimitConfig {
	if ch < 0 || ch >= len(c.Limits) {
		return LimitConfig{}
	}
	return c.Limits[ch]
}

// Settings converts the driver tuning to register writes in address order.
func (d DriverConfig) Settings() ([]dspin.Setting, error) {
	var out []dspin.Setting
	for _, v := range []float64{d.MaxSpeed, d.MinSpeed, d.Acc, d.Dec} {
		if v < 0 {
			return nil, errors.Errorf("config: negative driver speed or acceleration %v", v)
		}
	}
	if d.MaxSpeed > 0 {
		out = append(out, dspin.Setting{Reg: dspin.RegMaxSpeed, Value: dspin.MaxSpeedToReg(d.MaxSpeed)})
	}
	if d.MinSpeed > 0 {
		out = append(out, dspin.Setting{Reg: dspin.RegMinSpeed, Value: dspin.MinSpeedToReg(d.MinSpeed)})
	}
	if d.Acc > 0 {
		out = append(out, dspin.Setting{Reg: dspin.RegAcc, Value: dspin.AccToReg(d.Acc)})
	}
	if d.Dec > 0 {
		out = append(out, dspin.Setting{Reg: dspin.RegDec, Value: dspin.AccToReg(d.Dec)})
	}

	for name, v := range d.Registers {
		reg, ok := dspin.RegisterByName(name)
		if !ok {
			return nil, errors.Errorf("config: unknown driver register %q", name)
		}
		info, _ := reg.Info()
		if info.ReadOnly {
			return nil, errors.Errorf("config: driver register %s is read-only", name)
		}
		if v >= 1<<info.Bits {
			return nil, errors.Errorf("config: driver register %s value %#x exceeds %d bits", name, v, info.Bits)
		}
		for _, s := range out {
			if s.Reg == reg {
				return nil, errors.Errorf("config: driver register %s set twice", name)
			}
		}
		out = append(out, dspin.Setting{Reg: reg, Value: v})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reg < out[j].Reg })
	return out, nil
}

package sim

import (
	"fmt"
	"time"

	"dualstep/encoder"
	"dualstep/hal"
	"dualstep/hal/mock"
)

// Bench is a complete simulated board: a driver chain on one SPI bus, one
// encoder per channel on its own I2C bus, an emergency-stop button and a
// watchdog, all running on one mock clock.
type Bench struct {
	Clock    *mock.Clock
	Chain    *Chain
	Encoders []*AS5600
	EStop    *mock.Pin
	Watchdog *mock.Watchdog
	Rig      *Rig
	Platform hal.Platform
}

// NewBench builds a bench for n channels. The rig advances every tick.
func NewBench(n int, stepsPerRev float64, tick time.Duration) *Bench {
	clk := mock.NewClock()
	b := &Bench{
		Clock:    clk,
		Chain:    NewChain(n),
		EStop:    mock.NewPin("estop", true),
		Watchdog: mock.NewWatchdog(clk),
	}
	b.Platform = hal.Platform{
		DriverBus: mock.NewSPIBus("spi0", b.Chain),
		EStop:     b.EStop,
		Ticker:    clk,
		Timer:     clk.NewTimer(),
		Watchdog:  b.Watchdog,
	}
	for i := 0; i < n; i++ {
		enc := NewAS5600(encoder.DefaultAddress)
		b.Encoders = append(b.Encoders, enc)
		b.Platform.EncoderBuses = append(b.Platform.EncoderBuses, mock.NewI2CBus(fmt.Sprintf("i2c%d", i), enc))
	}
	b.Rig = NewRig(clk, b.Chain, b.Encoders, stepsPerRev, tick)
	return b
}

// PressEStop drives the emergency-stop input low.
func (b *Bench) PressEStop() { b.EStop.Set(false) }

// ReleaseEStop lets the emergency-stop input return high.
func (b *Bench) ReleaseEStop() { b.EStop.Set(true) }

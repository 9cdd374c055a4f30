//go:build linux

package periph

import (
	"io"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	host "periph.io/x/host/v3"

	"dualstep/config"
	"dualstep/hal"
)

// Board is a hal.Platform opened from the periph registries.
type Board struct {
	hal.Platform

	closers []io.Closer
}

// Open initializes the host drivers and opens the peripherals named in cfg
// for the given number of motor channels. Encoders that name the same bus
// share it.
func Open(cfg config.BoardConfig, channels int) (_ *Board, err error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph: host init")
	}
	if len(cfg.EncoderI2C) < channels {
		return nil, errors.Errorf("periph: %d encoder buses for %d channels", len(cfg.EncoderI2C), channels)
	}

	b := &Board{}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, b.Close())
		}
	}()

	port, err := spireg.Open(cfg.DriverSPI)
	if err != nil {
		return nil, errors.Wrapf(err, "periph: open %s", cfg.DriverSPI)
	}
	b.closers = append(b.closers, port)
	b.DriverBus = NewSPIBus(cfg.DriverSPI, port, physic.Hertz*physic.Frequency(cfg.SPIHz))

	opened := make(map[string]hal.Bus)
	for _, name := range cfg.EncoderI2C[:channels] {
		if bus, ok := opened[name]; ok {
			b.EncoderBuses = append(b.EncoderBuses, bus)
			continue
		}
		i2cBus, err := i2creg.Open(name)
		if err != nil {
			return nil, errors.Wrapf(err, "periph: open %s", name)
		}
		b.closers = append(b.closers, i2cBus)
		bus := NewI2CBus(name, i2cBus)
		opened[name] = bus
		b.EncoderBuses = append(b.EncoderBuses, bus)
	}

	if cfg.EStopPin != "" {
		pin, err := b.pin(cfg.EStopPin)
		if err != nil {
			return nil, err
		}
		b.EStop = pin
	}
	if cfg.ResetPin != "" {
		pin, err := b.pin(cfg.ResetPin)
		if err != nil {
			return nil, err
		}
		b.DriverReset = pin
	}

	clk := clock.New()
	b.Ticker = NewTicker(clk)
	timer := NewTimer(clk)
	b.Timer = timer
	b.closers = append(b.closers, closerFunc(func() error {
		if err := timer.Stop(); !errors.Is(err, hal.ErrNotInitialized) {
			return err
		}
		return nil
	}))
	wd := NewWatchdog(cfg.Watchdog)
	b.Watchdog = wd
	b.closers = append(b.closers, wd)
	return b, nil
}

func (b *Board) pin(name string) (*Pin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("periph: no gpio %s", name)
	}
	pin := NewPin(p)
	b.closers = append(b.closers, pin)
	return pin, nil
}

// Close releases everything Open acquired, newest first.
func (b *Board) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i].Close())
	}
	b.closers = nil
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Package tinygo is the microcontroller backend of hal. The bus adapters wrap
// the tinygo.org/x/drivers bus interfaces, so any machine.SPI or machine.I2C
// (or a software implementation of either) plugs in. Pins, the time base and
// the watchdog use the machine package and only build with TinyGo.
package tinygo

import (
	"github.com/pkg/errors"
	"tinygo.org/x/drivers"

	"dualstep/hal"
)

// SPIBus adapts a drivers.SPI controller and its chip-select line to
// hal.Bus. The chip select is active low and frames every call.
type SPIBus struct {
	name string
	spi  drivers.SPI
	cs   hal.Pin
	init func() error

	ready bool
}

// NewSPIBus returns a bus over spi. configure, when not nil, runs on Init
// to set up the controller.
func NewSPIBus(name string, spi drivers.SPI, cs hal.Pin, configure func() error) *SPIBus {
	return &SPIBus{name: name, spi: spi, cs: cs, init: configure}
}

// Name implements hal.Bus.
func (b *SPIBus) Name() string { return b.name }

// Init implements hal.Bus.
func (b *SPIBus) Init() error {
	if b.spi == nil {
		return hal.ErrInvalidArgument
	}
	if b.init != nil {
		if err := b.init(); err != nil {
			return b.fail(err)
		}
	}
	if b.cs != nil {
		if err := b.cs.Init(hal.PinOutput); err != nil {
			return err
		}
		if err := b.cs.Write(true); err != nil {
			return err
		}
	}
	b.ready = true
	return nil
}

// Transmit implements hal.Bus.
func (b *SPIBus) Transmit(t hal.Transaction) error {
	if err := b.check(&t); err != nil {
		return err
	}
	return b.framed(func() error { return b.spi.Tx(t.Tx, nil) })
}

// Receive implements hal.Bus. Tx, when present, is clocked out first and
// what comes back during it is dropped.
func (b *SPIBus) Receive(t hal.Transaction) error {
	if err := b.check(&t); err != nil {
		return err
	}
	if len(t.Rx) == 0 {
		return hal.ErrInvalidArgument
	}
	return b.framed(func() error {
		if len(t.Tx) > 0 {
			if err := b.spi.Tx(t.Tx, nil); err != nil {
				return err
			}
		}
		return b.spi.Tx(nil, t.Rx)
	})
}

// TransmitReceive implements hal.Bus as one full-duplex transfer.
func (b *SPIBus) TransmitReceive(t hal.Transaction) error {
	if err := b.check(&t); err != nil {
		return err
	}
	if len(t.Tx) != len(t.Rx) {
		return hal.ErrInvalidArgument
	}
	return b.framed(func() error { return b.spi.Tx(t.Tx, t.Rx) })
}

func (b *SPIBus) framed(fn func() error) error {
	if b.cs != nil {
		if err := b.cs.Write(false); err != nil {
			return err
		}
	}
	err := fn()
	if b.cs != nil {
		if cerr := b.cs.Write(true); err == nil && cerr != nil {
			err = cerr
		}
	}
	if err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *SPIBus) check(t *hal.Transaction) error {
	if !b.ready {
		return hal.ErrNotInitialized
	}
	return t.Validate()
}

func (b *SPIBus) fail(err error) error {
	return errors.Wrapf(hal.ErrTransport, "%s: %v", b.name, err)
}

// I2CBus adapts a drivers.I2C controller to hal.Bus.
type I2CBus struct {
	name string
	i2c  drivers.I2C
	init func() error

	ready bool
}

// NewI2CBus returns a bus over i2c. configure, when not nil, runs on Init.
func NewI2CBus(name string, i2c drivers.I2C, configure func() error) *I2CBus {
	return &I2CBus{name: name, i2c: i2c, init: configure}
}

// Name implements hal.Bus.
func (b *I2CBus) Name() string { return b.name }

// Init implements hal.Bus.
func (b *I2CBus) Init() error {
	if b.i2c == nil {
		return hal.ErrInvalidArgument
	}
	if b.init != nil {
		if err := b.init(); err != nil {
			return errors.Wrapf(hal.ErrTransport, "%s: %v", b.name, err)
		}
	}
	b.ready = true
	return nil
}

// Transmit implements hal.Bus.
func (b *I2CBus) Transmit(t hal.Transaction) error {
	return b.tx(t, t.Tx, nil)
}

// Receive implements hal.Bus. A non-empty Tx is written first with a
// repeated start.
func (b *I2CBus) Receive(t hal.Transaction) error {
	if len(t.Rx) == 0 {
		return hal.ErrInvalidArgument
	}
	return b.tx(t, t.Tx, t.Rx)
}

// TransmitReceive implements hal.Bus.
func (b *I2CBus) TransmitReceive(t hal.Transaction) error {
	return b.tx(t, t.Tx, t.Rx)
}

func (b *I2CBus) tx(t hal.Transaction, w, r []byte) error {
	if !b.ready {
		return hal.ErrNotInitialized
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Addr > 0x7F {
		return hal.ErrInvalidArgument
	}
	if err := b.i2c.Tx(t.Addr, w, r); err != nil {
		return errors.Wrapf(hal.ErrTransport, "%s: %v", b.name, err)
	}
	return nil
}

var (
	_ hal.Bus = (*SPIBus)(nil)
	_ hal.Bus = (*I2CBus)(nil)
)

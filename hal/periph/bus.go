//go:build linux

// Package periph is the Linux backend of hal, built on the periph.io
// registries. Buses and pins are looked up by their registry names (SPI0.0,
// I2C1, GPIO17); the time base and timer run on a clock.Clock so tests can
// drive them with a mock.
package periph

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"dualstep/hal"
)

// SPIBus adapts a periph SPI port to hal.Bus. The kernel drives the chip
// select, one frame per Tx. periph has no per-transfer deadline, so the
// transaction timeout is only validated.
type SPIBus struct {
	name string
	port spi.Port
	freq physic.Frequency

	conn spi.Conn
	w, r []byte
}

// NewSPIBus returns a bus over port clocked at freq in mode 3.
func NewSPIBus(name string, port spi.Port, freq physic.Frequency) *SPIBus {
	return &SPIBus{name: name, port: port, freq: freq}
}

// Name implements hal.Bus.
func (b *SPIBus) Name() string { return b.name }

// Init implements hal.Bus.
func (b *SPIBus) Init() error {
	if b.port == nil {
		return hal.ErrInvalidArgument
	}
	conn, err := b.port.Connect(b.freq, spi.Mode3, 8)
	if err != nil {
		return b.fail(err)
	}
	b.conn = conn
	return nil
}

// Transmit implements hal.Bus.
func (b *SPIBus) Transmit(t hal.Transaction) error {
	if err := b.check(&t); err != nil {
		return err
	}
	if len(t.Tx) == 0 {
		return hal.ErrInvalidArgument
	}
	if err := b.conn.Tx(t.Tx, nil); err != nil {
		return b.fail(err)
	}
	return nil
}

// Receive implements hal.Bus. Tx and the read are clocked in a single
// frame with zeros sent while reading.
func (b *SPIBus) Receive(t hal.Transaction) error {
	if err := b.check(&t); err != nil {
		return err
	}
	if len(t.Rx) == 0 {
		return hal.ErrInvalidArgument
	}
	n := len(t.Tx) + len(t.Rx)
	b.w = append(b.w[:0], t.Tx...)
	for len(b.w) < n {
		b.w = append(b.w, 0)
	}
	if cap(b.r) < n {
		b.r = make([]byte, n)
	}
	b.r = b.r[:n]
	if err := b.conn.Tx(b.w, b.r); err != nil {
		return b.fail(err)
	}
	copy(t.Rx, b.r[len(t.Tx):])
	return nil
}

// TransmitReceive implements hal.Bus as one full-duplex transfer.
func (b *SPIBus) TransmitReceive(t hal.Transaction) error {
	if err := b.check(&t); err != nil {
		return err
	}
	if len(t.Tx) != len(t.Rx) {
		return hal.ErrInvalidArgument
	}
	if err := b.conn.Tx(t.Tx, t.Rx); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *SPIBus) check(t *hal.Transaction) error {
	if b.conn == nil {
		return hal.ErrNotInitialized
	}
	return t.Validate()
}

func (b *SPIBus) fail(err error) error {
	return errors.Wrapf(hal.ErrTransport, "%s: %v", b.name, err)
}

// I2CBus adapts a periph I2C bus to hal.Bus.
type I2CBus struct {
	name  string
	bus   i2c.Bus
	ready bool
}

// NewI2CBus returns a bus over bus.
func NewI2CBus(name string, bus i2c.Bus) *I2CBus {
	return &I2CBus{name: name, bus: bus}
}

// Name implements hal.Bus.
func (b *I2CBus) Name() string { return b.name }

// Init implements hal.Bus.
func (b *I2CBus) Init() error {
	if b.bus == nil {
		return hal.ErrInvalidArgument
	}
	b.ready = true
	return nil
}

// Transmit implements hal.Bus.
func (b *I2CBus) Transmit(t hal.Transaction) error {
	return b.tx(t, t.Tx, nil)
}

// Receive implements hal.Bus.
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
	dev := i2c.Dev{Bus: b.bus, Addr: t.Addr}
	if err := dev.Tx(w, r); err != nil {
		return errors.Wrapf(hal.ErrTransport, "%s: %v", b.name, err)
	}
	return nil
}

var (
	_ hal.Bus = (*SPIBus)(nil)
	_ hal.Bus = (*I2CBus)(nil)
)

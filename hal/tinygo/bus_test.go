package tinygo_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualstep/hal"
	"dualstep/hal/mock"
	"dualstep/hal/tinygo"
)

type fakeSPI struct {
	cs    *mock.Pin
	calls [][]byte
	fail  error
	// selected records the chip-select level seen by each transfer.
	selected []bool
}

func (s *fakeSPI) Tx(w, r []byte) error {
	s.selected = append(s.selected, s.cs.Level())
	if s.fail != nil {
		return s.fail
	}
	s.calls = append(s.calls, append([]byte(nil), w...))
	for i := range r {
		r[i] = byte(0xA0 + i)
	}
	return nil
}

func (s *fakeSPI) Transfer(b byte) (byte, error) { return b, s.fail }

type fakeI2C struct {
	addr uint16
	w    []byte
	fail error
}

func (i *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if i.fail != nil {
		return i.fail
	}
	i.addr, i.w = addr, append([]byte(nil), w...)
	for k := range r {
		r[k] = byte(k + 1)
	}
	return nil
}

func (i *fakeI2C) ReadRegister(addr uint8, r uint8, buf []byte) error {
	return i.Tx(uint16(addr), []byte{r}, buf)
}

func (i *fakeI2C) WriteRegister(addr uint8, r uint8, buf []byte) error {
	return i.Tx(uint16(addr), append([]byte{r}, buf...), nil)
}

func TestSPIBusFramesWithChipSelect(t *testing.T) {
	cs := mock.NewPin("cs", false)
	spi := &fakeSPI{cs: cs}
	bus := tinygo.NewSPIBus("spi0", spi, cs, nil)

	tx := []byte{0x01, 0x02}
	assert.ErrorIs(t, bus.Transmit(hal.Transaction{Tx: tx, Timeout: time.Millisecond}), hal.ErrNotInitialized)

	require.NoError(t, bus.Init())
	assert.True(t, cs.Level())

	rx := make([]byte, 2)
	require.NoError(t, bus.TransmitReceive(hal.Transaction{Tx: tx, Rx: rx, Timeout: time.Millisecond}))
	assert.Equal(t, []byte{0xA0, 0xA1}, rx)
	assert.Equal(t, []bool{false}, spi.selected)
	assert.True(t, cs.Level())

	err := bus.TransmitReceive(hal.Transaction{Tx: tx, Rx: make([]byte, 3), Timeout: time.Millisecond})
	assert.ErrorIs(t, err, hal.ErrInvalidArgument)
	err = bus.Transmit(hal.Transaction{Tx: tx})
	assert.ErrorIs(t, err, hal.ErrInvalidArgument)
}

func TestSPIBusReceiveWritesFirst(t *testing.T) {
	cs := mock.NewPin("cs", false)
	spi := &fakeSPI{cs: cs}
	bus := tinygo.NewSPIBus("spi0", spi, cs, nil)
	require.NoError(t, bus.Init())

	rx := make([]byte, 3)
	require.NoError(t, bus.Receive(hal.Transaction{Tx: []byte{0x20}, Rx: rx, Timeout: time.Millisecond}))
	require.Len(t, spi.calls, 2)
	assert.Equal(t, []byte{0x20}, spi.calls[0])
	assert.Equal(t, []bool{false, false}, spi.selected)
	assert.Equal(t, []byte{0xA0, 0xA1, 0xA2}, rx)
}

func TestSPIBusTransportError(t *testing.T) {
	cs := mock.NewPin("cs", false)
	spi := &fakeSPI{cs: cs, fail: errors.New("fifo overrun")}
	bus := tinygo.NewSPIBus("spi0", spi, cs, nil)
	require.NoError(t, bus.Init())

	err := bus.Transmit(hal.Transaction{Tx: []byte{0}, Timeout: time.Millisecond})
	assert.ErrorIs(t, err, hal.ErrTransport)
	assert.Contains(t, err.Error(), "spi0")
	assert.True(t, cs.Level(), "chip select released after failure")
}

func TestSPIBusConfigureError(t *testing.T) {
	bus := tinygo.NewSPIBus("spi1", &fakeSPI{}, nil, func() error { return errors.New("bad pins") })
	assert.ErrorIs(t, bus.Init(), hal.ErrTransport)
}

func TestI2CBus(t *testing.T) {
	dev := &fakeI2C{}
	bus := tinygo.NewI2CBus("i2c0", dev, nil)
	require.NoError(t, bus.Init())

	rx := make([]byte, 2)
	require.NoError(t, bus.Receive(hal.Transaction{Addr: 0x36, Tx: []byte{0x0C}, Rx: rx, Timeout: time.Millisecond}))
	assert.Equal(t, uint16(0x36), dev.addr)
	assert.Equal(t, []byte{0x0C}, dev.w)
	assert.Equal(t, []byte{1, 2}, rx)

	err := bus.Transmit(hal.Transaction{Addr: 0x80, Tx: []byte{1}, Timeout: time.Millisecond})
	assert.ErrorIs(t, err, hal.ErrInvalidArgument)

	dev.fail = errors.New("nack")
	err = bus.Transmit(hal.Transaction{Addr: 0x36, Tx: []byte{1}, Timeout: time.Millisecond})
	assert.ErrorIs(t, err, hal.ErrTransport)
}

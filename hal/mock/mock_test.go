package mock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualstep/hal"
)

func TestBusContract(t *testing.T) {
	echo := DeviceFunc(func(op Op, addr uint16, tx, rx []byte) error {
		copy(rx, tx)
		return nil
	})
	bus := NewSPIBus("spi0", echo)

	tx := hal.Transaction{Tx: []byte{1, 2}, Rx: make([]byte, 2), Timeout: time.Millisecond}
	assert.ErrorIs(t, bus.TransmitReceive(tx), hal.ErrNotInitialized)

	require.NoError(t, bus.Init())
	require.NoError(t, bus.TransmitReceive(tx))
	assert.Equal(t, []byte{1, 2}, tx.Rx)

	bad := hal.Transaction{Tx: []byte{1, 2}, Rx: make([]byte, 1), Timeout: time.Millisecond}
	assert.ErrorIs(t, bus.TransmitReceive(bad), hal.ErrInvalidArgument)

	bus.SetLatency(2 * time.Millisecond)
	assert.ErrorIs(t, bus.TransmitReceive(tx), hal.ErrTimeout)
	bus.SetLatency(0)

	bus.FailNext(1, hal.ErrTransport)
	assert.ErrorIs(t, bus.TransmitReceive(tx), hal.ErrTransport)
	assert.NoError(t, bus.TransmitReceive(tx))

	log := bus.Log()
	require.Len(t, log, 4)
	assert.Equal(t, hal.ErrTimeout, log[1].Err)
	assert.Equal(t, uint64(4), bus.Count())
}

func TestPinInterrupt(t *testing.T) {
	p := NewPin("estop", true)
	require.NoError(t, p.Init(hal.PinInputPullUp))

	fired := 0
	require.NoError(t, p.EnableInterrupt(hal.EdgeFalling, func() { fired++ }))

	p.Set(false)
	p.Set(false)
	p.Set(true)
	assert.Equal(t, 1, fired)

	assert.ErrorIs(t, p.Write(true), hal.ErrInvalidArgument)
}

func TestPinToggle(t *testing.T) {
	p := NewPin("led", false)
	assert.ErrorIs(t, p.Toggle(), hal.ErrNotInitialized)
	require.NoError(t, p.Init(hal.PinOutput))
	require.NoError(t, p.Toggle())
	level, err := p.Read()
	require.NoError(t, err)
	assert.True(t, level)
}

func TestClockTimersFireInOrder(t *testing.T) {
	clk := NewClock()
	var order []string
	a := clk.NewTimer()
	b := clk.NewTimer()
	require.NoError(t, a.Start(2*time.Millisecond, func() { order = append(order, "a") }))
	require.NoError(t, b.Start(3*time.Millisecond, func() { order = append(order, "b") }))

	clk.Advance(6 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "a", "a", "b"}, order)
	assert.Equal(t, uint32(6), clk.Millis())
}

func TestWatchdogExpires(t *testing.T) {
	clk := NewClock()
	wd := NewWatchdog(clk)
	assert.ErrorIs(t, wd.Refresh(), hal.ErrNotInitialized)

	resets := 0
	wd.OnReset(func() { resets++ })
	require.NoError(t, wd.Init(10*time.Millisecond))

	for i := 0; i < 5; i++ {
		clk.Advance(5 * time.Millisecond)
		require.NoError(t, wd.Refresh())
	}
	assert.Equal(t, 0, resets)

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, resets)
	assert.Equal(t, uint64(1), wd.Resets())
}

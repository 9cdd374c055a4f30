//go:build tinygo

package tinygo

import (
	"machine"
	"time"

	"dualstep/hal"
)

// Pin is a GPIO line.
type Pin struct {
	pin  machine.Pin
	mode hal.PinMode
	init bool
}

// NewPin returns the hal view of p.
func NewPin(p machine.Pin) *Pin { return &Pin{pin: p} }

// Init implements hal.Pin.
func (p *Pin) Init(mode hal.PinMode) error {
	var m machine.PinMode
	switch mode {
	case hal.PinOutput:
		m = machine.PinOutput
	case hal.PinInput:
		m = machine.PinInput
	case hal.PinInputPullUp:
		m = machine.PinInputPullup
	case hal.PinInputPullDown:
		m = machine.PinInputPulldown
	default:
		return hal.ErrInvalidArgument
	}
	p.pin.Configure(machine.PinConfig{Mode: m})
	p.mode = mode
	p.init = true
	return nil
}

// Write implements hal.Pin.
func (p *Pin) Write(level bool) error {
	if !p.init {
		return hal.ErrNotInitialized
	}
	if p.mode != hal.PinOutput {
		return hal.ErrInvalidArgument
	}
	p.pin.Set(level)
	return nil
}

// Read implements hal.Pin.
func (p *Pin) Read() (bool, error) {
	if !p.init {
		return false, hal.ErrNotInitialized
	}
	return p.pin.Get(), nil
}

// Toggle implements hal.Pin.
func (p *Pin) Toggle() error {
	if !p.init {
		return hal.ErrNotInitialized
	}
	return p.Write(!p.pin.Get())
}

// EnableInterrupt implements hal.Pin.
func (p *Pin) EnableInterrupt(edge hal.Edge, handler func()) error {
	if !p.init {
		return hal.ErrNotInitialized
	}
	if p.mode == hal.PinOutput || handler == nil {
		return hal.ErrInvalidArgument
	}
	var change machine.PinChange
	switch edge {
	case hal.EdgeRising:
		change = machine.PinRising
	case hal.EdgeFalling:
		change = machine.PinFalling
	case hal.EdgeBoth:
		change = machine.PinToggle
	default:
		return hal.ErrInvalidArgument
	}
	if err := p.pin.SetInterrupt(change, func(machine.Pin) { handler() }); err != nil {
		return hal.ErrBusy
	}
	return nil
}

// Ticker is the millisecond time base of the runtime.
type Ticker struct {
	start time.Time
}

// NewTicker returns a time base starting now.
func NewTicker() *Ticker { return &Ticker{start: time.Now()} }

// Now implements hal.Ticker.
func (t *Ticker) Now() time.Time { return time.Now() }

// Millis implements hal.Ticker.
func (t *Ticker) Millis() uint32 { return uint32(time.Since(t.start) / time.Millisecond) }

// Delay implements hal.Ticker.
func (t *Ticker) Delay(d time.Duration) { time.Sleep(d) }

// Timer runs a callback periodically on its own goroutine.
type Timer struct {
	stop chan struct{}
}

// Start implements hal.Timer.
func (t *Timer) Start(period time.Duration, fn func()) error {
	if period <= 0 || fn == nil {
		return hal.ErrInvalidArgument
	}
	if t.stop != nil {
		return hal.ErrBusy
	}
	t.stop = make(chan struct{})
	stop := t.stop
	go func() {
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				fn()
			}
		}
	}()
	return nil
}

// Stop implements hal.Timer.
func (t *Timer) Stop() error {
	if t.stop == nil {
		return hal.ErrNotInitialized
	}
	close(t.stop)
	t.stop = nil
	return nil
}

// Watchdog is the chip watchdog.
type Watchdog struct{}

// Init implements hal.Watchdog. The watchdog cannot be stopped once
// started.
func (Watchdog) Init(timeout time.Duration) error {
	ms := timeout.Milliseconds()
	if ms <= 0 || ms > int64(^uint32(0)) {
		return hal.ErrInvalidArgument
	}
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: uint32(ms)}); err != nil {
		return hal.ErrInvalidArgument
	}
	if err := machine.Watchdog.Start(); err != nil {
		return hal.ErrBusy
	}
	return nil
}

// Refresh implements hal.Watchdog.
func (Watchdog) Refresh() error {
	machine.Watchdog.Update()
	return nil
}

var (
	_ hal.Pin      = (*Pin)(nil)
	_ hal.Ticker   = (*Ticker)(nil)
	_ hal.Timer    = (*Timer)(nil)
	_ hal.Watchdog = Watchdog{}
)

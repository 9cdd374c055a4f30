// Package hal is the hardware abstraction boundary of the motor controller.
//
// Core code only talks to the capability interfaces defined here. Platform
// backends (hal/tinygo on the microcontroller, hal/periph on Linux boards and
// hal/mock for off-target tests) implement them with identical observable
// contracts. The boundary provides no implicit thread safety: a caller that
// shares a bus between tasks serializes access itself.
package hal

import (
	"errors"
	"time"
)

// Typed outcomes. Every operation returns nil or exactly one of these,
// possibly wrapped with context. There is no partial success.
var (
	ErrTimeout         = errors.New("hal: timeout")
	ErrTransport       = errors.New("hal: transport error")
	ErrNotInitialized  = errors.New("hal: not initialized")
	ErrInvalidArgument = errors.New("hal: invalid argument")
	ErrBusy            = errors.New("hal: busy")
)

// PinMode configures a digital pin.
type PinMode uint8

const (
	PinOutput PinMode = iota
	PinInput
	PinInputPullUp
	PinInputPullDown
)

// Edge selects the interrupt trigger of an input pin.
type Edge uint8

const (
	EdgeRising Edge = iota + 1
	EdgeFalling
	EdgeBoth
)

// Pin is a digital I/O line.
type Pin interface {
	// Init configures the pin direction and pull.
	Init(mode PinMode) error

	// Write drives an output high (true) or low (false).
	Write(level bool) error

	// Read returns the current pin level.
	Read() (bool, error)

	// Toggle inverts an output.
	Toggle() error

	// EnableInterrupt registers handler for edge. The handler runs in
	// interrupt context: it must not block or allocate.
	EnableInterrupt(edge Edge, handler func()) error
}

// Transaction describes one bus transfer. It lives on the caller's stack for
// the duration of the call and is never retained by a backend.
type Transaction struct {
	// Addr is the device address for addressed buses (I2C). Ignored by SPI.
	Addr uint16

	// Tx holds bytes to send. For Receive it may hold a register address
	// that is written first with a repeated start.
	Tx []byte

	// Rx receives bytes. For a full-duplex TransmitReceive on SPI it has the
	// same length as Tx.
	Rx []byte

	// Timeout bounds the whole transaction. Zero is invalid.
	Timeout time.Duration
}

// Validate checks the parts of t every backend depends on.
func (t *Transaction) Validate() error {
	if t.Timeout <= 0 {
		return ErrInvalidArgument
	}
	if len(t.Tx) == 0 && len(t.Rx) == 0 {
		return ErrInvalidArgument
	}
	return nil
}

// Bus is a serial bus. SPI backends frame every call with their chip select;
// I2C backends address Transaction.Addr.
type Bus interface {
	// Init brings the bus up. Transfers before Init return ErrNotInitialized.
	Init() error

	// Transmit sends t.Tx.
	Transmit(t Transaction) error

	// Receive fills t.Rx, writing t.Tx first when present.
	Receive(t Transaction) error

	// TransmitReceive sends t.Tx and fills t.Rx. On SPI this is full
	// duplex and len(t.Tx) must equal len(t.Rx).
	TransmitReceive(t Transaction) error

	// Name identifies the bus in errors and logs.
	Name() string
}

// Ticker is the millisecond time base.
type Ticker interface {
	Now() time.Time
	Millis() uint32
	Delay(d time.Duration)
}

// Timer is a periodic hardware timer.
type Timer interface {
	// Start calls fn every period until Stop. fn runs in interrupt context.
	Start(period time.Duration, fn func()) error
	Stop() error
}

// Watchdog resets the system unless refreshed within its timeout.
type Watchdog interface {
	Init(timeout time.Duration) error
	Refresh() error
}

// Platform bundles the peripherals of one board.
type Platform struct {
	// DriverBus is the SPI bus shared by the daisy-chained stepper drivers.
	DriverBus Bus

	// DriverReset is the active-low standby/reset line of the drivers, nil
	// when not wired.
	DriverReset Pin

	// EncoderBuses holds one independent bus per motor channel.
	EncoderBuses []Bus

	// EStop is the hardware emergency-stop input (active low).
	EStop Pin

	Ticker   Ticker
	Timer    Timer
	Watchdog Watchdog
}

// Validate reports a Platform that is missing a mandatory peripheral.
func (p *Platform) Validate(channels int) error {
	if p.DriverBus == nil || p.Ticker == nil || p.Watchdog == nil {
		return ErrNotInitialized
	}
	if len(p.EncoderBuses) < channels {
		return ErrNotInitialized
	}
	for _, b := range p.EncoderBuses[:channels] {
		if b == nil {
			return ErrNotInitialized
		}
	}
	return nil
}

package mock

import (
	"sync"
	"time"

	"dualstep/hal"
)

// Op identifies the kind of bus call a Device services.
type Op uint8

const (
	OpTransmit Op = iota + 1
	OpReceive
	OpTransmitReceive
)

func (o Op) String() string {
	switch o {
	case OpTransmit:
		return "transmit"
	case OpReceive:
		return "receive"
	case OpTransmitReceive:
		return "transmit_receive"
	default:
		return "unknown"
	}
}

// Device is a device model attached to a mock Bus. Exchange fills rx and
// returns nil or a hal error.
type Device interface {
	Exchange(op Op, addr uint16, tx, rx []byte) error
}

// DeviceFunc adapts a function to Device.
type DeviceFunc func(op Op, addr uint16, tx, rx []byte) error

// Exchange implements Device.
func (f DeviceFunc) Exchange(op Op, addr uint16, tx, rx []byte) error {
	return f(op, addr, tx, rx)
}

// Record is one logged transaction.
type Record struct {
	Op   Op
	Addr uint16
	Tx   []byte
	Rx   []byte
	Err  error
}

const logLimit = 1024

// Bus is a mock hal.Bus. Full-duplex buses (SPI) require equal Tx and Rx
// lengths on TransmitReceive.
type Bus struct {
	name   string
	duplex bool
	dev    Device

	mu          sync.Mutex
	initialized bool
	latency     time.Duration
	failCount   int
	failErr     error
	count       uint64
	log         []Record
}

// NewSPIBus returns a full-duplex bus serving dev.
func NewSPIBus(name string, dev Device) *Bus {
	return &Bus{name: name, duplex: true, dev: dev}
}

// NewI2CBus returns an addressed bus serving dev.
func NewI2CBus(name string, dev Device) *Bus {
	return &Bus{name: name, dev: dev}
}

// Name implements hal.Bus.
func (b *Bus) Name() string { return b.name }

// Init implements hal.Bus.
func (b *Bus) Init() error {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	return nil
}

// Transmit implements hal.Bus.
func (b *Bus) Transmit(t hal.Transaction) error {
	return b.do(OpTransmit, t)
}

// Receive implements hal.Bus.
func (b *Bus) Receive(t hal.Transaction) error {
	if len(t.Rx) == 0 {
		return hal.ErrInvalidArgument
	}
	return b.do(OpReceive, t)
}

// TransmitReceive implements hal.Bus.
func (b *Bus) TransmitReceive(t hal.Transaction) error {
	if b.duplex && len(t.Tx) != len(t.Rx) {
		return hal.ErrInvalidArgument
	}
	return b.do(OpTransmitReceive, t)
}

func (b *Bus) do(op Op, t hal.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return hal.ErrNotInitialized
	}
	b.count++

	var err error
	switch {
	case b.failCount > 0:
		b.failCount--
		err = b.failErr
	case b.latency > t.Timeout:
		err = hal.ErrTimeout
	case b.dev == nil:
		err = hal.ErrTransport
	default:
		err = b.dev.Exchange(op, t.Addr, t.Tx, t.Rx)
	}
	b.record(op, t, err)
	return err
}

func (b *Bus) record(op Op, t hal.Transaction, err error) {
	r := Record{Op: op, Addr: t.Addr, Err: err}
	r.Tx = append([]byte(nil), t.Tx...)
	r.Rx = append([]byte(nil), t.Rx...)
	if len(b.log) == logLimit {
		copy(b.log, b.log[1:])
		b.log = b.log[:logLimit-1]
	}
	b.log = append(b.log, r)
}

// SetLatency makes every transaction take d. Transactions with a shorter
// timeout fail with hal.ErrTimeout without reaching the device.
func (b *Bus) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// FailNext makes the next n transactions fail with err.
func (b *Bus) FailNext(n int, err error) {
	b.mu.Lock()
	b.failCount = n
	b.failErr = err
	b.mu.Unlock()
}

// Count returns the number of transactions attempted after Init.
func (b *Bus) Count() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Log returns a copy of the most recent transactions, oldest first.
func (b *Bus) Log() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.log...)
}

// ResetLog clears the transaction log and counter.
func (b *Bus) ResetLog() {
	b.mu.Lock()
	b.log = b.log[:0]
	b.count = 0
	b.mu.Unlock()
}

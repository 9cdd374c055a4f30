package sim

import (
	"math"
	"sync"

	"dualstep/hal"
	"dualstep/hal/mock"
)

// AS5600 register addresses served by the model.
const (
	as5600Status    = 0x0B
	as5600RawAngle  = 0x0C
	as5600Angle     = 0x0E
	as5600AGC       = 0x1A
	as5600Magnitude = 0x1B
)

// AS5600 is a hal/mock device model of an AS5600 magnetic encoder.
type AS5600 struct {
	addr uint16

	mu        sync.Mutex
	raw       uint16
	filtered  uint16
	detected  bool
	tooStrong bool
	tooWeak   bool
	agc       uint8
	magnitude uint16
	highBits  uint16
	regs      [0x20]byte
	reads     uint64
}

var _ mock.Device = (*AS5600)(nil)

// NewAS5600 returns an encoder at addr with a healthy magnet at 0 degrees.
func NewAS5600(addr uint16) *AS5600 {
	return &AS5600{addr: addr, detected: true, agc: 0x80, magnitude: 0x0600}
}

// SetDegrees moves the magnet to deg; both angle registers follow.
func (a *AS5600) SetDegrees(deg float64) {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	v := uint16(math.Round(deg/360*4096)) & 0x0FFF
	a.SetAngles(v, v)
}

// SetAngles sets the raw and filtered angle counts.
func (a *AS5600) SetAngles(raw, filtered uint16) {
	a.mu.Lock()
	a.raw, a.filtered = raw&0x0FFF, filtered&0x0FFF
	a.mu.Unlock()
}

// SetMagnet sets the magnet status bits.
func (a *AS5600) SetMagnet(detected, tooStrong, tooWeak bool) {
	a.mu.Lock()
	a.detected, a.tooStrong, a.tooWeak = detected, tooStrong, tooWeak
	a.mu.Unlock()
}

// SetMagnitude sets the CORDIC magnitude and AGC readings.
func (a *AS5600) SetMagnitude(magnitude uint16, agc uint8) {
	a.mu.Lock()
	a.magnitude, a.agc = magnitude&0x0FFF, agc
	a.mu.Unlock()
}

// SetUnusedBits sets bits 12-15 of both angle registers, which a reader
// must mask off.
func (a *AS5600) SetUnusedBits(bits uint16) {
	a.mu.Lock()
	a.highBits = bits & 0xF000
	a.mu.Unlock()
}

// Reads returns the number of read transactions served.
func (a *AS5600) Reads() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

func (a *AS5600) reg(r byte) byte {
	word := func(v uint16, lo bool) byte {
		if lo {
			return byte(v)
		}
		return byte(v >> 8)
	}
	switch r {
	case as5600Status:
		var s byte
		if a.tooStrong {
			s |= 1 << 3
		}
		if a.tooWeak {
			s |= 1 << 4
		}
		if a.detected {
			s |= 1 << 5
		}
		return s
	case as5600RawAngle, as5600RawAngle + 1:
		return word(a.raw|a.highBits, r == as5600RawAngle+1)
	case as5600Angle, as5600Angle + 1:
		return word(a.filtered|a.highBits, r == as5600Angle+1)
	case as5600AGC:
		return a.agc
	case as5600Magnitude, as5600Magnitude + 1:
		return word(a.magnitude, r == as5600Magnitude+1)
	default:
		if int(r) < len(a.regs) {
			return a.regs[r]
		}
		return 0
	}
}

// Exchange implements mock.Device. The first Tx byte is the register
// pointer; reads auto-increment from there.
func (a *AS5600) Exchange(op mock.Op, addr uint16, tx, rx []byte) error {
	if addr != a.addr || len(tx) == 0 {
		return hal.ErrTransport
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ptr := tx[0]
	if op == mock.OpTransmit {
		for i, b := range tx[1:] {
			if r := int(ptr) + i; r < len(a.regs) {
				a.regs[r] = b
			}
		}
		return nil
	}
	a.reads++
	for i := range rx {
		rx[i] = a.reg(ptr + byte(i))
	}
	return nil
}

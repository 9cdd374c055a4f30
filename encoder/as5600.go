package encoder

import "math"

// DefaultAddress is the fixed I2C address of the AS5600.
const DefaultAddress = 0x36

// AS5600 register map.
const (
	RegZMCO      = 0x00
	RegZPos      = 0x01
	RegMPos      = 0x03
	RegMAng      = 0x05
	RegConf      = 0x07
	RegStatus    = 0x0B
	RegRawAngle  = 0x0C
	RegAngle     = 0x0E
	RegAGC       = 0x1A
	RegMagnitude = 0x1B
)

// STATUS bits.
const (
	StatusMH = 1 << 3 // magnet too strong
	StatusML = 1 << 4 // magnet too weak
	StatusMD = 1 << 5 // magnet detected
)

// AngleMask keeps the 12 significant bits of an angle register.
const AngleMask = 0x0FFF

// Counts per revolution.
const Resolution = 4096

// Degrees converts angle counts to degrees. Bits above the 12-bit field are
// ignored.
func Degrees(counts uint16) float64 {
	return float64(counts&AngleMask) / Resolution * 360
}

// Normalize360 maps deg into [0, 360).
func Normalize360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// NormalizeDelta maps an angle difference into (-180, 180], the short way
// round the circle.
func NormalizeDelta(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg <= -180 {
		deg += 360
	} else if deg > 180 {
		deg -= 360
	}
	return deg
}

// MagnetHealth is the decoded magnet status.
type MagnetHealth uint8

const (
	MagnetDetected MagnetHealth = 1 << iota
	MagnetTooStrong
	MagnetTooWeak
)

// decodeHealth maps the STATUS register. The three conditions are
// independent: a field that is too strong or weak may still be detected.
func decodeHealth(status byte) MagnetHealth {
	var h MagnetHealth
	if status&StatusMD != 0 {
		h |= MagnetDetected
	}
	if status&StatusMH != 0 {
		h |= MagnetTooStrong
	}
	if status&StatusML != 0 {
		h |= MagnetTooWeak
	}
	return h
}

// OK reports a detected magnet with a field in range.
func (h MagnetHealth) OK() bool { return h == MagnetDetected }

func (h MagnetHealth) String() string {
	switch {
	case h&MagnetDetected == 0:
		return "no_magnet"
	case h&MagnetTooStrong != 0:
		return "too_strong"
	case h&MagnetTooWeak != 0:
		return "too_weak"
	default:
		return "ok"
	}
}

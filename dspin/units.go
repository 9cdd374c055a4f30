package dspin

import "math"

// Conversion factors for the 250 ns internal tick.
const (
	speedPerStep    = 67.108864      // SPEED LSB per step/s (2^28 * tick)
	maxSpeedPerStep = 0.065536       // MAX_SPEED LSB per step/s (2^18 * tick)
	minSpeedPerStep = 4.194304       // MIN_SPEED LSB per step/s (2^24 * tick)
	accPerStep      = 0.068719476736 // ACC/DEC LSB per step/s^2 (2^40 * tick^2)
)

func toReg(v, factor float64, max uint32) uint32 {
	if v <= 0 {
		return 0
	}
	r := math.Round(v * factor)
	if r > float64(max) {
		return max
	}
	return uint32(r)
}

// SpeedToReg converts steps/s to a Run/SPEED value.
func SpeedToReg(stepsPerSec float64) uint32 {
	return toReg(stepsPerSec, speedPerStep, MaxSpeedValue)
}

// RegToSpeed converts a SPEED value to steps/s.
func RegToSpeed(v uint32) float64 { return float64(v) / speedPerStep }

// MaxSpeedToReg converts steps/s to MAX_SPEED.
func MaxSpeedToReg(stepsPerSec float64) uint32 {
	return toReg(stepsPerSec, maxSpeedPerStep, 1<<10-1)
}

// RegToMaxSpeed converts MAX_SPEED to steps/s.
func RegToMaxSpeed(v uint32) float64 { return float64(v) / maxSpeedPerStep }

// MinSpeedToReg converts steps/s to MIN_SPEED.
func MinSpeedToReg(stepsPerSec float64) uint32 {
	return toReg(stepsPerSec, minSpeedPerStep, 1<<12-1)
}

// RegToMinSpeed converts the MIN_SPEED value field to steps/s.
func RegToMinSpeed(v uint32) float64 { return float64(v&(1<<12-1)) / minSpeedPerStep }

// AccToReg converts steps/s^2 to ACC or DEC.
func AccToReg(stepsPerSec2 float64) uint32 {
	return toReg(stepsPerSec2, accPerStep, 1<<12-2)
}

// RegToAcc converts ACC or DEC to steps/s^2.
func RegToAcc(v uint32) float64 { return float64(v) / accPerStep }

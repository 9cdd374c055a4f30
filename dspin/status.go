package dspin

import (
	"go.uber.org/multierr"

	"dualstep/faults"
)

// Status is the 16-bit dSPIN status word.
type Status uint16

// Status bits. UVLO, TH_WRN, TH_SD, OCD, STEP_LOSS_A/B and BUSY are active
// low.
const (
	StatusHiZ       Status = 1 << 0
	StatusBusy      Status = 1 << 1
	StatusSwF       Status = 1 << 2
	StatusSwEvn     Status = 1 << 3
	StatusDir       Status = 1 << 4
	StatusMotMask   Status = 3 << 5
	StatusNotPerf   Status = 1 << 7
	StatusWrongCmd  Status = 1 << 8
	StatusUVLO      Status = 1 << 9
	StatusThWrn     Status = 1 << 10
	StatusThSD      Status = 1 << 11
	StatusOCD       Status = 1 << 12
	StatusStepLossA Status = 1 << 13
	StatusStepLossB Status = 1 << 14
	StatusSckMod    Status = 1 << 15

	// StatusHealthy has every active-low fault bit inactive.
	StatusHealthy = StatusUVLO | StatusThWrn | StatusThSD | StatusOCD | StatusStepLossA | StatusStepLossB
)

const motShift = 5

// MotionPhase is the MOT_STATUS field.
type MotionPhase uint8

const (
	MotionStopped MotionPhase = iota
	MotionAccelerating
	MotionDecelerating
	MotionConstant
)

func (m MotionPhase) String() string {
	switch m {
	case MotionStopped:
		return "stopped"
	case MotionAccelerating:
		return "accelerating"
	case MotionDecelerating:
		return "decelerating"
	default:
		return "constant_speed"
	}
}

// HiZ reports whether the bridges are in high impedance.
func (s Status) HiZ() bool { return s&StatusHiZ != 0 }

// Busy reports whether a positioning command is executing.
func (s Status) Busy() bool { return s&StatusBusy == 0 }

// Forward reports the current direction.
func (s Status) Forward() bool { return s&StatusDir != 0 }

// Motion returns the motion phase.
func (s Status) Motion() MotionPhase { return MotionPhase((s & StatusMotMask) >> motShift) }

// Faults decodes the fault bits.
func (s Status) Faults() FaultFlags {
	var f FaultFlags
	if s&StatusThSD == 0 {
		f |= FlagThermalShutdown
	}
	if s&StatusOCD == 0 {
		f |= FlagOvercurrent
	}
	if s&StatusStepLossA == 0 {
		f |= FlagStallA
	}
	if s&StatusStepLossB == 0 {
		f |= FlagStallB
	}
	if s&StatusUVLO == 0 {
		f |= FlagUndervoltage
	}
	if s&StatusThWrn == 0 {
		f |= FlagThermalWarning
	}
	if s&(StatusNotPerf|StatusWrongCmd) != 0 {
		f |= FlagCommandError
	}
	return f
}

// FaultFlags is a set of driver-reported faults. Bits are ordered by
// severity, most severe first, and bit i corresponds to
// faults.DriverFaultKind(i+1).
type FaultFlags uint8

const (
	FlagThermalShutdown FaultFlags = 1 << iota
	FlagOvercurrent
	FlagStallA
	FlagStallB
	FlagUndervoltage
	FlagThermalWarning
	FlagCommandError

	// NumFlags is the number of distinct fault flags.
	NumFlags = 7
)

// flagKind returns the fault kind of bit i.
func flagKind(i int) faults.DriverFaultKind { return faults.DriverFaultKind(i + 1) }

// Has reports whether every flag in g is set.
func (f FaultFlags) Has(g FaultFlags) bool { return f&g == g }

// MostSevere returns the most severe fault as a typed error, or nil.
func (f FaultFlags) MostSevere(ch int) error {
	for i := 0; i < NumFlags; i++ {
		if f&(1<<i) != 0 {
			return &faults.DriverFault{Channel: ch, Kind: flagKind(i)}
		}
	}
	return nil
}

// Errors returns every fault in severity order combined into one error.
func (f FaultFlags) Errors(ch int) error {
	var err error
	for i := 0; i < NumFlags; i++ {
		if f&(1<<i) != 0 {
			err = multierr.Append(err, &faults.DriverFault{Channel: ch, Kind: flagKind(i)})
		}
	}
	return err
}

func (f FaultFlags) String() string {
	if f == 0 {
		return "none"
	}
	s := ""
	for i := 0; i < NumFlags; i++ {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += flagKind(i).String()
		}
	}
	return s
}

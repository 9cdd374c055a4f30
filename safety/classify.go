package safety

import (
	"github.com/pkg/errors"

	"dualstep/faults"
)

// Classify maps an error returned by a driver or encoder engine to the fault
// kind reported to the supervisor. comm is the kind used for a
// faults.CommError, which depends on the bus the caller used. ok is false for
// errors the supervisor does not track, such as usage errors.
func Classify(err error, comm FaultKind) (kind FaultKind, ok bool) {
	var f faults.Fault
	if !errors.As(err, &f) {
		return 0, false
	}
	switch e := f.(type) {
	case *faults.CommError:
		return comm, true
	case *faults.DriverFault:
		return driverKind(e.Kind)
	case *faults.EncoderFault:
		return encoderKind(e.Kind)
	case *faults.SafetyFault:
		switch e.Kind {
		case faults.WatchdogTimeout:
			return FaultWatchdogTimeout, true
		case faults.EmergencyStopAsserted:
			return FaultEmergencyStop, true
		case faults.LimitViolation:
			return FaultLimitViolation, true
		}
	case *faults.UsageError:
	}
	return 0, false
}

func driverKind(k faults.DriverFaultKind) (FaultKind, bool) {
	switch k {
	case faults.ThermalShutdown:
		return FaultThermalShutdown, true
	case faults.Overcurrent:
		return FaultOvercurrent, true
	case faults.StallBridgeA:
		return FaultStallA, true
	case faults.StallBridgeB:
		return FaultStallB, true
	case faults.Undervoltage:
		return FaultUndervoltage, true
	case faults.ThermalWarning:
		return FaultThermalWarning, true
	}
	return 0, false
}

func encoderKind(k faults.EncoderFaultKind) (FaultKind, bool) {
	switch k {
	case faults.MagnetNotDetected:
		return FaultEncoderNoMagnet, true
	case faults.FieldTooStrong:
		return FaultEncoderTooStrong, true
	case faults.FieldTooWeak:
		return FaultEncoderTooWeak, true
	case faults.EncoderCommFailure:
		return FaultEncoderComm, true
	case faults.ImplausibleJump:
		return FaultEncoderJump, true
	}
	return 0, false
}

// DriverKinds returns the supervisor kinds of every driver fault kind, for
// callers that clear a driver's flags wholesale.
func DriverKinds() []FaultKind {
	return []FaultKind{
		FaultThermalShutdown, FaultOvercurrent, FaultStallA, FaultStallB,
		FaultUndervoltage, FaultThermalWarning,
	}
}

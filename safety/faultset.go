package safety

import "strings"

// FaultKind is a fault tracked by the supervisor.
type FaultKind uint8

const (
	FaultUndervoltage FaultKind = iota + 1
	FaultThermalWarning
	FaultThermalShutdown
	FaultOvercurrent
	FaultStallA
	FaultStallB
	FaultDriverComm
	FaultEncoderNoMagnet
	FaultEncoderTooStrong
	FaultEncoderTooWeak
	FaultEncoderComm
	FaultEncoderJump
	FaultWatchdogTimeout
	FaultEmergencyStop
	FaultLimitViolation

	numFaultKinds = iota
)

var faultNames = [...]string{
	FaultUndervoltage:     "undervoltage",
	FaultThermalWarning:   "thermal_warning",
	FaultThermalShutdown:  "thermal_shutdown",
	FaultOvercurrent:      "overcurrent",
	FaultStallA:           "stall_a",
	FaultStallB:           "stall_b",
	FaultDriverComm:       "driver_comm",
	FaultEncoderNoMagnet:  "encoder_no_magnet",
	FaultEncoderTooStrong: "encoder_too_strong",
	FaultEncoderTooWeak:   "encoder_too_weak",
	FaultEncoderComm:      "encoder_comm",
	FaultEncoderJump:      "encoder_jump",
	FaultWatchdogTimeout:  "watchdog_timeout",
	FaultEmergencyStop:    "emergency_stop",
	FaultLimitViolation:   "limit_violation",
}

func (k FaultKind) String() string {
	if k == 0 || int(k) >= len(faultNames) {
		return "unknown"
	}
	return faultNames[k]
}

// Latching reports whether k latches and forces FAULT with a stop. The
// communication kinds only latch once escalated; until then they are
// warnings.
func (k FaultKind) Latching() bool {
	switch k {
	case FaultThermalWarning, FaultEncoderTooStrong, FaultEncoderTooWeak,
		FaultDriverComm, FaultEncoderComm:
		return false
	default:
		return k > 0 && k < numFaultKinds
	}
}

// comm reports whether k is subject to error-rate escalation.
func (k FaultKind) comm() bool {
	return k == FaultDriverComm || k == FaultEncoderComm
}

// FaultSet is a set of fault kinds.
type FaultSet uint32

// Of returns a set holding kinds.
func Of(kinds ...FaultKind) FaultSet {
	var s FaultSet
	for _, k := range kinds {
		s = s.Add(k)
	}
	return s
}

// Has reports whether k is in s.
func (s FaultSet) Has(k FaultKind) bool { return s&(1<<k) != 0 }

// Add returns s with k.
func (s FaultSet) Add(k FaultKind) FaultSet { return s | 1<<k }

// Remove returns s without k.
func (s FaultSet) Remove(k FaultKind) FaultSet { return s &^ (1 << k) }

// Empty reports whether s has no members.
func (s FaultSet) Empty() bool { return s == 0 }

// Kinds returns the members of s in kind order.
func (s FaultSet) Kinds() []FaultKind {
	var out []FaultKind
	for k := FaultKind(1); k < numFaultKinds; k++ {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s FaultSet) String() string {
	if s.Empty() {
		return "none"
	}
	var b strings.Builder
	for _, k := range s.Kinds() {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k.String())
	}
	return b.String()
}

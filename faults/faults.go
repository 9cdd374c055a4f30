// Package faults defines the error taxonomy shared by the drivers, the
// encoders and the safety supervisor.
//
// Every error raised by the motor-control core is one of five concrete types,
// one per category. They are sealed: only this package can add members, so a
// type switch over Fault that covers the five types is complete.
package faults

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category groups faults by origin.
type Category uint8

// Categories, in the order they appear in the taxonomy.
const (
	CategoryUnknown Category = iota
	CategoryComm
	CategoryDriver
	CategoryEncoder
	CategorySafety
	CategoryUsage
)

func (c Category) String() string {
	switch c {
	case CategoryComm:
		return "comm"
	case CategoryDriver:
		return "driver"
	case CategoryEncoder:
		return "encoder"
	case CategorySafety:
		return "safety"
	case CategoryUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// AnyChannel in a sentinel matches a fault on any channel.
const AnyChannel = -1

// Fault is implemented by the five error types of this package.
type Fault interface {
	error
	Category() Category
	sealed()
}

// CommError is a bus timeout or transport failure. It is never a
// driver-reported condition.
type CommError struct {
	Bus string
	Op  string
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Bus, e.Op, e.Err)
}

// Unwrap exposes the underlying hal error.
func (e *CommError) Unwrap() error { return e.Err }

// Category implements Fault.
func (e *CommError) Category() Category { return CategoryComm }
func (e *CommError) sealed()            {}

// DriverFaultKind is a fault flag reported in a driver status word.
type DriverFaultKind uint8

// Driver fault kinds, most severe first.
const (
	ThermalShutdown DriverFaultKind = iota + 1
	Overcurrent
	StallBridgeA
	StallBridgeB
	Undervoltage
	ThermalWarning
	CommandRejected
)

func (k DriverFaultKind) String() string {
	switch k {
	case ThermalShutdown:
		return "thermal_shutdown"
	case Overcurrent:
		return "overcurrent"
	case StallBridgeA:
		return "stall_a"
	case StallBridgeB:
		return "stall_b"
	case Undervoltage:
		return "undervoltage"
	case ThermalWarning:
		return "thermal_warning"
	case CommandRejected:
		return "command_rejected"
	default:
		return "unknown"
	}
}

// DriverFault is a condition reported by a stepper driver.
type DriverFault struct {
	Channel int
	Kind    DriverFaultKind
}

func (e *DriverFault) Error() string {
	if e.Channel == AnyChannel {
		return "driver: " + e.Kind.String()
	}
	return fmt.Sprintf("driver %d: %s", e.Channel, e.Kind)
}

// Is matches another DriverFault of the same kind on the same channel or on
// AnyChannel.
func (e *DriverFault) Is(target error) bool {
	t, ok := target.(*DriverFault)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Channel == AnyChannel || t.Channel == e.Channel)
}

// Category implements Fault.
func (e *DriverFault) Category() Category { return CategoryDriver }
func (e *DriverFault) sealed()            {}

// EncoderFaultKind is a failure of a magnetic encoder channel.
type EncoderFaultKind uint8

// Encoder fault kinds.
const (
	MagnetNotDetected EncoderFaultKind = iota + 1
	FieldTooStrong
	FieldTooWeak
	EncoderCommFailure
	ImplausibleJump
)

func (k EncoderFaultKind) String() string {
	switch k {
	case MagnetNotDetected:
		return "magnet_not_detected"
	case FieldTooStrong:
		return "field_too_strong"
	case FieldTooWeak:
		return "field_too_weak"
	case EncoderCommFailure:
		return "comm_failure"
	case ImplausibleJump:
		return "implausible_jump"
	default:
		return "unknown"
	}
}

// EncoderFault is a failure of one encoder channel.
type EncoderFault struct {
	Channel int
	Kind    EncoderFaultKind
}

func (e *EncoderFault) Error() string {
	if e.Channel == AnyChannel {
		return "encoder: " + e.Kind.String()
	}
	return fmt.Sprintf("encoder %d: %s", e.Channel, e.Kind)
}

// Is matches another EncoderFault of the same kind on the same channel or on
// AnyChannel.
func (e *EncoderFault) Is(target error) bool {
	t, ok := target.(*EncoderFault)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Channel == AnyChannel || t.Channel == e.Channel)
}

// Category implements Fault.
func (e *EncoderFault) Category() Category { return CategoryEncoder }
func (e *EncoderFault) sealed()            {}

// SafetyFaultKind is a system-level safety condition.
type SafetyFaultKind uint8

// Safety fault kinds.
const (
	WatchdogTimeout SafetyFaultKind = iota + 1
	EmergencyStopAsserted
	LimitViolation
	StartInhibited
)

func (k SafetyFaultKind) String() string {
	switch k {
	case WatchdogTimeout:
		return "watchdog_timeout"
	case EmergencyStopAsserted:
		return "emergency_stop"
	case LimitViolation:
		return "limit_violation"
	case StartInhibited:
		return "start_inhibited"
	default:
		return "unknown"
	}
}

// SafetyFault is raised by the safety supervisor.
type SafetyFault struct {
	Kind   SafetyFaultKind
	Source string
}

func (e *SafetyFault) Error() string {
	if e.Source == "" {
		return "safety: " + e.Kind.String()
	}
	return fmt.Sprintf("safety: %s (%s)", e.Kind, e.Source)
}

// Is matches another SafetyFault of the same kind.
func (e *SafetyFault) Is(target error) bool {
	t, ok := target.(*SafetyFault)
	return ok && t.Kind == e.Kind
}

// Category implements Fault.
func (e *SafetyFault) Category() Category { return CategorySafety }
func (e *SafetyFault) sealed()            {}

// UsageKind is a caller mistake.
type UsageKind uint8

// Usage error kinds.
const (
	InvalidChannel UsageKind = iota + 1
	NotInitialized
	InvalidParameter
)

func (k UsageKind) String() string {
	switch k {
	case InvalidChannel:
		return "invalid channel"
	case NotInitialized:
		return "not initialized"
	case InvalidParameter:
		return "invalid parameter"
	default:
		return "unknown"
	}
}

// UsageError reports an invalid request. No hardware access happens before it
// is returned.
type UsageError struct {
	Kind   UsageKind
	Detail string
}

func (e *UsageError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Is matches another UsageError of the same kind.
func (e *UsageError) Is(target error) bool {
	t, ok := target.(*UsageError)
	return ok && t.Kind == e.Kind
}

// Category implements Fault.
func (e *UsageError) Category() Category { return CategoryUsage }
func (e *UsageError) sealed()            {}

// Sentinels for errors.Is.
var (
	ErrInvalidChannel   = &UsageError{Kind: InvalidChannel}
	ErrNotInitialized   = &UsageError{Kind: NotInitialized}
	ErrInvalidParameter = &UsageError{Kind: InvalidParameter}

	ErrUndervoltage    = &DriverFault{Channel: AnyChannel, Kind: Undervoltage}
	ErrThermalWarning  = &DriverFault{Channel: AnyChannel, Kind: ThermalWarning}
	ErrThermalShutdown = &DriverFault{Channel: AnyChannel, Kind: ThermalShutdown}
	ErrOvercurrent     = &DriverFault{Channel: AnyChannel, Kind: Overcurrent}
	ErrStallA          = &DriverFault{Channel: AnyChannel, Kind: StallBridgeA}
	ErrStallB          = &DriverFault{Channel: AnyChannel, Kind: StallBridgeB}

	ErrMagnetNotDetected = &EncoderFault{Channel: AnyChannel, Kind: MagnetNotDetected}
	ErrFieldTooStrong    = &EncoderFault{Channel: AnyChannel, Kind: FieldTooStrong}
	ErrFieldTooWeak      = &EncoderFault{Channel: AnyChannel, Kind: FieldTooWeak}
	ErrImplausibleJump   = &EncoderFault{Channel: AnyChannel, Kind: ImplausibleJump}

	ErrWatchdogTimeout = &SafetyFault{Kind: WatchdogTimeout}
	ErrEmergencyStop   = &SafetyFault{Kind: EmergencyStopAsserted}
	ErrStartInhibited  = &SafetyFault{Kind: StartInhibited}
)

// InvalidParameterf returns an ErrInvalidParameter carrying detail.
func InvalidParameterf(format string, args ...interface{}) error {
	return &UsageError{Kind: InvalidParameter, Detail: fmt.Sprintf(format, args...)}
}

// CategoryOf returns the category of the first Fault in err's chain.
func CategoryOf(err error) Category {
	var f Fault
	if errors.As(err, &f) {
		return f.Category()
	}
	return CategoryUnknown
}

// SafetyRelevant reports whether err must trigger an immediate stop
// regardless of any retry policy.
func SafetyRelevant(err error) bool {
	var f Fault
	if !errors.As(err, &f) {
		return false
	}
	switch e := f.(type) {
	case *DriverFault:
		return e.Kind != ThermalWarning && e.Kind != CommandRejected
	case *EncoderFault:
		return e.Kind == MagnetNotDetected || e.Kind == ImplausibleJump
	case *SafetyFault:
		return e.Kind != StartInhibited
	case *CommError, *UsageError:
		return false
	default:
		return false
	}
}

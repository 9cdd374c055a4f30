package dspin

import "time"

// MaxChainLength bounds the number of daisy-chained devices.
const MaxChainLength = 8

// ChannelState is the controller's view of one motor channel.
type ChannelState uint8

const (
	StateIdle ChannelState = iota
	StateRunning
	StateDecelerating
	StateEmergencyStopped
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDecelerating:
		return "decelerating"
	case StateEmergencyStopped:
		return "emergency_stopped"
	default:
		return "unknown"
	}
}

// MotorChannel is a snapshot of one chained driver.
type MotorChannel struct {
	ID    int
	State ChannelState

	LastStatus Status
	Busy       bool
	HiZ        bool
	Position   int32
	Target     int32

	// Faults holds the flags seen by the most recent status read.
	Faults FaultFlags
	// FaultCount counts fault flags raised, one per flag per occurrence.
	FaultCount uint32
	// FlagCounts breaks FaultCount down per flag, in severity order.
	FlagCounts [NumFlags]uint32

	CommErrors  uint32
	LastCommand time.Time
	// LastError combines every fault of the most recent faulted status read.
	LastError error
}

// FlagCount returns how many times flag f was raised.
func (c *MotorChannel) FlagCount(f FaultFlags) uint32 {
	for i := 0; i < NumFlags; i++ {
		if f == 1<<i {
			return c.FlagCounts[i]
		}
	}
	return 0
}

package safety

import "time"

// Source identifies what asserted or released an emergency stop, or what
// requested a transition.
type Source string

const (
	SourceHardware Source = "estop_pin"
	SourceCommand  Source = "command"
	SourceWatchdog Source = "watchdog"
)

// Event is an input to the supervisor. The set of events is closed.
type Event interface {
	event()
}

// FaultReported reports a detected fault. Channel is -1 for faults that are
// not tied to one motor channel.
type FaultReported struct {
	Kind    FaultKind
	Channel int
	Err     error
}

// FaultCleared reports that a fault condition is gone and its latch, if any,
// has been cleared at the source.
type FaultCleared struct {
	Kind    FaultKind
	Channel int
}

// EStopAsserted reports an emergency-stop request.
type EStopAsserted struct{ Source Source }

// EStopReleased reports that the emergency-stop source has been released.
type EStopReleased struct{ Source Source }

// AcknowledgeRequest acknowledges an emergency stop.
type AcknowledgeRequest struct{ Source Source }

// ResetRequest asks to return to READY.
type ResetRequest struct{ Source Source }

// StartRequest asks to enter RUNNING.
type StartRequest struct{ Source Source }

// StopRequest asks to leave RUNNING for READY.
type StopRequest struct{ Source Source }

func (FaultReported) event()      {}
func (FaultCleared) event()       {}
func (EStopAsserted) event()      {}
func (EStopReleased) event()      {}
func (AcknowledgeRequest) event() {}
func (ResetRequest) event()       {}
func (StartRequest) event()       {}
func (StopRequest) event()        {}

// Transition is published on every level change.
type Transition struct {
	From    Level
	To      Level
	At      time.Time
	Cause   string
	Channel int
	Source  Source
}

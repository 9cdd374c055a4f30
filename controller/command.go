package controller

import (
	"math"

	"dualstep/faults"
	"dualstep/safety"
)

// CommandKind selects what a Command does.
type CommandKind uint8

const (
	CmdMove CommandKind = iota + 1
	CmdMoveTo
	CmdRun
	CmdSoftStop
	CmdHardStop
	CmdHighZ
	CmdResetPosition
	CmdCalibrate
	CmdClearFaults
	CmdEmergencyStop
	CmdReleaseEmergencyStop
	CmdAcknowledge
	CmdReset
	CmdStart
	CmdStop
)

var commandNames = [...]string{
	CmdMove:                 "move",
	CmdMoveTo:               "move_to",
	CmdRun:                  "run",
	CmdSoftStop:             "soft_stop",
	CmdHardStop:             "hard_stop",
	CmdHighZ:                "high_z",
	CmdResetPosition:        "reset_position",
	CmdCalibrate:            "calibrate",
	CmdClearFaults:          "clear_faults",
	CmdEmergencyStop:        "emergency_stop",
	CmdReleaseEmergencyStop: "release_emergency_stop",
	CmdAcknowledge:          "acknowledge",
	CmdReset:                "reset",
	CmdStart:                "start",
	CmdStop:                 "stop",
}

func (k CommandKind) String() string {
	if k == 0 || int(k) >= len(commandNames) {
		return "unknown"
	}
	return commandNames[k]
}

// ParseCommandKind returns the kind named name.
func ParseCommandKind(name string) (CommandKind, bool) {
	for k, n := range commandNames {
		if k != 0 && n == name {
			return CommandKind(k), true
		}
	}
	return 0, false
}

// Command is a decoded motor command. Param is in steps for Move and MoveTo
// and in steps/s for Run; other kinds ignore it. System-level kinds ignore
// Channel, except ClearFaults where AllChannels clears every channel.
type Command struct {
	Channel int         `cbor:"1,keyasint"`
	Kind    CommandKind `cbor:"2,keyasint"`
	Param   float64     `cbor:"3,keyasint"`
}

// AllChannels addresses every channel in a ClearFaults command.
const AllChannels = safety.NoChannel

// motion reports whether c needs the safety level to permit motion.
func (c Command) motion() bool {
	return c.Kind == CmdMove || c.Kind == CmdMoveTo || c.Kind == CmdRun
}

// system reports whether c is addressed to the supervisor.
func (c Command) system() bool {
	switch c.Kind {
	case CmdEmergencyStop, CmdReleaseEmergencyStop, CmdAcknowledge, CmdReset, CmdStart, CmdStop:
		return true
	}
	return false
}

// steps returns Param as a whole step count.
func (c Command) steps() (int32, error) {
	if math.IsNaN(c.Param) || c.Param != math.Trunc(c.Param) ||
		c.Param < math.MinInt32 || c.Param > math.MaxInt32 {
		return 0, faults.InvalidParameterf("%s: step count %v", c.Kind, c.Param)
	}
	return int32(c.Param), nil
}

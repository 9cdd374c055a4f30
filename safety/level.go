package safety

// Level is the supervisor state.
type Level uint8

const (
	LevelInit Level = iota
	LevelReady
	LevelRunning
	LevelWarning
	LevelFault
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelInit:
		return "INIT"
	case LevelReady:
		return "READY"
	case LevelRunning:
		return "RUNNING"
	case LevelWarning:
		return "WARNING"
	case LevelFault:
		return "FAULT"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// MotionAllowed reports whether motion commands may be issued at l.
func (l Level) MotionAllowed() bool {
	return l == LevelRunning || l == LevelWarning
}

// Stopped reports whether l forces every channel stopped.
func (l Level) Stopped() bool {
	return l == LevelFault || l == LevelEmergency
}

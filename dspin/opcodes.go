package dspin

// Application commands. Direction bits are or'ed into the low bit of Run,
// StepClock, Move and GoToDir.
const (
	OpNop         = 0x00
	OpSetParam    = 0x00
	OpGetParam    = 0x20
	OpRun         = 0x50
	OpStepClock   = 0x58
	OpMove        = 0x40
	OpGoTo        = 0x60
	OpGoToDir     = 0x68
	OpGoUntil     = 0x82
	OpReleaseSw   = 0x92
	OpGoHome      = 0x70
	OpGoMark      = 0x78
	OpResetPos    = 0xD8
	OpResetDevice = 0xC0
	OpSoftStop    = 0xB0
	OpHardStop    = 0xB8
	OpSoftHiZ     = 0xA0
	OpHardHiZ     = 0xA8
	OpGetStatus   = 0xD0
)

// Direction bits.
const (
	DirReverse = 0x00
	DirForward = 0x01
)

// Payload limits.
const (
	MaxSpeedValue = 1<<20 - 1 // Run speed, 20 bits
	MaxSteps      = 1<<22 - 1 // Move step count, 22 bits
	MaxPosition   = 1<<21 - 1 // GoTo target, 22-bit signed
	MinPosition   = -(1 << 21)
)

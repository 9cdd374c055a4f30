package dspin

// Register is a dSPIN parameter register address.
type Register uint8

// Parameter registers (L6470/L6472/L6480 common subset).
const (
	RegAbsPos    Register = 0x01 // Current position (signed)
	RegElPos     Register = 0x02 // Electrical position
	RegMark      Register = 0x03 // Mark position (signed)
	RegSpeed     Register = 0x04 // Current speed (read only)
	RegAcc       Register = 0x05 // Acceleration
	RegDec       Register = 0x06 // Deceleration
	RegMaxSpeed  Register = 0x07 // Maximum speed
	RegMinSpeed  Register = 0x08 // Minimum speed
	RegKvalHold  Register = 0x09 // Holding duty cycle
	RegKvalRun   Register = 0x0A // Constant speed duty cycle
	RegKvalAcc   Register = 0x0B // Acceleration duty cycle
	RegKvalDec   Register = 0x0C // Deceleration duty cycle
	RegIntSpeed  Register = 0x0D // Intersect speed
	RegStSlp     Register = 0x0E // Start slope
	RegFnSlpAcc  Register = 0x0F // Acceleration final slope
	RegFnSlpDec  Register = 0x10 // Deceleration final slope
	RegKTherm    Register = 0x11 // Thermal compensation factor
	RegAdcOut    Register = 0x12 // ADC output (read only)
	RegOcdTh     Register = 0x13 // Overcurrent threshold
	RegStallTh   Register = 0x14 // Stall threshold
	RegFsSpd     Register = 0x15 // Full-step speed
	RegStepMode  Register = 0x16 // Step mode
	RegAlarmEn   Register = 0x17 // Alarm enable
	RegConfig    Register = 0x18 // IC configuration
	RegStatus    Register = 0x19 // Status (read only)
	registerSpan          = 0x1A
)

// RegisterInfo describes the wire layout of a register.
type RegisterInfo struct {
	Name     string
	Bits     uint8 // significant bits
	Bytes    uint8 // bytes on the wire
	Signed   bool
	ReadOnly bool
}

var registers = [registerSpan]RegisterInfo{
	RegAbsPos:   {Name: "ABS_POS", Bits: 22, Bytes: 3, Signed: true},
	RegElPos:    {Name: "EL_POS", Bits: 9, Bytes: 2},
	RegMark:     {Name: "MARK", Bits: 22, Bytes: 3, Signed: true},
	RegSpeed:    {Name: "SPEED", Bits: 20, Bytes: 3, ReadOnly: true},
	RegAcc:      {Name: "ACC", Bits: 12, Bytes: 2},
	RegDec:      {Name: "DEC", Bits: 12, Bytes: 2},
	RegMaxSpeed: {Name: "MAX_SPEED", Bits: 10, Bytes: 2},
	RegMinSpeed: {Name: "MIN_SPEED", Bits: 13, Bytes: 2},
	RegKvalHold: {Name: "KVAL_HOLD", Bits: 8, Bytes: 1},
	RegKvalRun:  {Name: "KVAL_RUN", Bits: 8, Bytes: 1},
	RegKvalAcc:  {Name: "KVAL_ACC", Bits: 8, Bytes: 1},
	RegKvalDec:  {Name: "KVAL_DEC", Bits: 8, Bytes: 1},
	RegIntSpeed: {Name: "INT_SPEED", Bits: 14, Bytes: 2},
	RegStSlp:    {Name: "ST_SLP", Bits: 8, Bytes: 1},
	RegFnSlpAcc: {Name: "FN_SLP_ACC", Bits: 8, Bytes: 1},
	RegFnSlpDec: {Name: "FN_SLP_DEC", Bits: 8, Bytes: 1},
	RegKTherm:   {Name: "K_THERM", Bits: 4, Bytes: 1},
	RegAdcOut:   {Name: "ADC_OUT", Bits: 5, Bytes: 1, ReadOnly: true},
	RegOcdTh:    {Name: "OCD_TH", Bits: 4, Bytes: 1},
	RegStallTh:  {Name: "STALL_TH", Bits: 7, Bytes: 1},
	RegFsSpd:    {Name: "FS_SPD", Bits: 10, Bytes: 2},
	RegStepMode: {Name: "STEP_MODE", Bits: 8, Bytes: 1},
	RegAlarmEn:  {Name: "ALARM_EN", Bits: 8, Bytes: 1},
	RegConfig:   {Name: "CONFIG", Bits: 16, Bytes: 2},
	RegStatus:   {Name: "STATUS", Bits: 16, Bytes: 2, ReadOnly: true},
}

// Info returns the layout of r. ok is false for an unknown address.
func (r Register) Info() (RegisterInfo, bool) {
	if int(r) >= len(registers) || registers[r].Bytes == 0 {
		return RegisterInfo{}, false
	}
	return registers[r], true
}

func (r Register) String() string {
	if info, ok := r.Info(); ok {
		return info.Name
	}
	return "UNKNOWN"
}

// RegisterByName looks a register up by its datasheet name.
func RegisterByName(name string) (Register, bool) {
	for i, info := range registers {
		if info.Bytes != 0 && info.Name == name {
			return Register(i), true
		}
	}
	return 0, false
}

// Mask returns v masked to the register's byte width.
func (info RegisterInfo) Mask(v uint32) uint32 {
	return v & (1<<(8*uint32(info.Bytes)) - 1)
}

// Pack writes v big-endian into dst, masked to the register's byte width,
// and returns the number of bytes written.
func (info RegisterInfo) Pack(v uint32, dst []byte) int {
	n := int(info.Bytes)
	for i := 0; i < n; i++ {
		dst[i] = byte(v >> (8 * uint(n-1-i)))
	}
	return n
}

// Unpack reads a big-endian register value from src. Signed registers are
// sign-extended from their bit width; all others are returned unsigned.
func (info RegisterInfo) Unpack(src []byte) int32 {
	v := rawValue(info, src)
	if info.Signed {
		return SignExtend(v, info.Bits)
	}
	return int32(v)
}

// SignExtend interprets the low bits of v as a two's complement number.
func SignExtend(v uint32, bits uint8) int32 {
	shift := 32 - uint(bits)
	return int32(v<<shift) >> shift
}

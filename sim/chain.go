package sim

import (
	"math"
	"sync"
	"time"

	"dualstep/dspin"
	"dualstep/hal"
	"dualstep/hal/mock"
)

type motion uint8

const (
	motionStopped motion = iota
	motionRun
	motionGoTo
	motionStop
)

// register reset values
var resetRegs = map[dspin.Register]uint32{
	dspin.RegAcc:      0x08A,
	dspin.RegDec:      0x08A,
	dspin.RegMaxSpeed: 0x041,
	dspin.RegKvalHold: 0x29,
	dspin.RegKvalRun:  0x29,
	dspin.RegKvalAcc:  0x29,
	dspin.RegKvalDec:  0x29,
	dspin.RegIntSpeed: 0x0408,
	dspin.RegStSlp:    0x19,
	dspin.RegFnSlpAcc: 0x29,
	dspin.RegFnSlpDec: 0x29,
	dspin.RegOcdTh:    0x08,
	dspin.RegStallTh:  0x40,
	dspin.RegFsSpd:    0x027,
	dspin.RegStepMode: 0x07,
	dspin.RegAlarmEn:  0xFF,
	dspin.RegConfig:   0x2E88,
}

// Driver is the model of one dSPIN device.
type Driver struct {
	regs [32]uint32

	pos      float64
	velocity float64 // signed steps/s
	mode     motion
	runSpeed float64 // signed target speed for Run
	target   float64
	hizAfter bool
	hiz      bool

	latched  dspin.FaultFlags
	persist  dspin.FaultFlags
	wrongCmd bool
	notPerf  bool

	// serial command state
	op      byte
	need    int
	got     int
	args    [3]byte
	out     [3]byte
	outLen  int
	outNext int

	lastOp   byte
	executed uint64
}

func newDriver() *Driver {
	d := &Driver{}
	d.reset()
	return d
}

func (d *Driver) reset() {
	for i := range d.regs {
		d.regs[i] = 0
	}
	for r, v := range resetRegs {
		d.regs[r] = v
	}
	d.pos = 0
	d.velocity = 0
	d.mode = motionStopped
	d.hiz = true
	d.latched = dspin.FlagUndervoltage
	d.wrongCmd = false
	d.notPerf = false
}

func (d *Driver) status() dspin.Status {
	s := dspin.StatusHealthy
	flags := d.latched | d.persist
	if flags.Has(dspin.FlagUndervoltage) {
		s &^= dspin.StatusUVLO
	}
	if flags.Has(dspin.FlagThermalWarning) {
		s &^= dspin.StatusThWrn
	}
	if flags.Has(dspin.FlagThermalShutdown) {
		s &^= dspin.StatusThSD
	}
	if flags.Has(dspin.FlagOvercurrent) {
		s &^= dspin.StatusOCD
	}
	if flags.Has(dspin.FlagStallA) {
		s &^= dspin.StatusStepLossA
	}
	if flags.Has(dspin.FlagStallB) {
		s &^= dspin.StatusStepLossB
	}
	if d.wrongCmd || flags.Has(dspin.FlagCommandError) {
		s |= dspin.StatusWrongCmd
	}
	if d.notPerf {
		s |= dspin.StatusNotPerf
	}
	if !d.busy() {
		s |= dspin.StatusBusy
	}
	if d.hiz {
		s |= dspin.StatusHiZ
	}
	if d.velocity > 0 || (d.velocity == 0 && d.runSpeed >= 0) {
		s |= dspin.StatusDir
	}
	return s | dspin.Status(d.phase())<<5
}

func (d *Driver) busy() bool {
	switch d.mode {
	case motionGoTo, motionStop:
		return true
	case motionRun:
		return d.velocity != d.runSpeed
	default:
		return false
	}
}

func (d *Driver) phase() dspin.MotionPhase {
	speed := math.Abs(d.velocity)
	switch {
	case speed == 0:
		return dspin.MotionStopped
	case d.mode == motionStop:
		return dspin.MotionDecelerating
	case d.mode == motionRun && speed < math.Abs(d.runSpeed):
		return dspin.MotionAccelerating
	case d.mode == motionRun:
		return dspin.MotionConstant
	case d.mode == motionGoTo && speed < d.maxSpeed():
		return dspin.MotionAccelerating
	default:
		return dspin.MotionConstant
	}
}

func (d *Driver) absPos() uint32 {
	return uint32(int32(math.Round(d.pos))) & (1<<22 - 1)
}

func (d *Driver) read(reg dspin.Register) uint32 {
	switch reg {
	case dspin.RegAbsPos:
		return d.absPos()
	case dspin.RegSpeed:
		return dspin.SpeedToReg(math.Abs(d.velocity))
	case dspin.RegStatus:
		return uint32(d.status())
	default:
		return d.regs[reg]
	}
}

// shift clocks one byte into the device and returns the byte it shifts out.
func (d *Driver) shift(in byte) byte {
	if d.need > d.got {
		d.args[d.got] = in
		d.got++
		if d.got == d.need {
			d.execute()
		}
		return 0
	}
	if d.outNext < d.outLen {
		b := d.out[d.outNext]
		d.outNext++
		return b
	}
	d.decode(in)
	return 0
}

func (d *Driver) respond(v uint32, n int) {
	for i := 0; i < n; i++ {
		d.out[i] = byte(v >> (8 * uint(n-1-i)))
	}
	d.outLen = n
	d.outNext = 0
}

func (d *Driver) expect(op byte, n int) {
	d.op = op
	d.need = n
	d.got = 0
	if n == 0 {
		d.execute()
	}
}

func (d *Driver) decode(op byte) {
	if op == dspin.OpNop {
		return
	}
	switch {
	case op < dspin.OpGetParam:
		info, ok := dspin.Register(op).Info()
		if !ok {
			d.wrongCmd = true
			return
		}
		d.expect(op, int(info.Bytes))
	case op < dspin.OpMove:
		reg := dspin.Register(op &^ dspin.OpGetParam)
		info, ok := reg.Info()
		if !ok {
			d.wrongCmd = true
			return
		}
		d.lastOp = op
		d.executed++
		d.respond(d.read(reg), int(info.Bytes))
	case op&^1 == dspin.OpRun, op&^1 == dspin.OpMove, op == dspin.OpGoTo, op&^1 == dspin.OpGoToDir:
		d.expect(op, 3)
	case op&^1 == dspin.OpStepClock, op == dspin.OpGoHome, op == dspin.OpGoMark,
		op == dspin.OpResetPos, op == dspin.OpResetDevice, op == dspin.OpSoftStop,
		op == dspin.OpHardStop, op == dspin.OpSoftHiZ, op == dspin.OpHardHiZ:
		d.expect(op, 0)
	case op == dspin.OpGetStatus:
		d.lastOp = op
		d.executed++
		d.respond(uint32(d.status()), 2)
		d.latched = 0
		d.wrongCmd = false
		d.notPerf = false
	default:
		d.wrongCmd = true
	}
}

func (d *Driver) arg24() uint32 {
	return uint32(d.args[0])<<16 | uint32(d.args[1])<<8 | uint32(d.args[2])
}

func (d *Driver) execute() {
	op := d.op
	d.need, d.got = 0, 0
	d.lastOp = op
	d.executed++

	if op < dspin.OpGetParam {
		reg := dspin.Register(op)
		info, _ := reg.Info()
		if info.ReadOnly {
			d.notPerf = true
			return
		}
		var v uint32
		for i := 0; i < int(info.Bytes); i++ {
			v = v<<8 | uint32(d.args[i])
		}
		if reg == dspin.RegAbsPos {
			d.pos = float64(dspin.SignExtend(v, info.Bits))
		}
		d.regs[reg] = v
		return
	}
	if d.powerFault() && op != dspin.OpResetDevice {
		d.notPerf = true
		return
	}

	forward := op&1 == dspin.DirForward
	switch {
	case op&^1 == dspin.OpRun:
		speed := math.Min(dspin.RegToSpeed(d.arg24()&dspin.MaxSpeedValue), d.maxSpeed())
		if !forward {
			speed = -speed
		}
		d.mode, d.runSpeed, d.hiz = motionRun, speed, false
	case op&^1 == dspin.OpMove:
		n := float64(d.arg24() & dspin.MaxSteps)
		if !forward {
			n = -n
		}
		d.goTo(math.Round(d.pos) + n)
	case op == dspin.OpGoTo, op&^1 == dspin.OpGoToDir:
		d.goTo(float64(dspin.SignExtend(d.arg24(), 22)))
	case op == dspin.OpGoHome:
		d.goTo(0)
	case op == dspin.OpGoMark:
		d.goTo(float64(dspin.SignExtend(d.regs[dspin.RegMark], 22)))
	case op == dspin.OpResetPos:
		d.pos = 0
	case op == dspin.OpResetDevice:
		d.reset()
	case op == dspin.OpSoftStop:
		d.softStop(false)
	case op == dspin.OpSoftHiZ:
		d.softStop(true)
	case op == dspin.OpHardStop:
		d.velocity, d.mode, d.hiz = 0, motionStopped, false
	case op == dspin.OpHardHiZ:
		d.velocity, d.mode, d.hiz = 0, motionStopped, true
	}
}

func (d *Driver) goTo(target float64) {
	d.mode, d.target, d.hiz = motionGoTo, target, false
}

func (d *Driver) softStop(hiz bool) {
	if d.velocity == 0 {
		d.mode, d.hiz = motionStopped, hiz || d.hiz
		return
	}
	d.mode, d.hizAfter = motionStop, hiz
}

func (d *Driver) powerFault() bool {
	f := d.latched | d.persist
	return f.Has(dspin.FlagThermalShutdown) || f.Has(dspin.FlagOvercurrent)
}

func (d *Driver) maxSpeed() float64 { return dspin.RegToMaxSpeed(d.regs[dspin.RegMaxSpeed]) }
func (d *Driver) minSpeed() float64 { return math.Max(dspin.RegToMinSpeed(d.regs[dspin.RegMinSpeed]), 1) }
func (d *Driver) acc() float64      { return dspin.RegToAcc(d.regs[dspin.RegAcc]) }
func (d *Driver) dec() float64      { return dspin.RegToAcc(d.regs[dspin.RegDec]) }

const simStep = 500 * time.Microsecond

func (d *Driver) advance(dt time.Duration) {
	for dt > 0 {
		h := simStep
		if dt < h {
			h = dt
		}
		d.step(h.Seconds())
		dt -= h
	}
}

func approach(v, to, rate float64) float64 {
	if v < to {
		return math.Min(v+rate, to)
	}
	return math.Max(v-rate, to)
}

func (d *Driver) step(h float64) {
	switch d.mode {
	case motionStopped:
		d.velocity = 0
		return
	case motionRun:
		rate := d.acc()
		if math.Abs(d.runSpeed) < math.Abs(d.velocity) || d.runSpeed*d.velocity < 0 {
			rate = d.dec()
		}
		d.velocity = approach(d.velocity, d.runSpeed, rate*h)
	case motionStop:
		d.velocity = approach(d.velocity, 0, d.dec()*h)
		if d.velocity == 0 {
			d.mode = motionStopped
			if d.hizAfter {
				d.hiz = true
			}
		}
	case motionGoTo:
		rem := d.target - d.pos
		dir := 1.0
		if rem < 0 {
			dir = -1
		}
		if d.velocity*dir < 0 {
			d.velocity = approach(d.velocity, 0, d.dec()*h)
			break
		}
		speed := math.Abs(d.velocity)
		if math.Abs(rem) <= speed*speed/(2*d.dec()) {
			speed = math.Max(speed-d.dec()*h, d.minSpeed())
		} else {
			speed = math.Min(speed+d.acc()*h, d.maxSpeed())
		}
		d.velocity = dir * speed
		if math.Abs(d.velocity*h) >= math.Abs(rem) {
			d.pos = d.target
			d.velocity = 0
			d.mode = motionStopped
			return
		}
	}
	d.pos += d.velocity * h
}

// Chain is a hal/mock device modelling n daisy-chained dSPIN drivers. The
// byte at offset n-1-d of every transfer reaches device d.
type Chain struct {
	mu   sync.Mutex
	devs []*Driver
}

var _ mock.Device = (*Chain)(nil)

// NewChain returns n drivers in their power-up state.
func NewChain(n int) *Chain {
	c := &Chain{devs: make([]*Driver, n)}
	for i := range c.devs {
		c.devs[i] = newDriver()
	}
	return c
}

// Exchange implements mock.Device. A transfer that does not carry exactly one
// byte per device desynchronizes the chain and fails with a transport error.
func (c *Chain) Exchange(op mock.Op, _ uint16, tx, rx []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.devs)
	if op == mock.OpReceive || len(tx) != n {
		return hal.ErrTransport
	}
	for d, dev := range c.devs {
		out := dev.shift(tx[n-1-d])
		if rx != nil {
			rx[n-1-d] = out
		}
	}
	return nil
}

// Advance runs the motion model of every device for dt.
func (c *Chain) Advance(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devs {
		d.advance(dt)
	}
}

func (c *Chain) with(ch int, fn func(d *Driver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.devs[ch])
}

// Inject latches fault flags on ch until the next GetStatus. A thermal
// shutdown or overcurrent also drops the bridges into high impedance.
func (c *Chain) Inject(ch int, f dspin.FaultFlags) {
	c.with(ch, func(d *Driver) {
		d.latched |= f
		if d.powerFault() {
			d.velocity, d.mode, d.hiz = 0, motionStopped, true
		}
	})
}

// Persist holds fault flags on ch until Release, surviving GetStatus.
func (c *Chain) Persist(ch int, f dspin.FaultFlags) {
	c.with(ch, func(d *Driver) { d.persist |= f })
}

// Release removes persistent fault flags.
func (c *Chain) Release(ch int, f dspin.FaultFlags) {
	c.with(ch, func(d *Driver) { d.persist &^= f })
}

// Position returns the device's absolute position in steps.
func (c *Chain) Position(ch int) (p int32) {
	c.with(ch, func(d *Driver) { p = dspin.SignExtend(d.absPos(), 22) })
	return p
}

// Speed returns the device's signed speed in steps/s.
func (c *Chain) Speed(ch int) (v float64) {
	c.with(ch, func(d *Driver) { v = d.velocity })
	return v
}

// HiZ reports whether the device's bridges are disabled.
func (c *Chain) HiZ(ch int) (hiz bool) {
	c.with(ch, func(d *Driver) { hiz = d.hiz })
	return hiz
}

// Moving reports whether the device is executing any motion.
func (c *Chain) Moving(ch int) (m bool) {
	c.with(ch, func(d *Driver) { m = d.mode != motionStopped })
	return m
}

// Status returns the status word without clearing anything.
func (c *Chain) Status(ch int) (s dspin.Status) {
	c.with(ch, func(d *Driver) { s = d.status() })
	return s
}

// Register returns the stored value of reg.
func (c *Chain) Register(ch int, reg dspin.Register) (v uint32) {
	c.with(ch, func(d *Driver) { v = d.read(reg) })
	return v
}

// LastOpcode returns the last command the device executed and how many
// non-NOP commands it has executed in total.
func (c *Chain) LastOpcode(ch int) (op byte, executed uint64) {
	c.with(ch, func(d *Driver) { op, executed = d.lastOp, d.executed })
	return op, executed
}

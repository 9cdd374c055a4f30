// Package dspin drives a daisy chain of dSPIN stepper drivers (L6470 family)
// sharing one SPI bus and chip select.
//
// Every bus access is a whole-chain frame: each chip-select-framed transfer
// carries exactly one byte per chained device, and a device that is not being
// commanded receives NOP. Commanding one channel therefore never disturbs
// another.
package dspin

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"dualstep/faults"
	"dualstep/hal"
	"dualstep/logging"
	"dualstep/rtos"
)

// ErrVerify reports a register that did not read back what Init wrote.
var ErrVerify = errors.New("dspin: register verification failed")

// Setting is a register value programmed into every device by Init.
type Setting struct {
	Reg   Register
	Value uint32
}

// Options configures an Engine.
type Options struct {
	// Channels is the chain length, 1..MaxChainLength.
	Channels int

	BusTimeout  time.Duration
	LockTimeout time.Duration

	// Settings are written to every device and verified by Init.
	Settings []Setting

	// Reset is the optional active-low standby/reset line, pulsed for
	// ResetPulse by Init.
	Reset      hal.Pin
	ResetPulse time.Duration
}

// command is one device's part of a frame.
type command struct {
	tx [4]byte
	rx [4]byte
	n  int
}

// Engine is the stepper driver protocol engine.
type Engine struct {
	bus    hal.Bus
	lock   *rtos.Mutex
	ticker hal.Ticker
	logger logging.Logger
	opts   Options
	n      int

	// guarded by lock
	tx [MaxChainLength]byte
	rx [MaxChainLength]byte

	mu          sync.Mutex
	channels    [MaxChainLength]MotorChannel
	initialized bool
	commErrors  uint32
}

// NewEngine returns an engine for a chain of opts.Channels devices on bus.
// lock guards the bus for every frame.
func NewEngine(bus hal.Bus, lock *rtos.Mutex, ticker hal.Ticker, logger logging.Logger, opts Options) (*Engine, error) {
	if opts.Channels < 1 || opts.Channels > MaxChainLength {
		return nil, faults.InvalidParameterf("chain length %d", opts.Channels)
	}
	if bus == nil || lock == nil || ticker == nil {
		return nil, faults.ErrNotInitialized
	}
	if opts.BusTimeout <= 0 {
		opts.BusTimeout = 2 * time.Millisecond
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Millisecond
	}
	e := &Engine{
		bus:    bus,
		lock:   lock,
		ticker: ticker,
		logger: logger,
		opts:   opts,
		n:      opts.Channels,
	}
	for i := range e.channels {
		e.channels[i].ID = i
	}
	return e, nil
}

// Len returns the chain length.
func (e *Engine) Len() int { return e.n }

// Initialized reports whether Init has completed.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Init resets every device, programs the configured settings and verifies
// them by read-back. A failure on any device leaves the engine uninitialized.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	e.initialized = false
	e.mu.Unlock()

	for _, s := range e.opts.Settings {
		info, ok := s.Reg.Info()
		if !ok || info.ReadOnly {
			return faults.InvalidParameterf("setting register %#x", uint8(s.Reg))
		}
	}

	if err := e.bus.Init(); err != nil {
		return e.commError("init", err)
	}
	if r := e.opts.Reset; r != nil {
		if err := r.Init(hal.PinOutput); err != nil {
			return e.commError("reset", err)
		}
		if err := r.Write(false); err != nil {
			return e.commError("reset", err)
		}
		e.ticker.Delay(e.opts.ResetPulse)
		if err := r.Write(true); err != nil {
			return e.commError("reset", err)
		}
	}

	var cmds [MaxChainLength]command
	e.fill(&cmds, command{tx: [4]byte{OpResetDevice}, n: 1})
	if err := e.exchange(ctx, "reset_device", &cmds); err != nil {
		return err
	}

	for _, s := range e.opts.Settings {
		info, _ := s.Reg.Info()
		set := command{n: 1 + int(info.Bytes)}
		set.tx[0] = OpSetParam | byte(s.Reg)
		info.Pack(info.Mask(s.Value), set.tx[1:])
		e.fill(&cmds, set)
		if err := e.exchange(ctx, "set_param", &cmds); err != nil {
			return err
		}

		e.fill(&cmds, command{tx: [4]byte{OpGetParam | byte(s.Reg)}, n: 1 + int(info.Bytes)})
		if err := e.exchange(ctx, "get_param", &cmds); err != nil {
			return err
		}
		want := info.Mask(s.Value)
		for d := 0; d < e.n; d++ {
			if got := rawValue(info, cmds[d].rx[1:]); got != want {
				return e.commError("init", errors.Wrapf(ErrVerify,
					"channel %d %s: wrote %#x, read %#x", d, s.Reg, want, got))
			}
		}
	}

	// GetStatus clears the flags latched at power-up.
	e.fill(&cmds, command{tx: [4]byte{OpGetStatus}, n: 3})
	if err := e.exchange(ctx, "get_status", &cmds); err != nil {
		return err
	}

	now := e.ticker.Now()
	e.mu.Lock()
	for d := 0; d < e.n; d++ {
		c := &e.channels[d]
		c.State = StateIdle
		c.LastStatus = Status(uint16(cmds[d].rx[1])<<8 | uint16(cmds[d].rx[2]))
		c.HiZ = true
		c.Busy = false
		c.Position = 0
		c.Target = 0
		c.Faults = 0
		c.LastError = nil
		c.LastCommand = now
	}
	e.initialized = true
	e.mu.Unlock()

	e.logger.Infow("driver chain initialized", "devices", e.n, "settings", len(e.opts.Settings))
	return nil
}

// SetParam writes v, masked to the register's byte width, to reg on ch.
func (e *Engine) SetParam(ctx context.Context, ch int, reg Register, v uint32) error {
	info, ok := reg.Info()
	if !ok || info.ReadOnly {
		return faults.InvalidParameterf("register %#x is not writable", uint8(reg))
	}
	c := command{n: 1 + int(info.Bytes)}
	c.tx[0] = OpSetParam | byte(reg)
	info.Pack(info.Mask(v), c.tx[1:])
	_, err := e.single(ctx, ch, "set_param", c)
	return err
}

// GetParam reads reg on ch. Only signed registers are sign-extended.
func (e *Engine) GetParam(ctx context.Context, ch int, reg Register) (int32, error) {
	info, ok := reg.Info()
	if !ok {
		return 0, faults.InvalidParameterf("register %#x", uint8(reg))
	}
	c, err := e.single(ctx, ch, "get_param", command{tx: [4]byte{OpGetParam | byte(reg)}, n: 1 + int(info.Bytes)})
	if err != nil {
		return 0, err
	}
	return info.Unpack(c.rx[1:]), nil
}

// Run spins ch at stepsPerSec; the sign selects the direction.
func (e *Engine) Run(ctx context.Context, ch int, stepsPerSec float64) error {
	if math.IsNaN(stepsPerSec) || math.IsInf(stepsPerSec, 0) || math.Abs(stepsPerSec)*speedPerStep > MaxSpeedValue {
		return faults.InvalidParameterf("run speed %v", stepsPerSec)
	}
	dir := byte(DirForward)
	if stepsPerSec < 0 {
		dir = DirReverse
	}
	c := command{n: 4}
	c.tx[0] = OpRun | dir
	put24(c.tx[1:], SpeedToReg(math.Abs(stepsPerSec)))
	if _, err := e.single(ctx, ch, "run", c); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) { m.State = StateRunning; m.HiZ = false })
	return nil
}

// Move makes a relative move of steps; the sign selects the direction.
func (e *Engine) Move(ctx context.Context, ch int, steps int32) error {
	n := int64(steps)
	dir := byte(DirForward)
	if n < 0 {
		dir = DirReverse
		n = -n
	}
	if n > MaxSteps {
		return faults.InvalidParameterf("move of %d steps", steps)
	}
	c := command{n: 4}
	c.tx[0] = OpMove | dir
	put24(c.tx[1:], uint32(n))
	if _, err := e.single(ctx, ch, "move", c); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) {
		m.State = StateRunning
		m.HiZ = false
		m.Busy = true
		m.Target = m.Position + steps
	})
	return nil
}

// MoveTo moves ch to the absolute position pos along the shortest path.
func (e *Engine) MoveTo(ctx context.Context, ch int, pos int32) error {
	if pos < MinPosition || pos > MaxPosition {
		return faults.InvalidParameterf("target position %d", pos)
	}
	c := command{n: 4}
	c.tx[0] = OpGoTo
	put24(c.tx[1:], uint32(pos)&(1<<22-1))
	if _, err := e.single(ctx, ch, "goto", c); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) {
		m.State = StateRunning
		m.HiZ = false
		m.Busy = true
		m.Target = pos
	})
	return nil
}

// SoftStop decelerates ch to a stop and holds it.
func (e *Engine) SoftStop(ctx context.Context, ch int) error {
	if _, err := e.single(ctx, ch, "soft_stop", command{tx: [4]byte{OpSoftStop}, n: 1}); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) { m.State = StateDecelerating })
	return nil
}

// HardStop stops ch immediately and holds it.
func (e *Engine) HardStop(ctx context.Context, ch int) error {
	if _, err := e.single(ctx, ch, "hard_stop", command{tx: [4]byte{OpHardStop}, n: 1}); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) { m.State = StateIdle; m.Busy = false })
	return nil
}

// HighZ stops ch immediately and de-energizes its bridges.
func (e *Engine) HighZ(ctx context.Context, ch int) error {
	if _, err := e.single(ctx, ch, "hard_hiz", command{tx: [4]byte{OpHardHiZ}, n: 1}); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) { m.State = StateIdle; m.Busy = false; m.HiZ = true })
	return nil
}

// ResetDevice returns ch to its power-up state.
func (e *Engine) ResetDevice(ctx context.Context, ch int) error {
	if _, err := e.single(ctx, ch, "reset_device", command{tx: [4]byte{OpResetDevice}, n: 1}); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) {
		m.State = StateIdle
		m.Busy = false
		m.HiZ = true
		m.Position = 0
		m.Target = 0
	})
	return nil
}

// ResetPosition sets ABS_POS of ch to zero.
func (e *Engine) ResetPosition(ctx context.Context, ch int) error {
	if _, err := e.single(ctx, ch, "reset_pos", command{tx: [4]byte{OpResetPos}, n: 1}); err != nil {
		return err
	}
	e.update(ch, func(m *MotorChannel) { m.Position = 0; m.Target = 0 })
	return nil
}

// GetStatus reads the status word of ch without clearing latched flags. It
// returns the most severe driver fault as the error; the channel snapshot
// keeps every flag and each newly raised flag increments its counter once.
func (e *Engine) GetStatus(ctx context.Context, ch int) (Status, error) {
	v, err := e.GetParam(ctx, ch, RegStatus)
	if err != nil {
		return 0, err
	}
	st := Status(uint16(v))
	return st, e.recordStatus(ch, st)
}

// ClearFaults issues GetStatus on ch, the only command that clears the
// device's latched fault flags.
func (e *Engine) ClearFaults(ctx context.Context, ch int) error {
	c, err := e.single(ctx, ch, "get_status", command{tx: [4]byte{OpGetStatus}, n: 3})
	if err != nil {
		return err
	}
	st := Status(uint16(c.rx[1])<<8 | uint16(c.rx[2]))
	e.update(ch, func(m *MotorChannel) {
		m.LastStatus = st
		m.Faults = 0
		m.LastError = nil
		if m.State == StateEmergencyStopped {
			m.State = StateIdle
		}
	})
	e.logger.Infow("driver faults cleared", "channel", ch, "status", fmt.Sprintf("%#04x", uint16(st)))
	return nil
}

// Position reads ABS_POS of ch.
func (e *Engine) Position(ctx context.Context, ch int) (int32, error) {
	pos, err := e.GetParam(ctx, ch, RegAbsPos)
	if err != nil {
		return 0, err
	}
	e.update(ch, func(m *MotorChannel) { m.Position = pos })
	return pos, nil
}

// IsBusy reports whether ch is executing a positioning command. Driver
// faults in the status word are recorded but not returned.
func (e *Engine) IsBusy(ctx context.Context, ch int) (bool, error) {
	st, err := e.GetStatus(ctx, ch)
	if err != nil && faults.CategoryOf(err) != faults.CategoryDriver {
		return false, err
	}
	return st.Busy(), nil
}

// Poll refreshes status and position of ch and returns the snapshot along
// with the most severe driver fault.
func (e *Engine) Poll(ctx context.Context, ch int) (MotorChannel, error) {
	_, ferr := e.GetStatus(ctx, ch)
	if ferr != nil && faults.CategoryOf(ferr) != faults.CategoryDriver {
		return MotorChannel{}, ferr
	}
	if _, err := e.Position(ctx, ch); err != nil {
		return MotorChannel{}, err
	}
	m, err := e.Channel(ch)
	if err != nil {
		return m, err
	}
	return m, ferr
}

// StopAll hard-stops every channel and then puts every bridge in high
// impedance, each as one whole-chain frame. It does not require Init and
// always attempts both frames.
func (e *Engine) StopAll(ctx context.Context) error {
	var cmds [MaxChainLength]command
	e.fill(&cmds, command{tx: [4]byte{OpHardStop}, n: 1})
	err := e.exchange(ctx, "hard_stop_all", &cmds)
	e.fill(&cmds, command{tx: [4]byte{OpHardHiZ}, n: 1})
	err = multierr.Append(err, e.exchange(ctx, "hard_hiz_all", &cmds))

	e.mu.Lock()
	for d := 0; d < e.n; d++ {
		c := &e.channels[d]
		c.State = StateEmergencyStopped
		c.Busy = false
		if err == nil {
			c.HiZ = true
		}
	}
	if err != nil {
		e.commErrors++
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Errorw("stop all failed", "error", err)
		return err
	}
	e.logger.Warnw("all channels stopped", "devices", e.n)
	return nil
}

// Channel returns a snapshot of ch.
func (e *Engine) Channel(ch int) (MotorChannel, error) {
	if ch < 0 || ch >= e.n {
		return MotorChannel{}, invalidChannel(ch)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[ch], nil
}

// AppendChannels appends a snapshot of every channel to dst.
func (e *Engine) AppendChannels(dst []MotorChannel) []MotorChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(dst, e.channels[:e.n]...)
}

// CommErrors returns the number of failed whole-chain frames.
func (e *Engine) CommErrors() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commErrors
}

func invalidChannel(ch int) error {
	return &faults.UsageError{Kind: faults.InvalidChannel, Detail: fmt.Sprintf("driver channel %d", ch)}
}

func (e *Engine) check(ch int) error {
	if ch < 0 || ch >= e.n {
		return invalidChannel(ch)
	}
	if !e.Initialized() {
		return faults.ErrNotInitialized
	}
	return nil
}

func (e *Engine) fill(cmds *[MaxChainLength]command, c command) {
	for d := 0; d < e.n; d++ {
		cmds[d] = c
	}
}

func (e *Engine) single(ctx context.Context, ch int, op string, c command) (command, error) {
	if err := e.check(ch); err != nil {
		return c, err
	}
	var cmds [MaxChainLength]command
	cmds[ch] = c
	if err := e.exchange(ctx, op, &cmds); err != nil {
		e.update(ch, func(m *MotorChannel) { m.CommErrors++ })
		return c, err
	}
	e.update(ch, func(m *MotorChannel) { m.LastCommand = e.ticker.Now() })
	return cmds[ch], nil
}

// exchange clocks one frame through the chain. The frame has as many rounds
// as the longest command; each round is one transfer of exactly one byte per
// device, where the byte for device d sits at offset n-1-d because the first
// byte shifted out travels to the far end of the chain.
func (e *Engine) exchange(ctx context.Context, op string, cmds *[MaxChainLength]command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.lock.Lock(e.opts.LockTimeout); err != nil {
		return e.commError(op, err)
	}
	defer e.lock.Unlock()

	n := e.n
	rounds := 0
	for d := 0; d < n; d++ {
		if cmds[d].n > rounds {
			rounds = cmds[d].n
		}
	}
	for r := 0; r < rounds; r++ {
		for d := 0; d < n; d++ {
			b := byte(OpNop)
			if r < cmds[d].n {
				b = cmds[d].tx[r]
			}
			e.tx[n-1-d] = b
		}
		err := e.bus.TransmitReceive(hal.Transaction{
			Tx:      e.tx[:n],
			Rx:      e.rx[:n],
			Timeout: e.opts.BusTimeout,
		})
		if err != nil {
			return e.commError(op, err)
		}
		for d := 0; d < n; d++ {
			cmds[d].rx[r] = e.rx[n-1-d]
		}
	}
	return nil
}

func (e *Engine) commError(op string, err error) error {
	return &faults.CommError{Bus: e.bus.Name(), Op: op, Err: err}
}

func (e *Engine) update(ch int, fn func(m *MotorChannel)) {
	e.mu.Lock()
	fn(&e.channels[ch])
	e.mu.Unlock()
}

func (e *Engine) recordStatus(ch int, st Status) error {
	flags := st.Faults()

	e.mu.Lock()
	c := &e.channels[ch]
	raised := flags &^ c.Faults
	for i := 0; i < NumFlags; i++ {
		if raised&(1<<i) != 0 {
			c.FlagCounts[i]++
			c.FaultCount++
		}
	}
	c.Faults = flags
	c.LastStatus = st
	c.Busy = st.Busy()
	c.HiZ = st.HiZ()
	if c.State != StateEmergencyStopped {
		switch st.Motion() {
		case MotionStopped:
			c.State = StateIdle
		case MotionDecelerating:
			c.State = StateDecelerating
		default:
			c.State = StateRunning
		}
	}
	if flags != 0 {
		c.LastError = flags.Errors(ch)
	}
	e.mu.Unlock()

	if raised != 0 {
		e.logger.Warnw("driver fault raised", "channel", ch, "flags", raised.String())
	}
	return flags.MostSevere(ch)
}

func rawValue(info RegisterInfo, src []byte) uint32 {
	var v uint32
	for i := 0; i < int(info.Bytes); i++ {
		v = v<<8 | uint32(src[i])
	}
	return v
}

func put24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

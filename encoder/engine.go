// Package encoder reads AS5600 magnetic rotary encoders, one per motor
// channel, each on its own I2C bus.
package encoder

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"

	"dualstep/faults"
	"dualstep/hal"
	"dualstep/logging"
	"dualstep/rtos"
)

// Port is the bus of one encoder and the mutex guarding it.
type Port struct {
	Bus  hal.Bus
	Lock *rtos.Mutex
}

// Options configures an Engine.
type Options struct {
	Address     uint16
	BusTimeout  time.Duration
	LockTimeout time.Duration

	// MaxJumpDegrees is the largest filtered-angle change accepted between
	// two samples. Zero disables the check.
	MaxJumpDegrees float64
}

// Channel is a snapshot of one encoder.
type Channel struct {
	ID int

	Raw      uint16
	Filtered uint16

	// RawDegrees is the uncalibrated raw angle.
	RawDegrees float64
	// Degrees is the calibrated raw angle in [0, 360).
	Degrees float64
	// Velocity is derived from the filtered angle, in degrees per second.
	Velocity float64
	// Revolutions accumulates signed turns since Init.
	Revolutions float64
	ZeroOffset  float64

	Health    MagnetHealth
	Magnitude uint16
	AGC       uint8

	CommErrors uint32
	FaultCount uint32
	LastRead   time.Time
	LastError  error

	prevFiltered float64
	faulted      encoderFaults
	sampled      bool
}

type encoderFaults uint8

const (
	faultNoMagnet encoderFaults = 1 << iota
	faultJump
	faultTooStrong
	faultTooWeak
)

var faultKinds = [...]faults.EncoderFaultKind{
	faults.MagnetNotDetected,
	faults.ImplausibleJump,
	faults.FieldTooStrong,
	faults.FieldTooWeak,
}

// Engine is the encoder feedback engine.
type Engine struct {
	ports  []Port
	ticker hal.Ticker
	logger logging.Logger
	opts   Options

	mu          sync.Mutex
	channels    []Channel
	initialized bool
}

// NewEngine returns an engine with one channel per port.
func NewEngine(ports []Port, ticker hal.Ticker, logger logging.Logger, opts Options) (*Engine, error) {
	if len(ports) == 0 {
		return nil, faults.InvalidParameterf("no encoder ports")
	}
	for i, p := range ports {
		if p.Bus == nil || p.Lock == nil {
			return nil, faults.InvalidParameterf("encoder port %d incomplete", i)
		}
	}
	if ticker == nil {
		return nil, faults.ErrNotInitialized
	}
	if opts.Address == 0 {
		opts.Address = DefaultAddress
	}
	if opts.BusTimeout <= 0 {
		opts.BusTimeout = 2 * time.Millisecond
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Millisecond
	}
	e := &Engine{
		ports:    ports,
		ticker:   ticker,
		logger:   logger,
		opts:     opts,
		channels: make([]Channel, len(ports)),
	}
	for i := range e.channels {
		e.channels[i].ID = i
	}
	return e, nil
}

// Len returns the number of channels.
func (e *Engine) Len() int { return len(e.ports) }

// Init brings up every encoder bus and takes a first sample so that the
// first velocity estimate has a reference. Any failure leaves the engine
// uninitialized.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	e.initialized = false
	for i := range e.channels {
		e.channels[i].sampled = false
	}
	e.mu.Unlock()

	for ch, p := range e.ports {
		if err := p.Bus.Init(); err != nil {
			return e.commError(ch, "init", err)
		}
		var buf [5]byte
		if err := e.receive(ctx, ch, RegStatus, buf[:]); err != nil {
			return err
		}
		e.sample(ch, buf)
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	e.logger.Infow("encoders initialized", "channels", len(e.ports))
	return nil
}

// Read samples ch in one burst over STATUS, RAW_ANGLE and ANGLE. It returns
// the updated snapshot and the most specific fault, if any.
func (e *Engine) Read(ctx context.Context, ch int) (Channel, error) {
	if err := e.check(ch); err != nil {
		return Channel{}, err
	}
	var buf [5]byte
	if err := e.receive(ctx, ch, RegStatus, buf[:]); err != nil {
		e.countCommError(ch)
		return e.snapshot(ch), err
	}
	return e.sample(ch, buf)
}

// Calibrate takes a fresh sample and makes the current raw angle the zero
// of ch.
func (e *Engine) Calibrate(ctx context.Context, ch int) error {
	c, err := e.Read(ctx, ch)
	if err != nil && faults.CategoryOf(err) != faults.CategoryEncoder {
		return err
	}
	if c.Health&MagnetDetected == 0 {
		return &faults.EncoderFault{Channel: ch, Kind: faults.MagnetNotDetected}
	}
	e.setOffset(ch, c.RawDegrees)
	e.logger.Infow("encoder calibrated", "channel", ch, "offset", c.RawDegrees)
	return nil
}

// SetZeroOffset sets the calibration offset of ch in degrees.
func (e *Engine) SetZeroOffset(ch int, deg float64) error {
	if ch < 0 || ch >= len(e.ports) {
		return invalidChannel(ch)
	}
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return faults.InvalidParameterf("zero offset %v", deg)
	}
	e.setOffset(ch, Normalize360(deg))
	return nil
}

// ReadMagnitude returns the CORDIC magnitude and the AGC value of ch.
func (e *Engine) ReadMagnitude(ctx context.Context, ch int) (uint16, uint8, error) {
	if err := e.check(ch); err != nil {
		return 0, 0, err
	}
	var buf [3]byte
	if err := e.receive(ctx, ch, RegAGC, buf[:]); err != nil {
		e.countCommError(ch)
		return 0, 0, err
	}
	mag := (uint16(buf[1])<<8 | uint16(buf[2])) & AngleMask
	e.mu.Lock()
	e.channels[ch].AGC = buf[0]
	e.channels[ch].Magnitude = mag
	e.mu.Unlock()
	return mag, buf[0], nil
}

// Channel returns a snapshot of ch.
func (e *Engine) Channel(ch int) (Channel, error) {
	if ch < 0 || ch >= len(e.ports) {
		return Channel{}, invalidChannel(ch)
	}
	return e.snapshot(ch), nil
}

// AppendChannels appends a snapshot of every channel to dst.
func (e *Engine) AppendChannels(dst []Channel) []Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(dst, e.channels...)
}

func invalidChannel(ch int) error {
	return &faults.UsageError{Kind: faults.InvalidChannel, Detail: fmt.Sprintf("encoder channel %d", ch)}
}

func (e *Engine) check(ch int) error {
	if ch < 0 || ch >= len(e.ports) {
		return invalidChannel(ch)
	}
	e.mu.Lock()
	ok := e.initialized
	e.mu.Unlock()
	if !ok {
		return faults.ErrNotInitialized
	}
	return nil
}

func (e *Engine) snapshot(ch int) Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[ch]
}

func (e *Engine) setOffset(ch int, deg float64) {
	e.mu.Lock()
	c := &e.channels[ch]
	c.ZeroOffset = deg
	c.Degrees = Normalize360(c.RawDegrees - deg)
	e.mu.Unlock()
}

func (e *Engine) receive(ctx context.Context, ch int, reg byte, rx []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := e.ports[ch]
	if err := p.Lock.Lock(e.opts.LockTimeout); err != nil {
		return e.commError(ch, "lock", err)
	}
	defer p.Lock.Unlock()

	tx := [1]byte{reg}
	err := p.Bus.Receive(hal.Transaction{
		Addr:    e.opts.Address,
		Tx:      tx[:],
		Rx:      rx,
		Timeout: e.opts.BusTimeout,
	})
	if err != nil {
		return e.commError(ch, fmt.Sprintf("read %#02x", reg), err)
	}
	return nil
}

func (e *Engine) commError(ch int, op string, err error) error {
	return &faults.CommError{Bus: e.ports[ch].Bus.Name(), Op: op, Err: err}
}

func (e *Engine) sample(ch int, buf [5]byte) (Channel, error) {
	now := e.ticker.Now()
	raw := (uint16(buf[1])<<8 | uint16(buf[2])) & AngleMask
	filtered := (uint16(buf[3])<<8 | uint16(buf[4])) & AngleMask
	health := decodeHealth(buf[0])

	e.mu.Lock()
	c := &e.channels[ch]

	var active encoderFaults
	if health&MagnetDetected == 0 {
		active |= faultNoMagnet
	}
	if health&MagnetTooStrong != 0 {
		active |= faultTooStrong
	}
	if health&MagnetTooWeak != 0 {
		active |= faultTooWeak
	}

	c.Raw = raw
	c.Filtered = filtered
	c.RawDegrees = Degrees(raw)
	c.Degrees = Normalize360(c.RawDegrees - c.ZeroOffset)
	c.Health = health

	filtDeg := Degrees(filtered)
	if c.sampled {
		delta := NormalizeDelta(filtDeg - c.prevFiltered)
		if dt := now.Sub(c.LastRead).Seconds(); dt > 0 {
			c.Velocity = delta / dt
		}
		c.Revolutions += delta / 360
		if e.opts.MaxJumpDegrees > 0 && math.Abs(delta) > e.opts.MaxJumpDegrees {
			active |= faultJump
		}
	} else {
		c.Velocity = 0
	}
	c.prevFiltered = filtDeg
	c.LastRead = now
	c.sampled = true

	raised := active &^ c.faulted
	var all, first error
	for i, kind := range faultKinds {
		bit := encoderFaults(1) << i
		if raised&bit != 0 {
			c.FaultCount++
		}
		if active&bit != 0 {
			f := &faults.EncoderFault{Channel: ch, Kind: kind}
			if first == nil {
				first = f
			}
			all = multierr.Append(all, f)
		}
	}
	c.faulted = active
	if all != nil {
		c.LastError = all
	}
	snap := *c
	e.mu.Unlock()

	if raised != 0 {
		e.logger.Warnw("encoder fault raised", "channel", ch, "health", health.String(), "error", first)
	}
	return snap, first
}

func (e *Engine) countCommError(ch int) {
	e.mu.Lock()
	e.channels[ch].CommErrors++
	e.mu.Unlock()
}

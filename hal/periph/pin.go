//go:build linux

package periph

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"

	"dualstep/hal"
)

// edgePoll bounds each wait for an edge so Close is noticed.
const edgePoll = 100 * time.Millisecond

// Pin adapts a periph GPIO to hal.Pin. Edge handlers run on a goroutine
// that waits for edges.
type Pin struct {
	pin gpio.PinIO

	mu   sync.Mutex
	mode hal.PinMode
	init bool
	pull gpio.Pull

	stop chan struct{}
	done chan struct{}
}

// NewPin returns the hal view of pin.
func NewPin(pin gpio.PinIO) *Pin { return &Pin{pin: pin} }

// Init implements hal.Pin. Outputs start low.
func (p *Pin) Init(mode hal.PinMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	switch mode {
	case hal.PinOutput:
		err = p.pin.Out(gpio.Low)
	case hal.PinInput:
		p.pull = gpio.Float
	case hal.PinInputPullUp:
		p.pull = gpio.PullUp
	case hal.PinInputPullDown:
		p.pull = gpio.PullDown
	default:
		return hal.ErrInvalidArgument
	}
	if mode != hal.PinOutput {
		err = p.pin.In(p.pull, gpio.NoEdge)
	}
	if err != nil {
		return errors.Wrapf(hal.ErrTransport, "%s: %v", p.pin.Name(), err)
	}
	p.mode = mode
	p.init = true
	return nil
}

// Write implements hal.Pin.
func (p *Pin) Write(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(level)
}

func (p *Pin) write(level bool) error {
	if !p.init {
		return hal.ErrNotInitialized
	}
	if p.mode != hal.PinOutput {
		return hal.ErrInvalidArgument
	}
	l := gpio.Low
	if level {
		l = gpio.High
	}
	if err := p.pin.Out(l); err != nil {
		return errors.Wrapf(hal.ErrTransport, "%s: %v", p.pin.Name(), err)
	}
	return nil
}

// Read implements hal.Pin.
func (p *Pin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.init {
		return false, hal.ErrNotInitialized
	}
	return p.pin.Read() == gpio.High, nil
}

// Toggle implements hal.Pin.
func (p *Pin) Toggle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.init {
		return hal.ErrNotInitialized
	}
	return p.write(p.pin.Read() != gpio.High)
}

// EnableInterrupt implements hal.Pin.
func (p *Pin) EnableInterrupt(edge hal.Edge, handler func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.init {
		return hal.ErrNotInitialized
	}
	if p.mode == hal.PinOutput || handler == nil {
		return hal.ErrInvalidArgument
	}
	if p.stop != nil {
		return hal.ErrBusy
	}
	var e gpio.Edge
	switch edge {
	case hal.EdgeRising:
		e = gpio.RisingEdge
	case hal.EdgeFalling:
		e = gpio.FallingEdge
	case hal.EdgeBoth:
		e = gpio.BothEdges
	default:
		return hal.ErrInvalidArgument
	}
	if err := p.pin.In(p.pull, e); err != nil {
		return errors.Wrapf(hal.ErrTransport, "%s: %v", p.pin.Name(), err)
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.watch(p.stop, p.done, handler)
	return nil
}

func (p *Pin) watch(stop, done chan struct{}, handler func()) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if p.pin.WaitForEdge(edgePoll) {
			handler()
		}
	}
}

// Close stops edge detection and halts the line.
func (p *Pin) Close() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return p.pin.Halt()
}

var _ hal.Pin = (*Pin)(nil)

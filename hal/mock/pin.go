package mock

import (
	"sync"

	"dualstep/hal"
)

// Pin is a simulated digital line. Tests drive inputs with Set.
type Pin struct {
	Name string

	mu          sync.Mutex
	initialized bool
	mode        hal.PinMode
	level       bool
	edge        hal.Edge
	handler     func()
	writes      int
}

// NewPin returns an uninitialized pin at the given idle level.
func NewPin(name string, level bool) *Pin {
	return &Pin{Name: name, level: level}
}

// Init implements hal.Pin.
func (p *Pin) Init(mode hal.PinMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	p.initialized = true
	switch mode {
	case hal.PinInputPullUp:
		p.level = true
	case hal.PinInputPullDown:
		p.level = false
	}
	return nil
}

// Write implements hal.Pin.
func (p *Pin) Write(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return hal.ErrNotInitialized
	}
	if p.mode != hal.PinOutput {
		return hal.ErrInvalidArgument
	}
	p.level = level
	p.writes++
	return nil
}

// Read implements hal.Pin.
func (p *Pin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return false, hal.ErrNotInitialized
	}
	return p.level, nil
}

// Toggle implements hal.Pin.
func (p *Pin) Toggle() error {
	p.mu.Lock()
	level := p.level
	p.mu.Unlock()
	return p.Write(!level)
}

// EnableInterrupt implements hal.Pin.
func (p *Pin) EnableInterrupt(edge hal.Edge, handler func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return hal.ErrNotInitialized
	}
	if p.mode == hal.PinOutput || handler == nil {
		return hal.ErrInvalidArgument
	}
	p.edge = edge
	p.handler = handler
	return nil
}

// Set drives an input from the outside world and runs the interrupt handler
// synchronously when the transition matches the configured edge.
func (p *Pin) Set(level bool) {
	p.mu.Lock()
	prev := p.level
	p.level = level
	h := p.handler
	edge := p.edge
	p.mu.Unlock()

	if h == nil || prev == level {
		return
	}
	rising := !prev && level
	if edge == hal.EdgeBoth || (edge == hal.EdgeRising && rising) || (edge == hal.EdgeFalling && !rising) {
		h()
	}
}

// Level returns the pin level without the initialization check.
func (p *Pin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Writes returns the number of successful writes.
func (p *Pin) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

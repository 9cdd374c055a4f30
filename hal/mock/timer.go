package mock

import (
	"sync"
	"time"

	"dualstep/hal"
)

// Timer is a periodic hal.Timer that fires while its Clock advances.
type Timer struct {
	clk *Clock

	mu      sync.Mutex
	period  time.Duration
	next    time.Time
	fn      func()
	running bool
	fired   uint64
}

// Start implements hal.Timer.
func (t *Timer) Start(period time.Duration, fn func()) error {
	if period <= 0 || fn == nil {
		return hal.ErrInvalidArgument
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return hal.ErrBusy
	}
	t.period = period
	t.fn = fn
	t.next = t.clk.Mock.Now().Add(period)
	t.running = true
	return nil
}

// Stop implements hal.Timer.
func (t *Timer) Stop() error {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	return nil
}

// Fired returns how many times the timer callback ran.
func (t *Timer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *Timer) deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next, t.running
}

func (t *Timer) fire() {
	t.mu.Lock()
	fn := t.fn
	t.next = t.next.Add(t.period)
	t.fired++
	t.mu.Unlock()
	fn()
}

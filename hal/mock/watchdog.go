package mock

import (
	"sync"
	"time"

	"dualstep/hal"
)

// Watchdog is a mock hal.Watchdog timed by a Clock. Check fires the reset
// handler once when the timeout has elapsed without a refresh, the way the
// hardware would reset the chip.
type Watchdog struct {
	clk   *Clock
	timer *Timer

	mu        sync.Mutex
	timeout   time.Duration
	last      time.Time
	started   bool
	refreshes uint64
	resets    uint64
	onReset   func()
}

// NewWatchdog returns a watchdog timed by clk.
func NewWatchdog(clk *Clock) *Watchdog {
	return &Watchdog{clk: clk, timer: clk.NewTimer()}
}

// checkPeriod is the resolution of the simulated expiry.
const checkPeriod = time.Millisecond

// Init implements hal.Watchdog.
func (w *Watchdog) Init(timeout time.Duration) error {
	if timeout <= 0 {
		return hal.ErrInvalidArgument
	}
	w.mu.Lock()
	first := !w.started
	w.timeout = timeout
	w.last = w.clk.Now()
	w.started = true
	w.mu.Unlock()

	if first {
		return w.timer.Start(checkPeriod, func() { w.Check() })
	}
	return nil
}

// Refresh implements hal.Watchdog.
func (w *Watchdog) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return hal.ErrNotInitialized
	}
	w.last = w.clk.Now()
	w.refreshes++
	return nil
}

// OnReset registers the handler run when the watchdog expires.
func (w *Watchdog) OnReset(fn func()) {
	w.mu.Lock()
	w.onReset = fn
	w.mu.Unlock()
}

// Check fires the reset handler if the watchdog has expired. After a reset
// the countdown restarts, as it does after a chip reboot.
func (w *Watchdog) Check() bool {
	w.mu.Lock()
	if !w.started || w.clk.Now().Sub(w.last) < w.timeout {
		w.mu.Unlock()
		return false
	}
	w.resets++
	w.last = w.clk.Now()
	fn := w.onReset
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Refreshes returns the number of successful refreshes.
func (w *Watchdog) Refreshes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refreshes
}

// Resets returns how many times the watchdog expired.
func (w *Watchdog) Resets() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resets
}

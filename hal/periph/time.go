//go:build linux

package periph

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"dualstep/hal"
)

// Ticker is a hal.Ticker over a clock.Clock.
type Ticker struct {
	clk   clock.Clock
	start time.Time
}

// NewTicker returns a time base that starts counting now.
func NewTicker(clk clock.Clock) *Ticker {
	return &Ticker{clk: clk, start: clk.Now()}
}

// Now implements hal.Ticker.
func (t *Ticker) Now() time.Time { return t.clk.Now() }

// Millis implements hal.Ticker. It wraps after about 49 days.
func (t *Ticker) Millis() uint32 {
	return uint32(t.clk.Since(t.start) / time.Millisecond)
}

// Delay implements hal.Ticker.
func (t *Ticker) Delay(d time.Duration) { t.clk.Sleep(d) }

// Timer is a hal.Timer that calls its callback from a goroutine fed by a
// clock ticker.
type Timer struct {
	clk clock.Clock

	mu     sync.Mutex
	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// NewTimer returns a stopped timer.
func NewTimer(clk clock.Clock) *Timer { return &Timer{clk: clk} }

// Start implements hal.Timer.
func (t *Timer) Start(period time.Duration, fn func()) error {
	if period <= 0 || fn == nil {
		return hal.ErrInvalidArgument
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		return hal.ErrBusy
	}
	t.ticker = t.clk.Ticker(period)
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go run(t.ticker, t.stop, t.done, fn)
	return nil
}

func run(tk *clock.Ticker, stop, done chan struct{}, fn func()) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
			fn()
		}
	}
}

// Stop implements hal.Timer. It returns once the callback is no longer
// running.
func (t *Timer) Stop() error {
	t.mu.Lock()
	if t.ticker == nil {
		t.mu.Unlock()
		return hal.ErrNotInitialized
	}
	t.ticker.Stop()
	close(t.stop)
	done := t.done
	t.ticker, t.stop, t.done = nil, nil, nil
	t.mu.Unlock()
	<-done
	return nil
}

var (
	_ hal.Ticker = (*Ticker)(nil)
	_ hal.Timer  = (*Timer)(nil)
)

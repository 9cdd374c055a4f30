package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is a mock time base implementing hal.Ticker. Periodic Timers created
// from it fire while the clock is advanced, each at its own deadline.
type Clock struct {
	*clock.Mock

	start time.Time

	mu     sync.Mutex
	timers []*Timer
}

// NewClock returns a clock stopped at the Unix epoch.
func NewClock() *Clock {
	m := clock.NewMock()
	return &Clock{Mock: m, start: m.Now()}
}

// Millis returns milliseconds elapsed since the clock was created.
func (c *Clock) Millis() uint32 {
	return uint32(c.Mock.Now().Sub(c.start) / time.Millisecond)
}

// Delay advances the clock; a blocking delay on a simulated CPU.
func (c *Clock) Delay(d time.Duration) {
	c.Advance(d)
}

// Advance moves time forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.AdvanceTo(c.Mock.Now().Add(d))
}

// AdvanceTo moves time forward to t, firing every timer whose deadline falls
// inside the interval in deadline order. Moving backwards is a no-op.
func (c *Clock) AdvanceTo(t time.Time) {
	for {
		next, fire := c.nextDue(t)
		if next == nil {
			break
		}
		if fire.After(c.Mock.Now()) {
			c.Mock.Set(fire)
		}
		next.fire()
	}
	if t.After(c.Mock.Now()) {
		c.Mock.Set(t)
	}
}

func (c *Clock) nextDue(limit time.Time) (*Timer, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	due := make([]*Timer, 0, len(c.timers))
	for _, t := range c.timers {
		if d, ok := t.deadline(); ok && !d.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil, time.Time{}
	}
	sort.SliceStable(due, func(i, j int) bool {
		di, _ := due[i].deadline()
		dj, _ := due[j].deadline()
		return di.Before(dj)
	})
	d, _ := due[0].deadline()
	return due[0], d
}

// NewTimer returns a periodic hal.Timer driven by this clock.
func (c *Clock) NewTimer() *Timer {
	t := &Timer{clk: c}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

package rtos

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// Signal is a binary semaphore for interrupt-to-task handoff.
//
// Give is safe in interrupt context: it is a non-blocking send of a
// zero-size value on a channel allocated in NewSignal, plus an atomic
// increment, so it can neither block nor allocate. Giving an already given
// signal is a no-op.
type Signal struct {
	name string
	clk  clock.Clock
	ch   chan struct{}

	gives atomic.Uint64
	takes atomic.Uint64
}

// NewSignal returns a signal in the taken (empty) state.
func NewSignal(clk clock.Clock, name string) *Signal {
	return &Signal{name: name, clk: clk, ch: make(chan struct{}, 1)}
}

// Give sets the signal.
func (s *Signal) Give() {
	select {
	case s.ch <- struct{}{}:
		s.gives.Inc()
	default:
	}
}

// TryTake clears the signal and reports whether it was set.
func (s *Signal) TryTake() bool {
	select {
	case <-s.ch:
		s.takes.Inc()
		return true
	default:
		return false
	}
}

// Take waits up to timeout for the signal.
func (s *Signal) Take(timeout time.Duration) error {
	if s.TryTake() {
		return nil
	}
	if timeout <= 0 {
		return ErrSignalTimeout
	}
	t := s.clk.Timer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		s.takes.Inc()
		return nil
	case <-t.C:
		return ErrSignalTimeout
	}
}

// Pending reports whether the signal is set without taking it.
func (s *Signal) Pending() bool { return len(s.ch) == 1 }

// Gives returns how many Give calls set the signal.
func (s *Signal) Gives() uint64 { return s.gives.Load() }

// Takes returns how many times the signal was taken.
func (s *Signal) Takes() uint64 { return s.takes.Load() }

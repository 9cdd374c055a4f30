package rtos

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// MutexStats is a snapshot of a mutex's counters.
type MutexStats struct {
	Name       string
	Locks      uint64
	Contention uint64
	Timeouts   uint64
}

// Mutex guards one physical bus. Lock never waits longer than its timeout.
type Mutex struct {
	name string
	clk  clock.Clock
	ch   chan struct{}

	locks      atomic.Uint64
	contention atomic.Uint64
	timeouts   atomic.Uint64
}

// NewMutex returns an unlocked mutex.
func NewMutex(clk clock.Clock, name string) *Mutex {
	return &Mutex{name: name, clk: clk, ch: make(chan struct{}, 1)}
}

// Name returns the mutex name.
func (m *Mutex) Name() string { return m.name }

// TryLock acquires the mutex if it is free.
func (m *Mutex) TryLock() bool {
	select {
	case m.ch <- struct{}{}:
		m.locks.Inc()
		return true
	default:
		return false
	}
}

// Lock acquires the mutex, waiting up to timeout.
func (m *Mutex) Lock(timeout time.Duration) error {
	if m.TryLock() {
		return nil
	}
	m.contention.Inc()
	if timeout <= 0 {
		m.timeouts.Inc()
		return errors.Wrap(ErrLockTimeout, m.name)
	}

	t := m.clk.Timer(timeout)
	defer t.Stop()
	select {
	case m.ch <- struct{}{}:
		m.locks.Inc()
		return nil
	case <-t.C:
		m.timeouts.Inc()
		return errors.Wrap(ErrLockTimeout, m.name)
	}
}

// Unlock releases the mutex. Unlocking an unlocked mutex panics.
func (m *Mutex) Unlock() {
	select {
	case <-m.ch:
	default:
		panic("rtos: unlock of unlocked mutex " + m.name)
	}
}

// Stats returns a snapshot of the mutex counters.
func (m *Mutex) Stats() MutexStats {
	return MutexStats{
		Name:       m.name,
		Locks:      m.locks.Load(),
		Contention: m.contention.Load(),
		Timeouts:   m.timeouts.Load(),
	}
}

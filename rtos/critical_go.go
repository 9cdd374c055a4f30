//go:build !tinygo

package rtos

import "sync"

// state is a placeholder for the saved interrupt state on hosted Go.
type state uintptr

// criticalSection serializes goroutines on hosted Go, where there are no
// interrupts to mask.
type criticalSection struct {
	mu sync.Mutex
}

func (c *criticalSection) enter() state {
	c.mu.Lock()
	return 0
}

func (c *criticalSection) exit(state) {
	c.mu.Unlock()
}

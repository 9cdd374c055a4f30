//go:build tinygo

package rtos

import "runtime/interrupt"

type state = interrupt.State

// criticalSection masks interrupts on the microcontroller.
type criticalSection struct{}

func (c *criticalSection) enter() state {
	return interrupt.Disable()
}

func (c *criticalSection) exit(s state) {
	interrupt.Restore(s)
}

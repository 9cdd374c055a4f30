// Package rtos holds the concurrency and scheduling core: bounded queues, a
// binary signal that is safe to give from interrupt context, mutexes with a
// bounded acquisition timeout, and a fixed-priority scheduler for periodic
// tasks woken at absolute deadlines.
//
// Nothing here blocks indefinitely. Every wait takes a timeout measured on the
// clock the primitive was built with, so tests can drive all timing through a
// mock clock.
package rtos

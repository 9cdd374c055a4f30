package rtos

import "errors"

var (
	ErrLockTimeout   = errors.New("rtos: lock acquisition timed out")
	ErrQueueFull     = errors.New("rtos: queue full")
	ErrQueueEmpty    = errors.New("rtos: queue empty")
	ErrSignalTimeout = errors.New("rtos: signal wait timed out")
	ErrDuplicateTask = errors.New("rtos: duplicate task name")
	ErrInvalidTask   = errors.New("rtos: invalid task config")
	ErrStarted       = errors.New("rtos: scheduler already started")

	// ErrHalt, returned (possibly wrapped) by a task, stops the scheduler.
	ErrHalt = errors.New("rtos: halt")
)

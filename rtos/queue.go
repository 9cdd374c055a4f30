package rtos

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// QueueStats is a snapshot of a queue's counters.
type QueueStats struct {
	Name      string
	Len       int
	Cap       int
	HighWater int
	Drops     uint64
	Timeouts  uint64
}

// Queue is a fixed-capacity FIFO. Its storage is allocated once in NewQueue.
type Queue[T any] struct {
	name string
	clk  clock.Clock
	ch   chan T

	highWater atomic.Int64
	drops     atomic.Uint64
	timeouts  atomic.Uint64
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue[T any](clk clock.Clock, name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{name: name, clk: clk, ch: make(chan T, capacity)}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// TrySend enqueues v without blocking. A full queue drops v and counts it.
func (q *Queue[T]) TrySend(v T) bool {
	select {
	case q.ch <- v:
		q.noteLen()
		return true
	default:
		q.drops.Inc()
		return false
	}
}

// Send enqueues v, waiting up to timeout for room.
func (q *Queue[T]) Send(v T, timeout time.Duration) error {
	select {
	case q.ch <- v:
		q.noteLen()
		return nil
	default:
	}
	if timeout <= 0 {
		q.drops.Inc()
		return errors.Wrap(ErrQueueFull, q.name)
	}

	t := q.clk.Timer(timeout)
	defer t.Stop()
	select {
	case q.ch <- v:
		q.noteLen()
		return nil
	case <-t.C:
		q.timeouts.Inc()
		return errors.Wrap(ErrQueueFull, q.name)
	}
}

// TryReceive dequeues without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Receive dequeues, waiting up to timeout for an item.
func (q *Queue[T]) Receive(timeout time.Duration) (T, error) {
	if v, ok := q.TryReceive(); ok {
		return v, nil
	}
	var zero T
	if timeout <= 0 {
		return zero, errors.Wrap(ErrQueueEmpty, q.name)
	}

	t := q.clk.Timer(timeout)
	defer t.Stop()
	select {
	case v := <-q.ch:
		return v, nil
	case <-t.C:
		q.timeouts.Inc()
		return zero, errors.Wrap(ErrQueueEmpty, q.name)
	}
}

// Drain receives every queued item into dst and returns it.
func (q *Queue[T]) Drain(dst []T) []T {
	for {
		v, ok := q.TryReceive()
		if !ok {
			return dst
		}
		dst = append(dst, v)
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() QueueStats {
	return QueueStats{
		Name:      q.name,
		Len:       len(q.ch),
		Cap:       cap(q.ch),
		HighWater: int(q.highWater.Load()),
		Drops:     q.drops.Load(),
		Timeouts:  q.timeouts.Load(),
	}
}

func (q *Queue[T]) noteLen() {
	n := int64(len(q.ch))
	for {
		hw := q.highWater.Load()
		if n <= hw || q.highWater.CompareAndSwap(hw, n) {
			return
		}
	}
}

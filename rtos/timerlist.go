package rtos

import "time"

// Timer handler results.
const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Timer is a scheduled event in a TimerList. A handler that returns
// SF_RESCHEDULE is reinserted at its (updated) WakeTime.
type Timer struct {
	WakeTime time.Time
	Priority Priority
	Handler  func(t *Timer, now time.Time) uint8

	next   *Timer
	queued bool
}

// TimerList keeps timers sorted by wake time. Timers due at the same instant
// are ordered by descending priority, then by insertion.
type TimerList struct {
	cs   criticalSection
	head *Timer
}

// Schedule inserts t. A timer that is already queued is moved.
func (l *TimerList) Schedule(t *Timer) {
	s := l.cs.enter()
	defer l.cs.exit(s)

	if t.queued {
		l.remove(t)
	}
	l.insert(t)
}

// Remove takes t out of the list if it is queued.
func (l *TimerList) Remove(t *Timer) {
	s := l.cs.enter()
	defer l.cs.exit(s)
	l.remove(t)
}

// Next returns the earliest wake time.
func (l *TimerList) Next() (time.Time, bool) {
	s := l.cs.enter()
	defer l.cs.exit(s)
	if l.head == nil {
		return time.Time{}, false
	}
	return l.head.WakeTime, true
}

func (l *TimerList) before(a, b *Timer) bool {
	if a.WakeTime.Equal(b.WakeTime) {
		return a.Priority > b.Priority
	}
	return a.WakeTime.Before(b.WakeTime)
}

func (l *TimerList) insert(t *Timer) {
	t.queued = true
	if l.head == nil || l.before(t, l.head) {
		t.next = l.head
		l.head = t
		return
	}

	current := l.head
	for current.next != nil && !l.before(t, current.next) {
		current = current.next
	}

	t.next = current.next
	current.next = t
}

func (l *TimerList) remove(t *Timer) {
	if !t.queued {
		return
	}
	if l.head == t {
		l.head = t.next
	} else {
		for c := l.head; c != nil; c = c.next {
			if c.next == t {
				c.next = t.next
				break
			}
		}
	}
	t.next = nil
	t.queued = false
}

// Dispatch runs every timer whose WakeTime is not after now and returns how
// many handlers ran. Handlers run outside the critical section so they may
// schedule other timers.
func (l *TimerList) Dispatch(now time.Time) int {
	n := 0
	for {
		s := l.cs.enter()
		t := l.head
		if t == nil || t.WakeTime.After(now) {
			l.cs.exit(s)
			return n
		}
		l.head = t.next
		t.next = nil
		t.queued = false
		l.cs.exit(s)

		n++
		if t.Handler(t, now) == SF_RESCHEDULE {
			l.Schedule(t)
		}
	}
}

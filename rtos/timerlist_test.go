package rtos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerListOrder(t *testing.T) {
	var l TimerList
	base := time.Unix(0, 0)
	var order []string

	mk := func(name string, at time.Duration, p Priority) *Timer {
		return &Timer{
			WakeTime: base.Add(at),
			Priority: p,
			Handler: func(*Timer, time.Time) uint8 {
				order = append(order, name)
				return SF_DONE
			},
		}
	}

	l.Schedule(mk("late", 20*time.Millisecond, PrioritySafety))
	l.Schedule(mk("idle", 10*time.Millisecond, PriorityIdle))
	l.Schedule(mk("safety", 10*time.Millisecond, PrioritySafety))
	l.Schedule(mk("motor", 10*time.Millisecond, PriorityMotor))

	next, ok := l.Next()
	assert.True(t, ok)
	assert.Equal(t, base.Add(10*time.Millisecond), next)

	assert.Equal(t, 3, l.Dispatch(base.Add(15*time.Millisecond)))
	assert.Equal(t, []string{"safety", "motor", "idle"}, order)

	assert.Equal(t, 1, l.Dispatch(base.Add(20*time.Millisecond)))
	_, ok = l.Next()
	assert.False(t, ok)
}

func TestTimerListReschedule(t *testing.T) {
	var l TimerList
	base := time.Unix(0, 0)
	runs := 0

	tm := &Timer{WakeTime: base}
	tm.Handler = func(t *Timer, now time.Time) uint8 {
		runs++
		if runs == 3 {
			return SF_DONE
		}
		t.WakeTime = t.WakeTime.Add(time.Millisecond)
		return SF_RESCHEDULE
	}
	l.Schedule(tm)

	assert.Equal(t, 1, l.Dispatch(base))
	assert.Equal(t, 2, l.Dispatch(base.Add(5*time.Millisecond)))
	assert.Equal(t, 3, runs)
	assert.Equal(t, 0, l.Dispatch(base.Add(time.Second)))
}

func TestTimerListRemoveAndMove(t *testing.T) {
	var l TimerList
	base := time.Unix(0, 0)
	ran := false

	tm := &Timer{WakeTime: base, Handler: func(*Timer, time.Time) uint8 {
		ran = true
		return SF_DONE
	}}
	l.Schedule(tm)
	tm.WakeTime = base.Add(time.Second)
	l.Schedule(tm)

	assert.Equal(t, 0, l.Dispatch(base))
	l.Remove(tm)
	assert.Equal(t, 0, l.Dispatch(base.Add(time.Hour)))
	assert.False(t, ran)
}

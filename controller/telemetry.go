package controller

import (
	"time"

	"dualstep/dspin"
	"dualstep/encoder"
	"dualstep/rtos"
	"dualstep/safety"
)

// ChannelTelemetry is the state of one motor channel and its encoder.
type ChannelTelemetry struct {
	ID         int     `cbor:"id"`
	State      string  `cbor:"state"`
	Status     uint16  `cbor:"status"`
	Faults     string  `cbor:"faults"`
	FaultCount uint32  `cbor:"fault_count"`
	CommErrors uint32  `cbor:"comm_errors"`
	Position   int32   `cbor:"position"`
	Target     int32   `cbor:"target"`
	Busy       bool    `cbor:"busy"`
	HiZ        bool    `cbor:"hiz"`
	Degrees    float64 `cbor:"degrees"`
	Velocity   float64 `cbor:"velocity"`
	Turns      float64 `cbor:"turns"`
	Magnet     string  `cbor:"magnet"`
	Magnitude  uint16  `cbor:"magnitude"`
	AGC        uint8   `cbor:"agc"`

	EncoderFaults     uint32 `cbor:"encoder_faults"`
	EncoderCommErrors uint32 `cbor:"encoder_comm_errors"`
}

// TransitionTelemetry is one safety level change.
type TransitionTelemetry struct {
	From   string    `cbor:"from"`
	To     string    `cbor:"to"`
	At     time.Time `cbor:"at"`
	Cause  string    `cbor:"cause"`
	Source string    `cbor:"source"`
}

// TaskTelemetry is the heartbeat of one task.
type TaskTelemetry struct {
	Name     string        `cbor:"name"`
	Priority string        `cbor:"priority"`
	Cycles   uint64        `cbor:"cycles"`
	Overruns uint64        `cbor:"overruns"`
	MaxExec  time.Duration `cbor:"max_exec"`
	LastRun  time.Time     `cbor:"last_run"`
	LastErr  string        `cbor:"last_err,omitempty"`
}

// Stats are the resource statistics of the concurrency core.
type Stats struct {
	Queues   []rtos.QueueStats `cbor:"queues"`
	Mutexes  []rtos.MutexStats `cbor:"mutexes"`
	Tasks    []TaskTelemetry   `cbor:"tasks"`
	Rejected uint64            `cbor:"rejected"`
}

// Telemetry is one outbound status message.
type Telemetry struct {
	Session     string                `cbor:"session,omitempty"`
	Seq         uint64                `cbor:"seq"`
	At          time.Time             `cbor:"at"`
	Level       string                `cbor:"level"`
	Active      string                `cbor:"active"`
	Latched     string                `cbor:"latched"`
	EStop       bool                  `cbor:"estop"`
	EStopSource string                `cbor:"estop_source,omitempty"`
	Channels    []ChannelTelemetry    `cbor:"channels"`
	Transitions []TransitionTelemetry `cbor:"transitions,omitempty"`
	Stats       Stats                 `cbor:"stats"`
}

func channelTelemetry(m dspin.MotorChannel, e encoder.Channel) ChannelTelemetry {
	return ChannelTelemetry{
		ID:                m.ID,
		State:             m.State.String(),
		Status:            uint16(m.LastStatus),
		Faults:            m.Faults.String(),
		FaultCount:        m.FaultCount,
		CommErrors:        m.CommErrors,
		Position:          m.Position,
		Target:            m.Target,
		Busy:              m.Busy,
		HiZ:               m.HiZ,
		Degrees:           e.Degrees,
		Velocity:          e.Velocity,
		Turns:             e.Revolutions,
		Magnet:            e.Health.String(),
		Magnitude:         e.Magnitude,
		AGC:               e.AGC,
		EncoderFaults:     e.FaultCount,
		EncoderCommErrors: e.CommErrors,
	}
}

func transitionTelemetry(t safety.Transition) TransitionTelemetry {
	return TransitionTelemetry{
		From:   t.From.String(),
		To:     t.To.String(),
		At:     t.At,
		Cause:  t.Cause,
		Source: string(t.Source),
	}
}

func taskTelemetry(t rtos.TaskStats) TaskTelemetry {
	tt := TaskTelemetry{
		Name:     t.Name,
		Priority: t.Priority.String(),
		Cycles:   t.Cycles,
		Overruns: t.Overruns,
		MaxExec:  t.MaxExec,
		LastRun:  t.LastRun,
	}
	if t.LastErr != nil {
		tt.LastErr = t.LastErr.Error()
	}
	return tt
}

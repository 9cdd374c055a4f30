package sim

import (
	"math"
	"time"

	"dualstep/hal/mock"
)

// Rig couples every motor of a Chain to the encoder on its shaft and advances
// both as the mock clock moves.
type Rig struct {
	Chain    *Chain
	Encoders []*AS5600

	// StepsPerRev converts driver steps to shaft degrees.
	StepsPerRev float64
	// Mount is the encoder reading at position zero, per channel.
	Mount []float64

	clk   *mock.Clock
	timer *mock.Timer
	tick  time.Duration
}

// NewRig returns a rig over chain and encoders. Each tick of clk the motion
// model advances by tick and the encoders are moved to match.
func NewRig(clk *mock.Clock, chain *Chain, encoders []*AS5600, stepsPerRev float64, tick time.Duration) *Rig {
	return &Rig{
		Chain:       chain,
		Encoders:    encoders,
		StepsPerRev: stepsPerRev,
		Mount:       make([]float64, len(encoders)),
		clk:         clk,
		timer:       clk.NewTimer(),
		tick:        tick,
	}
}

// Start begins advancing the rig with the clock.
func (r *Rig) Start() error {
	r.Sync()
	return r.timer.Start(r.tick, func() { r.Step(r.tick) })
}

// Stop freezes the rig.
func (r *Rig) Stop() error { return r.timer.Stop() }

// Step advances the motion model by dt and updates the encoders.
func (r *Rig) Step(dt time.Duration) {
	r.Chain.Advance(dt)
	r.Sync()
}

// Sync moves every encoder to its motor's current shaft angle.
func (r *Rig) Sync() {
	for ch, enc := range r.Encoders {
		enc.SetDegrees(r.Degrees(ch))
	}
}

// Degrees returns the shaft angle of channel ch as its encoder sees it.
func (r *Rig) Degrees(ch int) float64 {
	deg := float64(r.Chain.Position(ch))/r.StepsPerRev*360 + r.Mount[ch]
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

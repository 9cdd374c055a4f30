// Package mock is the deterministic hal backend used off-target.
//
// Time is driven by a benbjohnson/clock mock: nothing advances unless a test
// (or the simulator) calls Clock.Advance. Buses forward transactions to
// pluggable Device models and can inject timeouts and transport errors with
// the same observable contract as the hardware backends.
package mock

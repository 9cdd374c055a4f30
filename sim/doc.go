// Package sim holds device models that plug into hal/mock buses: a daisy
// chain of dSPIN stepper drivers, AS5600 magnetic encoders, and a Rig that
// couples each motor to its encoder and advances them with a mock clock.
package sim

//go:build rp2040 || rp2350

// Firmware for the dual stepper controller board.
package main

import (
	"context"
	"machine"
	"time"

	"github.com/benbjohnson/clock"

	"dualstep/config"
	"dualstep/controller"
	"dualstep/logging"
	"dualstep/telemetry"
)

func main() {
	// Clear any watchdog state left from before the last reset.
	_ = machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})

	pinLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	logger := logging.NewLogger("fw")
	if err := initUSB(); err != nil {
		halt(logger, "usb init", err)
	}

	cfg := config.Default()
	link := telemetry.NewLink(usbPort{}, cfg.Queues.Commands, logger.Named("link"))
	sys, err := controller.New(cfg, clock.New(), newPlatform(), logger.Named("controller"),
		controller.Options{Link: link, Session: "rp2040"})
	if err != nil {
		halt(logger, "controller", err)
	}

	ctx := context.Background()
	if err := sys.Init(ctx); err != nil {
		halt(logger, "init", err)
	}
	pinLED.High()
	if err := sys.Run(ctx); err != nil {
		halt(logger, "run", err)
	}
}

// halt reports err and blinks the LED until the watchdog, if armed, resets
// the chip.
func halt(logger logging.Logger, what string, err error) {
	logger.Errorw("halted", "step", what, "error", err)
	for {
		pinLED.Set(!pinLED.Get())
		time.Sleep(250 * time.Millisecond)
	}
}

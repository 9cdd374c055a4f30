//go:build linux

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"dualstep/controller"
	"dualstep/hal/periph"
	"dualstep/telemetry"
)

func runAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	board, err := periph.Open(cfg.Board, cfg.Channels)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, board.Close()) }()

	opts := controller.Options{Session: session(c)}
	if cfg.TelemetryPort != "" {
		scfg := telemetry.DefaultSerialConfig(cfg.TelemetryPort)
		scfg.Baud = cfg.TelemetryBaud
		port, perr := telemetry.OpenSerial(scfg)
		if perr != nil {
			return perr
		}
		link := telemetry.NewLink(port, cfg.Queues.Commands, logger.Named("link"))
		defer func() {
			st := link.Stats()
			logger.Infow("link closed", "received", st.Received, "sent", st.Sent,
				"dropped", st.Dropped, "decode_errors", st.DecodeErrors, "skipped", st.Skipped)
		}()
		defer func() { err = multierr.Append(err, link.Close()) }()
		opts.Link = link
	}

	sys, err := controller.New(cfg, clock.New(), board.Platform, logger.Named("controller"), opts)
	if err != nil {
		return err
	}
	if err := sys.Init(ctx); err != nil {
		return err
	}
	logger.Infow("running", "session", opts.Session, "channels", cfg.Channels, "link", cfg.TelemetryPort)
	return sys.Run(ctx)
}

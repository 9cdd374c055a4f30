package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"dualstep/controller"
	"dualstep/telemetry"
)

func sendAction(c *cli.Context) (err error) {
	name := c.Args().First()
	if c.Args().Len() != 1 {
		return errors.New("send takes exactly one command name")
	}
	cmd, err := Step{
		Command: name,
		Channel: c.Int(flagChannel),
		All:     c.Bool(flagAll),
		Param:   c.Float64(flagParam),
	}.command()
	if err != nil {
		return err
	}

	cfg := telemetry.DefaultSerialConfig(c.String(flagPort))
	cfg.Baud = c.Int(flagBaud)
	cfg.ReadTimeout = 0
	port, err := telemetry.OpenSerial(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, port.Close()) }()

	if err := port.Flush(); err != nil {
		return err
	}
	if err := telemetry.WriteFrame(port, cmd); err != nil {
		return err
	}
	logger.Infow("sent", "command", cmd.Kind, "channel", cmd.Channel, "param", cmd.Param)
	return printTelemetry(os.Stdout, telemetry.NewReader(port), c.Int(flagCount))
}

func dumpAction(c *cli.Context) (err error) {
	if c.Args().Len() != 1 {
		return errors.New("dump takes exactly one file")
	}
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	r := telemetry.NewReader(f)
	if err := printTelemetry(os.Stdout, r, -1); err != nil {
		return err
	}
	if n := r.Skipped(); n > 0 {
		logger.Warnw("skipped corrupt bytes", "bytes", n)
	}
	return nil
}

// printTelemetry writes up to n decoded messages as YAML documents. A
// negative n reads to the end of the stream.
func printTelemetry(w io.Writer, r *telemetry.Reader, n int) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	for i := 0; n < 0 || i < n; i++ {
		var t controller.Telemetry
		err := r.Decode(&t)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, telemetry.ErrDecode):
			logger.Warnw("undecodable frame", "error", err)
			continue
		default:
			return err
		}
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return nil
}

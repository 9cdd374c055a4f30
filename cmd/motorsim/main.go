// Command motorsim runs the dual-motor controller: against the simulated
// bench, on a Linux board, or as a host-side client of a running
// controller's serial link.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"dualstep/config"
	"dualstep/logging"
)

const (
	flagConfig   = "config"
	flagDebug    = "debug"
	flagScript   = "script"
	flagDuration = "duration"
	flagRecord   = "record"
	flagSession  = "session"
	flagPort     = "port"
	flagBaud     = "baud"
	flagChannel  = "channel"
	flagParam    = "param"
	flagAll      = "all"
	flagCount    = "count"
)

var logger logging.Logger

func main() {
	app := &cli.App{
		Name:  "motorsim",
		Usage: "run and talk to the dual stepper controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger("motorsim")
			} else {
				logger = logging.NewLogger("motorsim")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "sim",
				Usage:     "run a script against the simulated bench",
				UsageText: "motorsim sim --script FILE [--record FILE]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagScript, Aliases: []string{"s"}, Usage: "script `FILE`", Required: true},
					&cli.DurationFlag{Name: flagDuration, Usage: "run at least this long"},
					&cli.StringFlag{Name: flagRecord, Usage: "write telemetry frames to `FILE`"},
					&cli.StringFlag{Name: flagSession, Usage: "session id stamped on telemetry (default: random)"},
				},
				Action: simAction,
			},
			{
				Name:  "run",
				Usage: "run the controller on this board",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSession, Usage: "session id stamped on telemetry (default: random)"},
				},
				Action: runAction,
			},
			{
				Name:      "send",
				Usage:     "send one command over a serial link and print the telemetry that follows",
				UsageText: "motorsim send --port DEV COMMAND",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPort, Aliases: []string{"p"}, Usage: "serial `DEVICE`", Required: true},
					&cli.IntFlag{Name: flagBaud, Value: 115200},
					&cli.IntFlag{Name: flagChannel},
					&cli.BoolFlag{Name: flagAll, Usage: "address every channel (clear_faults)"},
					&cli.Float64Flag{Name: flagParam, Usage: "steps for move/move_to, steps/s for run"},
					&cli.IntFlag{Name: flagCount, Value: 1, Usage: "telemetry messages to print"},
				},
				Action: sendAction,
			},
			{
				Name:      "dump",
				Usage:     "print a recorded telemetry file",
				UsageText: "motorsim dump FILE",
				Action:    dumpAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String(flagConfig); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func session(c *cli.Context) string {
	if s := c.String(flagSession); s != "" {
		return s
	}
	return uuid.NewString()
}

func simAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	script, err := LoadScript(c.String(flagScript))
	if err != nil {
		return err
	}
	if d := c.Duration(flagDuration); d > script.Duration {
		script.Duration = d
	}

	var record io.Writer
	if path := c.String(flagRecord); path != "" {
		f, cerr := os.Create(path)
		if cerr != nil {
			return cerr
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		record = f
	}

	id := session(c)
	start := time.Now()
	res, err := Simulate(c.Context, cfg, script, id, record, logger)
	if err != nil {
		return err
	}
	logger.Infow("simulation finished",
		"session", id,
		"simulated", script.Duration,
		"wall", time.Since(start),
		"level", res.Level,
		"positions", res.Positions,
		"degrees", res.Degrees,
		"telemetry", res.Messages,
		"rejected", res.Rejected,
	)
	return nil
}

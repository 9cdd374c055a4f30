//go:build !tinygo

package telemetry

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Port is a byte stream to the host. A serial port in production, a pipe in
// tests.
type Port interface {
	io.ReadWriteCloser

	// Flush pushes out any buffered output.
	Flush() error
}

// SerialConfig selects and configures a serial device.
type SerialConfig struct {
	// Device path, e.g. /dev/ttyACM0 or COM3.
	Device string

	// Baud rate. USB CDC ignores it.
	Baud int

	// ReadTimeout bounds a single read. Zero blocks.
	ReadTimeout time.Duration
}

// DefaultSerialConfig returns the configuration of the bench link.
func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}

type serialPort struct {
	port    *serial.Port
	timeout bool
}

// OpenSerial opens a serial device.
func OpenSerial(cfg SerialConfig) (Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("telemetry: no serial device")
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "telemetry: open %s", cfg.Device)
	}
	return &serialPort{port: p, timeout: cfg.ReadTimeout > 0}, nil
}

// Read returns (0, nil) when a read times out with nothing received.
func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err == io.EOF && p.timeout {
		err = nil
	}
	return n, err
}

func (p *serialPort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *serialPort) Close() error                { return p.port.Close() }

// Flush discards unread input. Writes are not buffered by the driver.
func (p *serialPort) Flush() error { return p.port.Flush() }

//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"
)

// usbPort is the USB CDC serial link as a telemetry.Port.
type usbPort struct{}

func initUSB() error {
	return machine.Serial.Configure(machine.UARTConfig{})
}

// Read polls the CDC buffer so the link's reader never blocks the
// scheduler; an empty buffer reads as (0, nil).
func (usbPort) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) && machine.Serial.Buffered() > 0 {
		c, err := machine.Serial.ReadByte()
		if err != nil {
			return n, err
		}
		b[n] = c
		n++
	}
	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func (usbPort) Write(b []byte) (int, error) { return machine.Serial.Write(b) }

func (usbPort) Flush() error { return nil }

func (usbPort) Close() error { return nil }

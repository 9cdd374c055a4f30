//go:build rp2040 || rp2350

package main

import (
	"machine"

	"dualstep/hal"
	"dualstep/hal/tinygo"
)

// Pin map of the controller board.
const (
	pinDriverSCK   = machine.GPIO18
	pinDriverSDO   = machine.GPIO19
	pinDriverSDI   = machine.GPIO16
	pinDriverCS    = machine.GPIO17
	pinDriverReset = machine.GPIO20

	pinEnc0SDA = machine.GPIO4
	pinEnc0SCL = machine.GPIO5
	pinEnc1SDA = machine.GPIO6
	pinEnc1SCL = machine.GPIO7

	pinEStop = machine.GPIO15
	pinLED   = machine.LED
)

const (
	driverSPIHz  = 4_000_000
	encoderI2CHz = 400_000
)

// newPlatform maps the board onto hal. The drivers use SPI mode 3; each
// encoder sits alone on its own I2C controller because the AS5600 address
// is fixed.
func newPlatform() hal.Platform {
	spi := machine.SPI0
	driverBus := tinygo.NewSPIBus("spi0", spi, tinygo.NewPin(pinDriverCS), func() error {
		return spi.Configure(machine.SPIConfig{
			Frequency: driverSPIHz,
			SCK:       pinDriverSCK,
			SDO:       pinDriverSDO,
			SDI:       pinDriverSDI,
			Mode:      3,
		})
	})

	return hal.Platform{
		DriverBus:   driverBus,
		DriverReset: tinygo.NewPin(pinDriverReset),
		EncoderBuses: []hal.Bus{
			i2cBus("i2c0", machine.I2C0, pinEnc0SDA, pinEnc0SCL),
			i2cBus("i2c1", machine.I2C1, pinEnc1SDA, pinEnc1SCL),
		},
		EStop:    tinygo.NewPin(pinEStop),
		Ticker:   tinygo.NewTicker(),
		Timer:    &tinygo.Timer{},
		Watchdog: tinygo.Watchdog{},
	}
}

func i2cBus(name string, i2c *machine.I2C, sda, scl machine.Pin) hal.Bus {
	return tinygo.NewI2CBus(name, i2c, func() error {
		return i2c.Configure(machine.I2CConfig{Frequency: encoderI2CHz, SDA: sda, SCL: scl})
	})
}

//go:build rp2040

package main

import (
	"machine"

	"glitcher/ad910x"
)

// Pulse-shaping DAC wiring on revision 2 boards. The trigger line is
// shared with the fire-line state machine, which takes the pin over
// while armed.
const (
	dacTrigger = machine.GPIO5
	dacReset   = machine.GPIO6
	dacMISO    = machine.GPIO16
	dacCS      = machine.GPIO17
	dacSCK     = machine.GPIO18
	dacMOSI    = machine.GPIO19
)

// NewDAC configures SPI0 and returns the pulse-shaping DAC handle.
func NewDAC() (*ad910x.Device, error) {
	err := machine.SPI0.Configure(machine.SPIConfig{
		Frequency: 1_000_000,
		SCK:       dacSCK,
		SDO:       dacMOSI,
		SDI:       dacMISO,
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}

	for _, pin := range []machine.Pin{dacCS, dacReset, dacTrigger} {
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		pin.High()
	}

	dev := ad910x.New(machine.SPI0, dacCS, dacReset, dacTrigger)
	dev.Reset()
	return dev, nil
}

//go:build rp2040

package main

import (
	"errors"

	"device/rp"
	"machine"

	"glitcher/core"
)

// The voltage trace input. On revision 1 boards this is the separate
// SMA connector, on revision 2 it taps the glitch line.
const adcTracePin = machine.ADC0

// adcClockHz is the fixed ADC conversion clock. One conversion takes
// 96 cycles, so the hardware tops out at 500kS/s.
const adcClockHz = 48_000_000

var errADCRate = errors.New("adc: sample rate out of range")

// ADCDriver implements core.ADCDriver with the RP2040 ADC in
// free-running mode. Samples are paced by the DIV register and drained
// from the conversion FIFO, so the capture keeps an even sample
// spacing without CPU timing.
type ADCDriver struct {
	configured bool
	freqHz     int
}

func NewADCDriver() *ADCDriver {
	return &ADCDriver{}
}

func (d *ADCDriver) Configure(samples int, freqHz int) error {
	if freqHz <= 0 || freqHz > adcClockHz/96 {
		return errADCRate
	}

	if !d.configured {
		machine.InitADC()
		adc := machine.ADC{Pin: adcTracePin}
		if err := adc.Configure(machine.ADCConfig{}); err != nil {
			return err
		}
		d.configured = true
	}

	// Channel 0, conversion pacing from the divider. A DIV of zero
	// means back-to-back conversions.
	rp.ADC.CS.ReplaceBits(0, rp.ADC_CS_AINSEL_Msk, 0)
	div := uint32(adcClockHz / freqHz)
	if div <= 96 {
		div = 0
	}
	rp.ADC.DIV.Set(div << rp.ADC_DIV_INT_Pos)
	rp.ADC.FCS.SetBits(rp.ADC_FCS_EN)

	d.freqHz = freqHz
	return nil
}

func (d *ADCDriver) Capture(buf []uint16) error {
	// Discard anything left over from a previous run.
	for rp.ADC.FCS.Get()&rp.ADC_FCS_LEVEL_Msk != 0 {
		rp.ADC.FIFO.Get()
	}

	rp.ADC.CS.SetBits(rp.ADC_CS_START_MANY)
	for i := range buf {
		for rp.ADC.FCS.Get()&rp.ADC_FCS_LEVEL_Msk == 0 {
		}
		buf[i] = uint16(rp.ADC.FIFO.Get())
	}
	rp.ADC.CS.ClearBits(rp.ADC_CS_START_MANY)
	return nil
}

// Package ad910x drives the AD9102/AD9106 waveform generation DAC over
// SPI. The device stores a sample pattern in on-chip SRAM and replays it
// on a falling edge of its trigger pin, which makes it the output stage
// for arbitrary pulse shapes.
package ad910x

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

var (
	ErrSRAMAddress = errors.New("ad910x: address outside SRAM range")
	ErrSRAMSize    = errors.New("ad910x: sample data exceeds SRAM size")
	ErrFrequency   = errors.New("ad910x: frequency above master clock")
	ErrGain        = errors.New("ad910x: gain outside [-2, 2]")
	ErrOffset      = errors.New("ad910x: offset outside [0, 4096]")
	ErrWaveform    = errors.New("ad910x: unknown waveform")
)

// OutputPin is a single push-pull output line. machine.Pin satisfies it
// on device builds.
type OutputPin interface {
	High()
	Low()
}

// Device is an AD910x behind a SPI bus with dedicated chip select,
// reset and trigger lines. Methods are not safe for concurrent use.
type Device struct {
	bus     drivers.SPI
	cs      OutputPin
	reset   OutputPin
	trigger OutputPin

	buf []byte
}

// New returns a device handle. All three control lines are assumed to
// idle high.
func New(bus drivers.SPI, cs, reset, trigger OutputPin) *Device {
	return &Device{
		bus:     bus,
		cs:      cs,
		reset:   reset,
		trigger: trigger,
		buf:     make([]byte, 2, 2+2*SRAMWords),
	}
}

// WriteRegisters writes consecutive 16-bit registers starting at addr.
func (d *Device) WriteRegisters(addr uint16, data []uint16) error {
	tx := d.buf[:2+2*len(data)]
	tx[0] = byte(addr>>8) & spiWriteMask
	tx[1] = byte(addr)
	for i, w := range data {
		tx[2+2*i] = byte(w >> 8)
		tx[3+2*i] = byte(w)
	}
	d.cs.Low()
	err := d.bus.Tx(tx, nil)
	d.cs.High()
	return err
}

// WriteRegister writes a single 16-bit register.
func (d *Device) WriteRegister(addr, data uint16) error {
	return d.WriteRegisters(addr, []uint16{data})
}

// ReadRegisters reads n consecutive 16-bit registers starting at addr.
// A transfer that returns no data yields an empty slice, not an error.
func (d *Device) ReadRegisters(addr uint16, n int) ([]uint16, error) {
	tx := d.buf[:2]
	tx[0] = byte(addr>>8) | spiReadMask
	tx[1] = byte(addr)
	rx := make([]byte, 2*n)
	d.cs.Low()
	err := d.bus.Tx(tx, nil)
	if err == nil {
		err = d.bus.Tx(nil, rx)
	}
	d.cs.High()
	if err != nil {
		return nil, err
	}
	if len(rx) == 0 {
		return nil, nil
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(rx[2*i])<<8 | uint16(rx[2*i+1])
	}
	return out, nil
}

// ReadRegister reads a single 16-bit register. A register the device
// did not answer for reads as zero.
func (d *Device) ReadRegister(addr uint16) (uint16, error) {
	data, err := d.ReadRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return data[0], nil
}

// Reset pulses the hardware reset line and waits for the device to
// come back up with default register values.
func (d *Device) Reset() {
	d.reset.Low()
	time.Sleep(100 * time.Microsecond)
	d.reset.High()
	time.Sleep(100 * time.Millisecond)
}

// TriggerHigh raises the trigger pin, which halts pattern output.
func (d *Device) TriggerHigh() { d.trigger.High() }

// TriggerLow lowers the trigger pin, which enables pattern output.
func (d *Device) TriggerLow() { d.trigger.Low() }

func clampCode(code int) int {
	if code > maxSampleCode {
		return maxSampleCode
	}
	if code < -maxSampleCode {
		return -maxSampleCode
	}
	return code
}

// WriteSRAM stores DAC sample codes in pattern memory starting at addr.
// Codes are clamped to the 14-bit sample range and left-aligned into
// the register field.
func (d *Device) WriteSRAM(addr uint16, data []int) error {
	if addr < SRAMAddressMin || addr > SRAMAddressMax || int(addr)+len(data) > int(SRAMAddressMax)+1 {
		return ErrSRAMAddress
	}
	if err := d.WriteRegister(RegPatStatus, MemAccessEnable); err != nil {
		return err
	}
	for i, code := range data {
		w := uint16(clampCode(code) << 2)
		if err := d.WriteRegister(addr+uint16(i), w); err != nil {
			return err
		}
	}
	return d.WriteRegister(RegPatStatus, MemAccessDisable)
}

// WriteSRAMFromStart stores a full pattern at the bottom of SRAM.
func (d *Device) WriteSRAMFromStart(data []int) error {
	if len(data) > SRAMWords {
		return ErrSRAMSize
	}
	return d.WriteSRAM(SRAMAddressMin, data)
}

// SetConst fills the first n SRAM words with a single sample code.
func (d *Device) SetConst(code, n int) error {
	code = clampCode(code)
	if err := d.WriteRegister(RegPatStatus, MemAccessEnable); err != nil {
		return err
	}
	for addr := SRAMAddressMin; addr < SRAMAddressMin+uint16(n); addr++ {
		if err := d.WriteRegister(addr, uint16(code<<2)); err != nil {
			return err
		}
	}
	return d.WriteRegister(RegPatStatus, MemAccessDisable)
}

// ReadSRAM reads n sample codes back from pattern memory.
func (d *Device) ReadSRAM(addr uint16, n int) ([]int, error) {
	if addr < SRAMAddressMin || addr > SRAMAddressMax || int(addr)+n > int(SRAMAddressMax)+1 {
		return nil, ErrSRAMAddress
	}
	if err := d.WriteRegister(RegPatStatus, MemAccessEnable|BufRead); err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := range out {
		w, err := d.ReadRegister(addr + uint16(i))
		if err != nil {
			return nil, err
		}
		out[i] = int(int16(w)) >> 2
	}
	if err := d.WriteRegister(RegPatStatus, MemAccessDisable); err != nil {
		return nil, err
	}
	return out, nil
}

// StartPattern enables pattern generation and lowers the trigger pin.
func (d *Device) StartPattern() error {
	if err := d.WriteRegister(RegPatStatus, StartPattern); err != nil {
		return err
	}
	d.trigger.Low()
	return nil
}

// StopPattern disables pattern generation and raises the trigger pin.
func (d *Device) StopPattern() error {
	if err := d.WriteRegister(RegPatStatus, StopPattern); err != nil {
		return err
	}
	d.trigger.High()
	return nil
}

// UpdateSettings latches the shadow registers into the active set.
func (d *Device) UpdateSettings() error {
	return d.WriteRegister(RegRAMUpdate, UpdateSettings)
}

// UpdateSRAM arms the device to replay the first n SRAM samples: it
// programs the pattern address window, latches the settings and starts
// the pattern so the next trigger edge emits it.
func (d *Device) UpdateSRAM(n int) error {
	if err := d.WriteRegister(RegStartAddr, 0x0000); err != nil {
		return err
	}
	stop := uint16((n&0x0FFF)-1) << 4 & 0xFFF0
	if err := d.WriteRegister(RegStopAddr, stop); err != nil {
		return err
	}
	if err := d.WriteRegister(RegRAMUpdate, UpdateSettings); err != nil {
		return err
	}
	return d.WriteRegister(RegPatStatus, StartPattern)
}

// SetFrequency programs the DDS tuning word for the given output
// frequency in Hz.
func (d *Device) SetFrequency(freq int) error {
	if freq > MasterClock {
		return ErrFrequency
	}
	tw := uint32(float64(freq) / (float64(MasterClock) / float64(FreqResolution)))
	if err := d.WriteRegister(RegDDSTW32, uint16(tw>>8)); err != nil {
		return err
	}
	return d.WriteRegister(RegDDSTW1, uint16(tw<<8)&0xFF00)
}

// SetGain programs the digital gain, in the range [-2, 2].
func (d *Device) SetGain(gain float64) error {
	if gain > GainMax || gain < GainMin {
		return ErrGain
	}
	w := uint16(int(gain*GainResolution) << 4)
	return d.WriteRegister(RegDACDGain, w)
}

// SetOffset programs the digital offset added to every sample, in DAC
// codes [0, 4096].
func (d *Device) SetOffset(offset int) error {
	if offset < 0 || offset > OffsetResolution {
		return ErrOffset
	}
	return d.WriteRegister(RegDACDOF, uint16(offset))
}

// SetPulseOutputOneShot configures the device to emit the stored
// pattern exactly once per trigger edge.
func (d *Device) SetPulseOutputOneShot() error {
	if err := d.WriteRegister(RegPatType, PatternRptFinite); err != nil {
		return err
	}
	if err := d.WriteRegister(RegDACPat, 0x0001); err != nil {
		return err
	}
	if err := d.WriteRegister(RegWavConfig, WavCfgPrestoreDDS); err != nil {
		return err
	}
	// HOLD = 1, PAT_PERIOD_BASE = 1, START_DELAY_BASE = 1.
	return d.WriteRegister(RegPatTimebase, 0x0111)
}

// SetPulseOutputContinuous configures the device to repeat the stored
// pattern for as long as the trigger pin stays low.
func (d *Device) SetPulseOutputContinuous() error {
	if err := d.WriteRegister(RegPatType, PatternRptContinuous); err != nil {
		return err
	}
	if err := d.WriteRegister(RegDACPat, 0x0000); err != nil {
		return err
	}
	if err := d.WriteRegister(RegWavConfig, WavCfgPrestoreDDS); err != nil {
		return err
	}
	return d.WriteRegister(RegPatTimebase, 0x0111)
}

// SetWaveOutput selects one of the prestored waveforms instead of the
// SRAM pattern. It returns the device's configuration error register so
// callers can surface rejected combinations.
func (d *Device) SetWaveOutput(wave uint16) (uint16, error) {
	if wave > WaveNegativeSawtooth {
		return 0, ErrWaveform
	}
	if err := d.StopPattern(); err != nil {
		return 0, err
	}
	cfg, err := d.ReadRegister(RegWavConfig)
	if err != nil {
		return 0, err
	}
	cfg &= 0xFF00
	if wave < WaveTriangle {
		cfg |= WavCfgPrestoreDDS | WavCfgWavePrestored
		if err := d.WriteRegister(RegWavConfig, cfg); err != nil {
			return 0, err
		}
		dds, err := d.ReadRegister(RegDDSXConfig)
		if err != nil {
			return 0, err
		}
		if wave == WaveCosine {
			dds |= DDSXCfgEnableCosine
		} else {
			dds &^= DDSXCfgEnableCosine
		}
		if err := d.WriteRegister(RegDDSXConfig, dds); err != nil {
			return 0, err
		}
	} else {
		cfg |= WavCfgPrestoreSawtooth | WavCfgWavePrestored
		if err := d.WriteRegister(RegWavConfig, cfg); err != nil {
			return 0, err
		}
		saw, err := d.ReadRegister(RegSawConfig)
		if err != nil {
			return 0, err
		}
		saw &= 0xFF00
		switch wave {
		case WaveTriangle:
			saw |= SawCfgTriangle | SawCfgStep1
		case WavePositiveSawtooth:
			saw |= SawCfgRampUp | SawCfgStep1
		default:
			saw |= SawCfgRampDown | SawCfgStep1
		}
		if err := d.WriteRegister(RegSawConfig, saw); err != nil {
			return 0, err
		}
	}
	if err := d.UpdateSettings(); err != nil {
		return 0, err
	}
	if err := d.StartPattern(); err != nil {
		return 0, err
	}
	return d.ReadRegister(RegCfgError)
}

package core

import (
	"time"

	"glitcher/protocol"
	"glitcher/pulsegen"
)

// Processor binds the transport to the facade: it decodes each
// command's VLQ arguments, calls the matching operation and emits the
// response frames the host waits for. Facade errors travel back as
// error responses instead of breaking the stream.
type Processor struct {
	transport *protocol.Transport
	glitcher  *Glitcher
	sampler   *ADCSampler
}

// NewProcessor builds the command processor. The transport is created
// here so its handler can close over the processor; sampler may be nil
// on hardware without the ADC side-channel.
func NewProcessor(output protocol.OutputBuffer, g *Glitcher, sampler *ADCSampler) *Processor {
	p := &Processor{glitcher: g, sampler: sampler}
	p.transport = protocol.NewTransport(output, p.dispatch)
	return p
}

// Transport returns the device transport fed by the serial pump.
func (p *Processor) Transport() *protocol.Transport {
	return p.transport
}

// respondError reports a failed operation to the host.
func (p *Processor) respondError(err error) {
	p.transport.SendCommand(protocol.RspError, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQString(out, err.Error())
	})
}

// respondEmpty acknowledges an operation that has no payload.
func (p *Processor) respondEmpty(rsp uint16) {
	p.transport.SendCommand(rsp, nil)
}

// millivolts converts a VLQ-encoded mV value to volts. The wire
// format carries no floats.
func millivolts(data *[]byte) (float64, error) {
	mv, err := protocol.DecodeVLQInt(data)
	return float64(mv) / 1000, err
}

func (p *Processor) dispatch(cmdID uint16, data *[]byte) error {
	switch cmdID {
	case protocol.CmdVersion:
		p.transport.SendCommand(protocol.RspVersion, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQString(out, p.glitcher.SoftwareVersion())
			rev := p.glitcher.HardwareVersion()
			protocol.EncodeVLQUint(out, uint32(rev.Major))
			protocol.EncodeVLQUint(out, uint32(rev.Minor))
		})
		return nil

	case protocol.CmdSetTrigger:
		mode, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		pin, err := protocol.DecodeVLQString(data)
		if err != nil {
			return err
		}
		edge, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.SetTrigger(TriggerMode(mode), pin, Edge(edge)); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdSetNumberOfEdges:
		n, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.SetNumberOfEdges(int(n)); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdSetBaudrate:
		baud, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		p.glitcher.SetBaudrate(int(baud))
		return nil

	case protocol.CmdSetNumberOfBits:
		bits, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		p.glitcher.SetNumberOfBits(int(bits))
		return nil

	case protocol.CmdSetPatternMatch:
		pattern, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		p.glitcher.SetPatternMatch(pattern)
		return nil

	case protocol.CmdSetDeadZone:
		deadNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		ref, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		edge, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		p.glitcher.SetDeadZone(uint64(deadNs), DeadTimeReference(ref), Edge(edge))
		return nil

	case protocol.CmdSetLPGlitch:
		p.glitcher.SetLPGlitch()
		return nil

	case protocol.CmdSetHPGlitch:
		p.glitcher.SetHPGlitch()
		return nil

	case protocol.CmdSetMultiplexing:
		if err := p.glitcher.SetMultiplexing(); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdSetPulseShaping:
		vinit, err := millivolts(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.SetPulseShaping(vinit); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdSetMuxVoltage:
		voltage, err := protocol.DecodeVLQString(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.SetMuxVoltage(voltage); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdEnableVTarget:
		p.glitcher.EnableVTarget()
		return nil

	case protocol.CmdDisableVTarget:
		p.glitcher.DisableVTarget()
		return nil

	case protocol.CmdPowerCycleTarget:
		offMs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.PowerCycleTarget(time.Duration(offMs) * time.Millisecond); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdPowerCycleReset:
		offMs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.PowerCycleReset(time.Duration(offMs) * time.Millisecond); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdInitiateReset:
		p.glitcher.InitiateReset()
		return nil

	case protocol.CmdReleaseReset:
		p.glitcher.ReleaseReset()
		return nil

	case protocol.CmdResetTarget:
		holdMs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		p.glitcher.ResetTarget(time.Duration(holdMs) * time.Millisecond)
		return nil

	case protocol.CmdArm:
		delayNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		lengthNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.Arm(uint64(delayNs), uint64(lengthNs)); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdArmBurst:
		delayNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		lengthNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		pulses, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		gapNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.ArmBurst(uint64(delayNs), uint64(lengthNs), int(pulses), uint64(gapNs)); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdArmDouble:
		var args [4]uint32
		for i := range args {
			v, err := protocol.DecodeVLQUint(data)
			if err != nil {
				return err
			}
			args[i] = v
		}
		if err := p.glitcher.ArmDouble(uint64(args[0]), uint64(args[1]),
			uint64(args[2]), uint64(args[3])); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdArmMultiplexing:
		delayNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		count, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if count > 4 {
			p.respondError(ErrMuxSegments)
			return nil
		}
		segments := make([]MuxSegment, 0, count)
		for i := uint32(0); i < count; i++ {
			durNs, err := protocol.DecodeVLQUint(data)
			if err != nil {
				return err
			}
			voltage, err := protocol.DecodeVLQString(data)
			if err != nil {
				return err
			}
			segments = append(segments, MuxSegment{DurationNs: uint64(durNs), Voltage: voltage})
		}
		if err := p.glitcher.ArmMultiplexing(uint64(delayNs), segments); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdArmPulseShaping:
		// The host computes the sample buffer; the wire carries the
		// final DAC codes.
		delayNs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		count, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if int(count) > pulsegen.MaxPoints {
			p.respondError(pulsegen.ErrPulseTooLarge)
			return nil
		}
		pulse := make([]int, count)
		for i := range pulse {
			code, err := protocol.DecodeVLQInt(data)
			if err != nil {
				return err
			}
			pulse[i] = int(code)
		}
		if err := p.glitcher.ArmPulseShaping(uint64(delayNs), pulse); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdBlock:
		timeoutMs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		err = p.glitcher.Block(time.Duration(timeoutMs) * time.Millisecond)
		switch {
		case err == nil:
			p.respondEmpty(protocol.RspGlitchDone)
		case err == ErrTimeout:
			p.respondEmpty(protocol.RspTimeout)
		default:
			p.respondError(err)
		}
		return nil

	case protocol.CmdCheckGlitch:
		p.transport.SendCommand(protocol.RspCheckGlitch, func(out protocol.OutputBuffer) {
			var v uint32
			if p.glitcher.CheckGlitch() {
				v = 1
			}
			protocol.EncodeVLQUint(out, v)
		})
		return nil

	case protocol.CmdDoCalibration:
		vhigh, err := millivolts(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.DoCalibration(vhigh); err != nil {
			p.respondError(err)
			return nil
		}
		p.respondEmpty(protocol.RspCalibration)
		return nil

	case protocol.CmdApplyCalibration:
		vhigh, err := millivolts(data)
		if err != nil {
			return err
		}
		vlow, err := millivolts(data)
		if err != nil {
			return err
		}
		persist, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.ApplyCalibration(vhigh, vlow, persist != 0); err != nil {
			p.respondError(err)
			return nil
		}
		p.respondEmpty(protocol.RspCalibration)
		return nil

	case protocol.CmdWaveformGenerator:
		freq, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		gain, err := millivolts(data)
		if err != nil {
			return err
		}
		wave, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if err := p.glitcher.WaveformGenerator(int(freq), gain, uint16(wave)); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdConfigureADC:
		samples, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		freq, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if p.sampler == nil {
			p.respondError(ErrHardware)
			return nil
		}
		if err := p.sampler.Configure(int(samples), int(freq)); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdArmADC:
		if p.sampler == nil {
			p.respondError(ErrHardware)
			return nil
		}
		if err := p.sampler.Arm(); err != nil {
			p.respondError(err)
		}
		return nil

	case protocol.CmdADCStatus:
		p.transport.SendCommand(protocol.RspADCStatus, func(out protocol.OutputBuffer) {
			var v uint32
			if p.sampler != nil && p.sampler.Armed() {
				v = 1
			}
			protocol.EncodeVLQUint(out, v)
		})
		return nil

	case protocol.CmdADCRead:
		timeoutMs, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if p.sampler == nil {
			p.respondError(ErrHardware)
			return nil
		}
		samples, err := p.sampler.Samples(time.Duration(timeoutMs) * time.Millisecond)
		if err != nil {
			p.respondError(err)
			return nil
		}
		p.transport.SendCommand(protocol.RspADCSamples, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, uint32(len(samples)))
			for _, s := range samples {
				protocol.EncodeVLQUint(out, uint32(s))
			}
		})
		return nil
	}

	return protocol.ErrUnknownCommand
}

// Package glitcher is the host-side client of the device: a typed RPC
// wrapper over the framed serial protocol. Each method mirrors one
// device operation; argument units match the wire (nanoseconds for
// timing, millivolts for voltages).
package glitcher

import (
	"errors"
	"fmt"
	"log"
	"time"

	"glitcher/host/serial"
	"glitcher/protocol"
)

var (
	// ErrGlitchTimeout reports that the device armed but never saw
	// its trigger condition before the block deadline.
	ErrGlitchTimeout = errors.New("glitcher: device timed out waiting for trigger")

	ErrNotConnected = errors.New("glitcher: not connected")
)

// TriggerMode values, matching the device facade.
const (
	TriggerTIO uint32 = iota
	TriggerEdge
	TriggerUART
)

// Edge values for trigger and dead-time configuration.
const (
	EdgeRising uint32 = iota
	EdgeFalling
)

// Dead-time reference line selectors.
const (
	RefPower uint32 = iota
	RefReset
	RefGlitchEn
)

// MuxSegment is one step of a multiplexed voltage profile.
type MuxSegment struct {
	DurationNs uint64
	Voltage    string
}

// Version describes the connected device.
type Version struct {
	Software string
	Major    int
	Minor    int
}

// Client is a connection to one glitcher device. Methods are not safe
// for concurrent use, except that GlitchAndCapture coordinates its own
// concurrency internally.
type Client struct {
	port      serial.Port
	transport *protocol.HostTransport

	// ErrWait bounds how long fire-and-forget commands wait for an
	// immediate error response before assuming success.
	ErrWait time.Duration

	// Logf receives device log frames. Defaults to log.Printf.
	Logf func(format string, args ...interface{})

	connected bool
}

// NewClient returns an unconnected client.
func NewClient() *Client {
	return &Client{
		ErrWait: 50 * time.Millisecond,
		Logf:    log.Printf,
	}
}

// Connect opens the device with the default serial configuration.
func (c *Client) Connect(device string) error {
	return c.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig opens the device, retrying while it re-enumerates.
func (c *Client) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.OpenRetry(cfg, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	c.port = port
	c.transport = protocol.NewHostTransport(port)
	c.connected = true

	c.transport.SetResponseHandler(c.handleResponse)

	// Give the device time to finish booting if it just powered on.
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			return err
		}
	}
	c.connected = false
	return nil
}

// IsConnected reports whether the client holds an open port.
func (c *Client) IsConnected() bool {
	return c.connected
}

// handleResponse surfaces device log frames as they arrive. All other
// responses are consumed by the method that waits for them.
func (c *Client) handleResponse(cmdID uint16, data *[]byte) error {
	if cmdID == protocol.RspLog && c.Logf != nil {
		msg, err := protocol.DecodeVLQString(data)
		if err == nil {
			c.Logf("device: %s", msg)
		}
	}
	return nil
}

// send transmits a command frame and waits for the link-level ack.
func (c *Client) send(cmdID uint16, args func(out protocol.OutputBuffer)) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.transport.SendCommand(cmdID, args)
}

// sendChecked transmits a command that only responds on failure. A
// quiet link for ErrWait means the device accepted it.
func (c *Client) sendChecked(cmdID uint16, args func(out protocol.OutputBuffer)) error {
	if err := c.send(cmdID, args); err != nil {
		return err
	}
	deadline := time.Now().Add(c.ErrWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		msg, err := c.transport.ReceiveResponse(remaining)
		if err != nil {
			return nil // no response means success
		}
		rsp, payload, err := splitResponse(msg)
		if err != nil {
			continue
		}
		if rsp == protocol.RspError {
			return decodeError(payload)
		}
	}
}

// await blocks until the device sends the wanted response. Error
// responses abort the wait; anything else is discarded as stale.
func (c *Client) await(want uint16, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("glitcher: no response 0x%02x within %v", want, timeout)
		}
		msg, err := c.transport.ReceiveResponse(remaining)
		if err != nil {
			return nil, fmt.Errorf("glitcher: receive: %w", err)
		}
		rsp, payload, err := splitResponse(msg)
		if err != nil {
			continue
		}
		switch rsp {
		case want:
			return payload, nil
		case protocol.RspError:
			return nil, decodeError(payload)
		}
	}
}

func splitResponse(msg *protocol.Message) (uint16, []byte, error) {
	payload := msg.Payload
	rsp, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return 0, nil, err
	}
	return uint16(rsp), payload, nil
}

func decodeError(payload []byte) error {
	text, err := protocol.DecodeVLQString(&payload)
	if err != nil {
		return fmt.Errorf("glitcher: device error (unreadable payload)")
	}
	return fmt.Errorf("glitcher: device error: %s", text)
}

// GetVersion queries the firmware version and hardware revision.
func (c *Client) GetVersion() (Version, error) {
	if err := c.send(protocol.CmdVersion, nil); err != nil {
		return Version{}, err
	}
	payload, err := c.await(protocol.RspVersion, 2*time.Second)
	if err != nil {
		return Version{}, err
	}
	software, err := protocol.DecodeVLQString(&payload)
	if err != nil {
		return Version{}, err
	}
	major, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return Version{}, err
	}
	minor, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return Version{}, err
	}
	return Version{Software: software, Major: int(major), Minor: int(minor)}, nil
}

// SetTrigger selects the trigger mode and input pin ("default", "alt",
// "ext1" or "ext2").
func (c *Client) SetTrigger(mode uint32, pin string, edge uint32) error {
	return c.sendChecked(protocol.CmdSetTrigger, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, mode)
		protocol.EncodeVLQString(out, pin)
		protocol.EncodeVLQUint(out, edge)
	})
}

// SetNumberOfEdges configures the edge-counting trigger.
func (c *Client) SetNumberOfEdges(n int) error {
	return c.sendChecked(protocol.CmdSetNumberOfEdges, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(n))
	})
}

// SetBaudrate configures the UART trigger sampler.
func (c *Client) SetBaudrate(baud int) error {
	return c.send(protocol.CmdSetBaudrate, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(baud))
	})
}

// SetNumberOfBits sets how many pattern bits the UART trigger matches.
func (c *Client) SetNumberOfBits(bits int) error {
	return c.send(protocol.CmdSetNumberOfBits, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(bits))
	})
}

// SetPatternMatch sets the UART trigger byte pattern.
func (c *Client) SetPatternMatch(pattern uint32) error {
	return c.send(protocol.CmdSetPatternMatch, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, pattern)
	})
}

// SetDeadZone gates the TIO trigger: after arming, the trigger input
// is ignored until the reference line held its level for deadNs.
func (c *Client) SetDeadZone(deadNs uint64, ref uint32, edge uint32) error {
	return c.send(protocol.CmdSetDeadZone, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(deadNs))
		protocol.EncodeVLQUint(out, ref)
		protocol.EncodeVLQUint(out, edge)
	})
}

// SetLPGlitch routes the glitch pulse to the low-power MOSFET stage.
func (c *Client) SetLPGlitch() error {
	return c.send(protocol.CmdSetLPGlitch, nil)
}

// SetHPGlitch routes the glitch pulse to the high-power MOSFET stage.
func (c *Client) SetHPGlitch() error {
	return c.send(protocol.CmdSetHPGlitch, nil)
}

// SetMultiplexing switches the output stage to the voltage
// multiplexer.
func (c *Client) SetMultiplexing() error {
	return c.sendChecked(protocol.CmdSetMultiplexing, nil)
}

// SetPulseShaping switches the output stage to the pulse-shaping DAC
// with the given idle voltage in millivolts.
func (c *Client) SetPulseShaping(vinitMilli int32) error {
	return c.sendChecked(protocol.CmdSetPulseShaping, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQInt(out, vinitMilli)
	})
}

// SetMuxVoltage drives the multiplexer to a named voltage ("VCC",
// "3.3", "1.8", "GND") outside of a glitch.
func (c *Client) SetMuxVoltage(voltage string) error {
	return c.sendChecked(protocol.CmdSetMuxVoltage, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQString(out, voltage)
	})
}

// EnableVTarget switches target power on.
func (c *Client) EnableVTarget() error {
	return c.send(protocol.CmdEnableVTarget, nil)
}

// DisableVTarget switches target power off.
func (c *Client) DisableVTarget() error {
	return c.send(protocol.CmdDisableVTarget, nil)
}

// PowerCycleTarget cuts target power for the given off time.
func (c *Client) PowerCycleTarget(off time.Duration) error {
	return c.sendChecked(protocol.CmdPowerCycleTarget, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(off/time.Millisecond))
	})
}

// PowerCycleReset cuts power and holds the target in reset while it
// comes back up.
func (c *Client) PowerCycleReset(off time.Duration) error {
	return c.sendChecked(protocol.CmdPowerCycleReset, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(off/time.Millisecond))
	})
}

// InitiateReset pulls the target reset line low.
func (c *Client) InitiateReset() error {
	return c.send(protocol.CmdInitiateReset, nil)
}

// ReleaseReset releases the target reset line.
func (c *Client) ReleaseReset() error {
	return c.send(protocol.CmdReleaseReset, nil)
}

// ResetTarget pulses the target reset line for the hold time.
func (c *Client) ResetTarget(hold time.Duration) error {
	return c.send(protocol.CmdResetTarget, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(hold/time.Millisecond))
	})
}

// Arm readies a single crowbar pulse of lengthNs, delayNs after the
// trigger.
func (c *Client) Arm(delayNs, lengthNs uint64) error {
	return c.sendChecked(protocol.CmdArm, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(delayNs))
		protocol.EncodeVLQUint(out, uint32(lengthNs))
	})
}

// ArmBurst readies a train of identical pulses separated by gapNs.
func (c *Client) ArmBurst(delayNs, lengthNs uint64, pulses int, gapNs uint64) error {
	return c.sendChecked(protocol.CmdArmBurst, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(delayNs))
		protocol.EncodeVLQUint(out, uint32(lengthNs))
		protocol.EncodeVLQUint(out, uint32(pulses))
		protocol.EncodeVLQUint(out, uint32(gapNs))
	})
}

// ArmDouble readies two independently timed pulses. The second delay
// counts from the end of the first pulse.
func (c *Client) ArmDouble(delay1, length1, delay2, length2 uint64) error {
	return c.sendChecked(protocol.CmdArmDouble, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(delay1))
		protocol.EncodeVLQUint(out, uint32(length1))
		protocol.EncodeVLQUint(out, uint32(delay2))
		protocol.EncodeVLQUint(out, uint32(length2))
	})
}

// ArmMultiplexing readies a voltage profile of up to four multiplexer
// segments.
func (c *Client) ArmMultiplexing(delayNs uint64, segments []MuxSegment) error {
	return c.sendChecked(protocol.CmdArmMultiplexing, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(delayNs))
		protocol.EncodeVLQUint(out, uint32(len(segments)))
		for _, seg := range segments {
			protocol.EncodeVLQUint(out, uint32(seg.DurationNs))
			protocol.EncodeVLQString(out, seg.Voltage)
		}
	})
}

// ArmPulseShaping uploads raw DAC codes and readies the fire line. Use
// a pulsegen.Generator to build the codes from a voltage profile.
func (c *Client) ArmPulseShaping(delayNs uint64, pulse []int) error {
	return c.sendChecked(protocol.CmdArmPulseShaping, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(delayNs))
		protocol.EncodeVLQUint(out, uint32(len(pulse)))
		for _, code := range pulse {
			protocol.EncodeVLQInt(out, int32(code))
		}
	})
}

// Block waits until the armed glitch completed or the device deadline
// expired. Returns ErrGlitchTimeout in the latter case.
func (c *Client) Block(timeout time.Duration) error {
	if !c.connected {
		return ErrNotConnected
	}
	// The device acks the frame only after its own wait completes.
	if err := c.transport.SendCommandWithTimeout(protocol.CmdBlock,
		func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, uint32(timeout/time.Millisecond))
		}, timeout+2*time.Second); err != nil {
		return err
	}
	// The device answers only after its own deadline; pad ours.
	deadline := time.Now().Add(timeout + 2*time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("glitcher: block response overdue")
		}
		msg, err := c.transport.ReceiveResponse(remaining)
		if err != nil {
			return fmt.Errorf("glitcher: receive: %w", err)
		}
		rsp, payload, err := splitResponse(msg)
		if err != nil {
			continue
		}
		switch rsp {
		case protocol.RspGlitchDone:
			return nil
		case protocol.RspTimeout:
			return ErrGlitchTimeout
		case protocol.RspError:
			return decodeError(payload)
		}
	}
}

// CheckGlitch reports whether a trigger was observed since arming.
func (c *Client) CheckGlitch() (bool, error) {
	if err := c.send(protocol.CmdCheckGlitch, nil); err != nil {
		return false, err
	}
	payload, err := c.await(protocol.RspCheckGlitch, 2*time.Second)
	if err != nil {
		return false, err
	}
	v, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// DoCalibration drives the calibration waveform so the output can be
// measured. vhighMilli is the expected maximum in millivolts.
func (c *Client) DoCalibration(vhighMilli int32) error {
	if err := c.send(protocol.CmdDoCalibration, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQInt(out, vhighMilli)
	}); err != nil {
		return err
	}
	_, err := c.await(protocol.RspCalibration, 5*time.Second)
	return err
}

// ApplyCalibration stores the measured calibration points on the
// device.
func (c *Client) ApplyCalibration(vhighMilli, vlowMilli int32, persist bool) error {
	if err := c.send(protocol.CmdApplyCalibration, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQInt(out, vhighMilli)
		protocol.EncodeVLQInt(out, vlowMilli)
		var p uint32
		if persist {
			p = 1
		}
		protocol.EncodeVLQUint(out, p)
	}); err != nil {
		return err
	}
	_, err := c.await(protocol.RspCalibration, 5*time.Second)
	return err
}

// WaveformGenerator puts the pulse-shaping DAC into continuous replay
// of a built-in waveform.
func (c *Client) WaveformGenerator(freq int, gainMilli int32, wave uint16) error {
	return c.sendChecked(protocol.CmdWaveformGenerator, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(freq))
		protocol.EncodeVLQInt(out, gainMilli)
		protocol.EncodeVLQUint(out, uint32(wave))
	})
}

// ConfigureADC prepares the voltage-trace capture.
func (c *Client) ConfigureADC(samples, freqHz int) error {
	return c.sendChecked(protocol.CmdConfigureADC, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(samples))
		protocol.EncodeVLQUint(out, uint32(freqHz))
	})
}

// ArmADC readies the trace capture; it fires on the next trigger.
func (c *Client) ArmADC() error {
	return c.sendChecked(protocol.CmdArmADC, nil)
}

// ADCStatus reports whether a capture is armed.
func (c *Client) ADCStatus() (bool, error) {
	if err := c.send(protocol.CmdADCStatus, nil); err != nil {
		return false, err
	}
	payload, err := c.await(protocol.RspADCStatus, 2*time.Second)
	if err != nil {
		return false, err
	}
	v, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ADCRead collects the captured voltage trace.
func (c *Client) ADCRead(timeout time.Duration) ([]uint16, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	if err := c.transport.SendCommandWithTimeout(protocol.CmdADCRead,
		func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, uint32(timeout/time.Millisecond))
		}, timeout+2*time.Second); err != nil {
		return nil, err
	}
	payload, err := c.await(protocol.RspADCSamples, timeout+2*time.Second)
	if err != nil {
		return nil, err
	}
	count, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, err
	}
	samples := make([]uint16, count)
	for i := range samples {
		v, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return nil, err
		}
		samples[i] = uint16(v)
	}
	return samples, nil
}

// GlitchAndCapture blocks for the armed glitch and collects the ADC
// trace of the same trigger. Both commands are issued up front and
// their responses collected from one loop, whatever order the device
// finishes them in.
func (c *Client) GlitchAndCapture(timeout time.Duration) ([]uint16, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	for _, cmd := range []uint16{protocol.CmdBlock, protocol.CmdADCRead} {
		err := c.transport.SendCommandWithTimeout(cmd,
			func(out protocol.OutputBuffer) {
				protocol.EncodeVLQUint(out, uint32(timeout/time.Millisecond))
			}, timeout+2*time.Second)
		if err != nil {
			return nil, err
		}
	}

	var samples []uint16
	haveSamples := false
	haveBlock := false
	var blockErr error

	deadline := time.Now().Add(timeout + 2*time.Second)
	for !(haveSamples && haveBlock) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("glitcher: capture response overdue")
		}
		msg, err := c.transport.ReceiveResponse(remaining)
		if err != nil {
			return nil, fmt.Errorf("glitcher: receive: %w", err)
		}
		rsp, payload, err := splitResponse(msg)
		if err != nil {
			continue
		}
		switch rsp {
		case protocol.RspGlitchDone:
			haveBlock = true
		case protocol.RspTimeout:
			haveBlock = true
			blockErr = ErrGlitchTimeout
		case protocol.RspError:
			return nil, decodeError(payload)
		case protocol.RspADCSamples:
			count, err := protocol.DecodeVLQUint(&payload)
			if err != nil {
				return nil, err
			}
			samples = make([]uint16, count)
			for i := range samples {
				v, err := protocol.DecodeVLQUint(&payload)
				if err != nil {
					return nil, err
				}
				samples[i] = uint16(v)
			}
			haveSamples = true
		}
	}
	if blockErr != nil {
		return samples, blockErr
	}
	return samples, nil
}

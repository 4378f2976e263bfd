package core

import (
	"errors"
	"time"

	"glitcher/ad910x"
	"glitcher/config"
	"glitcher/pulsegen"
)

var (
	// ErrTimeout is returned by Block when no completion token
	// arrives before the deadline.
	ErrTimeout = errors.New("core: timed out waiting for glitch completion")

	// ErrArmed guards operations that would fight an armed state
	// machine over the same pins.
	ErrArmed = errors.New("core: not possible while armed")

	ErrNotArmed      = errors.New("core: not armed")
	ErrHardware      = errors.New("core: not available on this hardware version")
	ErrTriggerPin    = errors.New("core: unknown trigger pin")
	ErrCycleRange    = errors.New("core: cycle count out of range")
	ErrEdgeCount     = errors.New("core: edge count must be at least 1")
	ErrPulseCollides = errors.New("core: second pulse collides with the first")
	ErrMuxSegments   = errors.New("core: between 1 and 4 multiplex segments required")
)

// TriggerMode selects the trigger detector program.
type TriggerMode uint8

const (
	// TriggerTIO fires on a single edge, gated by the dead-time
	// condition.
	TriggerTIO TriggerMode = iota

	// TriggerEdgeCount fires after a configured number of edges.
	TriggerEdgeCount

	// TriggerUART fires on a byte pattern in the serial stream on
	// the trigger pin.
	TriggerUART
)

// GlitchMode selects the emitter program family.
type GlitchMode uint8

const (
	GlitchCrowbar GlitchMode = iota
	GlitchMultiplexing
	GlitchPulseShaping
)

// DeadTimeReference names the pin the dead-time gate watches.
type DeadTimeReference uint8

const (
	// RefGlitchEnable watches the armed indicator, so with a zero
	// dead time the gate opens the moment the emitter arms.
	RefGlitchEnable DeadTimeReference = iota
	RefPower
	RefReset
)

// MuxSegment is one step of a multiplexing profile.
type MuxSegment struct {
	DurationNs uint64
	Voltage    string
}

// psWindowNs bounds the fire-line low window; the DAC replays the
// whole buffer once triggered, so the exact width is uncritical.
const psWindowNs = 10_000

// Glitcher is the single point of configuration and lifecycle control
// for the device. It is driven by one in-order command stream and is
// deliberately not safe for concurrent use; the state machines it arms
// are the concurrent part.
type Glitcher struct {
	cfg   config.Config
	pins  config.Pins
	store config.Store

	engine Engine
	gpio   GPIODriver
	dac    *ad910x.Device
	gen    *pulsegen.Generator

	clockHz int

	triggerMode  TriggerMode
	triggerPin   int
	triggerEdge  Edge
	edgeCount    uint32
	baudrate     uint32
	numberOfBits uint32
	pattern      uint32

	deadCycles   uint32
	deadPin      int
	deadWaitHigh bool

	glitchMode GlitchMode
	glitchPin  int // selected crowbar MOSFET gate

	emitter  Machine
	detector Machine
	gate     Machine

	armed     bool
	completed bool
}

// NewGlitcher wires the facade to the registered engine and GPIO
// driver and brings every output pin to its idle state. The target is
// held in reset and unpowered until the host says otherwise.
func NewGlitcher(cfg config.Config, store config.Store) (*Glitcher, error) {
	pins, err := config.PinsFor(cfg.Revision())
	if err != nil {
		return nil, err
	}
	clock, err := config.ClockHz(cfg.Revision())
	if err != nil {
		return nil, err
	}

	g := &Glitcher{
		cfg:          cfg,
		pins:         pins,
		store:        store,
		engine:       MustEngine(),
		gpio:         MustGPIO(),
		clockHz:      clock,
		triggerMode:  TriggerTIO,
		triggerPin:   pins.Trigger,
		triggerEdge:  EdgeRising,
		edgeCount:    1,
		baudrate:     115200,
		numberOfBits: 8,
		deadPin:      pins.GlitchEn,
		deadWaitHigh: true,
		glitchMode:   GlitchCrowbar,
		glitchPin:    pins.LPGlitch,
	}

	for _, pin := range []int{pins.Reset, pins.GlitchEn, pins.HPGlitch,
		pins.LPGlitch, pins.VTargetEN, pins.HPLED, pins.LPLED} {
		if pin == config.NoPin {
			continue
		}
		if err := g.gpio.ConfigureOutput(GPIOPin(pin)); err != nil {
			return nil, err
		}
	}
	g.setPin(pins.Reset, false)
	g.setPin(pins.GlitchEn, false)
	g.setPin(pins.HPGlitch, false)
	g.setPin(pins.LPGlitch, false)
	g.DisableVTarget()

	if config.HasMultiplexer(cfg.Revision()) {
		for _, pin := range []int{pins.Mux0, pins.Mux1} {
			if err := g.gpio.ConfigureOutput(GPIOPin(pin)); err != nil {
				return nil, err
			}
		}
		code, err := cfg.MuxInitCode()
		if err != nil {
			return nil, err
		}
		g.driveMux(code)

		g.gen, err = pulsegen.New(8, cfg.PSOffset, cfg.PSFactor)
		if err != nil {
			return nil, err
		}
	}

	return g, nil
}

// SetDAC attaches the pulse-shaping DAC. Called by target setup code
// on boards that carry the expansion.
func (g *Glitcher) SetDAC(d *ad910x.Device) {
	g.dac = d
}

// PulseGenerator exposes the calibrated waveform builder, or nil on
// hardware without the pulse-shaping stage.
func (g *Glitcher) PulseGenerator() *pulsegen.Generator {
	return g.gen
}

// SoftwareVersion reports the firmware version string.
func (g *Glitcher) SoftwareVersion() string {
	return g.cfg.SoftwareVersion
}

// HardwareVersion reports the configured board revision.
func (g *Glitcher) HardwareVersion() config.Revision {
	return g.cfg.Revision()
}

// SetFrequency overrides the state machine clock. The cycle counts of
// every later arm call derive from this value.
func (g *Glitcher) SetFrequency(hz int) {
	g.clockHz = hz
}

// Frequency returns the active state machine clock.
func (g *Glitcher) Frequency() int {
	return g.clockHz
}

// cycles converts nanoseconds to clock cycles, truncating toward zero
// twice: the effective resolution is one clock period.
func (g *Glitcher) cycles(ns uint64) uint32 {
	return uint32(ns / (1_000_000_000 / uint64(g.clockHz)))
}

func (g *Glitcher) setPin(pin int, value bool) {
	if pin == config.NoPin {
		return
	}
	g.gpio.SetPin(GPIOPin(pin), value)
}

// driveMux writes a 2-bit voltage select code directly to the
// multiplexer pins. Bit 0 is the base (MUX1) pin.
func (g *Glitcher) driveMux(code uint8) {
	g.setPin(g.pins.Mux1, code&1 != 0)
	g.setPin(g.pins.Mux0, code&2 != 0)
}

// SetTrigger selects the trigger mode and input. Pin names follow the
// silkscreen: "default", "alt", "ext1" or "ext2". The EXT inputs pass
// through an inverting buffer, so the effective edge flips there.
func (g *Glitcher) SetTrigger(mode TriggerMode, pin string, edge Edge) error {
	inverted := false
	var number int
	switch pin {
	case "default":
		number = g.pins.Trigger
	case "alt":
		number = g.pins.AltTrigger
	case "ext1":
		number = g.pins.Ext1
		inverted = true
	case "ext2":
		number = g.pins.Ext2
		inverted = true
	default:
		return ErrTriggerPin
	}
	if number == config.NoPin {
		return ErrTriggerPin
	}
	if inverted {
		if edge == EdgeRising {
			edge = EdgeFalling
		} else {
			edge = EdgeRising
		}
	}
	g.triggerMode = mode
	g.triggerPin = number
	g.triggerEdge = edge
	return nil
}

// SetNumberOfEdges configures the edge-counting trigger.
func (g *Glitcher) SetNumberOfEdges(n int) error {
	if n < 1 {
		return ErrEdgeCount
	}
	g.edgeCount = uint32(n)
	return nil
}

// SetBaudrate configures the UART trigger bit rate.
func (g *Glitcher) SetBaudrate(baud int) {
	g.baudrate = uint32(baud)
}

// SetNumberOfBits configures the UART trigger word width.
func (g *Glitcher) SetNumberOfBits(bits int) {
	g.numberOfBits = uint32(bits)
}

// SetPatternMatch sets the byte pattern the UART trigger fires on.
func (g *Glitcher) SetPatternMatch(pattern uint32) {
	g.pattern = pattern
}

// SetDeadZone suppresses triggering for deadNs nanoseconds after the
// reference condition. A rising condition waits for the pin to go
// high, a falling one for low. Zero dead time with the default
// reference opens the gate the moment the emitter arms.
func (g *Glitcher) SetDeadZone(deadNs uint64, ref DeadTimeReference, edge Edge) {
	switch ref {
	case RefPower:
		g.deadPin = g.pins.VTargetEN
	case RefReset:
		g.deadPin = g.pins.Reset
	default:
		g.deadPin = g.pins.GlitchEn
	}
	g.deadWaitHigh = edge == EdgeRising
	g.deadCycles = g.cycles(deadNs)
}

// SetDeadZonePin is the arbitrary-GPIO variant of SetDeadZone.
func (g *Glitcher) SetDeadZonePin(deadNs uint64, pin int, edge Edge) {
	g.deadPin = pin
	g.deadWaitHigh = edge == EdgeRising
	g.deadCycles = g.cycles(deadNs)
}

// SetLPGlitch selects the low-power crowbar MOSFET.
func (g *Glitcher) SetLPGlitch() {
	g.glitchMode = GlitchCrowbar
	g.glitchPin = g.pins.LPGlitch
	g.setPin(g.pins.HPLED, false)
	g.setPin(g.pins.LPLED, true)
}

// SetHPGlitch selects the high-power crowbar MOSFET.
func (g *Glitcher) SetHPGlitch() {
	g.glitchMode = GlitchCrowbar
	g.glitchPin = g.pins.HPGlitch
	g.setPin(g.pins.LPLED, false)
	g.setPin(g.pins.HPLED, true)
}

// SetMultiplexing switches the glitch output to the voltage
// multiplexer stage.
func (g *Glitcher) SetMultiplexing() error {
	if !config.HasMultiplexer(g.cfg.Revision()) {
		return ErrHardware
	}
	g.glitchMode = GlitchMultiplexing
	return nil
}

// SetPulseShaping switches the glitch output to the pulse-shaping
// stage and programs the DAC for one-shot replay with the given idle
// voltage.
func (g *Glitcher) SetPulseShaping(vinit float64) error {
	if g.dac == nil || g.gen == nil {
		return ErrHardware
	}
	g.glitchMode = GlitchPulseShaping
	g.gen.SetOffset(vinit)
	if err := g.dac.SetFrequency(int(g.gen.Frequency())); err != nil {
		return err
	}
	if err := g.dac.SetGain(1.5); err != nil {
		return err
	}
	return g.dac.SetPulseOutputOneShot()
}

// SetMuxVoltage statically drives the multiplexer to the named rail.
func (g *Glitcher) SetMuxVoltage(voltage string) error {
	if !config.HasMultiplexer(g.cfg.Revision()) {
		return ErrHardware
	}
	if g.armed {
		return ErrArmed
	}
	code, err := config.VoltageCode(voltage)
	if err != nil {
		return err
	}
	if g.emitter != nil {
		g.emitter.Stop()
	}
	g.driveMux(code)
	return nil
}

// EnableVTarget powers the target from the VTARGET output. The active
// level depends on the board revision.
func (g *Glitcher) EnableVTarget() {
	g.setPin(g.pins.VTargetEN, config.VTargetActiveHigh(g.cfg.Revision()))
}

// DisableVTarget cuts the target power supply.
func (g *Glitcher) DisableVTarget() {
	g.setPin(g.pins.VTargetEN, !config.VTargetActiveHigh(g.cfg.Revision()))
}

// InitiateReset pulls the target reset line low.
func (g *Glitcher) InitiateReset() {
	g.setPin(g.pins.Reset, false)
}

// ReleaseReset releases the target reset line.
func (g *Glitcher) ReleaseReset() {
	g.setPin(g.pins.Reset, true)
}

// ResetTarget holds the target in reset for holdNs nanoseconds.
func (g *Glitcher) ResetTarget(hold time.Duration) {
	g.InitiateReset()
	time.Sleep(hold)
	g.ReleaseReset()
}

// PowerCycleTarget cuts the target power for the given time. In
// multiplexing and pulse-shaping mode the cut goes through the active
// output stage instead of VTARGET, which cannot happen while armed.
func (g *Glitcher) PowerCycleTarget(off time.Duration) error {
	g.updateTrigger()
	switch g.glitchMode {
	case GlitchMultiplexing:
		if g.armed {
			return ErrArmed
		}
		return g.muxPowerCycle(off)
	case GlitchPulseShaping:
		if g.armed {
			return ErrArmed
		}
		return g.psPowerCycle(off)
	default:
		RecordTiming(EvtPowerCycle, nowMicros(), uint32(off/time.Microsecond), 0)
		g.DisableVTarget()
		time.Sleep(off)
		g.EnableVTarget()
		return nil
	}
}

// PowerCycleReset power cycles the target while holding it in reset,
// releasing the reset together with power-on. Useful for sharper
// trigger conditions on the reset line.
func (g *Glitcher) PowerCycleReset(off time.Duration) error {
	g.updateTrigger()
	switch g.glitchMode {
	case GlitchMultiplexing:
		if g.armed {
			return ErrArmed
		}
		g.InitiateReset()
		err := g.muxPowerCycle(off)
		g.ReleaseReset()
		return err
	case GlitchPulseShaping:
		if g.armed {
			return ErrArmed
		}
		g.InitiateReset()
		err := g.psPowerCycle(off)
		g.ReleaseReset()
		return err
	default:
		g.DisableVTarget()
		g.InitiateReset()
		time.Sleep(off)
		g.EnableVTarget()
		g.ReleaseReset()
		return nil
	}
}

// muxPowerCycle cuts power by switching the multiplexer to GND.
func (g *Glitcher) muxPowerCycle(off time.Duration) error {
	if g.emitter != nil {
		g.emitter.Stop()
	}
	gnd, err := config.VoltageCode("GND")
	if err != nil {
		return err
	}
	g.driveMux(gnd)
	time.Sleep(off)
	code, err := g.cfg.MuxInitCode()
	if err != nil {
		return err
	}
	g.driveMux(code)
	return nil
}

// psPowerCycle cuts power by replaying a constant zero-volt sample on
// the pulse-shaping DAC for the off time.
func (g *Glitcher) psPowerCycle(off time.Duration) error {
	if g.dac == nil || g.gen == nil {
		return ErrHardware
	}
	if g.emitter != nil {
		g.emitter.Stop()
	}
	if err := g.dac.SetPulseOutputContinuous(); err != nil {
		return err
	}
	if err := g.dac.SetConst(g.gen.Value(0), 100); err != nil {
		return err
	}
	if err := g.dac.UpdateSRAM(1); err != nil {
		return err
	}
	g.dac.TriggerLow()
	time.Sleep(off)
	g.dac.TriggerHigh()
	return g.dac.SetPulseOutputOneShot()
}

// disarm tears down the machines of the previous arm cycle. FIFO
// contents and signal flags from a timed-out run must not survive into
// the next one.
func (g *Glitcher) disarm() {
	if g.emitter != nil {
		g.emitter.Stop()
		g.emitter = nil
	}
	if g.detector != nil {
		g.detector.Stop()
		g.detector = nil
	}
	if g.gate != nil {
		g.gate.Stop()
		g.gate = nil
	}
	g.engine.ClearFlags()
	g.armed = false
}

// armTrigger loads and starts the trigger detector, and for TIO mode
// the dead-time gate in front of it.
func (g *Glitcher) armTrigger() error {
	switch g.triggerMode {
	case TriggerTIO:
		detector, err := g.engine.Load(ProgramTIOTrigger, MachineConfig{
			InPin: g.triggerPin,
			Edge:  g.triggerEdge,
		})
		if err != nil {
			return err
		}
		gate, err := g.engine.Load(ProgramDeadTime, MachineConfig{
			InPin:    g.deadPin,
			WaitHigh: g.deadWaitHigh,
		})
		if err != nil {
			return err
		}
		gate.Put(g.deadCycles)
		g.detector = detector
		g.gate = gate
		detector.Start()
		gate.Start()

	case TriggerEdgeCount:
		detector, err := g.engine.Load(ProgramEdgeTrigger, MachineConfig{
			InPin: g.triggerPin,
			Edge:  g.triggerEdge,
		})
		if err != nil {
			return err
		}
		detector.Put(g.edgeCount - 1)
		g.detector = detector
		detector.Start()

	case TriggerUART:
		detector, err := g.engine.Load(ProgramUARTTrigger, MachineConfig{
			InPin:      g.triggerPin,
			BaudCycles: uint32(g.clockHz) / g.baudrate,
		})
		if err != nil {
			return err
		}
		detector.Put(g.pattern << (32 - g.numberOfBits))
		detector.Put(g.numberOfBits - 1)
		g.detector = detector
		detector.Start()
	}
	return nil
}

// armEmitter finishes the arming protocol: the emitter words are
// already pushed, the machines go live here.
func (g *Glitcher) armEmitter(emitter Machine) error {
	if err := g.armTrigger(); err != nil {
		g.disarm()
		return err
	}
	g.emitter = emitter
	g.armed = true
	g.completed = false
	emitter.Start()
	RecordTiming(EvtArm, nowMicros(), uint32(g.glitchMode), uint32(g.glitchPin))
	return nil
}

// nowMicros is the wall-clock marker stored in timing events.
func nowMicros() uint32 {
	return uint32(time.Now().UnixNano() / 1000)
}

// Arm readies a single crowbar glitch: delayNs after the trigger the
// selected MOSFET shorts the rail for lengthNs.
func (g *Glitcher) Arm(delayNs, lengthNs uint64) error {
	g.disarm()
	emitter, err := g.engine.Load(ProgramGlitch, MachineConfig{
		OutPin: g.glitchPin,
		EnPin:  g.pins.GlitchEn,
	})
	if err != nil {
		return err
	}
	emitter.Put(g.cycles(delayNs))
	emitter.Put(g.cycles(lengthNs))
	return g.armEmitter(emitter)
}

// ArmBurst readies a train of identical pulses of lengthNs each,
// separated by gapNs.
func (g *Glitcher) ArmBurst(delayNs, lengthNs uint64, pulses int, gapNs uint64) error {
	if pulses < 1 {
		return ErrCycleRange
	}
	length := g.cycles(lengthNs)
	gap := g.cycles(gapNs)
	if length >= BurstCycleMax || gap >= BurstCycleMax {
		return ErrCycleRange
	}
	g.disarm()
	emitter, err := g.engine.Load(ProgramGlitchBurst, MachineConfig{
		OutPin: g.glitchPin,
		EnPin:  g.pins.GlitchEn,
	})
	if err != nil {
		return err
	}
	emitter.Put(g.cycles(delayNs))
	emitter.Put(gap<<16 | length)
	emitter.Put(uint32(pulses - 1))
	return g.armEmitter(emitter)
}

// ArmDouble readies two independently timed pulses. Both delays are
// measured from the trigger; the second pulse must start after the
// first one ended.
func (g *Glitcher) ArmDouble(delay1, length1, delay2, length2 uint64) error {
	if delay2 <= delay1+length1 {
		return ErrPulseCollides
	}
	// The machine times the second delay from the end of the first
	// pulse.
	delay2 -= delay1 + length1

	c := [4]uint32{
		g.cycles(delay1), g.cycles(length1),
		g.cycles(delay2), g.cycles(length2),
	}
	if c[1] > MultipleLengthMax || c[3] > MultipleLengthMax {
		return ErrCycleRange
	}
	if c[0] > MultipleDelayMax || c[2] > MultipleDelayMax {
		return ErrCycleRange
	}

	g.disarm()
	emitter, err := g.engine.Load(ProgramGlitchMultiple, MachineConfig{
		OutPin: g.glitchPin,
		EnPin:  g.pins.GlitchEn,
	})
	if err != nil {
		return err
	}
	emitter.Put(1) // two pulses
	emitter.Put(c[1]<<MultipleLengthShift | c[0])
	emitter.Put(c[3]<<MultipleLengthShift | c[2])
	return g.armEmitter(emitter)
}

// ArmMultiplexing readies a voltage-switching profile of up to four
// segments. Unused segments replay the idle voltage for zero cycles.
func (g *Glitcher) ArmMultiplexing(delayNs uint64, segments []MuxSegment) error {
	if !config.HasMultiplexer(g.cfg.Revision()) {
		return ErrHardware
	}
	if len(segments) < 1 || len(segments) > 4 {
		return ErrMuxSegments
	}
	idle, err := g.cfg.MuxInitCode()
	if err != nil {
		return err
	}

	var times [4]uint32
	var volts [4]uint32
	for i, seg := range segments {
		t := g.cycles(seg.DurationNs)
		if t >= MuxTimeMax {
			return ErrCycleRange
		}
		code, err := config.VoltageCode(seg.Voltage)
		if err != nil {
			return err
		}
		times[i] = t
		volts[i] = uint32(code)
	}
	for i := len(segments); i < 4; i++ {
		volts[i] = uint32(idle)
	}

	g.disarm()
	emitter, err := g.engine.Load(ProgramMultiplex, MachineConfig{
		OutPin:  g.pins.Mux1,
		EnPin:   g.pins.GlitchEn,
		MuxIdle: idle,
	})
	if err != nil {
		return err
	}
	emitter.Put(g.cycles(delayNs))
	emitter.Put(volts[1]<<30 | times[1]<<16 | volts[0]<<14 | times[0])
	emitter.Put(volts[3]<<30 | times[3]<<16 | volts[2]<<14 | times[2])
	return g.armEmitter(emitter)
}

// ArmPulseShaping uploads a prepared DAC sample buffer and readies the
// fire line. The upload must finish before the machines go live; the
// DAC cannot replay and load at the same time.
func (g *Glitcher) ArmPulseShaping(delayNs uint64, pulse []int) error {
	if g.dac == nil || g.gen == nil {
		return ErrHardware
	}
	if err := g.dac.WriteSRAMFromStart(pulse); err != nil {
		return err
	}
	if err := g.dac.UpdateSRAM(len(pulse)); err != nil {
		return err
	}

	g.disarm()
	emitter, err := g.engine.Load(ProgramPulseShaping, MachineConfig{
		OutPin: g.pins.PSTrigger,
		EnPin:  g.pins.GlitchEn,
	})
	if err != nil {
		return err
	}
	emitter.Put(g.cycles(delayNs))
	emitter.Put(g.cycles(psWindowNs))
	return g.armEmitter(emitter)
}

// ArmPulseShapingFromConfig builds the pulse from constant-voltage
// segments and arms it.
func (g *Glitcher) ArmPulseShapingFromConfig(delayNs uint64, segments []pulsegen.Segment) error {
	if g.gen == nil {
		return ErrHardware
	}
	pulse, err := g.gen.PulseFromConfig(segments, true)
	if err != nil {
		return err
	}
	return g.ArmPulseShaping(delayNs, pulse)
}

// ArmPulseShapingFromSpline interpolates the control points and arms
// the resulting pulse.
func (g *Glitcher) ArmPulseShapingFromSpline(delayNs uint64, timesNs, voltages []float64) error {
	if g.gen == nil {
		return ErrHardware
	}
	pulse, err := g.gen.PulseFromSpline(timesNs, voltages)
	if err != nil {
		return err
	}
	return g.ArmPulseShaping(delayNs, pulse)
}

// ArmPulseShapingFromFunc samples a voltage function over
// totalDurationNs and arms the resulting pulse.
func (g *Glitcher) ArmPulseShapingFromFunc(delayNs uint64, f func(tNs float64) float64, totalDurationNs int) error {
	if g.gen == nil {
		return ErrHardware
	}
	return g.ArmPulseShaping(delayNs, g.gen.PulseFromFunc(f, totalDurationNs, true))
}

// ArmPulseShapingFromList arms a raw list of DAC codes.
func (g *Glitcher) ArmPulseShapingFromList(delayNs uint64, pulse []int) error {
	if g.gen == nil {
		return ErrHardware
	}
	checked, err := g.gen.PulseFromList(pulse, true)
	if err != nil {
		return err
	}
	return g.ArmPulseShaping(delayNs, checked)
}

// updateTrigger consumes a pending completion token, clearing the
// armed state if the glitch already went out.
func (g *Glitcher) updateTrigger() {
	if g.emitter == nil || !g.armed {
		return
	}
	if _, ok := g.emitter.Get(0); ok {
		g.armed = false
		g.completed = true
	}
}

// Block waits until the armed glitch completes. On timeout the emitter
// is aborted and the glitch outputs are forced to their safe level
// before ErrTimeout is returned; the host decides whether to retry.
func (g *Glitcher) Block(timeout time.Duration) error {
	if g.emitter == nil {
		return ErrNotArmed
	}
	if _, ok := g.emitter.Get(timeout); ok {
		g.armed = false
		g.completed = true
		RecordTiming(EvtGlitchDone, nowMicros(), 0, 0)
		return nil
	}
	g.disarm()
	g.setPin(g.pins.GlitchEn, false)
	g.setPin(g.glitchPin, false)
	RecordTiming(EvtTimeout, nowMicros(), uint32(timeout/time.Microsecond), 0)
	DebugAsync("glitch timeout after " + itoa(int(timeout/time.Millisecond)) + "ms")
	return ErrTimeout
}

// CheckGlitch is the non-blocking completion probe.
func (g *Glitcher) CheckGlitch() bool {
	g.updateTrigger()
	return g.completed
}

// WaveformGenerator puts the DAC into continuous replay of one of its
// prestored waveforms.
func (g *Glitcher) WaveformGenerator(freq int, gain float64, wave uint16) error {
	if g.dac == nil {
		return ErrHardware
	}
	if err := g.dac.StopPattern(); err != nil {
		return err
	}
	if err := g.dac.SetFrequency(freq); err != nil {
		return err
	}
	if err := g.dac.SetGain(gain); err != nil {
		return err
	}
	if _, err := g.dac.SetWaveOutput(wave); err != nil {
		return err
	}
	if err := g.dac.SetPulseOutputContinuous(); err != nil {
		return err
	}
	return g.dac.StartPattern()
}

// DoCalibration replays the two-level calibration pulse so the host
// can measure the real output range of the pulse-shaping stage.
func (g *Glitcher) DoCalibration(vhigh float64) error {
	if err := g.SetPulseShaping(vhigh); err != nil {
		return err
	}
	if err := g.ArmPulseShaping(100, g.gen.CalibrationPulse()); err != nil {
		return err
	}
	g.ResetTarget(10 * time.Millisecond)
	return nil
}

// ApplyCalibration stores the measured output range as the new
// calibration. Pulses built before this call are stale.
func (g *Glitcher) ApplyCalibration(vhigh, vlow float64, persist bool) error {
	if g.gen == nil {
		return ErrHardware
	}
	factor := 1 / (vhigh - vlow)
	g.gen.SetCalibration(vhigh, factor)
	if !persist {
		return nil
	}
	g.cfg.PSOffset = vhigh
	g.cfg.PSFactor = factor
	return g.store.Save(g.cfg)
}

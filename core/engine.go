package core

import "time"

// Program identifies one of the fixed state machine programs. Each
// program is a tiny autonomous routine with its own FIFOs; the facade
// loads and arms them, it never shares memory with them.
type Program uint8

const (
	// ProgramGlitch drives the glitch output high for a pulled
	// length after a pulled delay. FIFO: delay, length.
	ProgramGlitch Program = iota

	// ProgramGlitchBurst emits a train of identical pulses.
	// FIFO: delay, gap<<16|length, count-1.
	ProgramGlitchBurst

	// ProgramGlitchMultiple emits several independently timed pulses.
	// FIFO: count-1, then one packed word per pulse.
	ProgramGlitchMultiple

	// ProgramPulseShaping pulses the DAC fire line low; the external
	// chip replays the uploaded sample buffer on its own.
	// FIFO: delay, window.
	ProgramPulseShaping

	// ProgramMultiplex replays two banks of two voltage-select
	// segments on the 2-bit multiplexer port. FIFO: delay, bank,
	// bank.
	ProgramMultiplex

	// ProgramTIOTrigger raises the trigger signal on a single edge
	// once the dead-time gate has opened. No FIFO words.
	ProgramTIOTrigger

	// ProgramEdgeTrigger raises the trigger signal after a number of
	// edges, with no gate. FIFO: count-1.
	ProgramEdgeTrigger

	// ProgramUARTTrigger free-runs a byte sampler on the trigger
	// input and raises the trigger signal on a pattern match.
	// FIFO: pattern<<(32-bits), bits-1.
	ProgramUARTTrigger

	// ProgramDeadTime waits for the reference pin level, counts down
	// a pulled cycle count and opens the gate once. FIFO: cycles.
	ProgramDeadTime
)

// Edge selects the trigger input polarity.
type Edge uint8

const (
	EdgeRising Edge = iota
	EdgeFalling
)

// Inter-machine signal numbers. flagGate is raised by the dead-time
// gate, flagTrigger by whichever trigger detector is loaded. Both use
// the blocking-raise handshake: the raiser stalls until the consumer
// side clears the signal.
const (
	flagGate    = 6
	flagTrigger = 7
)

// Word packing for the multiple-pulse program. Each word carries a
// 10-bit length on top of a 22-bit delay; delays after the first pulse
// count from the end of the previous one.
const (
	MultipleLengthShift = 22
	MultipleDelayMax    = 1 << MultipleLengthShift
	MultipleLengthMax   = 1 << (32 - MultipleLengthShift)

	multipleDelayMask = MultipleDelayMax - 1
)

// Word packing for the multiplexer program: v2<<30 | t2<<16 | v1<<14 | t1,
// with 14-bit cycle counts and 2-bit voltage select codes.
const (
	MuxTimeMax   = 1 << 14
	muxTimeMask  = MuxTimeMax - 1
	muxVoltShift = 14
	muxSegShift  = 16
)

// Length and gap limit of the burst program, both packed in 16 bits.
const BurstCycleMax = 1 << 16

// MachineConfig fixes the pin wiring and static parameters of one
// loaded machine. Everything that varies per arm cycle travels through
// the TX FIFO instead.
type MachineConfig struct {
	InPin  int // trigger or reference input, -1 when unused
	OutPin int // glitch output, fire line or multiplexer base pin
	EnPin  int // armed indicator, held high from arm to completion

	Edge       Edge   // input polarity for edge detection
	WaitHigh   bool   // dead-time reference level to wait for
	MuxIdle    uint8  // 2-bit code restored after a multiplex run
	BaudCycles uint32 // cycles per bit for the UART sampler
}

// Machine is one loaded state machine instance. Put feeds its TX FIFO
// before arming; Get polls its RX FIFO for the completion token.
type Machine interface {
	// Put pushes an arming word. Returns false if the FIFO is full,
	// which means the caller broke the arming protocol.
	Put(word uint32) bool

	// Get polls the RX FIFO until the deadline. The second result is
	// false on timeout.
	Get(timeout time.Duration) (uint32, bool)

	// Start activates the program. The machine runs until it stalls
	// on an empty TX FIFO or is stopped.
	Start()

	// Stop aborts the program wherever it is and drains both FIFOs.
	Stop()

	// Active reports whether the program is running.
	Active() bool
}

// Engine owns the state machine slots, the shared signal flags and the
// pins the programs touch. Exactly one implementation is registered at
// startup: the hardware PIO engine on the device, the simulated engine
// everywhere else.
type Engine interface {
	// Load claims a free slot for the given program. The machine is
	// returned stopped.
	Load(p Program, cfg MachineConfig) (Machine, error)

	// ClearFlags lowers both inter-machine signals and the trigger
	// latch. Part of the re-arm reset.
	ClearFlags()

	// TriggerSeen reports whether the trigger signal has been raised
	// since the last ClearFlags. Unlike the signal itself this is
	// not consumed by the emitter, so a second observer (the ADC
	// sampler) can key off it.
	TriggerSeen() bool

	// StopAll aborts every loaded machine and releases its slot.
	StopAll()
}

// Global singleton used by core code.
var engine Engine

// SetEngine is called by target-specific code to register its engine.
func SetEngine(e Engine) {
	engine = e
}

// MustEngine returns the configured engine or panics if missing.
func MustEngine() Engine {
	if engine == nil {
		panic("state machine engine not configured")
	}
	return engine
}

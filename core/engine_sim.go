package core

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoFreeSlot is returned by Load when every machine slot is taken.
var ErrNoFreeSlot = errors.New("core: no free state machine slot")

const simMaxMachines = 8

// simPollTick paces the busy-wait loops of the simulated machines.
const simPollTick = 50 * time.Microsecond

// SimEngine interprets the state machine programs with one goroutine
// per loaded machine. It doubles as the GPIO driver so the programs,
// the facade and the tests all see the same pin levels. Cycle counts
// are stretched by CyclePeriod, so the simulation keeps the relative
// timing of a run without pretending to be cycle-accurate.
type SimEngine struct {
	// CyclePeriod is the simulated duration of one clock cycle.
	CyclePeriod time.Duration

	pins        [32]uint32 // atomic levels
	flags       [8]Flag
	triggerSeen uint32 // atomic latch, survives flag consumption

	mu       sync.Mutex
	machines []*simMachine
}

// NewSimEngine returns an engine whose simulated clock runs one cycle
// per microsecond.
func NewSimEngine() *SimEngine {
	return &SimEngine{CyclePeriod: time.Microsecond}
}

func (e *SimEngine) Load(p Program, cfg MachineConfig) (Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.machines) >= simMaxMachines {
		return nil, ErrNoFreeSlot
	}
	m := &simMachine{eng: e, prog: p, cfg: cfg}
	e.machines = append(e.machines, m)
	return m, nil
}

func (e *SimEngine) ClearFlags() {
	e.flags[flagGate].Clear()
	e.flags[flagTrigger].Clear()
	atomic.StoreUint32(&e.triggerSeen, 0)
}

func (e *SimEngine) TriggerSeen() bool {
	return atomic.LoadUint32(&e.triggerSeen) != 0
}

func (e *SimEngine) StopAll() {
	e.mu.Lock()
	machines := e.machines
	e.machines = nil
	e.mu.Unlock()

	for _, m := range machines {
		m.Stop()
	}
}

// GPIO driver surface. Pin configuration is a no-op in simulation;
// only the level matters.

func (e *SimEngine) ConfigureOutput(pin GPIOPin) error        { return nil }
func (e *SimEngine) ConfigureInputPullUp(pin GPIOPin) error   { return nil }
func (e *SimEngine) ConfigureInputPullDown(pin GPIOPin) error { return nil }

func (e *SimEngine) SetPin(pin GPIOPin, value bool) error {
	e.setLevel(int(pin), value)
	return nil
}

func (e *SimEngine) GetPin(pin GPIOPin) (bool, error) {
	return e.level(int(pin)), nil
}

func (e *SimEngine) ReadPin(pin GPIOPin) bool {
	return e.level(int(pin))
}

func (e *SimEngine) setLevel(pin int, value bool) {
	if pin < 0 || pin >= len(e.pins) {
		return
	}
	var v uint32
	if value {
		v = 1
	}
	atomic.StoreUint32(&e.pins[pin], v)
}

func (e *SimEngine) level(pin int) bool {
	if pin < 0 || pin >= len(e.pins) {
		return false
	}
	return atomic.LoadUint32(&e.pins[pin]) != 0
}

type simMachine struct {
	eng  *SimEngine
	prog Program
	cfg  MachineConfig

	tx TokenFIFO
	rx TokenFIFO

	active uint32 // atomic
	stop   chan struct{}
	done   chan struct{}
}

func (m *simMachine) Put(word uint32) bool {
	return m.tx.Push(word)
}

func (m *simMachine) Get(timeout time.Duration) (uint32, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if word, ok := m.rx.Pop(); ok {
			return word, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(simPollTick)
	}
}

func (m *simMachine) Start() {
	if !atomic.CompareAndSwapUint32(&m.active, 0, 1) {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run()
}

func (m *simMachine) Stop() {
	if atomic.LoadUint32(&m.active) == 0 {
		return
	}
	close(m.stop)
	<-m.done
	m.tx.Drain()
	m.rx.Drain()
}

func (m *simMachine) Active() bool {
	return atomic.LoadUint32(&m.active) != 0
}

func (m *simMachine) run() {
	defer func() {
		atomic.StoreUint32(&m.active, 0)
		close(m.done)
	}()

	switch m.prog {
	case ProgramGlitch:
		m.runGlitch()
	case ProgramGlitchBurst:
		m.runGlitchBurst()
	case ProgramGlitchMultiple:
		m.runGlitchMultiple()
	case ProgramPulseShaping:
		m.runPulseShaping()
	case ProgramMultiplex:
		m.runMultiplex()
	case ProgramTIOTrigger:
		m.runTIOTrigger()
	case ProgramEdgeTrigger:
		m.runEdgeTrigger()
	case ProgramUARTTrigger:
		m.runUARTTrigger()
	case ProgramDeadTime:
		m.runDeadTime()
	}
}

// stopped reports whether Stop has been requested.
func (m *simMachine) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// pull stalls on the TX FIFO until a word arrives, like a hardware
// pull instruction on an empty FIFO.
func (m *simMachine) pull() (uint32, bool) {
	for {
		if word, ok := m.tx.Pop(); ok {
			return word, true
		}
		if m.stopped() {
			return 0, false
		}
		time.Sleep(simPollTick)
	}
}

// sleepCycles waits out a cycle count on the simulated clock.
func (m *simMachine) sleepCycles(cycles uint32) bool {
	deadline := time.Now().Add(time.Duration(cycles) * m.eng.CyclePeriod)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if m.stopped() {
			return false
		}
		if remaining > simPollTick {
			remaining = simPollTick
		}
		time.Sleep(remaining)
	}
}

func (m *simMachine) waitPin(pin int, level bool) bool {
	for m.eng.level(pin) != level {
		if m.stopped() {
			return false
		}
		time.Sleep(simPollTick)
	}
	return true
}

// waitEdge observes the idle level and then the active level, so a
// line already at the active level does not count as an edge.
func (m *simMachine) waitEdge(pin int, edge Edge) bool {
	active := edge == EdgeRising
	return m.waitPin(pin, !active) && m.waitPin(pin, active)
}

// raiseFlag sets a signal and stalls until its consumer clears it,
// mirroring a blocking interrupt instruction.
func (m *simMachine) raiseFlag(n int) bool {
	fl := &m.eng.flags[n]
	if n == flagTrigger {
		atomic.StoreUint32(&m.eng.triggerSeen, 1)
		RecordTiming(EvtTriggered, nowMicros(), uint32(m.cfg.InPin), 0)
	}
	fl.Set()
	for fl.IsSet() {
		if m.stopped() {
			return false
		}
		time.Sleep(simPollTick)
	}
	return true
}

// takeFlag waits for a signal and clears it.
func (m *simMachine) takeFlag(n int) bool {
	fl := &m.eng.flags[n]
	for !fl.TryTake() {
		if m.stopped() {
			return false
		}
		time.Sleep(simPollTick)
	}
	return true
}

// armIndicator is raised when the emitter starts waiting for the
// trigger and lowered when its run completes.
func (m *simMachine) armIndicator(on bool) {
	m.eng.setLevel(m.cfg.EnPin, on)
}

// finish lowers the armed indicator, drops any trigger signal raised
// while the emitter was busy and pushes the completion token.
func (m *simMachine) finish() {
	m.armIndicator(false)
	m.eng.flags[flagTrigger].Clear()
	m.rx.Push(1)
}

func (m *simMachine) runGlitch() {
	for {
		delay, ok := m.pull()
		if !ok {
			return
		}
		length, ok := m.pull()
		if !ok {
			return
		}
		m.armIndicator(true)
		if !m.takeFlag(flagTrigger) {
			return
		}
		if !m.sleepCycles(delay) {
			return
		}
		m.eng.setLevel(m.cfg.OutPin, true)
		done := m.sleepCycles(length)
		m.eng.setLevel(m.cfg.OutPin, false)
		if !done {
			return
		}
		m.finish()
	}
}

func (m *simMachine) runGlitchBurst() {
	for {
		delay, ok := m.pull()
		if !ok {
			return
		}
		// Pulse length in the low half, gap between pulses in the
		// high half.
		config, ok := m.pull()
		if !ok {
			return
		}
		// Pulse count minus one, so zero still emits one pulse.
		count, ok := m.pull()
		if !ok {
			return
		}
		m.armIndicator(true)
		if !m.takeFlag(flagTrigger) {
			return
		}
		if !m.sleepCycles(delay) {
			return
		}

		length := config & 0xFFFF
		gap := config >> 16
		for i := uint32(0); ; i++ {
			m.eng.setLevel(m.cfg.OutPin, true)
			done := m.sleepCycles(length)
			m.eng.setLevel(m.cfg.OutPin, false)
			if !done {
				return
			}
			if i == count {
				break
			}
			if !m.sleepCycles(gap) {
				return
			}
		}
		m.finish()
	}
}

func (m *simMachine) runGlitchMultiple() {
	for {
		// Pulse count minus one, ahead of the per-pulse words.
		count, ok := m.pull()
		if !ok {
			return
		}
		m.armIndicator(true)
		if !m.takeFlag(flagTrigger) {
			return
		}
		for i := uint32(0); i <= count; i++ {
			config, ok := m.pull()
			if !ok {
				return
			}
			if !m.sleepCycles(config & multipleDelayMask) {
				return
			}
			m.eng.setLevel(m.cfg.OutPin, true)
			done := m.sleepCycles(config >> MultipleLengthShift)
			m.eng.setLevel(m.cfg.OutPin, false)
			if !done {
				return
			}
		}
		m.finish()
	}
}

func (m *simMachine) runPulseShaping() {
	// The fire line idles high; pulling it low starts the DAC
	// pattern replay.
	m.eng.setLevel(m.cfg.OutPin, true)
	for {
		delay, ok := m.pull()
		if !ok {
			return
		}
		window, ok := m.pull()
		if !ok {
			return
		}
		m.armIndicator(true)
		if !m.takeFlag(flagTrigger) {
			return
		}
		if !m.sleepCycles(delay) {
			return
		}
		m.eng.setLevel(m.cfg.OutPin, false)
		done := m.sleepCycles(window)
		m.eng.setLevel(m.cfg.OutPin, true)
		if !done {
			return
		}
		m.finish()
	}
}

func (m *simMachine) runMultiplex() {
	for {
		delay, ok := m.pull()
		if !ok {
			return
		}
		bank1, ok := m.pull()
		if !ok {
			return
		}
		bank2, ok := m.pull()
		if !ok {
			return
		}
		m.armIndicator(true)
		if !m.takeFlag(flagTrigger) {
			return
		}
		if !m.sleepCycles(delay) {
			return
		}
		for _, bank := range [2]uint32{bank1, bank2} {
			m.setMux(uint8((bank >> muxVoltShift) & 0x3))
			if !m.sleepCycles(bank & muxTimeMask) {
				return
			}
			m.setMux(uint8(bank >> (muxSegShift + muxVoltShift)))
			if !m.sleepCycles((bank >> muxSegShift) & muxTimeMask) {
				return
			}
		}
		m.setMux(m.cfg.MuxIdle)
		m.finish()
	}
}

// setMux drives the 2-bit voltage select port. Bit 0 lands on the
// base pin, bit 1 on the next one.
func (m *simMachine) setMux(code uint8) {
	m.eng.setLevel(m.cfg.OutPin, code&1 != 0)
	m.eng.setLevel(m.cfg.OutPin+1, code&2 != 0)
}

func (m *simMachine) runTIOTrigger() {
	for {
		if !m.takeFlag(flagGate) {
			return
		}
		if !m.waitEdge(m.cfg.InPin, m.cfg.Edge) {
			return
		}
		if !m.raiseFlag(flagTrigger) {
			return
		}
	}
}

func (m *simMachine) runEdgeTrigger() {
	for {
		// Edge count minus one.
		count, ok := m.pull()
		if !ok {
			return
		}
		for i := uint32(0); i <= count; i++ {
			if !m.waitEdge(m.cfg.InPin, m.cfg.Edge) {
				return
			}
		}
		if !m.raiseFlag(flagTrigger) {
			return
		}
	}
}

// runUARTTrigger free-runs a byte sampler on the trigger input. It
// never waits for the dead-time gate.
func (m *simMachine) runUARTTrigger() {
	// Pattern left-aligned in a 32-bit word, then the bit count
	// minus one.
	pattern, ok := m.pull()
	if !ok {
		return
	}
	bitsWord, ok := m.pull()
	if !ok {
		return
	}
	bits := bitsWord + 1
	for {
		// Start bit: idle high, then low.
		if !m.waitEdge(m.cfg.InPin, EdgeFalling) {
			return
		}
		// Sample each data bit at its center.
		if !m.sleepCycles(m.cfg.BaudCycles + m.cfg.BaudCycles/2) {
			return
		}
		var word uint32
		for i := uint32(0); i < bits; i++ {
			word >>= 1
			if m.eng.level(m.cfg.InPin) {
				word |= 1 << 31
			}
			if i < bits-1 && !m.sleepCycles(m.cfg.BaudCycles) {
				return
			}
		}
		if word == pattern {
			if !m.raiseFlag(flagTrigger) {
				return
			}
		}
		// Sit out the stop bit before hunting for the next start.
		if !m.waitPin(m.cfg.InPin, true) {
			return
		}
	}
}

func (m *simMachine) runDeadTime() {
	for {
		cycles, ok := m.pull()
		if !ok {
			return
		}
		if !m.waitPin(m.cfg.InPin, m.cfg.WaitHigh) {
			return
		}
		if !m.sleepCycles(cycles) {
			return
		}
		if !m.raiseFlag(flagGate) {
			return
		}
	}
}

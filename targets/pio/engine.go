//go:build rp2040

package pio

import (
	"device/rp"
	"machine"
	"time"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"glitcher/core"
)

// Engine runs the glitcher programs on one PIO block. Everything
// lives on the same block because the machines synchronize through
// its IRQ flags, which do not cross blocks. Four state machines are
// enough for the deepest arming path (emitter, detector, gate).
type Engine struct {
	pio  *rp2pio.PIO
	used [4]bool

	// Next free instruction memory slot. The whole block is
	// reclaimed once every machine is released, which happens on
	// every disarm, so a simple bump allocator is enough.
	nextOffset uint8

	triggerLatch bool
}

// NewEngine claims PIO0 for the glitcher.
func NewEngine() *Engine {
	e := &Engine{pio: rp2pio.PIO0}
	for i := uint8(0); i < 4; i++ {
		e.pio.StateMachine(i).TryClaim()
	}
	return e
}

func (e *Engine) Load(p core.Program, cfg core.MachineConfig) (core.Machine, error) {
	slot := -1
	for i, used := range e.used {
		if !used {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, core.ErrNoFreeSlot
	}

	// All machines idle means the previous arm cycle is fully torn
	// down; recycle the instruction memory.
	if e.nextOffset > 0 && !e.anyUsed() {
		e.pio.ClearProgramSection(0, 32)
		e.nextOffset = 0
	}

	prog := programFor(p, cfg)
	if int(e.nextOffset)+len(prog.Instr) > 32 {
		return nil, core.ErrNoFreeSlot
	}
	offset, err := e.pio.AddProgram(prog.Relocate(e.nextOffset), int8(e.nextOffset))
	if err != nil {
		return nil, err
	}
	e.nextOffset += uint8(len(prog.Instr))

	sm := e.pio.StateMachine(uint8(slot))
	smCfg := rp2pio.DefaultStateMachineConfig()
	smCfg.SetWrap(offset+uint8(len(prog.Instr))-1, offset)
	smCfg.SetClkDivIntFrac(1, 0)

	switch p {
	case core.ProgramGlitch, core.ProgramGlitchBurst,
		core.ProgramGlitchMultiple, core.ProgramPulseShaping:
		e.configureEmitter(sm, &smCfg, cfg, 1)
	case core.ProgramMultiplex:
		e.configureEmitter(sm, &smCfg, cfg, 2)
	case core.ProgramUARTTrigger:
		smCfg.SetInShift(true, false, 32)
		smCfg.SetOutShift(false, false, 32)
		div := cfg.BaudCycles / 8
		if div < 1 {
			div = 1
		}
		smCfg.SetClkDivIntFrac(uint16(div), 0)
		e.configureInput(&smCfg, cfg.InPin)
	default:
		e.configureInput(&smCfg, cfg.InPin)
	}

	sm.Init(offset, smCfg)
	e.initPins(sm, p, cfg)

	e.used[slot] = true
	return &pioMachine{eng: e, sm: sm, slot: slot, prog: p, cfg: cfg}, nil
}

func (e *Engine) anyUsed() bool {
	for _, used := range e.used {
		if used {
			return true
		}
	}
	return false
}

// configureEmitter sets up the SET output port, the enable line on
// the side-set and right-shifting FIFO words.
func (e *Engine) configureEmitter(sm rp2pio.StateMachine, smCfg *rp2pio.StateMachineConfig, cfg core.MachineConfig, pins uint8) {
	out := machine.Pin(cfg.OutPin)
	en := machine.Pin(cfg.EnPin)

	smCfg.SetSetPins(out, pins)
	smCfg.SetOutPins(out, pins)
	smCfg.SetOutShift(true, false, 32)
	smCfg.SetSidesetParams(2, true, false)
	smCfg.SetSidesetPins(en)

	for i := uint8(0); i < pins; i++ {
		machine.Pin(cfg.OutPin + int(i)).Configure(machine.PinConfig{Mode: e.pio.PinMode()})
	}
	en.Configure(machine.PinConfig{Mode: e.pio.PinMode()})
}

// configureInput points the IN pin base at the watched pin.
func (e *Engine) configureInput(smCfg *rp2pio.StateMachineConfig, inPin int) {
	machine.Pin(inPin).Configure(machine.PinConfig{Mode: machine.PinInput})
	smCfg.PinCtrl |= uint32(inPin) << rp.PIO0_SM0_PINCTRL_IN_BASE_Pos
}

// initPins drives the output port to its idle state. Must run after
// Init.
func (e *Engine) initPins(sm rp2pio.StateMachine, p core.Program, cfg core.MachineConfig) {
	out := machine.Pin(cfg.OutPin)
	switch p {
	case core.ProgramGlitch, core.ProgramGlitchBurst, core.ProgramGlitchMultiple:
		sm.SetPindirsConsecutive(out, 1, true)
		sm.SetPinsConsecutive(out, 1, false)
	case core.ProgramPulseShaping:
		// The DAC fire line idles high.
		sm.SetPindirsConsecutive(out, 1, true)
		sm.SetPinsConsecutive(out, 1, true)
	case core.ProgramMultiplex:
		sm.SetPindirsConsecutive(out, 2, true)
		sm.SetPinsConsecutive(out, 1, cfg.MuxIdle&1 != 0)
		sm.SetPinsConsecutive(machine.Pin(cfg.OutPin+1), 1, cfg.MuxIdle&2 != 0)
	default:
		return
	}
	en := machine.Pin(cfg.EnPin)
	sm.SetPindirsConsecutive(en, 1, true)
	sm.SetPinsConsecutive(en, 1, false)
}

// programFor assembles the program variant the configuration asks
// for.
func programFor(p core.Program, cfg core.MachineConfig) Program {
	switch p {
	case core.ProgramGlitch:
		return Glitch()
	case core.ProgramGlitchBurst:
		return GlitchBurst()
	case core.ProgramGlitchMultiple:
		return GlitchMultiple()
	case core.ProgramPulseShaping:
		return PulseShaping()
	case core.ProgramMultiplex:
		return Multiplex(cfg.MuxIdle)
	case core.ProgramTIOTrigger:
		return TIOTrigger(cfg.Edge == core.EdgeRising)
	case core.ProgramEdgeTrigger:
		return EdgeTrigger(cfg.Edge == core.EdgeRising)
	case core.ProgramUARTTrigger:
		return UARTTrigger()
	case core.ProgramDeadTime:
		return DeadTime(cfg.WaitHigh)
	}
	return Program{}
}

func (e *Engine) ClearFlags() {
	e.pio.ClearIRQ(1<<flagGate | 1<<flagTrigger)
	e.triggerLatch = false
}

// TriggerSeen reports whether the trigger flag fired since the last
// ClearFlags. The flag itself is consumed by the emitter, so a sticky
// latch keeps the observation.
func (e *Engine) TriggerSeen() bool {
	if e.triggerLatch {
		return true
	}
	if e.pio.GetIRQ()&(1<<flagTrigger) != 0 {
		e.triggerLatch = true
	}
	return e.triggerLatch
}

func (e *Engine) StopAll() {
	for i := uint8(0); i < 4; i++ {
		if e.used[i] {
			sm := e.pio.StateMachine(i)
			sm.SetEnabled(false)
			sm.ClearFIFOs()
			e.used[i] = false
		}
	}
	e.ClearFlags()
}

type pioMachine struct {
	eng    *Engine
	sm     rp2pio.StateMachine
	slot   int
	prog   core.Program
	cfg    core.MachineConfig
	active bool
}

func (m *pioMachine) Put(word uint32) bool {
	if m.sm.IsTxFIFOFull() {
		return false
	}
	m.sm.TxPut(word)
	return true
}

func (m *pioMachine) Get(timeout time.Duration) (uint32, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if m.sm.RxFIFOLevel() > 0 {
			return m.sm.RxReg().Get(), true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func (m *pioMachine) Start() {
	if m.active {
		return
	}
	m.active = true
	m.sm.SetEnabled(true)
}

func (m *pioMachine) Stop() {
	if m.eng.used[m.slot] {
		m.sm.SetEnabled(false)
		m.sm.ClearFIFOs()
		m.sm.Restart()
		m.eng.used[m.slot] = false
		m.releasePins()
	}
	m.active = false
}

// releasePins hands the emitter pins back to software control so the
// facade can drive their idle levels.
func (m *pioMachine) releasePins() {
	switch m.prog {
	case core.ProgramGlitch, core.ProgramGlitchBurst,
		core.ProgramGlitchMultiple, core.ProgramPulseShaping:
		machine.Pin(m.cfg.OutPin).Configure(machine.PinConfig{Mode: machine.PinOutput})
	case core.ProgramMultiplex:
		machine.Pin(m.cfg.OutPin).Configure(machine.PinConfig{Mode: machine.PinOutput})
		machine.Pin(m.cfg.OutPin + 1).Configure(machine.PinConfig{Mode: machine.PinOutput})
	default:
		return
	}
	machine.Pin(m.cfg.EnPin).Configure(machine.PinConfig{Mode: machine.PinOutput})
}

func (m *pioMachine) Active() bool {
	return m.active
}

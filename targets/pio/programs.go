// Package pio holds the glitcher's PIO state machine programs and, on
// RP2040 builds, the engine that runs them. The programs are assembled
// by hand into instruction words so they can be unit tested without a
// device toolchain.
package pio

// Instruction encodings, RP2040 datasheet section 3.4. The delay and
// side-set fields share bits 8-12; the emitter programs run with one
// optional side-set bit, so bit 12 is the side-set enable and bit 11
// the driven level.

const (
	sideEnable = 1 << 12
	sideBit    = 1 << 11
)

// jmp conditions
const (
	jmpAlways = iota
	jmpXZero
	jmpXDec
	jmpYZero
	jmpYDec
	jmpXNotY
	jmpPin
	jmpOSRNotEmpty
)

// wait sources
const (
	waitGPIO = iota
	waitPin
	waitIRQ
)

// out destinations
const (
	outPins = iota
	outX
	outY
	outNull
	outPindirs
	outPC
	outISR
	outExec
)

// set destinations
const (
	setPins = iota
	setX
	setY
	_
	setPindirs
)

// mov registers, also the in sources
const (
	movPins = iota
	movX
	movY
	movNull
	_
	_
	movISR
	movOSR
)

const inPins = 0

func encJmp(cond, addr uint16) uint16 {
	return 0x0000 | cond<<5 | addr
}

func encWait(polarity, src, index uint16) uint16 {
	return 0x2000 | polarity<<7 | src<<5 | index
}

func encIn(src, count uint16) uint16 {
	return 0x4000 | src<<5 | count&0x1F
}

func encOut(dest, count uint16) uint16 {
	return 0x6000 | dest<<5 | count&0x1F
}

func encPushBlock() uint16 {
	return 0x8020
}

func encPullBlock() uint16 {
	return 0x80A0
}

func encMov(dest, src uint16) uint16 {
	return 0xA000 | dest<<5 | src
}

func encIrqSet(wait, index uint16) uint16 {
	return 0xC000 | wait<<5 | index
}

func encIrqClear(index uint16) uint16 {
	return 0xC040 | index
}

func encSet(dest, data uint16) uint16 {
	return 0xE000 | dest<<5 | data&0x1F
}

// side marks an instruction with the optional side-set bit.
func side(instr uint16, level uint16) uint16 {
	return instr | sideEnable | level<<11
}

// delay adds wait cycles to an instruction without side-set bits.
func delay(instr uint16, cycles uint16) uint16 {
	return instr | cycles<<8
}

// Signal flag numbers shared with the core engine: the dead-time gate
// raises 6, the trigger detectors raise 7 and the emitters consume it.
const (
	flagGate    = 6
	flagTrigger = 7
)

// Program is one assembled state machine program. Instructions are
// encoded for origin 0; Relocate fixes the jump targets for the load
// offset the instruction memory allocator hands out.
type Program struct {
	Instr []uint16

	// SidesetBits counts the bits stolen from the delay field,
	// including the enable bit when the side-set is optional.
	SidesetBits uint8
	SidesetOpt  bool
}

// Relocate returns the program's instructions adjusted to run at the
// given instruction memory offset.
func (p Program) Relocate(offset uint8) []uint16 {
	out := make([]uint16, len(p.Instr))
	for i, instr := range p.Instr {
		if instr>>13 == 0 { // jmp
			addr := (instr + uint16(offset)) & 0x1F
			instr = instr&^uint16(0x1F) | addr
		}
		out[i] = instr
	}
	return out
}

// Glitch emits one pulse on the SET pin, a FIFO-supplied number of
// cycles after the trigger signal. The side-set drives the glitch
// enable line high from arm to completion.
func Glitch() Program {
	return Program{
		SidesetBits: 2,
		SidesetOpt:  true,
		Instr: []uint16{
			encPullBlock(),                            //  0: delay
			encMov(movX, movOSR),                      //  1:
			encPullBlock(),                            //  2: length
			encMov(movY, movOSR),                      //  3:
			side(encWait(1, waitIRQ, flagTrigger), 1), //  4: armed, wait trigger
			encJmp(jmpXDec, 5),                        //  5: delay loop
			encSet(setPins, 1),                        //  6: pulse on
			encJmp(jmpYDec, 7),                        //  7: length loop
			side(encSet(setPins, 0), 0),               //  8: pulse off, disarm
			encIrqClear(flagTrigger),                  //  9: drop stale trigger
			encPushBlock(),                            // 10: completion token
		},
	}
}

// GlitchBurst emits a train of identical pulses. FIFO words: delay,
// then gap<<16|length, then the pulse count minus one.
func GlitchBurst() Program {
	return Program{
		SidesetBits: 2,
		SidesetOpt:  true,
		Instr: []uint16{
			encPullBlock(),                            //  0: delay
			encMov(movX, movOSR),                      //  1:
			encPullBlock(),                            //  2: pulse config
			encMov(movISR, movOSR),                    //  3: keep in ISR
			encPullBlock(),                            //  4: count-1
			encMov(movY, movOSR),                      //  5:
			side(encWait(1, waitIRQ, flagTrigger), 1), //  6: armed, wait trigger
			encJmp(jmpXDec, 7),                        //  7: delay loop
			encMov(movOSR, movISR),                    //  8: burst loop
			encOut(outX, 16),                          //  9: length
			encSet(setPins, 1),                        // 10: pulse on
			encJmp(jmpXDec, 11),                       // 11: length loop
			encSet(setPins, 0),                        // 12: pulse off
			encOut(outX, 16),                          // 13: gap
			encJmp(jmpXDec, 14),                       // 14: gap loop
			encJmp(jmpYDec, 8),                        // 15:
			side(encSet(setPins, 0), 0),               // 16: disarm
			encIrqClear(flagTrigger),                  // 17:
			encPushBlock(),                            // 18:
		},
	}
}

// GlitchMultiple emits independently timed pulses, one FIFO config
// word of length<<22|delay per pulse after the count-1 word.
func GlitchMultiple() Program {
	return Program{
		SidesetBits: 2,
		SidesetOpt:  true,
		Instr: []uint16{
			encPullBlock(),                            //  0: count-1
			encMov(movY, movOSR),                      //  1:
			side(encWait(1, waitIRQ, flagTrigger), 1), //  2: armed, wait trigger
			encPullBlock(),                            //  3: pulse loop, config
			encOut(outX, 22),                          //  4: delay
			encJmp(jmpXDec, 5),                        //  5: delay loop
			encOut(outX, 10),                          //  6: length
			encSet(setPins, 1),                        //  7: pulse on
			encJmp(jmpXDec, 8),                        //  8: length loop
			encSet(setPins, 0),                        //  9: pulse off
			encJmp(jmpYDec, 3),                        // 10:
			side(encSet(setPins, 0), 0),               // 11: disarm
			encIrqClear(flagTrigger),                  // 12:
			encPushBlock(),                            // 13:
		},
	}
}

// PulseShaping drops the DAC fire line, which idles high, for the
// replay window. FIFO words: delay, window.
func PulseShaping() Program {
	return Program{
		SidesetBits: 2,
		SidesetOpt:  true,
		Instr: []uint16{
			encPullBlock(),                            //  0: delay
			encMov(movX, movOSR),                      //  1:
			encPullBlock(),                            //  2: window
			encMov(movY, movOSR),                      //  3:
			side(encWait(1, waitIRQ, flagTrigger), 1), //  4: armed, wait trigger
			encJmp(jmpXDec, 5),                        //  5: delay loop
			encSet(setPins, 0),                        //  6: fire
			encJmp(jmpYDec, 7),                        //  7: window loop
			side(encSet(setPins, 1), 0),               //  8: restore, disarm
			encIrqClear(flagTrigger),                  //  9:
			encPushBlock(),                            // 10:
		},
	}
}

// Multiplex replays four voltage segments on the two mux select pins.
// FIFO words: delay, then two bank words of v2<<30|t2<<16|v1<<14|t1.
// The idle code is baked into the program's final SET.
func Multiplex(idle uint8) Program {
	return Program{
		SidesetBits: 2,
		SidesetOpt:  true,
		Instr: []uint16{
			encPullBlock(),                            //  0: delay
			encMov(movX, movOSR),                      //  1:
			encPullBlock(),                            //  2: first bank
			side(encWait(1, waitIRQ, flagTrigger), 1), //  3: armed, wait trigger
			encJmp(jmpXDec, 4),                        //  4: delay loop
			encSet(setX, 1),                           //  5: two segments
			encOut(outY, 14),                          //  6: segment loop, duration
			encOut(outPins, 2),                        //  7: voltage code
			encJmp(jmpYDec, 8),                        //  8: duration loop
			encJmp(jmpXDec, 6),                        //  9:
			encPullBlock(),                            // 10: second bank
			encSet(setX, 1),                           // 11:
			encOut(outY, 14),                          // 12: segment loop, duration
			encOut(outPins, 2),                        // 13: voltage code
			encJmp(jmpYDec, 14),                       // 14: duration loop
			encJmp(jmpXDec, 12),                       // 15:
			side(encSet(setPins, uint16(idle)), 0),    // 16: restore idle, disarm
			encIrqClear(flagTrigger),                  // 17:
			encPushBlock(),                            // 18:
		},
	}
}

// TIOTrigger raises the trigger signal on a single edge of the input
// pin, gated by the dead-time condition.
func TIOTrigger(rising bool) Program {
	idle, active := uint16(1), uint16(0)
	if rising {
		idle, active = 0, 1
	}
	return Program{
		Instr: []uint16{
			encWait(1, waitIRQ, flagGate),      // 0: dead time passed
			encWait(idle, waitPin, 0),          // 1:
			encWait(active, waitPin, 0),        // 2: the edge
			encIrqSet(1, flagTrigger),          // 3:
		},
	}
}

// EdgeTrigger raises the trigger signal after a FIFO-supplied number
// of edges on the input pin. Not gated.
func EdgeTrigger(rising bool) Program {
	idle, active := uint16(1), uint16(0)
	if rising {
		idle, active = 0, 1
	}
	return Program{
		Instr: []uint16{
			encPullBlock(),              // 0: count-1
			encMov(movX, movOSR),        // 1:
			encWait(idle, waitPin, 0),   // 2: edge loop
			encWait(active, waitPin, 0), // 3:
			encJmp(jmpXDec, 2),          // 4:
			encIrqSet(1, flagTrigger),   // 5:
		},
	}
}

// DeadTime opens the trigger gate a FIFO-supplied number of cycles
// after the reference pin reaches the configured level.
func DeadTime(waitHigh bool) Program {
	level := uint16(0)
	if waitHigh {
		level = 1
	}
	return Program{
		Instr: []uint16{
			encPullBlock(),             // 0: dead cycles
			encMov(movX, movOSR),       // 1:
			encWait(level, waitPin, 0), // 2: reference condition
			encJmp(jmpXDec, 3),         // 3: dead time loop
			encIrqSet(1, flagGate),     // 4:
		},
	}
}

// UARTTrigger samples a serial byte stream on the input pin at a
// state machine clock of eight cycles per bit and raises the trigger
// signal on a pattern match. FIFO words: the pattern left-aligned in
// 32 bits, then the bit count minus one. Free-running and not gated.
func UARTTrigger() Program {
	return Program{
		Instr: []uint16{
			encPullBlock(),                  //  0: pattern
			encMov(movX, movOSR),            //  1:
			encPullBlock(),                  //  2: bits-1, stays in OSR
			encMov(movISR, movNull),         //  3: frame loop
			encWait(0, waitPin, 0),          //  4: start bit
			delay(encMov(movY, movOSR), 10), //  5: center of first data bit
			encIn(inPins, 1),                //  6: bit loop, sample
			delay(encJmp(jmpYDec, 6), 6),    //  7: eight cycles per bit
			encMov(movY, movISR),            //  8:
			encJmp(jmpXNotY, 3),             //  9: no match, next frame
			encIrqSet(1, flagTrigger),       // 10:
			encJmp(jmpAlways, 3),            // 11:
		},
	}
}

package core

import (
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

// pulsePin drives a low-high-low pulse wide enough for the polling
// machines to observe both levels.
func pulsePin(eng *SimEngine, pin int) {
	eng.setLevel(pin, false)
	time.Sleep(2 * time.Millisecond)
	eng.setLevel(pin, true)
	time.Sleep(2 * time.Millisecond)
	eng.setLevel(pin, false)
}

func TestSimGlitchProgram(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	const outPin, enPin = 13, 3
	m, err := eng.Load(ProgramGlitch, MachineConfig{OutPin: outPin, EnPin: enPin})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Put(100)   // delay
	m.Put(50000) // length, 50ms at the default cycle period
	m.Start()

	// The armed indicator rises once the FIFO words are consumed.
	waitFor(t, time.Second, func() bool { return eng.level(enPin) }, "armed indicator")
	if eng.level(outPin) {
		t.Error("glitch output high before trigger")
	}

	eng.flags[flagTrigger].Set()
	waitFor(t, time.Second, func() bool { return eng.level(outPin) }, "glitch output")

	if _, ok := m.Get(time.Second); !ok {
		t.Fatal("no completion token")
	}
	if eng.level(outPin) {
		t.Error("glitch output still high after completion")
	}
	if eng.level(enPin) {
		t.Error("armed indicator still high after completion")
	}
}

func TestSimGlitchBurstPulseCount(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	const outPin = 13
	m, err := eng.Load(ProgramGlitchBurst, MachineConfig{OutPin: outPin, EnPin: 3})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Put(0)
	m.Put(20000<<16 | 20000) // 20ms pulses, 20ms gaps
	m.Put(2)                 // three pulses
	m.Start()

	// Count rising transitions while the burst runs.
	pulses := 0
	last := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, ok := m.Get(0); ok {
				return
			}
			level := eng.level(outPin)
			if level && !last {
				pulses++
			}
			last = level
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	eng.flags[flagTrigger].Set()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("burst did not complete")
	}
	if pulses != 3 {
		t.Errorf("observed %d pulses, want 3", pulses)
	}
}

func TestSimTIOTriggerGated(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	const trigPin, gatePin = 14, 3

	detector, err := eng.Load(ProgramTIOTrigger, MachineConfig{InPin: trigPin, Edge: EdgeRising})
	if err != nil {
		t.Fatalf("Load detector: %v", err)
	}
	gate, err := eng.Load(ProgramDeadTime, MachineConfig{InPin: gatePin, WaitHigh: true})
	if err != nil {
		t.Fatalf("Load gate: %v", err)
	}
	gate.Put(0)
	detector.Start()
	gate.Start()

	// Edges before the gate condition holds must not count.
	pulsePin(eng, trigPin)
	time.Sleep(20 * time.Millisecond)
	if eng.TriggerSeen() {
		t.Fatal("trigger fired while the gate was closed")
	}

	eng.setLevel(gatePin, true)
	time.Sleep(20 * time.Millisecond)
	pulsePin(eng, trigPin)

	waitFor(t, time.Second, eng.TriggerSeen, "gated trigger")
}

func TestSimEdgeTriggerCountsEdges(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	const trigPin = 14
	m, err := eng.Load(ProgramEdgeTrigger, MachineConfig{InPin: trigPin, Edge: EdgeRising})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Put(1) // two edges
	m.Start()

	pulsePin(eng, trigPin)
	time.Sleep(20 * time.Millisecond)
	if eng.TriggerSeen() {
		t.Fatal("trigger fired after one edge, want two")
	}

	pulsePin(eng, trigPin)
	waitFor(t, time.Second, eng.TriggerSeen, "second edge")
}

// sendByte shifts one UART frame out on the pin, LSB first.
func sendByte(eng *SimEngine, pin int, b byte, bit time.Duration) {
	eng.setLevel(pin, false) // start bit
	time.Sleep(bit)
	for i := 0; i < 8; i++ {
		eng.setLevel(pin, b&(1<<i) != 0)
		time.Sleep(bit)
	}
	eng.setLevel(pin, true) // stop bit
	time.Sleep(bit)
}

func TestSimUARTTriggerPatternMatch(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	const trigPin = 14
	const baudCycles = 4000 // 4ms per bit at the default cycle period
	bit := time.Duration(baudCycles) * eng.CyclePeriod

	m, err := eng.Load(ProgramUARTTrigger, MachineConfig{InPin: trigPin, BaudCycles: baudCycles})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Put(0x11 << 24) // pattern, left-aligned
	m.Put(7)          // eight data bits
	m.Start()

	eng.setLevel(trigPin, true) // line idle
	time.Sleep(20 * time.Millisecond)

	sendByte(eng, trigPin, 0x42, bit)
	time.Sleep(20 * time.Millisecond)
	if eng.TriggerSeen() {
		t.Fatal("trigger fired on non-matching byte")
	}

	sendByte(eng, trigPin, 0x11, bit)
	waitFor(t, time.Second, eng.TriggerSeen, "pattern match")
}

func TestSimMultiplexProgram(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	// Mux select port on pins 0 and 1, idle voltage code 0b10.
	m, err := eng.Load(ProgramMultiplex, MachineConfig{OutPin: 0, EnPin: 3, MuxIdle: 0b10})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Put(0)
	m.Put(0b01<<30 | 30000<<16 | 0b11<<14 | 30000) // GND then 1.8, 30ms each
	m.Put(0b10<<30 | 0<<16 | 0b10<<14 | 0)         // idle, zero cycles
	m.Start()

	waitFor(t, time.Second, func() bool { return eng.level(3) }, "armed indicator")
	eng.flags[flagTrigger].Set()

	// First segment drives GND, both select lines high.
	waitFor(t, time.Second, func() bool { return eng.level(0) && eng.level(1) }, "GND segment")

	if _, ok := m.Get(2 * time.Second); !ok {
		t.Fatal("no completion token")
	}
	// Idle code restored: bit 0 low, bit 1 high.
	if eng.level(0) || !eng.level(1) {
		t.Errorf("mux pins after run = %v %v, want false true", eng.level(0), eng.level(1))
	}
}

func TestSimPulseShapingFireLine(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	const firePin = 5
	m, err := eng.Load(ProgramPulseShaping, MachineConfig{OutPin: firePin, EnPin: 3})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Put(0)
	m.Put(50000) // 50ms window
	m.Start()

	// The fire line idles high.
	waitFor(t, time.Second, func() bool { return eng.level(firePin) }, "fire line idle")

	eng.flags[flagTrigger].Set()
	waitFor(t, time.Second, func() bool { return !eng.level(firePin) }, "fire line low")

	if _, ok := m.Get(time.Second); !ok {
		t.Fatal("no completion token")
	}
	if !eng.level(firePin) {
		t.Error("fire line not restored to idle")
	}
}

func TestSimMachineStop(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	m, err := eng.Load(ProgramGlitch, MachineConfig{OutPin: 13, EnPin: 3})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Put(1)
	m.Start()
	if !m.Active() {
		t.Fatal("machine not active after Start")
	}

	// Stalled on the second FIFO word; Stop must still return.
	m.Stop()
	if m.Active() {
		t.Error("machine still active after Stop")
	}
	if _, ok := m.Get(0); ok {
		t.Error("stale token survived Stop")
	}
}

func TestSimEngineSlotLimit(t *testing.T) {
	eng := NewSimEngine()
	defer eng.StopAll()

	for i := 0; i < simMaxMachines; i++ {
		if _, err := eng.Load(ProgramGlitch, MachineConfig{}); err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
	}
	if _, err := eng.Load(ProgramGlitch, MachineConfig{}); err != ErrNoFreeSlot {
		t.Errorf("Load beyond capacity = %v, want ErrNoFreeSlot", err)
	}

	eng.StopAll()
	if _, err := eng.Load(ProgramGlitch, MachineConfig{}); err != nil {
		t.Errorf("Load after StopAll: %v", err)
	}
}

package core

import (
	"errors"
	"testing"
	"time"

	"glitcher/config"
)

// newTestGlitcher registers a fresh simulated engine as both the state
// machine engine and the GPIO driver and builds a facade on top of it.
func newTestGlitcher(t *testing.T) (*Glitcher, *SimEngine) {
	t.Helper()
	eng := NewSimEngine()
	SetEngine(eng)
	SetGPIODriver(eng)
	t.Cleanup(eng.StopAll)

	g, err := NewGlitcher(config.Default(), &config.MemStore{Config: config.Default()})
	if err != nil {
		t.Fatalf("NewGlitcher: %v", err)
	}
	return g, eng
}

// fireTrigger waits for the armed indicator and then pulses the default
// trigger input.
func fireTrigger(t *testing.T, g *Glitcher, eng *SimEngine) {
	t.Helper()
	waitFor(t, time.Second, func() bool { return eng.level(g.pins.GlitchEn) }, "armed indicator")
	pulsePin(eng, g.pins.Trigger)
}

func TestBootState(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if eng.level(g.pins.Reset) {
		t.Error("target not held in reset at boot")
	}
	// Revision 2.3 enables target power with a high level.
	if eng.level(g.pins.VTargetEN) {
		t.Error("target power enabled at boot")
	}
	if g.glitchPin != g.pins.LPGlitch {
		t.Errorf("boot glitch output = pin %d, want LP pin %d", g.glitchPin, g.pins.LPGlitch)
	}
	// Mux at the configured 3.3V init code.
	if eng.level(g.pins.Mux1) || !eng.level(g.pins.Mux0) {
		t.Errorf("mux pins at boot = %v %v, want false true",
			eng.level(g.pins.Mux1), eng.level(g.pins.Mux0))
	}
}

func TestCycles(t *testing.T) {
	g, _ := newTestGlitcher(t)

	// 250MHz clock, 4ns per cycle.
	tests := []struct {
		ns   uint64
		want uint32
	}{
		{0, 0},
		{3, 0},
		{4, 1},
		{5, 1},
		{1000, 250},
	}
	for _, tt := range tests {
		if got := g.cycles(tt.ns); got != tt.want {
			t.Errorf("cycles(%d) = %d, want %d", tt.ns, got, tt.want)
		}
	}

	g.SetFrequency(100_000_000)
	if got := g.cycles(1000); got != 100 {
		t.Errorf("cycles(1000) at 100MHz = %d, want 100", got)
	}
}

func TestArmBlockCompletes(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.Arm(400, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	fireTrigger(t, g, eng)

	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if !g.CheckGlitch() {
		t.Error("CheckGlitch false after completed run")
	}
	if eng.level(g.pins.GlitchEn) {
		t.Error("armed indicator high after completion")
	}
}

func TestBlockTimeout(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.Arm(0, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFor(t, time.Second, func() bool { return eng.level(g.pins.GlitchEn) }, "armed indicator")

	err := g.Block(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Block = %v, want ErrTimeout", err)
	}
	if eng.level(g.pins.GlitchEn) {
		t.Error("armed indicator high after timeout")
	}
	if eng.level(g.pins.LPGlitch) {
		t.Error("glitch output high after timeout")
	}
	if g.CheckGlitch() {
		t.Error("CheckGlitch true after timeout")
	}
	if err := g.Block(time.Millisecond); err != ErrNotArmed {
		t.Errorf("Block after timeout = %v, want ErrNotArmed", err)
	}
}

func TestBlockNotArmed(t *testing.T) {
	g, _ := newTestGlitcher(t)
	if err := g.Block(time.Millisecond); err != ErrNotArmed {
		t.Errorf("Block = %v, want ErrNotArmed", err)
	}
}

func TestRearmAfterTimeout(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.Arm(0, 400); err != nil {
		t.Fatalf("first Arm: %v", err)
	}
	if err := g.Block(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Block = %v, want ErrTimeout", err)
	}

	// The aborted run must not leak FIFO words or signal flags into
	// the next one.
	if err := g.Arm(0, 400); err != nil {
		t.Fatalf("re-Arm: %v", err)
	}
	fireTrigger(t, g, eng)
	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block after re-arm: %v", err)
	}
}

func TestEdgeCountTrigger(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.SetTrigger(TriggerEdgeCount, "default", EdgeRising); err != nil {
		t.Fatalf("SetTrigger: %v", err)
	}
	if err := g.SetNumberOfEdges(2); err != nil {
		t.Fatalf("SetNumberOfEdges: %v", err)
	}
	if err := g.Arm(0, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFor(t, time.Second, func() bool { return eng.level(g.pins.GlitchEn) }, "armed indicator")

	pulsePin(eng, g.pins.Trigger)
	time.Sleep(50 * time.Millisecond)
	if g.CheckGlitch() {
		t.Fatal("glitch fired after one edge, want two")
	}

	pulsePin(eng, g.pins.Trigger)
	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
}

func TestSetNumberOfEdgesRange(t *testing.T) {
	g, _ := newTestGlitcher(t)
	if err := g.SetNumberOfEdges(0); err != ErrEdgeCount {
		t.Errorf("SetNumberOfEdges(0) = %v, want ErrEdgeCount", err)
	}
}

func TestUARTTrigger(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.SetTrigger(TriggerUART, "default", EdgeRising); err != nil {
		t.Fatalf("SetTrigger: %v", err)
	}
	g.SetNumberOfBits(8)
	g.SetPatternMatch(0x11)
	// Slow the bit clock down to something the simulation can pace.
	g.SetBaudrate(g.Frequency() / 4000)

	eng.setLevel(g.pins.Trigger, true) // line idle
	if err := g.Arm(0, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFor(t, time.Second, func() bool { return eng.level(g.pins.GlitchEn) }, "armed indicator")

	bit := 4000 * eng.CyclePeriod
	sendByte(eng, g.pins.Trigger, 0x42, bit)
	time.Sleep(50 * time.Millisecond)
	if g.CheckGlitch() {
		t.Fatal("glitch fired on non-matching byte")
	}

	sendByte(eng, g.pins.Trigger, 0x11, bit)
	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
}

func TestDeadZoneGatesTrigger(t *testing.T) {
	g, eng := newTestGlitcher(t)

	// Trigger only counts once target power is up.
	g.SetDeadZone(0, RefPower, EdgeRising)
	if err := g.Arm(0, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFor(t, time.Second, func() bool { return eng.level(g.pins.GlitchEn) }, "armed indicator")

	pulsePin(eng, g.pins.Trigger)
	time.Sleep(50 * time.Millisecond)
	if g.CheckGlitch() {
		t.Fatal("glitch fired before the dead zone reference condition")
	}

	g.EnableVTarget()
	time.Sleep(50 * time.Millisecond)
	pulsePin(eng, g.pins.Trigger)
	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
}

func TestSetTrigger(t *testing.T) {
	g, _ := newTestGlitcher(t)

	if err := g.SetTrigger(TriggerTIO, "nonsense", EdgeRising); err != ErrTriggerPin {
		t.Errorf("unknown pin = %v, want ErrTriggerPin", err)
	}

	// The EXT inputs invert, so the requested edge flips.
	if err := g.SetTrigger(TriggerTIO, "ext1", EdgeRising); err != nil {
		t.Fatalf("SetTrigger ext1: %v", err)
	}
	if g.triggerEdge != EdgeFalling {
		t.Error("edge not inverted for ext1 input")
	}

	if err := g.SetTrigger(TriggerTIO, "alt", EdgeFalling); err != nil {
		t.Fatalf("SetTrigger alt: %v", err)
	}
	if g.triggerEdge != EdgeFalling {
		t.Error("edge inverted for non-inverting input")
	}
	if g.triggerPin != g.pins.AltTrigger {
		t.Errorf("trigger pin = %d, want alt pin %d", g.triggerPin, g.pins.AltTrigger)
	}
}

func TestArmDouble(t *testing.T) {
	g, eng := newTestGlitcher(t)

	tests := []struct {
		name           string
		d1, l1, d2, l2 uint64
		want           error
	}{
		{"collision", 100, 100, 150, 100, ErrPulseCollides},
		{"touching", 100, 100, 200, 100, ErrPulseCollides},
		{"length too long", 100, 100_000, 200_000, 100, ErrCycleRange},
		{"delay too long", 100_000_000, 100, 200_000_000, 100, ErrCycleRange},
	}
	for _, tt := range tests {
		if err := g.ArmDouble(tt.d1, tt.l1, tt.d2, tt.l2); err != tt.want {
			t.Errorf("%s: ArmDouble = %v, want %v", tt.name, err, tt.want)
		}
	}

	if err := g.ArmDouble(0, 400, 1200, 400); err != nil {
		t.Fatalf("ArmDouble: %v", err)
	}
	fireTrigger(t, g, eng)
	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
}

func TestArmBurst(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.ArmBurst(0, 400, 0, 400); err != ErrCycleRange {
		t.Errorf("zero pulses = %v, want ErrCycleRange", err)
	}
	if err := g.ArmBurst(0, 400_000, 2, 400); err != ErrCycleRange {
		t.Errorf("oversized length = %v, want ErrCycleRange", err)
	}

	if err := g.ArmBurst(0, 400, 3, 400); err != nil {
		t.Fatalf("ArmBurst: %v", err)
	}
	fireTrigger(t, g, eng)
	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
}

func TestArmMultiplexing(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.ArmMultiplexing(0, nil); err != ErrMuxSegments {
		t.Errorf("no segments = %v, want ErrMuxSegments", err)
	}
	five := make([]MuxSegment, 5)
	if err := g.ArmMultiplexing(0, five); err != ErrMuxSegments {
		t.Errorf("five segments = %v, want ErrMuxSegments", err)
	}
	long := []MuxSegment{{DurationNs: 100_000, Voltage: "GND"}}
	if err := g.ArmMultiplexing(0, long); err != ErrCycleRange {
		t.Errorf("oversized segment = %v, want ErrCycleRange", err)
	}
	bogus := []MuxSegment{{DurationNs: 400, Voltage: "9000"}}
	if err := g.ArmMultiplexing(0, bogus); err == nil {
		t.Error("unknown voltage accepted")
	}

	segs := []MuxSegment{
		{DurationNs: 400, Voltage: "GND"},
		{DurationNs: 400, Voltage: "1.8"},
	}
	if err := g.ArmMultiplexing(0, segs); err != nil {
		t.Fatalf("ArmMultiplexing: %v", err)
	}
	fireTrigger(t, g, eng)
	if err := g.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}

	// Idle voltage restored after the profile.
	if eng.level(g.pins.Mux1) || !eng.level(g.pins.Mux0) {
		t.Errorf("mux pins after run = %v %v, want false true",
			eng.level(g.pins.Mux1), eng.level(g.pins.Mux0))
	}
}

func TestSetMuxVoltage(t *testing.T) {
	g, eng := newTestGlitcher(t)

	if err := g.SetMuxVoltage("9000"); err == nil {
		t.Error("unknown voltage accepted")
	}
	if err := g.SetMuxVoltage("GND"); err != nil {
		t.Fatalf("SetMuxVoltage: %v", err)
	}
	if !eng.level(g.pins.Mux1) || !eng.level(g.pins.Mux0) {
		t.Errorf("mux pins for GND = %v %v, want true true",
			eng.level(g.pins.Mux1), eng.level(g.pins.Mux0))
	}
}

func TestPowerCycleTarget(t *testing.T) {
	g, eng := newTestGlitcher(t)

	g.EnableVTarget()
	if err := g.PowerCycleTarget(10 * time.Millisecond); err != nil {
		t.Fatalf("PowerCycleTarget: %v", err)
	}
	if !eng.level(g.pins.VTargetEN) {
		t.Error("target power not restored after power cycle")
	}
}

func TestPowerCycleWhileArmedMux(t *testing.T) {
	g, _ := newTestGlitcher(t)

	if err := g.SetMultiplexing(); err != nil {
		t.Fatalf("SetMultiplexing: %v", err)
	}
	segs := []MuxSegment{{DurationNs: 400, Voltage: "GND"}}
	if err := g.ArmMultiplexing(0, segs); err != nil {
		t.Fatalf("ArmMultiplexing: %v", err)
	}

	if err := g.PowerCycleTarget(time.Millisecond); err != ErrArmed {
		t.Errorf("PowerCycleTarget while armed = %v, want ErrArmed", err)
	}
	if err := g.PowerCycleReset(time.Millisecond); err != ErrArmed {
		t.Errorf("PowerCycleReset while armed = %v, want ErrArmed", err)
	}
	if err := g.SetMuxVoltage("GND"); err != ErrArmed {
		t.Errorf("SetMuxVoltage while armed = %v, want ErrArmed", err)
	}
}

func TestRevision1Limits(t *testing.T) {
	eng := NewSimEngine()
	SetEngine(eng)
	SetGPIODriver(eng)
	t.Cleanup(eng.StopAll)

	cfg := config.Default()
	cfg.HardwareVersion = [2]int{1, 1}
	g, err := NewGlitcher(cfg, &config.MemStore{Config: cfg})
	if err != nil {
		t.Fatalf("NewGlitcher: %v", err)
	}

	if err := g.SetMultiplexing(); err != ErrHardware {
		t.Errorf("SetMultiplexing on rev 1 = %v, want ErrHardware", err)
	}
	if err := g.SetPulseShaping(3.3); err != ErrHardware {
		t.Errorf("SetPulseShaping on rev 1 = %v, want ErrHardware", err)
	}
	if err := g.SetTrigger(TriggerTIO, "ext1", EdgeRising); err != ErrTriggerPin {
		t.Errorf("SetTrigger ext1 on rev 1 = %v, want ErrTriggerPin", err)
	}
	segs := []MuxSegment{{DurationNs: 400, Voltage: "GND"}}
	if err := g.ArmMultiplexing(0, segs); err != ErrHardware {
		t.Errorf("ArmMultiplexing on rev 1 = %v, want ErrHardware", err)
	}
}

func TestSelectGlitchOutput(t *testing.T) {
	g, eng := newTestGlitcher(t)

	g.SetHPGlitch()
	if g.glitchPin != g.pins.HPGlitch {
		t.Errorf("glitch pin = %d, want HP pin %d", g.glitchPin, g.pins.HPGlitch)
	}
	if !eng.level(g.pins.HPLED) || eng.level(g.pins.LPLED) {
		t.Error("LEDs do not follow the HP selection")
	}

	g.SetLPGlitch()
	if g.glitchPin != g.pins.LPGlitch {
		t.Errorf("glitch pin = %d, want LP pin %d", g.glitchPin, g.pins.LPGlitch)
	}
	if eng.level(g.pins.HPLED) || !eng.level(g.pins.LPLED) {
		t.Error("LEDs do not follow the LP selection")
	}
}

func TestApplyCalibrationPersists(t *testing.T) {
	eng := NewSimEngine()
	SetEngine(eng)
	SetGPIODriver(eng)
	t.Cleanup(eng.StopAll)

	store := &config.MemStore{Config: config.Default()}
	g, err := NewGlitcher(store.Config, store)
	if err != nil {
		t.Fatalf("NewGlitcher: %v", err)
	}

	if err := g.ApplyCalibration(3.0, 1.0, true); err != nil {
		t.Fatalf("ApplyCalibration: %v", err)
	}
	if store.Config.PSOffset != 3.0 {
		t.Errorf("persisted offset = %v, want 3.0", store.Config.PSOffset)
	}
	if store.Config.PSFactor != 0.5 {
		t.Errorf("persisted factor = %v, want 0.5", store.Config.PSFactor)
	}
}

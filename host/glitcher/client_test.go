package glitcher

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"glitcher/config"
	"glitcher/core"
	"glitcher/protocol"
)

// pipePort is an in-memory serial port: one half of a duplex pipe to
// the simulated device.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Flush() error                { return nil }

func (p *pipePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

// rampADC fills captures with a recognizable ramp.
type rampADC struct{}

func (rampADC) Configure(samples int, freqHz int) error { return nil }

func (rampADC) Capture(buf []uint16) error {
	for i := range buf {
		buf[i] = uint16(i)
	}
	return nil
}

// newTestDevice wires a client through in-memory pipes to a complete
// device stack running on the simulated engine.
func newTestDevice(t *testing.T) (*Client, *core.SimEngine, config.Pins) {
	t.Helper()

	eng := core.NewSimEngine()
	core.SetEngine(eng)
	core.SetGPIODriver(eng)
	core.SetADCDriver(rampADC{})

	cfg := config.Default()
	pins, err := config.PinsFor(cfg.Revision())
	if err != nil {
		t.Fatalf("PinsFor: %v", err)
	}
	g, err := core.NewGlitcher(cfg, &config.MemStore{Config: cfg})
	if err != nil {
		t.Fatalf("NewGlitcher: %v", err)
	}
	sampler, err := core.NewADCSampler()
	if err != nil {
		t.Fatalf("NewADCSampler: %v", err)
	}

	out := protocol.NewScratchOutput()
	proc := core.NewProcessor(out, g, sampler)
	devTransport := proc.Transport()

	hostRead, devWrite := io.Pipe()
	devRead, hostWrite := io.Pipe()

	devTransport.SetFlushCallback(func() {
		if res := out.Result(); len(res) > 0 {
			devWrite.Write(res)
			out.Reset()
		}
	})

	// Device pump, the in-memory stand-in for the firmware main loop.
	go func() {
		fifo := protocol.NewFifoBuffer(512)
		buf := make([]byte, 64)
		for {
			n, err := devRead.Read(buf)
			if err != nil {
				return
			}
			fifo.Write(buf[:n])
			devTransport.Receive(fifo)
			if res := out.Result(); len(res) > 0 {
				devWrite.Write(res)
				out.Reset()
			}
		}
	}()

	c := &Client{
		ErrWait: 200 * time.Millisecond,
		Logf:    log.Printf,
	}
	c.port = &pipePort{r: hostRead, w: hostWrite}
	c.transport = protocol.NewHostTransport(c.port)
	c.transport.SetResponseHandler(c.handleResponse)
	c.connected = true

	t.Cleanup(func() {
		// EOF the host read loop before Close waits for it.
		devWrite.Close()
		c.Close()
		devRead.Close()
		eng.StopAll()
	})

	return c, eng, pins
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// fireTrigger pulses the trigger input once the armed indicator is up.
func fireTrigger(t *testing.T, eng *core.SimEngine, pins config.Pins) {
	t.Helper()
	waitFor(t, time.Second, func() bool {
		return eng.ReadPin(core.GPIOPin(pins.GlitchEn))
	}, "armed indicator")
	eng.SetPin(core.GPIOPin(pins.Trigger), false)
	time.Sleep(2 * time.Millisecond)
	eng.SetPin(core.GPIOPin(pins.Trigger), true)
	time.Sleep(2 * time.Millisecond)
	eng.SetPin(core.GPIOPin(pins.Trigger), false)
}

func TestClientVersionRoundTrip(t *testing.T) {
	c, _, _ := newTestDevice(t)

	v, err := c.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v.Software != "1.0" {
		t.Errorf("software version = %q, want %q", v.Software, "1.0")
	}
	if v.Major != 2 || v.Minor != 3 {
		t.Errorf("hardware revision = %d.%d, want 2.3", v.Major, v.Minor)
	}
}

func TestClientArmBlockCheck(t *testing.T) {
	c, eng, pins := newTestDevice(t)

	if err := c.Arm(0, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	go fireTrigger(t, eng, pins)

	if err := c.Block(2 * time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
	glitched, err := c.CheckGlitch()
	if err != nil {
		t.Fatalf("CheckGlitch: %v", err)
	}
	if !glitched {
		t.Error("CheckGlitch = false after completed glitch")
	}
}

func TestClientBlockTimeout(t *testing.T) {
	c, _, _ := newTestDevice(t)

	if err := c.Arm(0, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := c.Block(50 * time.Millisecond); err != ErrGlitchTimeout {
		t.Fatalf("Block without trigger = %v, want ErrGlitchTimeout", err)
	}
}

func TestClientDeviceError(t *testing.T) {
	c, _, _ := newTestDevice(t)

	err := c.SetTrigger(TriggerTIO, "bogus", EdgeRising)
	if err == nil {
		t.Fatal("SetTrigger with unknown pin did not fail")
	}
	if !strings.Contains(err.Error(), "trigger") {
		t.Errorf("error %q does not mention the trigger pin", err)
	}
}

func TestClientADCTrace(t *testing.T) {
	c, eng, pins := newTestDevice(t)

	if err := c.ConfigureADC(8, 100_000); err != nil {
		t.Fatalf("ConfigureADC: %v", err)
	}
	if err := c.ArmADC(); err != nil {
		t.Fatalf("ArmADC: %v", err)
	}
	armed, err := c.ADCStatus()
	if err != nil {
		t.Fatalf("ADCStatus: %v", err)
	}
	if !armed {
		t.Fatal("ADCStatus = false after ArmADC")
	}

	if err := c.Arm(0, 400); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	go fireTrigger(t, eng, pins)

	samples, err := c.GlitchAndCapture(2 * time.Second)
	if err != nil {
		t.Fatalf("GlitchAndCapture: %v", err)
	}
	if len(samples) != 8 {
		t.Fatalf("len(samples) = %d, want 8", len(samples))
	}
	for i, v := range samples {
		if v != uint16(i) {
			t.Errorf("samples[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestClientSettersAccepted(t *testing.T) {
	c, _, _ := newTestDevice(t)

	if err := c.SetTrigger(TriggerEdge, "default", EdgeFalling); err != nil {
		t.Fatalf("SetTrigger: %v", err)
	}
	if err := c.SetNumberOfEdges(3); err != nil {
		t.Fatalf("SetNumberOfEdges: %v", err)
	}
	if err := c.SetHPGlitch(); err != nil {
		t.Fatalf("SetHPGlitch: %v", err)
	}
	if err := c.SetMuxVoltage("1.8"); err != nil {
		t.Fatalf("SetMuxVoltage: %v", err)
	}
	if err := c.SetMuxVoltage("9.9"); err == nil {
		t.Error("SetMuxVoltage with unknown selector did not fail")
	}
}

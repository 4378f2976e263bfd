package core

import (
	"strings"
	"sync/atomic"
	"testing"

	"glitcher/protocol"
)

func newTestProcessor(t *testing.T) (*Processor, *protocol.ScratchOutput, *Glitcher, *SimEngine) {
	t.Helper()
	g, eng := newTestGlitcher(t)

	SetADCDriver(&rampADC{})
	sampler, err := NewADCSampler()
	if err != nil {
		t.Fatalf("NewADCSampler: %v", err)
	}

	out := protocol.NewScratchOutput()
	return NewProcessor(out, g, sampler), out, g, eng
}

// cmdArgs encodes a command argument list the way a host frame
// carries it.
func cmdArgs(fn func(out protocol.OutputBuffer)) []byte {
	out := protocol.NewScratchOutput()
	if fn != nil {
		fn(out)
	}
	return out.Result()
}

type rspFrame struct {
	id   uint16
	data []byte
}

// drainResponses splits the accumulated output into response frames
// and resets the buffer.
func drainResponses(t *testing.T, out *protocol.ScratchOutput) []rspFrame {
	t.Helper()
	buf := out.Result()
	out.Reset()

	var frames []rspFrame
	for len(buf) > 0 {
		n := int(buf[protocol.MessagePositionLen])
		if n < protocol.MessageLengthMin || n > len(buf) {
			t.Fatalf("malformed response frame, length %d of %d buffered bytes", n, len(buf))
		}
		payload := append([]byte(nil),
			buf[protocol.MessageHeaderSize:n-protocol.MessageTrailerSize]...)
		buf = buf[n:]
		if len(payload) == 0 {
			continue
		}
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			t.Fatalf("response command id: %v", err)
		}
		frames = append(frames, rspFrame{id: uint16(id), data: payload})
	}
	return frames
}

// oneResponse dispatches a command and expects exactly one response
// frame back.
func oneResponse(t *testing.T, p *Processor, out *protocol.ScratchOutput, cmdID uint16, data []byte) rspFrame {
	t.Helper()
	if err := p.dispatch(cmdID, &data); err != nil {
		t.Fatalf("dispatch(%d): %v", cmdID, err)
	}
	frames := drainResponses(t, out)
	if len(frames) != 1 {
		t.Fatalf("dispatch(%d) produced %d responses, want 1", cmdID, len(frames))
	}
	return frames[0]
}

func TestProcessorVersion(t *testing.T) {
	p, out, _, _ := newTestProcessor(t)

	rsp := oneResponse(t, p, out, protocol.CmdVersion, nil)
	if rsp.id != protocol.RspVersion {
		t.Fatalf("response id = %#x, want RspVersion", rsp.id)
	}
	version, err := protocol.DecodeVLQString(&rsp.data)
	if err != nil {
		t.Fatalf("version string: %v", err)
	}
	if version != "1.0" {
		t.Errorf("version = %q, want %q", version, "1.0")
	}
	major, _ := protocol.DecodeVLQUint(&rsp.data)
	minor, _ := protocol.DecodeVLQUint(&rsp.data)
	if major != 2 || minor != 3 {
		t.Errorf("hardware version = %d.%d, want 2.3", major, minor)
	}
}

func TestProcessorArmBlockRoundTrip(t *testing.T) {
	p, out, g, eng := newTestProcessor(t)

	data := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)   // delay ns
		protocol.EncodeVLQUint(o, 400) // length ns
	})
	if err := p.dispatch(protocol.CmdArm, &data); err != nil {
		t.Fatalf("dispatch(CmdArm): %v", err)
	}
	if frames := drainResponses(t, out); len(frames) != 0 {
		t.Fatalf("CmdArm produced %d responses, want none", len(frames))
	}

	fireTrigger(t, g, eng)

	block := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 2000) // timeout ms
	})
	rsp := oneResponse(t, p, out, protocol.CmdBlock, block)
	if rsp.id != protocol.RspGlitchDone {
		t.Errorf("response id = %#x, want RspGlitchDone", rsp.id)
	}

	rsp = oneResponse(t, p, out, protocol.CmdCheckGlitch, nil)
	if rsp.id != protocol.RspCheckGlitch {
		t.Fatalf("response id = %#x, want RspCheckGlitch", rsp.id)
	}
	if v, _ := protocol.DecodeVLQUint(&rsp.data); v != 1 {
		t.Errorf("check glitch = %d, want 1", v)
	}
}

func TestProcessorBlockTimeout(t *testing.T) {
	p, out, _, _ := newTestProcessor(t)

	data := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 400)
	})
	if err := p.dispatch(protocol.CmdArm, &data); err != nil {
		t.Fatalf("dispatch(CmdArm): %v", err)
	}
	drainResponses(t, out)

	block := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 50)
	})
	rsp := oneResponse(t, p, out, protocol.CmdBlock, block)
	if rsp.id != protocol.RspTimeout {
		t.Errorf("response id = %#x, want RspTimeout", rsp.id)
	}
}

func TestProcessorErrorResponse(t *testing.T) {
	p, out, _, _ := newTestProcessor(t)

	data := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(TriggerTIO))
		protocol.EncodeVLQString(o, "nonsense")
		protocol.EncodeVLQUint(o, uint32(EdgeRising))
	})
	rsp := oneResponse(t, p, out, protocol.CmdSetTrigger, data)
	if rsp.id != protocol.RspError {
		t.Fatalf("response id = %#x, want RspError", rsp.id)
	}
	msg, err := protocol.DecodeVLQString(&rsp.data)
	if err != nil {
		t.Fatalf("error message: %v", err)
	}
	if !strings.Contains(msg, "trigger") {
		t.Errorf("error message %q does not mention the trigger pin", msg)
	}
}

func TestProcessorUnknownCommand(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)

	var data []byte
	if err := p.dispatch(0x7F, &data); err != protocol.ErrUnknownCommand {
		t.Errorf("dispatch(0x7F) = %v, want ErrUnknownCommand", err)
	}
}

func TestProcessorMuxSegmentLimit(t *testing.T) {
	p, out, _, _ := newTestProcessor(t)

	data := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0) // delay
		protocol.EncodeVLQUint(o, 5) // segment count
	})
	rsp := oneResponse(t, p, out, protocol.CmdArmMultiplexing, data)
	if rsp.id != protocol.RspError {
		t.Errorf("response id = %#x, want RspError", rsp.id)
	}
}

func TestProcessorADCRoundTrip(t *testing.T) {
	p, out, _, eng := newTestProcessor(t)

	configure := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 8)       // samples
		protocol.EncodeVLQUint(o, 100_000) // sample rate
	})
	if err := p.dispatch(protocol.CmdConfigureADC, &configure); err != nil {
		t.Fatalf("dispatch(CmdConfigureADC): %v", err)
	}
	var empty []byte
	if err := p.dispatch(protocol.CmdArmADC, &empty); err != nil {
		t.Fatalf("dispatch(CmdArmADC): %v", err)
	}
	if frames := drainResponses(t, out); len(frames) != 0 {
		t.Fatalf("ADC setup produced %d responses, want none", len(frames))
	}

	rsp := oneResponse(t, p, out, protocol.CmdADCStatus, nil)
	if rsp.id != protocol.RspADCStatus {
		t.Fatalf("response id = %#x, want RspADCStatus", rsp.id)
	}
	if v, _ := protocol.DecodeVLQUint(&rsp.data); v != 1 {
		t.Errorf("adc status = %d, want 1", v)
	}

	atomic.StoreUint32(&eng.triggerSeen, 1)

	read := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 1000) // timeout ms
	})
	rsp = oneResponse(t, p, out, protocol.CmdADCRead, read)
	if rsp.id != protocol.RspADCSamples {
		t.Fatalf("response id = %#x, want RspADCSamples", rsp.id)
	}
	count, _ := protocol.DecodeVLQUint(&rsp.data)
	if count != 8 {
		t.Fatalf("sample count = %d, want 8", count)
	}
	for i := uint32(0); i < count; i++ {
		v, err := protocol.DecodeVLQUint(&rsp.data)
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if v != i {
			t.Errorf("sample %d = %d, want %d", i, v, i)
		}
	}
}

func TestProcessorSettersRoundTrip(t *testing.T) {
	p, out, g, _ := newTestProcessor(t)

	edges := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 3)
	})
	if err := p.dispatch(protocol.CmdSetNumberOfEdges, &edges); err != nil {
		t.Fatalf("dispatch(CmdSetNumberOfEdges): %v", err)
	}
	if g.edgeCount != 3 {
		t.Errorf("edge count = %d, want 3", g.edgeCount)
	}

	baud := cmdArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 9600)
	})
	if err := p.dispatch(protocol.CmdSetBaudrate, &baud); err != nil {
		t.Fatalf("dispatch(CmdSetBaudrate): %v", err)
	}
	if g.baudrate != 9600 {
		t.Errorf("baudrate = %d, want 9600", g.baudrate)
	}

	if err := p.dispatch(protocol.CmdSetHPGlitch, &[]byte{}); err != nil {
		t.Fatalf("dispatch(CmdSetHPGlitch): %v", err)
	}
	if g.glitchPin != g.pins.HPGlitch {
		t.Error("HP glitch output not selected")
	}

	if frames := drainResponses(t, out); len(frames) != 0 {
		t.Errorf("setters produced %d responses, want none", len(frames))
	}
}

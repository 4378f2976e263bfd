package protocol

import "testing"

func TestVLQIntRoundTrip(t *testing.T) {
	// Values the command stream actually carries: nanosecond delays
	// and lengths, millivolt levels (negative for crowbar offsets),
	// edge counts and DAC codes up to the SRAM clamp.
	cases := []int32{
		0,
		1,
		-1,
		50,     // dead zone ticks
		400,    // glitch length ns
		-1800,  // mV offset
		3300,   // mV rail
		8190,   // DAC code clamp
		-8190,
		100_000,    // delay ns
		5_000_000,  // block timeout fragment
		-5_000_000,
	}

	for _, want := range cases {
		out := NewScratchOutput()
		EncodeVLQInt(out, want)

		data := out.Result()
		got, err := DecodeVLQInt(&data)
		if err != nil {
			t.Errorf("decode %d: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("round trip %d -> %d", want, got)
		}
		if len(data) != 0 {
			t.Errorf("%d left %d bytes unconsumed", want, len(data))
		}
	}
}

func TestVLQUintRoundTrip(t *testing.T) {
	cases := []uint32{
		0,
		uint32(CmdArm),
		uint32(RspGlitchDone),
		127,
		128, // first two-byte encoding
		921_600,    // UART baud
		48_000_000, // ADC clock
	}

	for _, want := range cases {
		out := NewScratchOutput()
		EncodeVLQUint(out, want)

		data := out.Result()
		got, err := DecodeVLQUint(&data)
		if err != nil {
			t.Errorf("decode %d: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("round trip %d -> %d", want, got)
		}
	}
}

func TestVLQBytesRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x7F},                  // single UART pattern byte
		{0x11, 0x22, 0x33, 0x44}, // response magic
		make([]byte, 50),         // near the frame payload limit
	}

	for i, want := range cases {
		out := NewScratchOutput()
		EncodeVLQBytes(out, want)

		data := out.Result()
		got, err := DecodeVLQBytes(&data)
		if err != nil {
			t.Errorf("case %d: %v", i, err)
			continue
		}
		if len(got) != len(want) {
			t.Errorf("case %d: length %d, want %d", i, len(got), len(want))
			continue
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("case %d: byte %d = %#x, want %#x", i, j, got[j], want[j])
			}
		}
	}
}

func TestVLQStringRoundTrip(t *testing.T) {
	// Firmware version and mux voltage names travel as VLQ strings.
	cases := []string{"", "1.0", "3.3", "GND", "VI1"}

	for _, want := range cases {
		out := NewScratchOutput()
		EncodeVLQString(out, want)

		data := out.Result()
		got, err := DecodeVLQString(&data)
		if err != nil {
			t.Errorf("decode %q: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("round trip %q -> %q", want, got)
		}
	}
}

func TestVLQTruncatedInput(t *testing.T) {
	// A continuation byte with nothing after it: the frame was cut.
	data := []byte{0x80}
	if _, err := DecodeVLQInt(&data); err != ErrBufferTooSmall {
		t.Errorf("err = %v, want ErrBufferTooSmall", err)
	}
}

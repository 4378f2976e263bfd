package config

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestParse(t *testing.T) {
	data := []byte(`{
		"hardware_version": [2, 3],
		"mux_vinit": "1.8",
		"ps_offset": 3.28,
		"ps_factor": 1.02,
		"software_version": "1.0"
	}`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Revision() != (Revision{Major: 2, Minor: 3}) {
		t.Errorf("revision = %+v, want 2.3", c.Revision())
	}
	if c.MuxVInit != "1.8" || c.PSOffset != 3.28 || c.PSFactor != 1.02 {
		t.Errorf("unexpected fields: %+v", c)
	}
	if _, err := Parse([]byte("{")); err == nil {
		t.Errorf("Parse accepted truncated input")
	}
}

func TestPinsFor(t *testing.T) {
	v1, err := PinsFor(Revision{Major: 1})
	if err != nil {
		t.Fatalf("PinsFor v1: %v", err)
	}
	if v1.Trigger != 15 || v1.GlitchEn != 1 || v1.HPGlitch != 16 || v1.Mux0 != NoPin {
		t.Errorf("v1 pins = %+v", v1)
	}
	v2, err := PinsFor(Revision{Major: 2, Minor: 1})
	if err != nil {
		t.Fatalf("PinsFor v2: %v", err)
	}
	if v2.Trigger != 14 || v2.GlitchEn != 3 || v2.Mux0 != 1 || v2.Mux1 != 0 || v2.Ext2 != 10 {
		t.Errorf("v2 pins = %+v", v2)
	}
	if _, err := PinsFor(Revision{Major: 3}); !errors.Is(err, ErrRevision) {
		t.Errorf("v3 err = %v, want ErrRevision", err)
	}
}

func TestClockHz(t *testing.T) {
	cases := []struct {
		major int
		want  int
	}{
		{1, 200_000_000},
		{2, 250_000_000},
	}
	for _, tc := range cases {
		got, err := ClockHz(Revision{Major: tc.major})
		if err != nil {
			t.Fatalf("ClockHz(v%d): %v", tc.major, err)
		}
		if got != tc.want {
			t.Errorf("ClockHz(v%d) = %d, want %d", tc.major, got, tc.want)
		}
	}
}

func TestVTargetPolarity(t *testing.T) {
	cases := []struct {
		rev  Revision
		high bool
	}{
		{Revision{1, 0}, false},
		{Revision{2, 2}, false},
		{Revision{2, 3}, true},
		{Revision{2, 5}, true},
	}
	for _, tc := range cases {
		if got := VTargetActiveHigh(tc.rev); got != tc.high {
			t.Errorf("VTargetActiveHigh(%d.%d) = %v, want %v", tc.rev.Major, tc.rev.Minor, got, tc.high)
		}
	}
}

func TestVoltageCode(t *testing.T) {
	cases := []struct {
		name string
		want uint8
	}{
		{"VI1", 0b00},
		{"VCC", 0b00},
		{"VI2", 0b10},
		{"3.3", 0b10},
		{"1.8", 0b01},
		{"GND", 0b11},
	}
	for _, tc := range cases {
		got, err := VoltageCode(tc.name)
		if err != nil {
			t.Fatalf("VoltageCode(%q): %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("VoltageCode(%q) = %02b, want %02b", tc.name, got, tc.want)
		}
	}
	if _, err := VoltageCode("5V"); !errors.Is(err, ErrVoltage) {
		t.Errorf("VoltageCode(5V) err = %v, want ErrVoltage", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := FileStore{Path: filepath.Join(t.TempDir(), "config.json")}
	want := Default()
	want.PSOffset = 3.15
	want.PSFactor = 0.98
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
	missing := FileStore{Path: filepath.Join(t.TempDir(), "absent.json")}
	if _, err := missing.Load(); err == nil {
		t.Errorf("Load of missing file succeeded")
	}
}

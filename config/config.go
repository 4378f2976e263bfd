// Package config holds the persistent device configuration and the
// hardware-revision tables derived from it: pin assignments, clock rates
// and the multiplexer voltage encoding.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrRevision = errors.New("config: unsupported hardware revision")
	ErrVoltage  = errors.New("config: unknown voltage selector")
)

// Config mirrors the on-flash config.json of the device.
type Config struct {
	// HardwareVersion is the board revision as {major, minor}.
	HardwareVersion [2]int `json:"hardware_version"`
	// MuxVInit selects the multiplexer output voltage applied at boot.
	MuxVInit string `json:"mux_vinit"`
	// PSOffset and PSFactor are the stored pulse-shaping calibration:
	// the measured output voltage at minimal gain and the derived
	// correction factor.
	PSOffset float64 `json:"ps_offset"`
	PSFactor float64 `json:"ps_factor"`

	SoftwareVersion string `json:"software_version"`
}

// Default is the configuration of an uncalibrated revision 2 board.
func Default() Config {
	return Config{
		HardwareVersion: [2]int{2, 3},
		MuxVInit:        "3.3",
		PSOffset:        3.3,
		PSFactor:        1.0,
		SoftwareVersion: "1.0",
	}
}

// Parse decodes a config.json payload.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return c, nil
}

// Marshal encodes the configuration for persistence.
func (c Config) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Revision returns the board revision described by the configuration.
func (c Config) Revision() Revision {
	return Revision{Major: c.HardwareVersion[0], Minor: c.HardwareVersion[1]}
}

// Revision identifies a board generation.
type Revision struct {
	Major int
	Minor int
}

// Pins is the GPIO assignment of one board revision. Entries that do
// not exist on a revision are NoPin.
type Pins struct {
	Trigger    int
	AltTrigger int
	Ext1       int
	Ext2       int
	VTargetEN  int
	VTargetOC  int
	Reset      int
	GlitchEn   int
	HPGlitch   int
	LPGlitch   int
	HPLED      int
	LPLED      int
	Mux0       int
	Mux1       int
	PSTrigger  int
}

// NoPin marks a GPIO function absent from a board revision.
const NoPin = -1

var pinTables = map[int]Pins{
	1: {
		Trigger:    15,
		AltTrigger: 18,
		Ext1:       NoPin,
		Ext2:       NoPin,
		VTargetEN:  20,
		VTargetOC:  21,
		Reset:      0,
		GlitchEn:   1,
		HPGlitch:   16,
		LPGlitch:   17,
		HPLED:      NoPin,
		LPLED:      NoPin,
		Mux0:       NoPin,
		Mux1:       NoPin,
		PSTrigger:  NoPin,
	},
	2: {
		Trigger:    14,
		AltTrigger: 11,
		Ext1:       11,
		Ext2:       10,
		VTargetEN:  22,
		VTargetOC:  NoPin,
		Reset:      2,
		GlitchEn:   3,
		HPGlitch:   12,
		LPGlitch:   13,
		HPLED:      8,
		LPLED:      7,
		Mux0:       1,
		Mux1:       0,
		PSTrigger:  5,
	},
}

// PinsFor returns the GPIO assignment for a revision.
func PinsFor(rev Revision) (Pins, error) {
	p, ok := pinTables[rev.Major]
	if !ok {
		return Pins{}, ErrRevision
	}
	return p, nil
}

// ClockHz returns the system clock the firmware runs the PIO engine at.
func ClockHz(rev Revision) (int, error) {
	switch rev.Major {
	case 1:
		return 200_000_000, nil
	case 2:
		return 250_000_000, nil
	}
	return 0, ErrRevision
}

// VTargetActiveHigh reports whether the target power enable line is
// active high. Revision 2 boards switched the driver transistor with
// minor revision 3.
func VTargetActiveHigh(rev Revision) bool {
	return rev.Major == 2 && rev.Minor >= 3
}

// HasMultiplexer reports whether the revision carries the voltage
// multiplexer and pulse-shaping hardware.
func HasMultiplexer(rev Revision) bool {
	return rev.Major >= 2
}

// VoltageCode maps a voltage selector name to the two-bit multiplexer
// control value. Bit 1 drives MUX0, bit 0 drives MUX1.
func VoltageCode(name string) (uint8, error) {
	switch name {
	case "VI1", "VCC":
		return 0b00, nil
	case "VI2", "3.3":
		return 0b10, nil
	case "1.8":
		return 0b01, nil
	case "GND":
		return 0b11, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrVoltage, name)
}

// MuxInitCode returns the multiplexer control value applied at boot.
func (c Config) MuxInitCode() (uint8, error) {
	return VoltageCode(c.MuxVInit)
}

// Store abstracts configuration persistence so the facade can update
// calibration values without knowing where the configuration lives.
type Store interface {
	Load() (Config, error)
	Save(Config) error
}

// FileStore persists the configuration as JSON in a file.
type FileStore struct {
	Path string
}

func (s FileStore) Load() (Config, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}
	return Parse(data)
}

func (s FileStore) Save(c Config) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	return nil
}

// MemStore keeps the configuration in memory. Device targets without a
// writable filesystem use it, seeded from an embedded default.
type MemStore struct {
	Config Config
}

func (s *MemStore) Load() (Config, error) { return s.Config, nil }

func (s *MemStore) Save(c Config) error {
	s.Config = c
	return nil
}

package main

import (
	"log"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

var k = koanf.New(".")

// Settings is the campaign configuration file. Everything has a
// default, so the file is optional.
type Settings struct {
	Device string `koanf:"device"`

	Trigger struct {
		Mode string `koanf:"mode"` // tio, edge or uart
		Pin  string `koanf:"pin"`  // default, alt, ext1, ext2
		Edge string `koanf:"edge"` // rising or falling

		Edges    int    `koanf:"edges"`    // edge mode: edges to count
		Baud     int    `koanf:"baud"`     // uart mode: baud rate
		Pattern  uint32 `koanf:"pattern"`  // uart mode: byte to match
		DeadNs   uint64 `koanf:"dead_ns"`  // tio mode: dead zone
		DeadRef  string `koanf:"dead_ref"` // power or reset
		DeadEdge string `koanf:"dead_edge"`
	} `koanf:"trigger"`

	Campaign struct {
		Attempts     int    `koanf:"attempts"`
		DelayStartNs uint64 `koanf:"delay_start_ns"`
		DelayEndNs   uint64 `koanf:"delay_end_ns"`
		DelayStepNs  uint64 `koanf:"delay_step_ns"`
		LengthNs     uint64 `koanf:"length_ns"`
		TimeoutMs    int    `koanf:"timeout_ms"`
		PowerCycle   bool   `koanf:"power_cycle"`
		OffMs        int    `koanf:"off_ms"`
		Output       string `koanf:"output"`
	} `koanf:"campaign"`
}

func defaultSettings() Settings {
	var s Settings
	s.Device = "/dev/ttyACM0"
	s.Trigger.Mode = "tio"
	s.Trigger.Pin = "default"
	s.Trigger.Edge = "rising"
	s.Trigger.Edges = 2
	s.Trigger.Baud = 115200
	s.Trigger.DeadRef = "power"
	s.Trigger.DeadEdge = "rising"
	s.Campaign.Attempts = 100
	s.Campaign.DelayStartNs = 0
	s.Campaign.DelayEndNs = 100_000
	s.Campaign.DelayStepNs = 1_000
	s.Campaign.LengthNs = 200
	s.Campaign.TimeoutMs = 1_000
	s.Campaign.OffMs = 200
	s.Campaign.Output = "campaign.csv"
	return s
}

// loadSettings layers the optional YAML file over the defaults.
func loadSettings(path string) Settings {
	k.Load(structs.Provider(defaultSettings(), "koanf"), nil)
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			log.Fatalf("error loading settings: %v", err)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		log.Fatalf("error parsing settings: %v", err)
	}
	return s
}

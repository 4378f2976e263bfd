package ad910x

// Register addresses of the AD9102/AD9106 waveform generation DAC.
const (
	RegSPIConfig    uint16 = 0x0000
	RegPowerConfig  uint16 = 0x0001
	RegClockConfig  uint16 = 0x0002
	RegRefAdj       uint16 = 0x0003
	RegDACAGain     uint16 = 0x0007
	RegDACXRange    uint16 = 0x0008
	RegDACRSet      uint16 = 0x000C
	RegCalConfig    uint16 = 0x000D
	RegCompOffset   uint16 = 0x000E
	RegRAMUpdate    uint16 = 0x001D
	RegPatStatus    uint16 = 0x001E
	RegPatType      uint16 = 0x001F
	RegPatternDly   uint16 = 0x0020
	RegDACDOF       uint16 = 0x0025
	RegWavConfig    uint16 = 0x0027
	RegPatTimebase  uint16 = 0x0028
	RegPatPeriod    uint16 = 0x0029
	RegDACPat       uint16 = 0x002B
	RegDoutStartDly uint16 = 0x002C
	RegDoutConfig   uint16 = 0x002D
	RegDACCst       uint16 = 0x0031
	RegDACDGain     uint16 = 0x0035
	RegSawConfig    uint16 = 0x0037
	RegDDSTW32      uint16 = 0x003E
	RegDDSTW1       uint16 = 0x003F
	RegDDSPW        uint16 = 0x0043
	RegTrigTWSel    uint16 = 0x0044
	RegDDSXConfig   uint16 = 0x0045
	RegTWRAMConfig  uint16 = 0x0047
	RegStartDly     uint16 = 0x005C
	RegStartAddr    uint16 = 0x005D
	RegStopAddr     uint16 = 0x005E
	RegDDSCyc       uint16 = 0x005F
	RegCfgError     uint16 = 0x0060

	SRAMAddressMin uint16 = 0x6000
	SRAMAddressMax uint16 = 0x6FFF
)

// RAM update and pattern status register bits.
const (
	UpdateSettings   uint16 = 0x01
	MemAccessEnable  uint16 = 0x04
	MemAccessDisable uint16 = 0x00
	EnablePattern    uint16 = 0x02
	StartPattern     uint16 = 0x01
	StopPattern      uint16 = 0x00
	BufRead          uint16 = 0x08
)

// Pattern repetition control.
const (
	PatternRptContinuous uint16 = 0x00
	PatternRptFinite     uint16 = 0x01
)

// The MSB of the first address byte selects read or write access.
const (
	spiReadMask  = 0x80
	spiWriteMask = 0x7F
)

// DDS timing and amplitude scaling.
const (
	MasterClock      = 125_000_000
	FreqResolution   = 0x1000000
	GainMax          = 2.0
	GainMin          = -2.0
	GainResolution   = 1024
	OffsetResolution = 4096

	// SRAMWords is the usable sample depth of the pattern memory.
	SRAMWords = 4096

	// maxSampleCode is the largest DAC code the SRAM accepts. Samples
	// are clamped to [-maxSampleCode, maxSampleCode] before being
	// shifted into the 14-bit register field.
	maxSampleCode = 8190
)

// Prestored waveform selection.
const (
	WaveSine uint16 = iota
	WaveCosine
	WaveTriangle
	WavePositiveSawtooth
	WaveNegativeSawtooth
)

// Wave config register bits.
const (
	WavCfgPrestoreCst       uint16 = 0x00
	WavCfgPrestoreSawtooth  uint16 = 0x10
	WavCfgPrestorePseudo    uint16 = 0x20
	WavCfgPrestoreDDS       uint16 = 0x30
	WavCfgWaveFromRAM       uint16 = 0x00
	WavCfgWavePrestored     uint16 = 0x01
	WavCfgWavePrestoredDly  uint16 = 0x02
	WavCfgWavePrestoredRAM  uint16 = 0x03
	DDSXCfgEnableCosine     uint16 = 0x08
	SawCfgRampUp            uint16 = 0x00
	SawCfgRampDown          uint16 = 0x01
	SawCfgTriangle          uint16 = 0x02
	SawCfgNoWave            uint16 = 0x03
	SawCfgStep1             uint16 = 0x04
)

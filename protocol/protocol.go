// Package protocol implements the serial framing shared by the host
// tools and the device firmware.
//
// Messages are framed as
//
//	<length> <sequence> <payload...> <crc16 hi> <crc16 lo> <sync 0x7E>
//
// with a 4-bit wrapping sequence number. The payload is a list of
// commands, each a VLQ command identifier followed by VLQ-encoded
// arguments. Every accepted frame is acknowledged with an empty frame
// carrying the next expected sequence number.
package protocol

// Version is the firmware version reported to the host.
const Version = "1.0.0"

const (
	MessageMax = 512 // output buffer size, holds several frames

	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E

	// Sequence bytes are MessageDest plus a 4-bit counter.
	MessageDest     = 0x10
	MessageSeqMask  = 0x0F
	MessageSeqShift = 4
)

// Command identifiers, host to device.
const (
	CmdVersion uint16 = iota + 1
	CmdSetTrigger
	CmdSetNumberOfEdges
	CmdSetBaudrate
	CmdSetNumberOfBits
	CmdSetPatternMatch
	CmdSetDeadZone
	CmdSetLPGlitch
	CmdSetHPGlitch
	CmdSetMultiplexing
	CmdSetPulseShaping
	CmdEnableVTarget
	CmdDisableVTarget
	CmdPowerCycleTarget
	CmdPowerCycleReset
	CmdInitiateReset
	CmdReleaseReset
	CmdResetTarget
	CmdSetMuxVoltage
	CmdArm
	CmdArmDouble
	CmdArmMultiplexing
	CmdArmPulseShaping
	CmdBlock
	CmdCheckGlitch
	CmdDoCalibration
	CmdApplyCalibration
	CmdWaveformGenerator
	CmdArmBurst
	CmdConfigureADC
	CmdArmADC
	CmdADCStatus
	CmdADCRead
)

// Response identifiers, device to host.
const (
	RspVersion uint16 = iota + 0x80
	RspGlitchDone
	RspTimeout
	RspError
	RspCheckGlitch
	RspADCStatus
	RspADCSamples
	RspCalibration
	RspLog
)

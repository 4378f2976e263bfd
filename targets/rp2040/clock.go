//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"
)

// RP2040 timer peripheral. The raw counter is a 64-bit microsecond
// count at 1MHz, read as two 32-bit halves.
const (
	timerBase     = 0x40054000
	timerTIMERAWH = timerBase + 0x08
	timerTIMERAWL = timerBase + 0x0C
)

var (
	timerRAWH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWH)))
	timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))
)

func InitClock() {
	// The timer free-runs from reset; nothing to configure.
}

// HardwareMicros reads the low 32 bits of the microsecond counter.
func HardwareMicros() uint32 {
	return timerRAWL.Get()
}

// HardwareUptime reads the full 64-bit microsecond counter. The high
// half is read twice to detect a rollover during the read.
func HardwareUptime() uint64 {
	for {
		high1 := timerRAWH.Get()
		low := timerRAWL.Get()
		high2 := timerRAWH.Get()
		if high1 == high2 {
			return (uint64(high1) << 32) | uint64(low)
		}
	}
}

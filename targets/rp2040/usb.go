//go:build rp2040

package main

import (
	"machine"
)

// InitUSB configures the USB CDC serial port. On the RP2040
// machine.Serial is USB CDC, not a hardware UART; the descriptors are
// set by the TinyGo runtime.
func InitUSB() {
	err := machine.Serial.Configure(machine.UARTConfig{})
	if err != nil {
		return
	}
}

// USBAvailable returns the number of bytes buffered for reading.
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte from USB.
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWriteBytes writes data to USB, returning the number of bytes
// accepted.
func USBWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}

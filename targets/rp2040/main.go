//go:build rp2040

package main

import (
	"machine"
	"time"

	"glitcher/config"
	"glitcher/core"
	"glitcher/protocol"
	"glitcher/targets/pio"
)

var (
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport

	messagesReceived uint32
	messagesSent     uint32
	msgerrors        uint32

	// USB connection state tracking
	lastUSBActivity          uint64
	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Disable the watchdog on boot to clear any state a previous
	// reset left behind.
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	InitClock()

	cfg := loadConfig()
	store := &config.MemStore{Config: cfg}

	// Drivers must be registered before the facade boots the pins.
	core.SetEngine(pio.NewEngine())
	core.SetGPIODriver(NewGPIODriver())
	core.SetADCDriver(NewADCDriver())

	g, err := core.NewGlitcher(cfg, store)
	if err != nil {
		// A bad stored configuration leaves the board unusable;
		// fall back to defaults so the host can at least talk to it.
		store.Config = config.Default()
		g, err = core.NewGlitcher(store.Config, store)
		if err != nil {
			panicBlink()
		}
	}
	g.SetFrequency(int(machine.CPUFrequency()))

	if config.HasMultiplexer(cfg.Revision()) {
		dac, err := NewDAC()
		if err == nil {
			g.SetDAC(dac)
		}
	}

	sampler, err := core.NewADCSampler()
	if err != nil {
		sampler = nil
	}

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()

	proc := core.NewProcessor(outputBuffer, g, sampler)
	transport = proc.Transport()
	transport.SetResetCallback(func() {
		inputBuffer.Reset()
		outputBuffer.Reset()
	})
	// Flush responses as soon as a frame is complete; the host blocks
	// on them during a glitch campaign.
	transport.SetFlushCallback(func() {
		writeUSB()
	})

	// Route debug output to the host as log frames.
	core.SetDebugWriter(func(msg string) {
		transport.SendCommand(protocol.RspLog, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQString(out, msg)
		})
	})
	core.InitAsyncDebug()

	go usbReaderLoop()

	for {
		// Recover from panics so a bad frame cannot brick the board
		// mid-campaign.
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			if inputBuffer.Available() > 0 {
				data := inputBuffer.Data()
				originalLen := len(data)
				inputBuf := protocol.NewSliceInputBuffer(data)

				transport.Receive(inputBuf)
				messagesReceived++

				consumed := originalLen - inputBuf.Available()
				if consumed > 0 {
					inputBuffer.Pop(consumed)
				}
			}

			if len(outputBuffer.Result()) > 0 {
				writeUSB()
				messagesSent++
			}
		}()

		time.Sleep(10 * time.Microsecond)
	}
}

// loadConfig returns the stored configuration. Boards without a config
// partition run on the embedded defaults.
func loadConfig() config.Config {
	return config.Default()
}

// panicBlink signals an unrecoverable boot failure on the onboard LED.
func panicBlink() {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		led.High()
		time.Sleep(100 * time.Millisecond)
		led.Low()
		time.Sleep(100 * time.Millisecond)
	}
}

// usbReaderLoop continuously moves USB bytes into the input FIFO.
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgerrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		if USBAvailable() > 0 {
			data, err := USBRead()
			if err != nil {
				msgerrors++
				time.Sleep(1 * time.Millisecond)
				continue
			}

			// First data after a disconnect means the host
			// reconnected; start from a clean slate.
			if usbWasDisconnected {
				usbWasDisconnected = false
				inputBuffer.Reset()
				outputBuffer.Reset()
				transport.Reset()
				messagesReceived = 0
				messagesSent = 0
				consecutiveWriteFailures = 0
			}

			lastUSBActivity = HardwareUptime()

			if inputBuffer.Write([]byte{data}) == 0 {
				msgerrors++
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB drains the output buffer to USB, handling partial writes
// and disconnects.
func writeUSB() {
	result := outputBuffer.Result()
	if len(result) == 0 {
		return
	}
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				// Drop stale data rather than replay it at the
				// next host.
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}

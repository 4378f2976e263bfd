package core

// ADCDriver is the abstract interface to the voltage-trace ADC.
// Platform code provides the real converter; tests provide a fake.
type ADCDriver interface {
	// Configure prepares a capture of sample count values at the
	// given sample rate. The rate is capped by the hardware.
	Configure(samples int, freqHz int) error

	// Capture fills buf with consecutive samples at the configured
	// rate. It blocks for the duration of the capture.
	Capture(buf []uint16) error
}

// Global singleton used by core code.
var adcDriver ADCDriver

// SetADCDriver is called by target-specific code to register its driver.
func SetADCDriver(d ADCDriver) {
	adcDriver = d
}

// MustADC returns the configured driver or panics if missing.
func MustADC() ADCDriver {
	if adcDriver == nil {
		panic("ADC driver not configured")
	}
	return adcDriver
}

package core

// GPIOPin identifies a pin by its hardware number. The revision pin
// table in the config package maps roles (trigger, reset, glitch
// outputs, LEDs, mux select) to these numbers.
type GPIOPin uint32

// GPIODriver abstracts direct pin control for everything outside the
// state machines: target power and reset lines, the armed-state LEDs
// and the idle levels of the glitch outputs. The engine reclaims pins
// while a program runs; the facade drives them through this interface
// before arming and after disarm.
type GPIODriver interface {
	ConfigureOutput(pin GPIOPin) error

	// Trigger and expansion inputs idle at a defined level so a
	// floating line cannot fire the armed machine.
	ConfigureInputPullUp(pin GPIOPin) error
	ConfigureInputPullDown(pin GPIOPin) error

	SetPin(pin GPIOPin, value bool) error

	// GetPin reports the pin level, with an error for pins the driver
	// never configured.
	GetPin(pin GPIOPin) (bool, error)

	// ReadPin is GetPin without the error, for polling loops.
	ReadPin(pin GPIOPin) bool
}

// Registered by the target main before the facade is constructed.
var gpioDriver GPIODriver

func SetGPIODriver(d GPIODriver) {
	gpioDriver = d
}

// MustGPIO returns the registered driver or panics, which on the
// device ends in the blink loop of the target main.
func MustGPIO() GPIODriver {
	if gpioDriver == nil {
		panic("GPIO driver not configured")
	}
	return gpioDriver
}

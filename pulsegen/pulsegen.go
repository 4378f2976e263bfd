// Package pulsegen converts declarative pulse descriptions into DAC sample
// buffers for the pulse-shaping expansion stage. All computation is pure:
// the package has no hardware side effects and is shared between the host
// tools and the device firmware.
package pulsegen

import (
	"errors"
	"math"
)

// All times are in nanoseconds, all voltages in volts.

const (
	// MaxPoints is the sample capacity of the waveform DAC's SRAM window.
	MaxPoints = 4096

	// voltageResolution is the nominal DAC code span used by the
	// calibration transform.
	voltageResolution = 4096

	// minTimeResolution is the smallest supported sample spacing. Below
	// this the DAC cannot replay the buffer at the required rate.
	minTimeResolution = 6
)

var (
	ErrTimeResolution = errors.New("pulsegen: time resolution too small")
	ErrPulseTooLarge  = errors.New("pulsegen: pulse exceeds sample buffer capacity")
	ErrPointMismatch  = errors.New("pulsegen: time and voltage point counts differ")
	ErrTooFewPoints   = errors.New("pulsegen: need at least two control points")
)

// Segment is one step of a piecewise-constant pulse description.
type Segment struct {
	DurationNs float64
	Voltage    float64
}

// Generator turns pulse descriptions into DAC code buffers, applying the
// offset/gain calibration of the pulse-shaping stage.
//
// The calibration transform shared by every constructor is
//
//	code = round((voltage - offset) * pointsPerVolt)
//
// with pointsPerVolt derived from the stored calibration factor and the
// current offset. Changing the offset or the calibration invalidates any
// previously constructed pulse; callers must reconstruct.
type Generator struct {
	timeResolution int     // ns between consecutive DAC samples
	frequency      float64 // DAC replay frequency in Hz
	pointsPerNs    float64

	offset        float64 // idle output voltage
	gain          float64
	pointsPerVolt int

	outputVoltageAtMinimalGain float64
	calibrationFactor          float64
}

// New returns a Generator with the given sample spacing and calibration.
// vhigh is the measured output voltage at minimal gain, factor the stored
// calibration factor (1.0 for an uncalibrated device).
func New(timeResolutionNs int, vhigh, factor float64) (*Generator, error) {
	if timeResolutionNs < minTimeResolution {
		return nil, ErrTimeResolution
	}
	g := &Generator{
		timeResolution: timeResolutionNs,
		frequency:      1e9 / float64(timeResolutionNs),
		pointsPerNs:    1 / float64(timeResolutionNs),
	}
	g.SetCalibration(vhigh, factor)
	g.SetOffset(3.3)
	return g, nil
}

// SetCalibration stores new calibration parameters. The derived scale is
// recomputed on the next SetOffset call.
func (g *Generator) SetCalibration(vhigh, factor float64) {
	g.outputVoltageAtMinimalGain = vhigh
	g.calibrationFactor = factor
	g.recalc()
}

// SetOffset sets the idle output voltage and recomputes the code scale.
func (g *Generator) SetOffset(offset float64) {
	g.offset = offset
	g.recalc()
}

func (g *Generator) recalc() {
	if g.outputVoltageAtMinimalGain == 0 {
		return
	}
	g.gain = g.offset / g.outputVoltageAtMinimalGain
	g.pointsPerVolt = int(g.calibrationFactor * voltageResolution / g.gain)
}

// Offset returns the configured idle output voltage.
func (g *Generator) Offset() float64 { return g.offset }

// Gain returns the derived analog gain.
func (g *Generator) Gain() float64 { return g.gain }

// Frequency returns the DAC replay frequency in Hz.
func (g *Generator) Frequency() float64 { return g.frequency }

// PointsPerNs returns the sample density of the evaluation grid.
func (g *Generator) PointsPerNs() float64 { return g.pointsPerNs }

// Value converts a single voltage to its DAC code under the current
// calibration.
func (g *Generator) Value(voltage float64) int {
	return int(math.Round((voltage - g.offset) * float64(g.pointsPerVolt)))
}

// Voltage is the inverse of Value.
func (g *Generator) Voltage(code int) float64 {
	return float64(code)/float64(g.pointsPerVolt) + g.offset
}

// NumPoints returns the sample count for a pulse of the given total
// duration, capped at the buffer capacity.
func (g *Generator) NumPoints(totalDurationNs int) int {
	n := totalDurationNs / g.timeResolution
	if n > MaxPoints {
		return MaxPoints
	}
	return n
}

// CalibrationPulse builds the two-level pulse used by the calibration
// routine: 1000 samples at the offset voltage followed by 1000 samples at
// ground.
func (g *Generator) CalibrationPulse() []int {
	high := g.Value(g.offset)
	low := g.Value(0)
	pulse := make([]int, 0, 2000)
	for i := 0; i < 1000; i++ {
		pulse = append(pulse, high)
	}
	for i := 0; i < 1000; i++ {
		pulse = append(pulse, low)
	}
	return pulse
}

// PulseFromConfig builds a pulse from piecewise-constant segments. Each
// segment is replicated floor(duration * pointsPerNs) times. A pulse that
// would exceed the buffer capacity is a hard error: silently truncating a
// stepped profile would corrupt subsequent experiments.
func (g *Generator) PulseFromConfig(segments []Segment, padding bool) ([]int, error) {
	var pulse []int
	for _, s := range segments {
		n := int(s.DurationNs * g.pointsPerNs)
		code := g.Value(s.Voltage)
		for i := 0; i < n; i++ {
			pulse = append(pulse, code)
		}
	}
	if padding {
		pulse = padToMax(pulse)
	}
	if len(pulse) > MaxPoints {
		return nil, ErrPulseTooLarge
	}
	return pulse, nil
}

// PulseFromFunc samples f(t) on the generator's time grid over the given
// total duration. Unlike PulseFromConfig, a too-long pulse is truncated at
// the buffer capacity: the tail of a sampled function is recoverable by the
// caller, a stepped profile is not.
func (g *Generator) PulseFromFunc(f func(tNs float64) float64, totalDurationNs int, padding bool) []int {
	n := g.NumPoints(totalDurationNs)
	pulse := make([]int, n)
	t := 0.0
	dt := float64(g.timeResolution)
	for i := 0; i < n; i++ {
		pulse[i] = g.Value(f(t))
		t += dt
	}
	if padding {
		pulse = padToMax(pulse)
	}
	return pulse
}

// PulseFromSpline interpolates sparse (time, voltage) control points with a
// monotone piecewise-cubic Hermite spline and samples it on a unit-step
// code grid. Control point times must be strictly increasing.
func (g *Generator) PulseFromSpline(timesNs []float64, voltages []float64) ([]int, error) {
	if len(timesNs) != len(voltages) {
		return nil, ErrPointMismatch
	}
	if len(timesNs) < 2 {
		return nil, ErrTooFewPoints
	}
	tpoints := make([]float64, len(timesNs))
	vpoints := make([]float64, len(voltages))
	for i := range timesNs {
		tpoints[i] = float64(int(timesNs[i] * g.pointsPerNs))
		vpoints[i] = float64(g.Value(voltages[i]))
	}
	a := tpoints[0]
	b := tpoints[len(tpoints)-1]
	if a == b {
		out := make([]int, len(vpoints))
		for i, v := range vpoints {
			out[i] = int(v)
		}
		return out, nil
	}
	grid := Grid(a, b, int(b-a))
	curve, err := PchipInterpolate(tpoints, vpoints, grid)
	if err != nil {
		return nil, err
	}
	pulse := make([]int, len(curve))
	for i, v := range curve {
		pulse[i] = int(v)
	}
	return pulse, nil
}

// PulseFromList passes a raw code buffer through unchanged, applying only
// the capacity check and optional padding. No calibration is applied.
func (g *Generator) PulseFromList(pulse []int, padding bool) ([]int, error) {
	if padding {
		pulse = padToMax(pulse)
	}
	if len(pulse) > MaxPoints {
		return nil, ErrPulseTooLarge
	}
	return pulse, nil
}

// padToMax extends the pulse to the full buffer with its last sample.
func padToMax(pulse []int) []int {
	if len(pulse) == 0 || len(pulse) >= MaxPoints {
		return pulse
	}
	last := pulse[len(pulse)-1]
	for len(pulse) < MaxPoints {
		pulse = append(pulse, last)
	}
	return pulse
}

package core

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrSamplerBusy is returned by Arm while a previous capture is
	// still in flight.
	ErrSamplerBusy = errors.New("core: adc capture already in flight")

	// ErrSamplerTimeout is returned when the capture does not finish
	// before the read-back deadline.
	ErrSamplerTimeout = errors.New("core: adc capture timed out")
)

// Default capture window of the voltage-trace side-channel.
const (
	DefaultADCSamples = 1024
	DefaultADCFreqHz  = 500_000
)

// ADCSampler records a voltage trace on a second execution context
// once the trigger condition fires. At most one capture runs at a
// time; arming twice is a caller error.
type ADCSampler struct {
	drv ADCDriver
	eng Engine

	buf      []uint16
	inFlight uint32 // atomic single-flight flag
	abort    uint32 // atomic
}

// NewADCSampler wires the sampler to the registered drivers with the
// default capture window.
func NewADCSampler() (*ADCSampler, error) {
	s := &ADCSampler{
		drv: MustADC(),
		eng: MustEngine(),
	}
	if err := s.Configure(DefaultADCSamples, DefaultADCFreqHz); err != nil {
		return nil, err
	}
	return s, nil
}

// Configure sets the capture length and sample rate. Not allowed
// while a capture is in flight.
func (s *ADCSampler) Configure(samples int, freqHz int) error {
	if atomic.LoadUint32(&s.inFlight) != 0 {
		return ErrSamplerBusy
	}
	if err := s.drv.Configure(samples, freqHz); err != nil {
		return err
	}
	s.buf = make([]uint16, samples)
	return nil
}

// Arm starts the capture context. It watches the same trigger signal
// as the glitch emitter, via the non-consuming latch, and fills the
// sample buffer as soon as the trigger fires.
func (s *ADCSampler) Arm() error {
	if !atomic.CompareAndSwapUint32(&s.inFlight, 0, 1) {
		return ErrSamplerBusy
	}
	atomic.StoreUint32(&s.abort, 0)
	RecordTiming(EvtADCArm, nowMicros(), uint32(len(s.buf)), 0)

	go func() {
		defer atomic.StoreUint32(&s.inFlight, 0)
		for !s.eng.TriggerSeen() {
			if atomic.LoadUint32(&s.abort) != 0 {
				return
			}
			time.Sleep(simPollTick)
		}
		s.drv.Capture(s.buf)
	}()
	return nil
}

// Armed reports whether a capture is waiting or running.
func (s *ADCSampler) Armed() bool {
	return atomic.LoadUint32(&s.inFlight) != 0
}

// Samples blocks until the in-flight capture ends and returns the
// recorded trace. On timeout the capture context is told to stand
// down and ErrSamplerTimeout is returned.
func (s *ADCSampler) Samples(timeout time.Duration) ([]uint16, error) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(&s.inFlight) != 0 {
		if time.Now().After(deadline) {
			atomic.StoreUint32(&s.abort, 1)
			return nil, ErrSamplerTimeout
		}
		time.Sleep(simPollTick)
	}
	out := make([]uint16, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

// Stop tells a waiting capture context to stand down.
func (s *ADCSampler) Stop() {
	atomic.StoreUint32(&s.abort, 1)
}

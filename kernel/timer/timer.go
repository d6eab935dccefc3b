// Package timer defines the per-CPU timer trait (spec.md §4.7) the
// scheduler drives for preemption: enable/disable/reset, a tick handler and
// a reported resolution. The concrete APIC-timer and 8254 drivers behind it
// are out of scope (spec.md §1 non-goals; grounded on
// original_source/h/timer.h's timer_t probe/init/arm/disarm/uninit API and
// arch/x86_64/src/{apic_timer,pit8254}.c); this package defines the trait,
// the calibration algorithm that bridges a reference device to a local one,
// and a dependency-free stand-in so CPU bring-up and the scheduler can be
// built and tested without real hardware.
package timer

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/cpu"
)

var (
	// ErrCalibrationFailed is returned by Calibrate when the local device
	// never decremented during the reference device's one-shot period.
	ErrCalibrationFailed = &kernel.Error{Module: "timer", Message: "local timer did not decrement during calibration"}
)

// Resolution is a tick period expressed in nanoseconds.
type Resolution uint64

// Common Resolution values.
const (
	Nanosecond  Resolution = 1
	Microsecond            = 1000 * Nanosecond
	Millisecond            = 1000 * Microsecond
	Second                 = 1000 * Millisecond
)

// HandlerFunc is invoked on each tick (or on expiry, for a one-shot device).
type HandlerFunc func(ctx interface{})

// Device is the trait every timer driver must implement to be usable as the
// scheduler's tick source.
type Device interface {
	// Enable arms the device so it starts generating ticks/firing its
	// handler.
	Enable() *kernel.Error
	// Disable stops the device from generating further ticks.
	Disable() *kernel.Error
	// Reset reprograms the device back to its default period/count.
	Reset() *kernel.Error
	// SetHandler installs fn as the device's tick handler, invoked with
	// ctx on each firing.
	SetHandler(fn HandlerFunc, ctx interface{})
	// GetHandler returns the currently installed handler and context.
	GetHandler() (HandlerFunc, interface{})
	// GetResolution reports the device's tick period.
	GetResolution() Resolution
}

// Countable is a Device that also exposes a free-running or
// down-programmable count, which Calibrate needs to measure elapsed ticks
// against a reference device. This mirrors the APIC timer's
// INITIAL_COUNT_REGISTER/CURRENT_COUNT_REGISTER pair.
type Countable interface {
	Device
	// SetMaxCount programs the device's counter to max and starts it
	// decrementing.
	SetMaxCount(max uint32)
	// ReadCount returns the counter's current value.
	ReadCount() uint32
}

// pauseFn is mocked by tests and inlined by the compiler when building the
// kernel.
var pauseFn = cpu.Pause

// Calibrate measures how many of local's ticks elapse during one period of
// reference (spec.md §4.7: "starting the 8254 for a 1ms one-shot,
// programming the local timer to max count, observing the local timer's
// decrement, solving for the divider that yields a 1ms period"). reference
// must already be configured (via its own Reset semantics) for the period
// the caller wants local calibrated against. It returns the elapsed tick
// count, which the caller uses as the divider that makes local's period
// match reference's.
func Calibrate(reference Device, local Countable) (uint32, *kernel.Error) {
	if err := reference.Reset(); err != nil {
		return 0, err
	}

	var done bool
	prevFn, prevCtx := reference.GetHandler()
	reference.SetHandler(func(_ interface{}) { done = true }, nil)
	defer reference.SetHandler(prevFn, prevCtx)

	local.SetMaxCount(^uint32(0))

	if err := reference.Enable(); err != nil {
		return 0, err
	}
	for !done {
		pauseFn()
	}
	if err := reference.Disable(); err != nil {
		return 0, err
	}

	elapsed := ^uint32(0) - local.ReadCount()
	if elapsed == 0 {
		return 0, ErrCalibrationFailed
	}

	return elapsed, nil
}

var local Device

// SetLocal registers d as the active per-CPU timer for the calling CPU.
func SetLocal(d Device) {
	local = d
}

// Local returns the currently registered per-CPU timer, or nil if the
// platform has none and the CPU must run tickless (spec.md §4.7: "relies
// entirely on SCHED IPIs for preemption").
func Local() Device {
	return local
}

// Tickless reports whether the calling CPU has no local timer and must rely
// entirely on SCHED IPIs for preemption.
func Tickless() bool {
	return local == nil
}

package timer

import "github.com/achilleasa/gokernel/kernel"

// LoggingDevice is a Device (and Countable) that performs no real hardware
// programming: Enable/Disable/Reset just record call counts and SetMaxCount/
// ReadCount simulate a down-counter in software. It is the dependency-free
// stand-in used in place of the real APIC-timer/8254 drivers (spec.md §1
// non-goals), the same role kernel/intc.LoggingController plays for the
// interrupt controller.
type LoggingDevice struct {
	Resolution Resolution

	EnableCount  int
	DisableCount int
	ResetCount   int

	handler    HandlerFunc
	handlerCtx interface{}

	count             uint32
	decrementBy       uint32
	decrementExplicit bool
}

// Enable implements Device.
func (d *LoggingDevice) Enable() *kernel.Error {
	d.EnableCount++
	if d.handler != nil {
		d.handler(d.handlerCtx)
	}
	return nil
}

// Disable implements Device.
func (d *LoggingDevice) Disable() *kernel.Error {
	d.DisableCount++
	return nil
}

// Reset implements Device.
func (d *LoggingDevice) Reset() *kernel.Error {
	d.ResetCount++
	return nil
}

// SetHandler implements Device.
func (d *LoggingDevice) SetHandler(fn HandlerFunc, ctx interface{}) {
	d.handler, d.handlerCtx = fn, ctx
}

// GetHandler implements Device.
func (d *LoggingDevice) GetHandler() (HandlerFunc, interface{}) {
	return d.handler, d.handlerCtx
}

// GetResolution implements Device.
func (d *LoggingDevice) GetResolution() Resolution {
	return d.Resolution
}

// SetMaxCount implements Countable. DecrementBy (default 1 if unset via
// SetDecrement) is subtracted from the counter on every ReadCount call,
// simulating hardware decrementing between polls.
func (d *LoggingDevice) SetMaxCount(max uint32) {
	d.count = max
}

// SetDecrement configures how much ReadCount subtracts from the counter on
// each call, for tests that want to control how many polls Calibrate takes
// to observe a decrement.
func (d *LoggingDevice) SetDecrement(by uint32) {
	d.decrementBy = by
	d.decrementExplicit = true
}

// ReadCount implements Countable.
func (d *LoggingDevice) ReadCount() uint32 {
	by := d.decrementBy
	if by == 0 && !d.decrementExplicit {
		by = 1
	}
	if d.count < by {
		d.count = 0
	} else {
		d.count -= by
	}
	return d.count
}

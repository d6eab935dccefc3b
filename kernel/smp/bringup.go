package smp

import (
	"sync/atomic"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/intc"
	"github.com/achilleasa/gokernel/kernel/irq"
)

// ErrBringUpTimeout is returned by BringUp when an AP never signals online
// within the total timeout, per spec.md §4.6's failure policy ("An AP that
// fails to signal within total timeout is skipped; the kernel continues
// with the cores it has").
var ErrBringUpTimeout = &kernel.Error{Module: "smp", Message: "AP did not come online within timeout"}

// Signal is the "global atomic cpu_on" spec.md §4.6 describes: one instance
// per AP being brought up, stored by the BSP and set by the AP's entry-point
// code once it has finished initializing (see Signal.MarkOnline).
type Signal struct {
	online uint32
}

// MarkOnline is called from the AP's entry point once it has finished the
// steps in spec.md §4.6 item 4; it corresponds to pcpu_entry_point's
// `__atomic_store_n(&cpu_on, 1, __ATOMIC_RELEASE)`.
func (s *Signal) MarkOnline() {
	atomic.StoreUint32(&s.online, 1)
}

// Online reports whether the AP has signaled.
func (s *Signal) Online() bool {
	return atomic.LoadUint32(&s.online) == 1
}

// sleepFn is mocked by tests. Outside tests it is a no-op that nothing
// outside this package can replace, so the waits BringUp asks for do not
// delay anything: each 1ms "tick" is just one poll of the AP's Signal.
var sleepFn = func(ms uint32) {}

const (
	initVector   = 0x8
	siPIRetries  = 10
	waitPerRetry = 10
)

// BringUp drives one AP through the INIT/SIPI sequence of spec.md §4.6 item
// 3, grounded on pcpu_bring_cpu_up: send INIT, sleepFn(10), then up to
// siPIRetries times send a start-up IPI and poll sig.Online() waitPerRetry
// times, calling sleepFn(1) before each poll (see sleepFn: outside tests
// these calls do not wait). ctrl is the interrupt controller the INIT/SIPI
// packets go out through (see kernel/intc); apicID addresses the target AP.
// timeoutMs/waitPerRetry, capped at siPIRetries, is the number of start-up
// attempts; an AP that never signals is skipped, per the failure policy, by
// returning ErrBringUpTimeout.
func BringUp(ctrl intc.Controller, apicID uint32, sig *Signal, timeoutMs uint32) *kernel.Error {
	base := intc.Packet{
		DestMode: intc.DestModePhysical,
		Level:    intc.LevelAssert,
		Trigger:  intc.TriggerEdge,
		Vector:   irq.Vector(initVector),
		DestCPU:  apicID,
	}

	initPkt := base
	initPkt.Type = intc.TypeInit
	if err := ctrl.SendIPI(initPkt); err != nil {
		return err
	}

	sleepFn(10)

	startPkt := base
	startPkt.Type = intc.TypeStartAP

	attempts := timeoutMs / waitPerRetry
	if attempts > siPIRetries {
		attempts = siPIRetries
	}
	for attempt := uint32(0); attempt < attempts; attempt++ {
		if err := ctrl.SendIPI(startPkt); err != nil {
			return err
		}
		for i := uint32(0); i < waitPerRetry; i++ {
			sleepFn(1)
			if sig.Online() {
				return nil
			}
		}
	}

	return ErrBringUpTimeout
}

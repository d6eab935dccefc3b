// Package intc defines the interrupt-controller trait the rest of the
// kernel programs against (spec.md §4.5 "Inter-Processor Signaling"):
// enabling/disabling the controller, masking individual vectors and sending
// IPIs. The concrete APIC/PIC driver behind this trait is out of scope
// (spec.md §1 non-goals); this package only has to define the interface and
// provide a dependency-free stand-in so the CPU bring-up and scheduler code
// that sit on top of it can be built and tested without real hardware.
package intc

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/irq"
)

var (
	// ErrNoController is returned when an operation is attempted before a
	// Controller has been registered via SetController.
	ErrNoController = &kernel.Error{Module: "intc", Message: "no interrupt controller registered"}
)

// DestMode selects how Packet.Dest is interpreted.
type DestMode uint8

const (
	DestModePhysical DestMode = iota
	DestModeLogical
)

// DestShorthand selects a destination shorthand that bypasses Dest entirely.
type DestShorthand uint8

const (
	DestShorthandNone DestShorthand = iota
	DestShorthandSelf
	DestShorthandAllInclSelf
	DestShorthandAllExclSelf
)

// Level is the IPI's assert/deassert level, meaningful only for
// level-triggered interrupts.
type Level uint8

const (
	LevelDeassert Level = iota
	LevelAssert
)

// Trigger selects edge- or level-triggered delivery.
type Trigger uint8

const (
	TriggerEdge Trigger = iota
	TriggerLevel
)

// Type identifies the purpose of an IPI, mirroring the four interrupt
// classes the kernel actually sends.
type Type uint8

const (
	// TypeInvalidatePage requests a TLB shootdown on the destination(s).
	TypeInvalidatePage Type = iota + 1
	// TypeInit is the INIT IPI used during AP bring-up.
	TypeInit
	// TypeStartAP is the Startup IPI (SIPI) used during AP bring-up.
	TypeStartAP
	// TypeSched requests that the destination re-enter the scheduler,
	// e.g. because a deferred call was queued for it.
	TypeSched
)

// Packet describes a single inter-processor interrupt.
type Packet struct {
	DestMode      DestMode
	DestShorthand DestShorthand
	Type          Type
	Level         Level
	Vector        irq.Vector
	Trigger       Trigger
	// DestCPU is the target's APIC id. Ignored when DestShorthand is
	// anything other than DestShorthandNone.
	DestCPU uint32
}

// Controller is the trait every interrupt-controller driver (APIC, PIC)
// must implement to participate in IPI delivery and vector masking.
type Controller interface {
	// Enable brings the controller online for the calling CPU.
	Enable() *kernel.Error
	// Disable takes the controller offline for the calling CPU.
	Disable() *kernel.Error
	// SendIPI delivers pkt to its destination(s).
	SendIPI(pkt Packet) *kernel.Error
	// Mask prevents vector from being delivered to the calling CPU.
	Mask(vector irq.Vector) *kernel.Error
	// Unmask re-enables delivery of vector to the calling CPU.
	Unmask(vector irq.Vector) *kernel.Error
}

var active Controller

// SetController registers c as the active interrupt controller. It is
// called once per CPU during bring-up (spec.md §4.6 step 4c).
func SetController(c Controller) {
	active = c
}

// Active returns the currently registered Controller, or nil if none has
// been registered yet.
func Active() Controller {
	return active
}

// Enable enables the active controller. It returns ErrNoController if none
// is registered.
func Enable() *kernel.Error {
	if active == nil {
		return ErrNoController
	}
	return active.Enable()
}

// Disable disables the active controller. It returns ErrNoController if
// none is registered.
func Disable() *kernel.Error {
	if active == nil {
		return ErrNoController
	}
	return active.Disable()
}

// SendIPI delivers pkt via the active controller. It returns ErrNoController
// if none is registered.
func SendIPI(pkt Packet) *kernel.Error {
	if active == nil {
		return ErrNoController
	}
	return active.SendIPI(pkt)
}

// Mask masks vector on the active controller. It returns ErrNoController if
// none is registered.
func Mask(vector irq.Vector) *kernel.Error {
	if active == nil {
		return ErrNoController
	}
	return active.Mask(vector)
}

// Unmask unmasks vector on the active controller. It returns ErrNoController
// if none is registered.
func Unmask(vector irq.Vector) *kernel.Error {
	if active == nil {
		return ErrNoController
	}
	return active.Unmask(vector)
}

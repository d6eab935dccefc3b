package sched

import "github.com/achilleasa/gokernel/kernel/cpu"

// units maps an APIC ID to the ExecUnit bring-up wires for that core
// (kernel/smp.EntryConfig.APICID). There is one entry per online CPU; it is
// only ever written once, at bring-up, from RegisterUnit.
var units = map[uint32]*ExecUnit{}

// RegisterUnit associates unit with apicID so CurrentUnit can find it later
// from code running on that core. Called once per core during bring-up.
func RegisterUnit(apicID uint32, unit *ExecUnit) {
	units[apicID] = unit
}

// UnitFor returns the ExecUnit registered for apicID, or nil if none is.
func UnitFor(apicID uint32) *ExecUnit {
	return units[apicID]
}

// CurrentUnit returns the ExecUnit for the core this call runs on.
func CurrentUnit() *ExecUnit {
	return units[cpu.LocalAPICID()]
}

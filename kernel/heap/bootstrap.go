// Package heap wires the Go runtime's own memory allocator to the virtual
// address-space manager: it replaces runtime.sysReserve/sysMap/sysAlloc so
// that every byte the Go heap ever touches is accounted for as a VAS extent
// instead of being carved out of raw, untracked address space.
package heap

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/ptm"
	"github.com/achilleasa/gokernel/kernel/mem/vas"
)

// vasCtx is the address space the Go heap's reservations are carved out of.
// It is wired up once, early in kernel start-up, by Init.
var vasCtx *vas.Context

// allocFn and bindZeroPageFn indirect the vasCtx calls used below so tests
// can exercise sysReserve/sysMap/sysAlloc without a fully initialized
// Context.
var (
	allocFn = func(length mem.Size, flags vas.Flag, prot ptm.PageTableEntryFlag) (uintptr, *kernel.Error) {
		return vasCtx.Alloc(vas.AutoAddress, length, flags, prot)
	}
	bindZeroPageFn = func(addr uintptr, prot ptm.PageTableEntryFlag) *kernel.Error {
		return vasCtx.BindZeroPage(addr, prot)
	}
)

// Init wires the heap's runtime hooks to ctx. It must run before the Go
// runtime performs its first heap growth.
func Init(ctx *vas.Context) {
	vasCtx = ctx
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space for the Go allocator without
// establishing any page mapping. The reservation is tracked as a single
// Lazy, high-half VAS extent, so it can never collide with a later
// allocation from this or any other subsystem, and costs no physical
// frames until sysMap or sysAlloc actually touches part of it.
//
// This function replaces runtime.sysReserve and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	length := mem.Size(size).Align()

	base, err := allocFn(length, vas.HighMem|vas.Lazy, ptm.FlagPresent|ptm.FlagRW|ptm.FlagNoExecute)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(base)
}

// sysMap establishes a copy-on-write mapping, backed by the page table
// manager's shared zeroed frame, for a region previously reserved via
// sysReserve.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	base := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	length := mem.Size(size).Align()

	prot := ptm.FlagPresent | ptm.FlagNoExecute
	for off := mem.Size(0); off < length; off += mem.PageSize {
		if err := bindZeroPageFn(base+uintptr(off), prot); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(length))
	return unsafe.Pointer(base)
}

// sysAlloc reserves a fresh range and immediately backs it with real,
// writable physical frames, returning the virtual base of the mapping. It
// is used for allocator metadata that cannot tolerate a copy-on-write fault.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	length := mem.Size(size).Align()

	prot := ptm.FlagPresent | ptm.FlagRW | ptm.FlagNoExecute
	base, err := allocFn(length, vas.HighMem, prot)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(length))
	return unsafe.Pointer(base)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file; vasCtx is not wired up this early, so skip them until
	// Init has run.
	if vasCtx == nil {
		return
	}

	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}

package ptm

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/mem"
)

// amd64 uses 4 levels of paging (PML4, PDPT, PD, PT), each indexed by 9
// bits of the virtual address, with the remaining 12 bits selecting a byte
// within the final 4 KiB page.
const pageLevels = 4

var (
	pageLevelBits   = [pageLevels]uint8{9, 9, 9, 9}
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// pdtVirtualAddr is the virtual address the last PML4 entry (511) resolves
// to when it recursively points at the active PML4 itself: dereferencing a
// *pageTableEntry at this address walks the active page tables without
// needing a physical-to-virtual mapping for each intermediate table
// (spec.md §4.2 "Recursive/self-referential remap window").
const pdtVirtualAddr = uintptr(0xfffffffffffff000)

// TempMapSlot identifies one of the PTM's scratch virtual-address windows
// (spec.md §4.2 "temp_map(phys, slot)"). Each slot is a dedicated PML4
// entry with its own PDPT/PD/PT chain, so two subsystems mapping through
// different slots never clobber each other's window the way a single
// hardcoded address would.
//
// PML4 entry 511 is not a usable slot: it is claimed by the recursive
// self-map (pdtVirtualAddr) that the table walker itself depends on to
// dereference every other table, so only 508-510 are available here.
type TempMapSlot uintptr

const (
	// SlotPFM is the window the physical frame manager uses during its
	// own bootstrap (spec.md §4.2 "slot ∈ [510, 511] reserved for PFM").
	SlotPFM TempMapSlot = 510
	// SlotACPI is reserved for firmware table parsing (spec.md §4.2
	// "ACPI window at 508/509").
	SlotACPI TempMapSlot = 508
	// SlotAux is available to any other subsystem that needs a
	// temporary mapping outside of PFM/ACPI.
	SlotAux TempMapSlot = 509
)

// tempMappingAddr returns the fixed scratch virtual address for slot: PML4
// index = slot, PDPT/PD/PT index = 511, page offset = 0, canonicalized the
// same way pdtVirtualAddr is.
func tempMappingAddr(slot TempMapSlot) uintptr {
	const lowIdx = uintptr((1 << 9) - 1) // 511, shared by PDPT/PD/PT
	addr := (uintptr(slot) << pageLevelShifts[0]) |
		(lowIdx << pageLevelShifts[1]) |
		(lowIdx << pageLevelShifts[2]) |
		(lowIdx << pageLevelShifts[3])
	if addr&(1<<47) != 0 {
		addr |= ^uintptr((1 << 48) - 1)
	}
	return addr
}

// ptePtrFn returns a pointer to the supplied entry address. It is
// overridden by tests to avoid dereferencing addresses that only make
// sense when an MMU with the recursive mapping installed is active. When
// compiling the kernel this function is automatically inlined.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// pageTableWalker is invoked by walk with the page level and the entry that
// corresponds to it. If it returns false, the walk stops early.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address, invoking
// walkFn once per paging level from PML4 down to the final PT entry, via
// the recursive mapping rooted at pdtVirtualAddr.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                                bool
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}

package ptm

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/pfm"
)

// ErrInvalidMapping is returned when trying to look up a virtual memory
// address that is not yet mapped.
var ErrInvalidMapping = &kernel.Error{Module: "ptm", Message: "virtual address does not point to a mapped physical page"}

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry. The low 12 bits and bit 63 are architectural (spec.md §4.2); flags
// above that range address the 3 PAT-selector bits (PA0-PA7, spec.md §4.2
// "Memory types") encoded across the PAT/PCD/PWT bits.
type PageTableEntryFlag uintptr

// Architectural page table entry flags (Intel SDM vol 3a, table 4-19).
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUser
	FlagWriteThrough
	FlagCacheDisable
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal
	// FlagCopyOnWrite occupies one of the three OS-available bits (9-11)
	// left unused by the architecture; it is never interpreted by the MMU.
	FlagCopyOnWrite
)

// FlagNoExecute is bit 63, set independently of the iota block above since
// it requires EFER.NXE and sits far from the other bits.
const FlagNoExecute PageTableEntryFlag = 1 << 63

// ptePhysPageMask isolates the physical frame address bits (12-51) of a
// page table entry.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// pageTableEntry describes a page table entry. These entries encode a
// physical frame address and a set of flags; the actual format is
// architecture-dependent (here: x86-64, 4 KiB pages).
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pfm.Frame {
	return pfm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pfm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address, performing a page table walk down to the last
// level. It returns ErrInvalidMapping if any level along the way is absent.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

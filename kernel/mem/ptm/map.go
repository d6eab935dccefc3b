package ptm

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/cpu"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/pfm"
)

// ReservedZeroedFrame is a single zero-cleared frame allocated by Init. It
// lets callers set up on-demand allocation: map a page to
// ReservedZeroedFrame with FlagCopyOnWrite and no FlagRW, and the first
// write to that page faults into a freshly allocated, private copy (spec.md
// §4.2 "Copy-on-write").
var ReservedZeroedFrame pfm.Frame

var (
	// protectReservedZeroedPage is set once ReservedZeroedFrame has been
	// initialized, to reject any attempt to map it with FlagRW (doing so
	// would let one mapping's writes leak into every CoW mapping sharing
	// the frame).
	protectReservedZeroedPage bool

	// nextAddrFn is used by used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to cpu.FlushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport           = &kernel.Error{Module: "ptm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "ptm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pfm.Frame, *kernel.Error)

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Calls to Map will use the
// supplied physical frame allocator to initialize missing page tables at each
// paging level supported by the MMU.
//
// Attempts to map ReservedZeroedFrame with FlagRW set are rejected.
func Map(page Page, frame pfm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && flags&FlagRW != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place, flag it as present and propagate the change to
		// every CPU's TLB (spec.md §4.2 "TLB coherence").
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			shootdownFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pfm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			kernel.Memset(nextAddrFn(nextTableAddr), 0, uintptr(mem.PageSize))
		}

		return true
	})

	return err
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to SlotPFM's fixed virtual address, overwriting any previous mapping
// through that slot. The temporary mapping mechanism is primarily used by
// the kernel to access and initialize inactive page tables.
func MapTemporary(frame pfm.Frame, allocFn FrameAllocatorFn) (Page, *kernel.Error) {
	return MapTemporarySlot(frame, SlotPFM, allocFn)
}

// MapTemporarySlot behaves like MapTemporary but maps through the given
// slot's own window (spec.md §4.2 "temp_map(phys, slot)"), letting callers
// other than PFM (e.g. ACPI table parsing) hold a temporary mapping
// concurrently with whatever PFM has mapped through SlotPFM.
func MapTemporarySlot(frame pfm.Frame, slot TempMapSlot, allocFn FrameAllocatorFn) (Page, *kernel.Error) {
	addr := tempMappingAddr(slot)
	if err := Map(PageFromAddress(addr), frame, FlagRW, allocFn); err != nil {
		return 0, err
	}

	return PageFromAddress(addr), nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary/MapTemporarySlot. It clears the leaf entry and frees any
// intermediate table that becomes empty as a result, but leaves the
// unmapped frame itself allocated (spec.md §4.2 "unmap... does NOT free
// frames"); use Free to also return the frame to the allocator.
func Unmap(page Page) *kernel.Error {
	return unmapCore(page, false)
}

// Free behaves like Unmap but additionally returns the frame that was
// backing page to the allocator registered via SetFrameFreer (spec.md §4.2
// "free... clear leaf entries, return the referenced frames to PFM, free
// emptied tables").
func Free(page Page) *kernel.Error {
	return unmapCore(page, true)
}

// unmapCore implements the shared walk behind Unmap and Free: locate the
// leaf entry for page, clear it, shoot down the TLB everywhere, reclaim any
// table that is left empty by the clear, and optionally return the leaf's
// own frame to the allocator.
func unmapCore(page Page, freeLeafFrame bool) *kernel.Error {
	var (
		err  *kernel.Error
		ptes [pageLevels]*pageTableEntry
	)

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		ptes[pteLevel] = pte

		// If we reached the last level all we need to do is to set the
		// page as non-present; the TLB is flushed below once the walk
		// has returned a fully resolved entry chain.
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})
	if err != nil {
		return err
	}

	leafFrame := ptes[pageLevels-1].Frame()

	shootdownFn(page.Address())
	freeEmptyTables(ptes)

	if freeLeafFrame && frameFreer != nil {
		if err := frameFreer(leafFrame); err != nil {
			return err
		}
	}

	return nil
}

// freeEmptyTables walks the ptes chain a Map/Unmap walk produced, from the
// leaf's table upward, returning to the allocator the frame backing any
// intermediate table that the preceding clear left with no present entries
// (spec.md §4.2 "unmap... free tables that become empty"). It never
// inspects, clears, or frees ptes[0]'s own table: that is the address
// space's PML4, owned by the VAS context rather than by any single mapping.
func freeEmptyTables(ptes [pageLevels]*pageTableEntry) {
	for lvl := pageLevels - 1; lvl > 0; lvl-- {
		if !tableEmpty(ptes[lvl]) {
			return
		}

		parent := ptes[lvl-1]
		freed := parent.Frame()
		*parent = 0
		flushTLBEntryFn(uintptr(unsafe.Pointer(ptes[lvl])))

		if frameFreer != nil {
			frameFreer(freed)
		}
	}
}

// tableEmpty reports whether every entry of the page table that entry lives
// in is non-present. entry is already a resolved pointer (real memory in
// tests, the active recursive mapping in the kernel), so the table's other
// entries are read via direct pointer arithmetic rather than another trip
// through ptePtrFn/walk.
func tableEmpty(entry *pageTableEntry) bool {
	base := uintptr(unsafe.Pointer(entry)) &^ uintptr(mem.PageSize-1)
	for off := uintptr(0); off < uintptr(mem.PageSize); off += 1 << mem.PointerShift {
		if (*pageTableEntry)(unsafe.Pointer(base + off)).HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}

// Package vas implements the virtual address-space manager (spec.md §4.3):
// an extent-based free/allocated range tracker layered on top of the page
// table manager, plus the lazy-allocation and guard-page policies that
// depend on it.
//
// The design is grounded on the teacher's minimal
// `kernel/mem/vmm.EarlyReserveRegion` bump allocator (which this package
// supersedes) and on the original implementation's `vm_extent_t`/
// `vm_slot_hdr_t` layout (original_source h/vm.h, h/vm_extent.h): extents
// are tracked in fixed-size slots, each slot is itself a page, and each slot
// keeps its own "available" and "busy" lists of extent storage cells
// (original_source mm/vm_extent.c vm_extent_insert/vm_extent_alloc_slot).
package vas

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/ptm"
)

// Flag describes the region/lifetime/backing attributes of an extent. It is
// distinct from ptm.PageTableEntryFlag, which describes hardware protection
// bits; Flag is pure VAS bookkeeping.
type Flag uint32

const (
	// LowMem places the extent in the low half of the address space.
	LowMem Flag = 1 << iota
	// HighMem places the extent in the high half of the address space.
	HighMem
	// Mapped marks an extent whose frames were supplied by the caller
	// (via Map) rather than allocated by the VAS itself.
	Mapped
	// Allocated marks an extent whose frames were allocated by the VAS
	// (via Alloc).
	Allocated
	// Permanent marks an extent that ChangeAttr refuses to modify. Free
	// and Unmap do not check it; only Locked makes them refuse.
	Permanent
	// Locked marks an extent that Free must refuse to release.
	Locked
	// Lazy defers PTM backing to the page-fault handler.
	Lazy
	// LazyFree defers frame release to a background reap pass instead of
	// doing it inline during Free.
	LazyFree
	// GuardPages reserves an extra unmapped page on each side of the
	// range (used for thread stacks).
	GuardPages
	// ContigPhys requires the backing frames to be physically
	// contiguous.
	ContigPhys
)

// regionMask isolates the region-selector bits of a Flag value.
const regionMask = LowMem | HighMem

// memTypeMask isolates the backing-origin bits of a Flag value.
const memTypeMask = Allocated | Mapped

// AutoAddress requests that Alloc/Map pick the base address themselves.
const AutoAddress = ^uintptr(0)

// extentsPerSlot bounds a slot's extent array so that one extentSlot fits in
// a single page (spec.md §3 "each slot is itself a page").
const extentsPerSlot = 63

// extent describes one contiguous virtual range and what it is used for.
type extent struct {
	base   uintptr
	length mem.Size
	flags  Flag
	prot   ptm.PageTableEntryFlag
}

// region returns the LowMem/HighMem component of e's flags.
func (e *extent) region() Flag { return e.flags & regionMask }

// end returns the address one past the last byte covered by e.
func (e *extent) end() uintptr { return e.base + uintptr(e.length) }

// joinable reports whether e and other describe adjacent ranges with
// matching region/protection that can be merged into one extent
// (original_source mm/vm_extent.c vm_extent_can_join).
func (e *extent) joinable(other *extent) bool {
	if e.flags != other.flags || e.prot != other.prot {
		return false
	}
	return e.end() == other.base || other.end() == e.base
}

// join merges other into e in place, assuming e.joinable(other) is true.
func (e *extent) join(other *extent) {
	if other.base < e.base {
		e.base = other.base
	}
	e.length += other.length
}

// extentEntry is one storage cell inside an extentSlot's array. It embeds a
// dlist.Node so the cell's lifecycle (free-in-slot vs. linked into the
// slot's busy set) is tracked without a second allocation.
type extentEntry struct {
	node dlist.Node
	extent
}

// entryFromNode recovers the enclosing extentEntry from one of its list
// nodes; the node is the first field, mirroring the container-of idiom used
// throughout kernel/sync and kernel/irq.
func entryFromNode(n *dlist.Node) *extentEntry {
	return (*extentEntry)(unsafe.Pointer(n))
}

// extentSlot is a page-sized block of extent storage. A slot is linked into
// its owning extentList's slots list; internally it keeps the unused cells
// on avail and the cells currently describing a live range on busy
// (original_source h/vm.h vm_slot_hdr_t, mm/vm_extent.c).
type extentSlot struct {
	node  dlist.Node
	avail dlist.List
	busy  dlist.List
	cells [extentsPerSlot]extentEntry
}

// slotFromNode recovers the enclosing extentSlot from its list node.
func slotFromNode(n *dlist.Node) *extentSlot {
	return (*extentSlot)(unsafe.Pointer(n))
}

// init links every cell of s into s.avail, ready for use.
func (s *extentSlot) init() {
	for i := range s.cells {
		s.avail.PushBack(&s.cells[i].node)
	}
}

// extentList is a context-level set of extents (the free set or the
// allocated set), backed by one or more extentSlot pages.
type extentList struct {
	slots dlist.List
}

// insert adds ext to l, joining it into an existing neighbor when possible
// (spec.md §3 "merge lazily on insert") and otherwise consuming a free cell
// from the least-empty slot that still has one. allocSlot is called to grow
// the list when no slot has a free cell.
func (l *extentList) insert(ext extent, allocSlot func() (*extentSlot, bool)) bool {
	if ext.length == 0 {
		return true
	}

	// First pass: try to join ext into an existing busy cell in any slot.
	for sn := l.slots.Front(); sn != nil; sn = sn.Next() {
		slot := slotFromNode(sn)
		for bn := slot.busy.Front(); bn != nil; {
			next := bn.Next()
			entry := entryFromNode(bn)
			if entry.extent.joinable(&ext) {
				entry.extent.join(&ext)
				// a merge may now bridge to a second neighbor
				// still sitting in busy; keep scanning this
				// slot once more for a further join.
				l.mergeAdjacent(slot, entry)
				return true
			}
			bn = next
		}
	}

	// Second pass: find the slot with the fewest (but nonzero) spare
	// cells, to keep fragmentation low across slots.
	var best *extentSlot
	for sn := l.slots.Front(); sn != nil; sn = sn.Next() {
		slot := slotFromNode(sn)
		if slot.avail.Len() == 0 {
			continue
		}
		if best == nil || slot.avail.Len() < best.avail.Len() {
			best = slot
		}
	}

	if best == nil {
		var ok bool
		best, ok = allocSlot()
		if !ok {
			return false
		}
	}

	cellNode := best.avail.Back()
	best.avail.Remove(cellNode)
	entry := entryFromNode(cellNode)
	entry.extent = ext
	best.busy.PushBack(cellNode)
	return true
}

// mergeAdjacent re-scans slot's busy list for a second extent that has
// become adjacent to entry after a join, folding it in too
// (original_source mm/vm_extent.c vm_extent_insert's inner merge loop).
func (l *extentList) mergeAdjacent(slot *extentSlot, entry *extentEntry) {
again:
	for bn := slot.busy.Front(); bn != nil; bn = bn.Next() {
		other := entryFromNode(bn)
		if other == entry {
			continue
		}
		if entry.extent.joinable(&other.extent) {
			entry.extent.join(&other.extent)
			slot.busy.Remove(bn)
			slot.avail.PushBack(bn)
			goto again
		}
	}
}

// findContaining locates the busy extent that contains [base, base+length).
func (l *extentList) findContaining(base uintptr, length mem.Size) (*extentSlot, *dlist.Node, bool) {
	end := base + uintptr(length)
	for sn := l.slots.Front(); sn != nil; sn = sn.Next() {
		slot := slotFromNode(sn)
		for bn := slot.busy.Front(); bn != nil; bn = bn.Next() {
			entry := entryFromNode(bn)
			if base >= entry.extent.base && end <= entry.extent.end() {
				return slot, bn, true
			}
		}
	}
	return nil, nil, false
}

// remove frees the cell backing node back into slot's avail list, returning
// the extent it held.
func (l *extentList) remove(slot *extentSlot, node *dlist.Node) extent {
	entry := entryFromNode(node)
	ext := entry.extent
	slot.busy.Remove(node)
	entry.extent = extent{}
	slot.avail.PushBack(node)
	return ext
}

// addSlot links a freshly initialized slot into l.
func (l *extentList) addSlot(s *extentSlot) {
	l.slots.PushBack(&s.node)
}

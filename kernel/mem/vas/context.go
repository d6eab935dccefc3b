package vas

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/pfm"
	"github.com/achilleasa/gokernel/kernel/mem/ptm"
	"github.com/achilleasa/gokernel/kernel/sync"
)

var (
	// ErrInvalidAddress is returned when a request does not fall within
	// any free extent of the requested region (spec.md §4.3 "fixed
	// request must lie entirely inside one free extent").
	ErrInvalidAddress = &kernel.Error{Module: "vas", Message: "virtual address is not part of a free extent"}

	// ErrNoSpace is returned when no extent (or no extent-tracking slot)
	// large enough to satisfy the request can be found or created.
	ErrNoSpace = &kernel.Error{Module: "vas", Message: "no space left in the requested region"}

	// ErrLocked is returned when a free/unmap/change_attr request touches
	// an extent carrying the Locked flag.
	ErrLocked = &kernel.Error{Module: "vas", Message: "extent is locked"}

	// ErrNotAllocated is returned when Free/Unmap/ChangeAttr is asked to
	// operate on a range that is not part of the allocated extent set.
	ErrNotAllocated = &kernel.Error{Module: "vas", Message: "address range is not currently allocated"}
)

// the following indirections let tests swap out the privileged PTM calls the
// rest of this package makes, the same package-private-Fn-variable idiom
// kernel/mem/ptm itself uses for cpu.ActivePDT/cpu.SwitchPDT.
var (
	pdtMapFn = func(pdt *ptm.PageDirectoryTable, page ptm.Page, frame pfm.Frame, flags ptm.PageTableEntryFlag, allocFn ptm.FrameAllocatorFn) *kernel.Error {
		return pdt.Map(page, frame, flags, allocFn)
	}
	pdtUnmapFn = func(pdt *ptm.PageDirectoryTable, page ptm.Page) *kernel.Error {
		return pdt.Unmap(page)
	}
	pdtFreeFn = func(pdt *ptm.PageDirectoryTable, page ptm.Page) *kernel.Error {
		return pdt.Free(page)
	}
	translateFn = ptm.Translate
)

// region describes one half of the address space a Context manages.
type region struct {
	base   uintptr
	length mem.Size
}

// Context is one virtual address space: an owning page-table root plus the
// free/allocated extent sets that describe how its address range is
// currently carved up (spec.md §3 "Virtual address space (VAS context)").
type Context struct {
	lock sync.Spinlock

	pdt ptm.PageDirectoryTable

	free  extentList
	alloc extentList

	low, high region

	// defaultRegion is used when a caller passes neither LowMem nor
	// HighMem in alloc_flags.
	defaultRegion Flag

	frameAlloc ptm.FrameAllocatorFn

	// bootstrap supplies the very first slot's worth of extent storage
	// without going through Alloc, breaking the chicken-and-egg cycle of
	// needing an extent to describe the memory that tracks extents
	// (spec.md §4.3 "Slots themselves are allocated from the same VAS,
	// bootstrapped specially at init").
	bootstrap extentSlot
}

// Init prepares ctx to manage the given low-half and high-half address
// ranges, backed by pdtFrame, allocating physical frames via allocFn.
// defaultRegion picks LowMem or HighMem when a caller's AUTO request does
// not specify one.
func (ctx *Context) Init(pdtFrame pfm.Frame, allocFn ptm.FrameAllocatorFn, lowBase uintptr, lowLen mem.Size, highBase uintptr, highLen mem.Size, defaultRegion Flag) *kernel.Error {
	if err := ctx.pdt.Init(pdtFrame, allocFn); err != nil {
		return err
	}

	ctx.frameAlloc = allocFn
	ctx.low = region{base: lowBase, length: lowLen}
	ctx.high = region{base: highBase, length: highLen}
	ctx.defaultRegion = defaultRegion

	ctx.bootstrap.init()
	ctx.free.addSlot(&ctx.bootstrap)

	if lowLen > 0 {
		ctx.free.insert(extent{base: lowBase, length: lowLen, flags: LowMem}, ctx.growFreeSlots)
	}
	if highLen > 0 {
		ctx.free.insert(extent{base: highBase, length: highLen, flags: HighMem}, ctx.growFreeSlots)
	}

	return nil
}

// regionFor resolves the LowMem/HighMem selector implied by flags, falling
// back to ctx.defaultRegion (spec.md §4.3 "Region selection").
func (ctx *Context) regionFor(flags Flag) (region, Flag) {
	switch flags & regionMask {
	case LowMem:
		return ctx.low, LowMem
	case HighMem:
		return ctx.high, HighMem
	default:
		if ctx.defaultRegion == HighMem {
			return ctx.high, HighMem
		}
		return ctx.low, LowMem
	}
}

// growFreeSlots allocates a new slot page that adds storage capacity to the
// free extent set.
func (ctx *Context) growFreeSlots() (*extentSlot, bool) {
	return ctx.bootstrapSlot(&ctx.free)
}

// growAllocSlots allocates a new slot page that adds storage capacity to the
// allocated extent set.
func (ctx *Context) growAllocSlots() (*extentSlot, bool) {
	return ctx.bootstrapSlot(&ctx.alloc)
}

// bootstrapSlot carves a fresh page out of the free set to back a new
// tracking slot for list. The page itself is in-use memory, so its own
// bookkeeping entry always belongs in ctx.alloc, regardless of which list's
// storage capacity is being grown -- with one exception: when list is
// ctx.alloc itself, the slot is linked in *before* that insert, so an
// otherwise-empty allocated set always has room for its own first entry.
// This mirrors original_source mm/vm_extent.c vm_extent_alloc_tracking's
// special case for lh == vm_kernel_ctx.alloc_mem.
func (ctx *Context) bootstrapSlot(list *extentList) (*extentSlot, bool) {
	flags := Allocated | Permanent | Locked | ctx.defaultRegion
	prot := ptm.FlagPresent | ptm.FlagRW

	base, free, freeSlot, freeNode, err := ctx.place(AutoAddress, mem.PageSize, flags)
	if err != nil {
		return nil, false
	}

	if err := ctx.bindFrames(base, mem.PageSize, prot); err != nil {
		return nil, false
	}

	ctx.consumeFree(base, mem.PageSize, free, freeSlot, freeNode)

	slot := (*extentSlot)(unsafe.Pointer(base))
	slot.init()
	list.addSlot(slot)

	ext := extent{base: base, length: mem.PageSize, flags: flags, prot: prot}
	if !ctx.alloc.insert(ext, ctx.growAllocSlots) {
		// unreachable when list == &ctx.alloc: the slot was just linked
		// in with every cell free, so the insert above always finds
		// room on its first pass.
		ctx.unbindFrames(base, mem.PageSize, true)
		ctx.free.insert(ext, ctx.growFreeSlots)
		return nil, false
	}

	return slot, true
}

// Alloc reserves len bytes of virtual address space and, unless flags
// carries Lazy, immediately backs it with frames obtained from the
// registered allocator (spec.md §4.3 "alloc(ctx, vaddr_or_AUTO, len,
// alloc_flags, prot)").
func (ctx *Context) Alloc(vaddr uintptr, length mem.Size, flags Flag, prot ptm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	ctx.lock.Acquire()
	defer ctx.lock.Release()

	return ctx.allocLocked(vaddr, length, flags|Allocated, prot)
}

func (ctx *Context) allocLocked(vaddr uintptr, length mem.Size, flags Flag, prot ptm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	length = length.Align()

	base, free, freeSlot, freeNode, err := ctx.place(vaddr, length, flags)
	if err != nil {
		return 0, err
	}

	ext := extent{base: base, length: length, flags: flags, prot: prot}

	if flags&Lazy == 0 {
		if err := ctx.bindFrames(base, length, prot); err != nil {
			// place() only located the extent; the free set is
			// still intact, so there is nothing to roll back.
			return 0, err
		}
	}

	ctx.consumeFree(base, length, free, freeSlot, freeNode)

	if !ctx.alloc.insert(ext, ctx.growAllocSlots) {
		if flags&Lazy == 0 {
			ctx.unbindFrames(base, length, true)
		}
		ctx.free.insert(ext, ctx.growFreeSlots)
		return 0, ErrNoSpace
	}

	return base, nil
}

// Map behaves like Alloc but binds the caller-supplied physical range
// instead of allocating fresh frames (spec.md §4.3 "map(ctx, vaddr_or_AUTO,
// len, phys, alloc_flags, prot)").
func (ctx *Context) Map(vaddr uintptr, length mem.Size, phys pfm.Frame, flags Flag, prot ptm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	ctx.lock.Acquire()
	defer ctx.lock.Release()

	length = length.Align()

	base, free, freeSlot, freeNode, err := ctx.place(vaddr, length, flags|Mapped)
	if err != nil {
		return 0, err
	}

	if flags&Lazy == 0 {
		page := ptm.PageFromAddress(base)
		frame := phys
		for off := mem.Size(0); off < length; off += mem.PageSize {
			if err := pdtMapFn(&ctx.pdt, page+ptm.Page(off>>mem.PageShift), frame+pfm.Frame(off>>mem.PageShift), prot, ctx.frameAlloc); err != nil {
				// base..off was bound to caller-supplied frames,
				// not ones obtained from frameAlloc, so the
				// rollback must only clear the mapping, never
				// hand the frames back to the frame manager.
				ctx.unbindFrames(base, off, false)
				// place() only located the extent; the free
				// set is still intact, nothing to roll back.
				return 0, err
			}
		}
	}

	ext := extent{base: base, length: length, flags: flags | Mapped, prot: prot}
	ctx.consumeFree(base, length, free, freeSlot, freeNode)

	if !ctx.alloc.insert(ext, ctx.growAllocSlots) {
		if flags&Lazy == 0 {
			ctx.unbindFrames(base, length, false)
		}
		ctx.free.insert(ext, ctx.growFreeSlots)
		return 0, ErrNoSpace
	}

	return base, nil
}

// place finds (for AutoAddress) or validates (for a fixed vaddr) the extent
// that will host the request, without mutating any list yet.
func (ctx *Context) place(vaddr uintptr, length mem.Size, flags Flag) (uintptr, extent, *extentSlot, *dlist.Node, *kernel.Error) {
	rgn, sel := ctx.regionFor(flags)

	if vaddr == AutoAddress {
		found, slot, node, ok := ctx.firstFit(sel, length)
		if !ok {
			return 0, extent{}, nil, nil, ErrNoSpace
		}
		return found.base, found, slot, node, nil
	}

	if vaddr < rgn.base || vaddr+uintptr(length) > rgn.base+uintptr(rgn.length) {
		return 0, extent{}, nil, nil, ErrInvalidAddress
	}

	slot, node, ok := ctx.free.findContaining(vaddr, length)
	if !ok {
		return 0, extent{}, nil, nil, ErrInvalidAddress
	}

	entry := entryFromNode(node)
	return vaddr, entry.extent, slot, node, nil
}

// firstFit scans the free set for the first extent in the given region with
// at least length bytes (spec.md §4.3 "Placement policy. First-fit within
// the chosen region, searched from low to high").
func (ctx *Context) firstFit(sel Flag, length mem.Size) (extent, *extentSlot, *dlist.Node, bool) {
	var (
		bestExt  extent
		bestSlot *extentSlot
		bestNode *dlist.Node
		bestBase uintptr = ^uintptr(0)
		found    bool
	)

	for sn := ctx.free.slots.Front(); sn != nil; sn = sn.Next() {
		slot := slotFromNode(sn)
		for bn := slot.busy.Front(); bn != nil; bn = bn.Next() {
			entry := entryFromNode(bn)
			if entry.extent.region() != sel || entry.extent.length < length {
				continue
			}
			if !found || entry.extent.base < bestBase {
				bestExt, bestSlot, bestNode, bestBase, found = entry.extent, slot, bn, entry.extent.base, true
			}
		}
	}

	return bestExt, bestSlot, bestNode, found
}

// consumeFree removes [base, base+length) from the free extent free,
// reinserting whatever remains on either side.
func (ctx *Context) consumeFree(base uintptr, length mem.Size, free extent, slot *extentSlot, node *dlist.Node) {
	ctx.free.remove(slot, node)

	if base > free.base {
		ctx.free.insert(extent{base: free.base, length: mem.Size(base - free.base), flags: free.flags, prot: free.prot}, ctx.growFreeSlots)
	}
	end := base + uintptr(length)
	if end < free.end() {
		ctx.free.insert(extent{base: end, length: mem.Size(free.end() - end), flags: free.flags, prot: free.prot}, ctx.growFreeSlots)
	}
}

// bindFrames allocates length bytes' worth of physical frames and maps them
// at base using the context's registered allocator.
func (ctx *Context) bindFrames(base uintptr, length mem.Size, prot ptm.PageTableEntryFlag) *kernel.Error {
	page := ptm.PageFromAddress(base)
	mapped := mem.Size(0)
	for mapped < length {
		frame, err := ctx.frameAlloc()
		if err != nil {
			ctx.unbindFrames(base, mapped, true)
			return err
		}
		if err := pdtMapFn(&ctx.pdt, page+ptm.Page(mapped>>mem.PageShift), frame, prot, ctx.frameAlloc); err != nil {
			ctx.unbindFrames(base, mapped, true)
			return err
		}
		mapped += mem.PageSize
	}
	return nil
}

// unbindFrames clears the leaf mappings for [base, base+length). When
// returnFrames is set it drives the walk through ptm.Free so each backing
// frame is handed back to the frame manager (spec.md §4.2 "free... return
// the referenced frames to PFM"); otherwise it drives ptm.Unmap, which
// clears the mapping but leaves the frame allocated for the caller to reuse
// or free later.
func (ctx *Context) unbindFrames(base uintptr, length mem.Size, returnFrames bool) {
	page := ptm.PageFromAddress(base)
	for off := mem.Size(0); off < length; off += mem.PageSize {
		if returnFrames {
			pdtFreeFn(&ctx.pdt, page+ptm.Page(off>>mem.PageShift))
		} else {
			pdtUnmapFn(&ctx.pdt, page+ptm.Page(off>>mem.PageShift))
		}
	}
}

// Free releases an allocated range: it clears the PTM mapping (unless the
// extent is Locked, which fails the whole call), returns the backing frames
// to the frame manager, and returns the range to the free set (spec.md §4.3
// "free(ctx, addr, len)"). The requested range need not be the whole of a
// containing extent (two adjacent Alloc calls can merge into one busy
// extent); Free splits off the untouched head/tail and leaves them
// allocated, mirroring ChangeAttr's 3-way split and original_source
// mm/vm_space.c vm_space_free's use of vm_extent_extract.
func (ctx *Context) Free(addr uintptr, length mem.Size) *kernel.Error {
	return ctx.release(addr, length, true)
}

// Unmap behaves like Free but never returns the frames backing the range to
// the frame manager; it only clears the leaf PTEs and reclaims any
// intermediate table left empty by doing so (spec.md §4.2 "unmap... does
// NOT free frames").
func (ctx *Context) Unmap(addr uintptr, length mem.Size) *kernel.Error {
	return ctx.release(addr, length, false)
}

// release is the shared extent-splitting body behind Free and Unmap; the
// two differ only in whether the backing frames are returned to the frame
// manager once their mapping is cleared.
func (ctx *Context) release(addr uintptr, length mem.Size, returnFrames bool) *kernel.Error {
	ctx.lock.Acquire()
	defer ctx.lock.Release()

	length = length.Align()

	slot, node, ok := ctx.alloc.findContaining(addr, length)
	if !ok {
		return ErrNotAllocated
	}

	entry := entryFromNode(node)
	if entry.extent.flags&Locked != 0 {
		return ErrLocked
	}

	full := ctx.alloc.remove(slot, node)

	left := extent{base: full.base, length: mem.Size(addr - full.base), flags: full.flags, prot: full.prot}
	right := extent{base: addr + uintptr(length), length: mem.Size(full.end() - (addr + uintptr(length))), flags: full.flags, prot: full.prot}

	restore := func() {
		ctx.alloc.insert(full, ctx.growAllocSlots)
	}

	if !ctx.alloc.insert(left, ctx.growAllocSlots) {
		restore()
		return ErrNoSpace
	}
	if !ctx.alloc.insert(right, ctx.growAllocSlots) {
		if left.length > 0 {
			if s, n, ok := ctx.alloc.findContaining(left.base, left.length); ok {
				ctx.alloc.remove(s, n)
			}
		}
		restore()
		return ErrNoSpace
	}

	if full.flags&Lazy == 0 {
		ctx.unbindFrames(addr, length, returnFrames)
	}

	ctx.free.insert(extent{base: addr, length: length, flags: full.flags & regionMask, prot: 0}, ctx.growFreeSlots)
	return nil
}

// ChangeAttr atomically swaps the protection flags on [addr, addr+length):
// it splits the containing extent so only the touched sub-range is
// affected (the untouched head/tail keep their old protection), rewrites
// the PTEs over the touched range, and rolls back the extent split if the
// PTM step fails (spec.md §4.3 "change_attr... atomically frees the old VAS
// extent, allocates the same range with the new prot" — generalized to a
// 3-way split since a request need not cover a whole extent, mirroring
// original_source mm/vm_extent.c vm_extent_split's left/middle/right
// shape).
func (ctx *Context) ChangeAttr(addr uintptr, length mem.Size, set, clear ptm.PageTableEntryFlag) (ptm.PageTableEntryFlag, *kernel.Error) {
	ctx.lock.Acquire()
	defer ctx.lock.Release()

	length = length.Align()

	slot, node, ok := ctx.alloc.findContaining(addr, length)
	if !ok {
		return 0, ErrNotAllocated
	}

	entry := entryFromNode(node)
	if entry.extent.flags&(Locked|Permanent) != 0 {
		return 0, ErrLocked
	}

	oldExt := ctx.alloc.remove(slot, node)
	oldProt := oldExt.prot
	newProt := (oldProt | set) &^ clear

	left := extent{base: oldExt.base, length: mem.Size(addr - oldExt.base), flags: oldExt.flags, prot: oldProt}
	mid := extent{base: addr, length: length, flags: oldExt.flags, prot: newProt}
	right := extent{base: addr + uintptr(length), length: mem.Size(oldExt.end() - (addr + uintptr(length))), flags: oldExt.flags, prot: oldProt}

	restore := func() {
		ctx.alloc.insert(oldExt, ctx.growAllocSlots)
	}

	if !ctx.alloc.insert(left, ctx.growAllocSlots) {
		restore()
		return 0, ErrNoSpace
	}
	if !ctx.alloc.insert(mid, ctx.growAllocSlots) {
		restore()
		return 0, ErrNoSpace
	}
	if !ctx.alloc.insert(right, ctx.growAllocSlots) {
		restore()
		return 0, ErrNoSpace
	}

	page := ptm.PageFromAddress(addr)
	for off := mem.Size(0); off < length; off += mem.PageSize {
		if err := changeAttrFn(ctx, page+ptm.Page(off>>mem.PageShift), newProt); err != nil {
			// best-effort rollback: remove whatever pieces were
			// inserted and restore the original single extent.
			for _, piece := range []extent{left, mid, right} {
				if piece.length == 0 {
					continue
				}
				if s, n, ok := ctx.alloc.findContaining(piece.base, piece.length); ok {
					ctx.alloc.remove(s, n)
				}
			}
			restore()
			return 0, err
		}
	}

	return oldProt, nil
}

// changeAttrFn rewrites the protection bits of an existing leaf mapping
// without touching the backing frame. It is a package-level var so tests can
// swap it the way the rest of the kernel mocks privileged primitives.
var changeAttrFn = defaultChangeAttr

func defaultChangeAttr(ctx *Context, page ptm.Page, prot ptm.PageTableEntryFlag) *kernel.Error {
	phys, err := translateFn(page.Address())
	if err != nil {
		return err
	}
	frame := pfm.Frame(phys >> mem.PageShift)
	return pdtMapFn(&ctx.pdt, page, frame, prot|ptm.FlagPresent, ctx.frameAlloc)
}

// BindRange allocates fresh physical frames and maps them into a range that
// was previously reserved with the Lazy flag. It lets a higher layer that
// tracks its own sub-allocations (kernel/heap's runtime.sysAlloc contract)
// reuse the VAS's frame binding without going through place/consumeFree
// again, since the range is already accounted for.
func (ctx *Context) BindRange(base uintptr, length mem.Size, prot ptm.PageTableEntryFlag) *kernel.Error {
	ctx.lock.Acquire()
	defer ctx.lock.Release()

	return ctx.bindFrames(base, length.Align(), prot)
}

// BindZeroPage maps ptm.ReservedZeroedFrame read-only and copy-on-write at
// addr without consuming a frame from the allocator, the same shared
// zero-fill-on-demand page ptm's own lazy-allocation page faults use. It
// backs kernel/heap's runtime.sysMap contract.
func (ctx *Context) BindZeroPage(addr uintptr, prot ptm.PageTableEntryFlag) *kernel.Error {
	ctx.lock.Acquire()
	defer ctx.lock.Release()

	page := ptm.PageFromAddress(addr)
	return pdtMapFn(&ctx.pdt, page, ptm.ReservedZeroedFrame, (prot&^ptm.FlagRW)|ptm.FlagCopyOnWrite, ctx.frameAlloc)
}

// HandleFault is invoked by the page-fault handler when a not-present fault
// occurs inside this context. It consults the allocated extent set and, on a
// hit against a Lazy extent, backs the single faulting page through PTM
// (spec.md §4.3 "Lazy allocation... the page-fault handler consults the VAS
// and, on a hit, calls PTM to back the page"). It returns true if the fault
// was resolved.
func (ctx *Context) HandleFault(vaddr uintptr) bool {
	ctx.lock.Acquire()
	defer ctx.lock.Release()

	_, node, ok := ctx.alloc.findContaining(vaddr, mem.PageSize)
	if !ok {
		return false
	}

	entry := entryFromNode(node)
	if entry.extent.flags&Lazy == 0 {
		return false
	}

	page := ptm.PageFromAddress(vaddr)
	frame, err := ctx.frameAlloc()
	if err != nil {
		return false
	}

	return pdtMapFn(&ctx.pdt, page, frame, entry.extent.prot, ctx.frameAlloc) == nil
}

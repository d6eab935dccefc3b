package vas

import (
	"testing"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/pfm"
	"github.com/achilleasa/gokernel/kernel/mem/ptm"
)

// newTestContext builds a Context whose low/high regions and bootstrap slot
// are wired up directly, bypassing Context.Init (and therefore pdt.Init,
// which calls the real, privileged cpu.ActivePDT and would fault outside of
// ring 0). pdtMapFn/pdtUnmapFn/translateFn/changeAttrFn are mocked by every
// test in this file, so the zero-value ctx.pdt is never actually touched.
func newTestContext(t *testing.T, lowBase uintptr, lowLen mem.Size) *Context {
	t.Helper()

	var ctx Context
	ctx.low = region{base: lowBase, length: lowLen}
	ctx.defaultRegion = LowMem
	ctx.frameAlloc = fakeFrameAllocator(t)

	ctx.bootstrap.init()
	ctx.free.addSlot(&ctx.bootstrap)
	if !ctx.free.insert(extent{base: lowBase, length: lowLen, flags: LowMem}, ctx.growFreeSlots) {
		t.Fatal("failed to seed free extent")
	}

	return &ctx
}

// fakeFrameAllocator hands out ever-increasing frame numbers.
func fakeFrameAllocator(t *testing.T) ptm.FrameAllocatorFn {
	t.Helper()
	next := pfm.Frame(1)
	return func() (pfm.Frame, *kernel.Error) {
		f := next
		next++
		return f, nil
	}
}

// mockPdtCalls replaces pdtMapFn/pdtUnmapFn/pdtFreeFn/translateFn/changeAttrFn
// with no-op/bookkeeping stand-ins for the duration of the calling test and
// restores the originals on cleanup. freed records pages released through
// pdtFreeFn (i.e. via Free, not Unmap), so tests can tell the two apart.
func mockPdtCalls(t *testing.T) (mapped map[ptm.Page]pfm.Frame) {
	t.Helper()

	mapped, _ = mockPdtCallsFreed(t)
	return mapped
}

// mockPdtCallsFreed behaves like mockPdtCalls but additionally returns the
// set of pages released through pdtFreeFn, for tests that care about the
// Free/Unmap distinction.
func mockPdtCallsFreed(t *testing.T) (mapped map[ptm.Page]pfm.Frame, freed map[ptm.Page]pfm.Frame) {
	t.Helper()

	origMap, origUnmap, origFree, origTranslate, origChangeAttr := pdtMapFn, pdtUnmapFn, pdtFreeFn, translateFn, changeAttrFn
	t.Cleanup(func() {
		pdtMapFn, pdtUnmapFn, pdtFreeFn, translateFn, changeAttrFn = origMap, origUnmap, origFree, origTranslate, origChangeAttr
	})

	mapped = make(map[ptm.Page]pfm.Frame)
	freed = make(map[ptm.Page]pfm.Frame)
	pdtMapFn = func(_ *ptm.PageDirectoryTable, page ptm.Page, frame pfm.Frame, _ ptm.PageTableEntryFlag, _ ptm.FrameAllocatorFn) *kernel.Error {
		mapped[page] = frame
		return nil
	}
	pdtUnmapFn = func(_ *ptm.PageDirectoryTable, page ptm.Page) *kernel.Error {
		delete(mapped, page)
		return nil
	}
	pdtFreeFn = func(_ *ptm.PageDirectoryTable, page ptm.Page) *kernel.Error {
		freed[page] = mapped[page]
		delete(mapped, page)
		return nil
	}
	translateFn = func(virtAddr uintptr) (uintptr, *kernel.Error) {
		return virtAddr, nil
	}
	changeAttrFn = func(_ *Context, page ptm.Page, _ ptm.PageTableEntryFlag) *kernel.Error {
		return nil
	}

	return mapped, freed
}

func TestAllocAutoAddress(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 16*mem.PageSize)

	base, err := ctx.Alloc(AutoAddress, 2*mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base != 0x1000 {
		t.Fatalf("expected first-fit to return base 0x1000; got 0x%x", base)
	}

	if _, _, ok := ctx.alloc.findContaining(base, 2*mem.PageSize); !ok {
		t.Fatal("expected range to be tracked in the allocated set")
	}
	if _, _, ok := ctx.free.findContaining(base, 2*mem.PageSize); ok {
		t.Fatal("allocated range should no longer be part of the free set")
	}
}

func TestAllocFixedAddress(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 16*mem.PageSize)

	want := uintptr(0x1000) + uintptr(4*mem.PageSize)
	base, err := ctx.Alloc(want, 2*mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base != want {
		t.Fatalf("expected base 0x%x; got 0x%x", want, base)
	}

	// the free set should now hold two remainders: below and above.
	if _, _, ok := ctx.free.findContaining(0x1000, mem.PageSize); !ok {
		t.Fatal("expected leading remainder to stay free")
	}
	if _, _, ok := ctx.free.findContaining(want+uintptr(2*mem.PageSize), mem.PageSize); !ok {
		t.Fatal("expected trailing remainder to stay free")
	}
}

func TestAllocOutsideRegionFails(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	if _, err := ctx.Alloc(0x1000+uintptr(10*mem.PageSize), mem.PageSize, LowMem, ptm.FlagPresent); err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress; got %v", err)
	}
}

func TestAllocNoSpace(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 2*mem.PageSize)

	if _, err := ctx.Alloc(AutoAddress, 3*mem.PageSize, LowMem, ptm.FlagPresent); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace; got %v", err)
	}
}

func TestFreeMergesAdjacentExtents(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 16*mem.PageSize)

	b1, err := ctx.Alloc(AutoAddress, 2*mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := ctx.Alloc(AutoAddress, 2*mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	if err := ctx.Free(b1, 2*mem.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Free(b2, 2*mem.PageSize); err != nil {
		t.Fatal(err)
	}

	// the whole region should have folded back into a single free extent.
	slot, node, ok := ctx.free.findContaining(0x1000, 16*mem.PageSize)
	if !ok {
		t.Fatal("expected the full region to be free again")
	}
	entry := entryFromNode(node)
	if entry.extent.base != 0x1000 || entry.extent.length != 16*mem.PageSize {
		t.Fatalf("expected a single 16-page free extent; got base 0x%x length %d", entry.extent.base, entry.extent.length)
	}
	_ = slot
}

func TestFreeRejectsLocked(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	base, err := ctx.Alloc(AutoAddress, mem.PageSize, LowMem|Locked, ptm.FlagPresent)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Free(base, mem.PageSize); err != ErrLocked {
		t.Fatalf("expected ErrLocked; got %v", err)
	}
}

func TestFreeUnknownRangeFails(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	if err := ctx.Free(0x1000, mem.PageSize); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated; got %v", err)
	}
}

func TestFreeReturnsFramesUnmapDoesNot(t *testing.T) {
	mapped, freed := mockPdtCallsFreed(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	b1, err := ctx.Alloc(AutoAddress, mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := ctx.Alloc(AutoAddress, mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	if err := ctx.Unmap(b1, mem.PageSize); err != nil {
		t.Fatal(err)
	}
	if len(freed) != 0 {
		t.Fatalf("expected Unmap to never return frames; got %v", freed)
	}
	if _, stillMapped := mapped[ptm.PageFromAddress(b1)]; stillMapped {
		t.Fatal("expected Unmap to clear the mapping")
	}

	if err := ctx.Free(b2, mem.PageSize); err != nil {
		t.Fatal(err)
	}
	if len(freed) != 1 {
		t.Fatalf("expected Free to return exactly one frame; got %v", freed)
	}
}

func TestMapBindsCallerFrames(t *testing.T) {
	mapped := mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	base, err := ctx.Map(AutoAddress, 2*mem.PageSize, pfm.Frame(42), LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	firstPage := ptm.PageFromAddress(base)
	secondPage := ptm.PageFromAddress(base + uintptr(mem.PageSize))
	if mapped[firstPage] != 42 || mapped[secondPage] != 43 {
		t.Fatalf("expected contiguous caller frames 42/43 to be bound; got %v", mapped)
	}
}

func TestChangeAttrSplitsSubRange(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	base, err := ctx.Alloc(AutoAddress, 4*mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	// protect only the first page, as AllocStack does for its low guard.
	oldProt, err := ctx.ChangeAttr(base, mem.PageSize, 0, ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	if oldProt&ptm.FlagRW == 0 {
		t.Fatalf("expected returned old protection to carry FlagRW; got %v", oldProt)
	}

	_, midNode, ok := ctx.alloc.findContaining(base, mem.PageSize)
	if !ok {
		t.Fatal("expected the first page to still be tracked as allocated")
	}
	if prot := entryFromNode(midNode).extent.prot; prot&ptm.FlagRW != 0 {
		t.Fatalf("expected first page to have lost FlagRW; got %v", prot)
	}

	_, restNode, ok := ctx.alloc.findContaining(base+uintptr(mem.PageSize), 3*mem.PageSize)
	if !ok {
		t.Fatal("expected the remaining three pages to still be tracked as allocated")
	}
	if prot := entryFromNode(restNode).extent.prot; prot&ptm.FlagRW == 0 {
		t.Fatalf("expected untouched remainder to keep FlagRW; got %v", prot)
	}
}

func TestChangeAttrRejectsPermanent(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	base, err := ctx.Alloc(AutoAddress, mem.PageSize, LowMem|Permanent, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.ChangeAttr(base, mem.PageSize, 0, ptm.FlagRW); err != ErrLocked {
		t.Fatalf("expected ErrLocked; got %v", err)
	}
}

func TestHandleFaultBacksLazyPage(t *testing.T) {
	mapped := mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	base, err := ctx.Alloc(AutoAddress, mem.PageSize, LowMem|Lazy, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	if len(mapped) != 0 {
		t.Fatalf("lazy alloc should not have bound any frames yet; got %v", mapped)
	}

	if !ctx.HandleFault(base) {
		t.Fatal("expected HandleFault to resolve the lazy page")
	}
	if _, ok := mapped[ptm.PageFromAddress(base)]; !ok {
		t.Fatal("expected HandleFault to bind a frame for the faulting page")
	}
}

func TestHandleFaultIgnoresUnknownAddress(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 4*mem.PageSize)

	if ctx.HandleFault(0x9000) {
		t.Fatal("expected HandleFault to report unresolved for an address outside any allocated extent")
	}
}

func TestAllocStackProtectsGuardPages(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, 32*mem.PageSize)

	usableBase, err := ctx.AllocStack(2*mem.PageSize, LowMem, ptm.FlagPresent|ptm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	lowGuard := usableBase - uintptr(mem.PageSize)
	highGuard := usableBase + uintptr(2*mem.PageSize)

	_, lowNode, ok := ctx.alloc.findContaining(lowGuard, mem.PageSize)
	if !ok {
		t.Fatal("expected low guard page to be tracked as allocated")
	}
	if entryFromNode(lowNode).extent.prot&ptm.FlagRW != 0 {
		t.Fatal("expected low guard page to have lost FlagRW")
	}

	_, highNode, ok := ctx.alloc.findContaining(highGuard, mem.PageSize)
	if !ok {
		t.Fatal("expected high guard page to be tracked as allocated")
	}
	if entryFromNode(highNode).extent.prot&ptm.FlagRW != 0 {
		t.Fatal("expected high guard page to have lost FlagRW")
	}

	_, usableNode, ok := ctx.alloc.findContaining(usableBase, 2*mem.PageSize)
	if !ok {
		t.Fatal("expected usable region to be tracked as allocated")
	}
	if entryFromNode(usableNode).extent.prot&ptm.FlagRW == 0 {
		t.Fatal("expected usable region to keep FlagRW")
	}

	if err := ctx.FreeStack(usableBase, 2*mem.PageSize); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := ctx.free.findContaining(lowGuard, 4*mem.PageSize); !ok {
		t.Fatal("expected FreeStack to return the whole stack (guards included) to the free set")
	}
}

func TestGrowAllocSlotsAddsAnotherSlot(t *testing.T) {
	mockPdtCalls(t)
	ctx := newTestContext(t, 0x1000, mem.Size(2*extentsPerSlot+8)*mem.PageSize)

	// Alternate protection bits so consecutive single-page allocations
	// never qualify as joinable; otherwise first-fit placement would
	// hand back adjacent ranges that merge back into one busy extent
	// and the allocated set would never need a second slot.
	for i := 0; i < extentsPerSlot+1; i++ {
		prot := ptm.FlagPresent
		if i%2 == 0 {
			prot |= ptm.FlagRW
		}
		if _, err := ctx.Alloc(AutoAddress, mem.PageSize, LowMem, prot); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}

	if ctx.alloc.slots.Len() < 2 {
		t.Fatalf("expected the allocated set to have grown past one slot; got %d", ctx.alloc.slots.Len())
	}
}

package ptm

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/pfm"
)

func TestNextAddrFn(t *testing.T) {
	// Dummy test to keep coverage happy
	if exp, got := uintptr(123), nextAddrFn(uintptr(123)); exp != got {
		t.Fatalf("expected nextAddrFn to return %v; got %v", exp, got)
	}
}

func TestMapTemporaryAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	nextPhysPage := 0

	// allocFn returns pages from index 1; we keep index 0 for the P4 entry
	allocFn := func() (pfm.Frame, *kernel.Error) {
		nextPhysPage++
		pageAddr := unsafe.Pointer(&physPages[nextPhysPage][0])
		return pfm.Frame(uintptr(pageAddr) >> mem.PageShift), nil
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		// The last 12 bits encode the page table offset in bytes
		// which we need to convert to a uint64 entry
		pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
		return unsafe.Pointer(&physPages[pteCallCount-1][pteIndex])
	}

	nextAddrFn = func(entry uintptr) uintptr {
		return uintptr(unsafe.Pointer(&physPages[nextPhysPage][0]))
	}

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) {
		flushTLBEntryCallCount++
	}

	// The temporary mappin address breaks down to:
	// p4 index: 510
	// p3 index: 511
	// p2 index: 511
	// p1 index: 511
	frame := pfm.Frame(123)
	levelIndices := []uint{510, 511, 511, 511}

	page, err := MapTemporary(frame, allocFn)
	if err != nil {
		t.Fatal(err)
	}

	if got := page.Address(); got != tempMappingAddr(SlotPFM) {
		t.Fatalf("expected temp mapping virtual address to be %x; got %x", tempMappingAddr(SlotPFM), got)
	}

	for level, physPage := range physPages {
		pte := physPage[levelIndices[level]]
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[pte at level %d] expected entry to have FlagPresent and FlagRW set", level)
		}

		switch {
		case level < pageLevels-1:
			if exp, got := pfm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0]))>>mem.PageShift), pte.Frame(); got != exp {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, exp, got)
			}
		default:
			// The last pte entry should point to frame
			if got := pte.Frame(); got != frame {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, frame, got)
			}
		}
	}

	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

func TestMapTemporaryErrorsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	// The reserved virt address uses the following page level indices: 510, 511, 511, 511
	p4Index := 510
	frame := pfm.Frame(123)

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][p4Index].SetFlags(FlagPresent | FlagHugePage)

		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			// The last 12 bits encode the page table offset in bytes
			// which we need to convert to a uint64 entry
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}

		if _, err := MapTemporary(frame, nil); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("allocFn returns an error", func(t *testing.T) {
		physPages[0][p4Index] = 0

		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		allocFn := func() (pfm.Frame, *kernel.Error) {
			return 0, expErr
		}

		if _, err := MapTemporary(frame, allocFn); err != expErr {
			t.Fatalf("got unexpected error %v", err)
		}
	})
}

// pageAlignedTables carves pageLevels page-sized, page-aligned tables out of
// an oversized backing buffer. tableEmpty finds a table's bounds by masking
// an entry pointer down to a page boundary, so the fixtures it runs against
// must actually start on one — a plain Go array has no such guarantee.
func pageAlignedTables(t *testing.T) *[pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry {
	t.Helper()

	buf := make([]byte, (pageLevels+1)*int(mem.PageSize))
	base := (uintptr(unsafe.Pointer(&buf[0])) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	return (*[pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry)(unsafe.Pointer(base))
}

// unmapTestFixture builds the physPages/ptePtrFn/flushTLBEntryFn scaffolding
// shared by TestUnmapAmd64 and TestFreeAmd64: a single page mapped to
// virtual address 0 across all four page levels, each level's table living
// in its own page-aligned backing page so tableEmpty's page-aligned scan
// only ever sees that level's own 512 entries.
func unmapTestFixture(t *testing.T) (physPages *[pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry, frame pfm.Frame, flushCount *int) {
	t.Helper()

	physPages = pageAlignedTables(t)
	frame = pfm.Frame(123)

	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pfm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) {
		flushTLBEntryCallCount++
	}
	flushCount = &flushTLBEntryCallCount

	return physPages, frame, flushCount
}

// assertTablesReclaimed checks the cascading effect freeEmptyTables has on
// unmapTestFixture's single mapping: once the PT's only entry is cleared,
// every table above it is left with no present entries of its own and so is
// reclaimed in turn, all the way up to (but not including) the PML4 entry
// that owns the mapping's whole chain.
func assertTablesReclaimed(t *testing.T, physPages *[pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry, frame pfm.Frame) {
	t.Helper()

	for level := 0; level < pageLevels-1; level++ {
		pte := physPages[level][0]
		if pte.HasFlags(FlagPresent) || pte.Frame() != 0 {
			t.Errorf("[pte at level %d] expected entry to be fully cleared once its table emptied; got flags=%v frame=%d", level, pte.HasFlags(FlagPresent), pte.Frame())
		}
	}

	leaf := physPages[pageLevels-1][0]
	if leaf.HasFlags(FlagPresent) {
		t.Error("[pte at leaf level] expected entry not to have FlagPresent set")
	}
	if got := leaf.Frame(); got != frame {
		t.Errorf("[pte at leaf level] expected entry frame to still be %d; got %d", frame, got)
	}
}

func TestUnmapAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr), origFrameFreer FrameFreerFn) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
		frameFreer = origFrameFreer
	}(ptePtrFn, flushTLBEntryFn, frameFreer)

	physPages, frame, flushCount := unmapTestFixture(t)

	var freedFrames []pfm.Frame
	frameFreer = func(f pfm.Frame) *kernel.Error {
		freedFrames = append(freedFrames, f)
		return nil
	}

	if err := Unmap(PageFromAddress(0)); err != nil {
		t.Fatal(err)
	}

	assertTablesReclaimed(t, physPages, frame)

	// one shootdown for the leaf clear, plus one local flush per
	// intermediate table freeEmptyTables reclaims (levels 2, 1, 0).
	if exp := 4; *flushCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, *flushCount)
	}

	// the 3 reclaimed intermediate tables go back to frameFreer; the
	// leaf's own frame never does.
	if exp := 3; len(freedFrames) != exp {
		t.Errorf("expected frameFreer to be called %d times; got %d (%v)", exp, len(freedFrames), freedFrames)
	}
	for _, f := range freedFrames {
		if f == frame {
			t.Errorf("expected Unmap never to return the leaf frame to frameFreer; got %v", freedFrames)
		}
	}
}

func TestFreeAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr), origFrameFreer FrameFreerFn) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
		frameFreer = origFrameFreer
	}(ptePtrFn, flushTLBEntryFn, frameFreer)

	physPages, frame, _ := unmapTestFixture(t)

	var freedFrames []pfm.Frame
	frameFreer = func(f pfm.Frame) *kernel.Error {
		freedFrames = append(freedFrames, f)
		return nil
	}

	if err := Free(PageFromAddress(0)); err != nil {
		t.Fatal(err)
	}

	assertTablesReclaimed(t, physPages, frame)

	// the 3 reclaimed intermediate tables plus the leaf's own frame.
	if exp := 4; len(freedFrames) != exp {
		t.Fatalf("expected frameFreer to be called %d times; got %d (%v)", exp, len(freedFrames), freedFrames)
	}
	if freedFrames[len(freedFrames)-1] != frame {
		t.Errorf("expected the leaf frame %d to be the last one returned; got %v", frame, freedFrames)
	}
}

func TestUnmapErrorsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][0].SetFlags(FlagPresent | FlagHugePage)

		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			// The last 12 bits encode the page table offset in bytes
			// which we need to convert to a uint64 entry
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}

		if err := Unmap(PageFromAddress(0)); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("virtual address not mapped", func(t *testing.T) {
		physPages[0][0].ClearFlags(FlagPresent)

		if err := Unmap(PageFromAddress(0)); err != ErrInvalidMapping {
			t.Fatalf("expected to get ErrInvalidMapping; got %v", err)
		}
	})
}

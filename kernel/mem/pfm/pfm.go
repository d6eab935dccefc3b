// Package pfm implements the physical frame manager (spec.md §4.1): it
// tracks all usable RAM at page granularity, satisfies allocation requests
// under ordering/contiguity constraints, and bootstraps itself before the
// page table manager and virtual address space manager exist.
//
// The design is grounded on the teacher's bitmap allocator
// (kernel/mem/pmm/allocator/{bootmem,bitmap_allocator}.go) generalized to
// the visitor-based contract spec.md requires, and on the original
// implementation's range/bitmap split (original_source h/pfmgr.h,
// arch/x86_64/src/physmm.c).
package pfm

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/hal/firmware"
	"github.com/achilleasa/gokernel/kernel/kfmt/early"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/sync"
)

// Flag controls the behaviour of Alloc.
type Flag uint32

const (
	// Contig requires the allocation to be satisfied by a single
	// contiguous run of frames.
	Contig Flag = 1 << iota

	// Highest directs the search to start from the highest usable
	// address and proceed downward.
	Highest

	// ISADMA permits the allocator to hand back frames below
	// mem.LowMemory (1 MiB), which are withheld by default.
	ISADMA

	// CBStop is an advisory flag a caller can check for in its own
	// bookkeeping; the visitor itself signals early termination via
	// StatusStop regardless of whether this flag is set.
	CBStop

	// PreferredAddr directs the search to begin at the start address
	// supplied to Alloc instead of the range's internal cursor.
	PreferredAddr
)

// Status is the continuation code a visitor/provider returns to the walker.
type Status uint8

const (
	// StatusContinue asks the walker to keep invoking the callback.
	StatusContinue Status = iota

	// StatusStop asks the walker to stop after this callback invocation,
	// without it being treated as an error.
	StatusStop

	// StatusError aborts the walk; the error propagates back to the
	// caller of Alloc/Free unchanged.
	StatusError
)

// VisitFunc is invoked one or more times by Alloc with a contiguous
// (physBase, bytesAvailable) run. It must return how many of the offered
// bytes it actually used (≤ bytesAvailable) along with a continuation code.
type VisitFunc func(physBase uintptr, bytesAvailable mem.Size) (bytesUsed mem.Size, status Status)

// ProvideFunc is invoked repeatedly by Free; each call yields a
// (physBase, bytes) run to release and returns a continuation code.
type ProvideFunc func() (physBase uintptr, bytes mem.Size, status Status)

// RangeType mirrors the firmware-reported region type for a physical range.
type RangeType uint8

const (
	// TypeUsable ranges back the allocator's bitmap.
	TypeUsable RangeType = iota

	// TypeBusy ranges carry only a header (e.g. the kernel image itself,
	// or firmware-reserved memory) and are never scanned for allocation.
	TypeBusy
)

var (
	// ErrNoFrames is returned when a request cannot be satisfied.
	ErrNoFrames = &kernel.Error{Module: "pfm", Message: "no frames available"}
)

// rangeHeader is the metadata every range carries, busy or usable.
type rangeHeader struct {
	next            *rangeHeader
	base            uintptr
	length          mem.Size
	typ             RangeType
	proximityDomain uint32

	// usable-range-only fields; zero for busy ranges.
	totalFrames uint32
	availFrames uint32
	nextLookup  uint32
	bitmap      []uint64
}

const wordBits = 64

// Manager owns the list of physical ranges and serves allocation/free
// requests. The zero value is not ready for use; call InitBootstrap.
type Manager struct {
	lock sync.Spinlock

	head *rangeHeader

	// bootstrapped is false until Promote has been called. No method of
	// Manager reads it: Alloc, Free and the bitmap helpers behave the
	// same before and after Promote.
	bootstrapped bool

	// tempMap/tempUnmap are the remap-window hooks handed to
	// InitBootstrap; Promote clears them. No method of Manager calls
	// them: every bitmap word is read and written directly through the
	// range's bitmap slice, before and after Promote.
	tempMap   func(phys uintptr) uintptr
	tempUnmap func(vaddr uintptr)
}

// RangeConfig describes one physical range discovered during bootstrap.
type RangeConfig struct {
	Base            uintptr
	Length          mem.Size
	Usable          bool
	ProximityDomain uint32
}

// InitBootstrap builds the range list from the firmware memory map. Usable
// ranges receive a bitmap allocated from bitmapStorage (caller-supplied,
// backed by identity-addressable memory during Phase 1 — see spec.md §9
// "Bootstrap circularity"). tempMap/tempUnmap are the PTM remap-window
// primitives (slots 510/511, spec.md §4.2); InitBootstrap stores them but no
// method calls them, so bitmapStorage must already be addressable.
func (m *Manager) InitBootstrap(ranges []RangeConfig, bitmapStorage [][]uint64, tempMap func(uintptr) uintptr, tempUnmap func(uintptr)) {
	m.tempMap, m.tempUnmap = tempMap, tempUnmap

	var tail *rangeHeader
	bitmapIdx := 0
	for _, rc := range ranges {
		hdr := &rangeHeader{
			base:            rc.Base,
			length:          rc.Length,
			proximityDomain: rc.ProximityDomain,
		}

		if rc.Usable {
			hdr.typ = TypeUsable
			hdr.totalFrames = uint32(rc.Length >> mem.PageShift)
			hdr.availFrames = hdr.totalFrames
			hdr.bitmap = bitmapStorage[bitmapIdx]
			bitmapIdx++
		} else {
			hdr.typ = TypeBusy
		}

		if tail == nil {
			m.head = hdr
		} else {
			tail.next = hdr
		}
		tail = hdr
	}
}

// Promote switches the manager into steady-state mode. Called once the
// kernel VAS and a permanent mapping of every range's header/bitmap exist
// (spec.md §9 Phase 2). It sets bootstrapped and clears the temp-map hooks;
// it maps nothing itself.
func (m *Manager) Promote() {
	m.lock.Acquire()
	defer m.lock.Release()
	m.bootstrapped = true
	m.tempMap, m.tempUnmap = nil, nil
}

// VisitRanges decodes a firmware.MemRegionVisitor-compatible callback into a
// slice of RangeConfig, rejecting nothing — callers filter by Usable.
func VisitRanges() []RangeConfig {
	var out []RangeConfig
	firmware.VisitMemRegions(func(entry *firmware.MemoryMapEntry) bool {
		out = append(out, RangeConfig{
			Base:            uintptr(entry.PhysAddress),
			Length:          mem.Size(entry.Length),
			Usable:          entry.Type == firmware.MemAvailable,
			ProximityDomain: entry.ProximityDomain,
		})
		return true
	})
	return out
}

// Alloc satisfies an allocation request by invoking visit one or more times
// with contiguous (physBase, bytesAvailable) runs (spec.md §4.1).
func (m *Manager) Alloc(start uintptr, pages uint32, flags Flag, visit VisitFunc) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	remaining := pages
	for hdr := m.head; hdr != nil && remaining > 0; hdr = hdr.next {
		if hdr.typ != TypeUsable {
			continue
		}
		if !m.rangeEligible(hdr, flags) {
			continue
		}

		if flags&Contig != 0 {
			hdr.nextLookup = 0
		}

		startFrame := uint32(0)
		if flags&PreferredAddr != 0 && start >= hdr.base && start < hdr.base+uintptr(hdr.length) {
			startFrame = uint32((start - hdr.base) >> mem.PageShift)
		}

		n, status, err := m.allocFromRange(hdr, remaining, startFrame, flags, visit)
		remaining -= n
		if err != nil {
			return err
		}
		if status == StatusStop || remaining == 0 {
			return nil
		}
	}

	if remaining == pages {
		return ErrNoFrames
	}
	if remaining > 0 && flags&Contig != 0 {
		return ErrNoFrames
	}
	return nil
}

// rangeEligible applies the ISA-DMA / low-memory exclusion rule.
func (m *Manager) rangeEligible(hdr *rangeHeader, flags Flag) bool {
	if hdr.availFrames == 0 {
		return false
	}
	if flags&ISADMA != 0 {
		return true
	}
	return uintptr(hdr.base)+uintptr(hdr.length) > uintptr(mem.LowMemory) || hdr.base >= uintptr(mem.LowMemory)
}

// allocFromRange scans hdr's bitmap for up to want free frames, invoking
// visit for each contiguous run found. It returns the number of frames
// actually allocated and the last status the visitor returned.
func (m *Manager) allocFromRange(hdr *rangeHeader, want uint32, startFrame uint32, flags Flag, visit VisitFunc) (uint32, Status, *kernel.Error) {
	var allocated uint32
	cursor := hdr.nextLookup
	if startFrame != 0 {
		cursor = startFrame
	}

	lowFrameLimit := uint32(0)
	if flags&ISADMA == 0 && hdr.base < uintptr(mem.LowMemory) {
		lowFrameLimit = uint32((uintptr(mem.LowMemory) - hdr.base) >> mem.PageShift)
	}

	for allocated < want {
		runStart, runLen, found := m.findFreeRun(hdr, cursor, want-allocated, lowFrameLimit, flags&Contig != 0)
		if !found {
			break
		}

		physBase := hdr.base + uintptr(runStart)<<mem.PageShift
		bytesAvail := mem.Size(runLen) << mem.PageShift

		used, status := visit(physBase, bytesAvail)
		framesUsed := uint32(used.Pages())
		if framesUsed > runLen {
			framesUsed = runLen
		}
		if framesUsed > 0 {
			m.markRange(hdr, runStart, framesUsed, true)
			allocated += framesUsed
		}

		hdr.nextLookup = runStart + framesUsed
		cursor = hdr.nextLookup

		switch status {
		case StatusStop:
			return allocated, StatusStop, nil
		case StatusError:
			return allocated, StatusError, ErrNoFrames
		}

		if framesUsed == 0 {
			break
		}
	}

	return allocated, StatusContinue, nil
}

// findFreeRun scans hdr's bitmap starting at cursor for a run of free
// frames. It scans whole 64-bit words first (mass "all zero" match) before
// falling back to a per-bit scan, giving amortized O(pages/64) behaviour
// (spec.md §4.1 "Algorithm"). When contig is true the run must be at least
// maxLen frames long or the scan fails outright.
func (m *Manager) findFreeRun(hdr *rangeHeader, cursor, maxLen, lowFrameLimit uint32, contig bool) (start, length uint32, ok bool) {
	total := hdr.totalFrames
	frame := cursor
	if frame < lowFrameLimit {
		frame = lowFrameLimit
	}

	for frame < total {
		word := frame / wordBits
		// Mass-match: if the entire word is free, take it whole
		// without a per-bit scan, extend the run by further free
		// words while it is shorter than maxLen, then clamp it to
		// maxLen.
		if frame%wordBits == 0 && hdr.bitmap[word] == 0 && frame+wordBits <= total {
			runStart := frame
			runLen := uint32(wordBits)
			for runLen < maxLen {
				nextWord := (runStart + runLen) / wordBits
				if (runStart+runLen)/wordBits >= uint32(len(hdr.bitmap)) || hdr.bitmap[nextWord] != 0 || runStart+runLen >= total {
					break
				}
				runLen += wordBits
			}
			if runLen > maxLen {
				runLen = maxLen
			}
			if contig && runLen < maxLen {
				// keep scanning forward in this word-run for
				// a bigger span is not profitable; a
				// genuinely contiguous request that doesn't
				// fit in whole words falls through to the
				// per-bit scan below.
			} else {
				return runStart, runLen, true
			}
		}

		if m.bitSet(hdr, frame) {
			frame++
			continue
		}

		// Per-bit scan for a run starting at frame.
		runStart := frame
		runLen := uint32(0)
		for frame < total && !m.bitSet(hdr, frame) && runLen < maxLen {
			frame++
			runLen++
		}

		if runLen == 0 {
			frame++
			continue
		}
		if contig && runLen < maxLen {
			frame = runStart + runLen
			continue
		}
		return runStart, runLen, true
	}

	return 0, 0, false
}

func (m *Manager) bitSet(hdr *rangeHeader, frame uint32) bool {
	word := frame / wordBits
	bit := frame % wordBits
	return hdr.bitmap[word]&(1<<bit) != 0
}

// markRange sets or clears `count` consecutive bits starting at `start`.
// Only the first `count` frames are ever marked; spec.md §9's documented
// defect ("marks a 64-frame block as fully busy when fewer frames were
// requested") is the bug this function must NOT reproduce.
func (m *Manager) markRange(hdr *rangeHeader, start, count uint32, busy bool) {
	for i := uint32(0); i < count; i++ {
		frame := start + i
		word := frame / wordBits
		bit := frame % wordBits
		if busy {
			hdr.bitmap[word] |= 1 << bit
		} else {
			hdr.bitmap[word] &^= 1 << bit
		}
	}
	if busy {
		hdr.availFrames -= count
	} else {
		hdr.availFrames += count
	}
}

// Free releases frames by invoking provide repeatedly; each call yields a
// (physBase, bytes) run to release (spec.md §4.1).
func (m *Manager) Free(provide ProvideFunc) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	for {
		physBase, bytes, status := provide()
		if bytes > 0 {
			if err := m.freeRun(physBase, bytes); err != nil {
				return err
			}
		}

		switch status {
		case StatusStop:
			return nil
		case StatusError:
			return ErrNoFrames
		}
	}
}

func (m *Manager) freeRun(physBase uintptr, bytes mem.Size) *kernel.Error {
	hdr := m.findRange(physBase)
	if hdr == nil || hdr.typ != TypeUsable {
		return ErrNoFrames
	}

	startFrame := uint32((physBase - hdr.base) >> mem.PageShift)
	count := uint32(bytes.Pages())
	m.markRange(hdr, startFrame, count, false)
	if startFrame < hdr.nextLookup {
		hdr.nextLookup = startFrame
	}
	return nil
}

func (m *Manager) findRange(phys uintptr) *rangeHeader {
	for hdr := m.head; hdr != nil; hdr = hdr.next {
		if phys >= hdr.base && phys < hdr.base+uintptr(hdr.length) {
			return hdr
		}
	}
	return nil
}

// TotalFree returns the total number of free bytes across all usable
// ranges.
func (m *Manager) TotalFree() mem.Size {
	m.lock.Acquire()
	defer m.lock.Release()

	var total mem.Size
	for hdr := m.head; hdr != nil; hdr = hdr.next {
		if hdr.typ == TypeUsable {
			total += mem.Size(hdr.availFrames) << mem.PageShift
		}
	}
	return total
}

// DumpFreeMemory prints one line per range, matching the diagnostic spec.md
// §8 scenario 1 names (pfmgr_show_free_memory).
func (m *Manager) DumpFreeMemory() {
	m.lock.Acquire()
	defer m.lock.Release()

	var total mem.Size
	for hdr := m.head; hdr != nil; hdr = hdr.next {
		if hdr.typ != TypeUsable {
			continue
		}
		free := mem.Size(hdr.availFrames) << mem.PageShift
		total += free
		early.Printf("[pfm] range 0x%16x len %16d free %16d\n", hdr.base, uint64(hdr.length), uint64(free))
	}
	early.Printf("[pfm] total free: %d\n", uint64(total))
}

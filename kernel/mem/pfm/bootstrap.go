package pfm

import "github.com/achilleasa/gokernel/kernel/mem"

// ReserveRange marks every frame overlapping [base, base+length) busy in
// whichever usable range(s) contain it, without removing the range from the
// list. This mirrors physmm_build_descriptors' kernel-segment carve-out
// (original_source arch/x86_64/src/physmm.c): the kernel image lands inside
// a range that firmware reported as usable, so it is reserved by marking
// bits busy rather than by splitting the range in two.
//
// Call this after InitBootstrap and before the manager is handed to any
// allocator consumer; frames reserved this way are never returned by Alloc.
func (m *Manager) ReserveRange(base uintptr, length mem.Size) {
	if length == 0 {
		return
	}
	end := base + uintptr(length)

	for hdr := m.head; hdr != nil; hdr = hdr.next {
		if hdr.typ != TypeUsable {
			continue
		}
		hdrEnd := hdr.base + uintptr(hdr.length)
		overlapStart := base
		if hdr.base > overlapStart {
			overlapStart = hdr.base
		}
		overlapEnd := end
		if hdrEnd < overlapEnd {
			overlapEnd = hdrEnd
		}
		if overlapStart >= overlapEnd {
			continue
		}

		firstFrame := uint32((overlapStart - hdr.base) >> mem.PageShift)
		lastFrame := uint32((overlapEnd - 1 - hdr.base) >> mem.PageShift)
		m.markRange(hdr, firstFrame, lastFrame-firstFrame+1, true)
	}
}

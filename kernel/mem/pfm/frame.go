package pfm

import (
	"math"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/mem"
)

// Frame describes a physical memory page index. The top 8 bits encode the
// page order for allocations larger than a single 4 KiB page, matching the
// teacher's kernel/mem/pmm.Frame encoding.
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr((f &^ (0xFF << 56)) << mem.PageShift)
}

// PageOrder returns the page order of this frame.
func (f Frame) PageOrder() mem.PageOrder {
	return mem.PageOrder((f >> 56) & 0xFF)
}

// Size returns the size of this frame.
func (f Frame) Size() mem.Size {
	return mem.PageSize << ((f >> 56) & 0xFF)
}

// AllocFn is a function that can allocate a single physical frame; it is
// the contract kernel/mem/ptm uses to obtain frames for new page tables.
type AllocFn func() (Frame, *kernel.Error)

// AllocOne allocates a single frame via the manager's visitor contract,
// adapting Alloc's multi-run-capable interface to the single-frame case the
// page table manager needs when it creates a new table.
func (m *Manager) AllocOne(flags Flag) (Frame, *kernel.Error) {
	var frame Frame
	err := m.Alloc(0, 1, flags, func(physBase uintptr, avail mem.Size) (mem.Size, Status) {
		frame = Frame(physBase >> mem.PageShift)
		return mem.PageSize, StatusStop
	})
	if err != nil {
		return InvalidFrame, err
	}
	return frame, nil
}

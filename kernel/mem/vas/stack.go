package vas

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/ptm"
)

// AllocStack reserves a thread stack of the requested usable size plus one
// guard page on each side, and write-protects the guard pages so a
// stack-overflow or stack-underflow touch faults instead of corrupting
// adjacent memory (spec.md §4.3 "Guard pages. Stacks allocate two extra
// pages, unwritten; on stack alloc the first and last pages are set
// read-only via change_attr"). It returns the base of the usable region
// (i.e. one page past the low guard page).
func (ctx *Context) AllocStack(usableSize mem.Size, flags Flag, prot ptm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	usableSize = usableSize.Align()
	total := usableSize + 2*mem.PageSize

	base, err := ctx.Alloc(AutoAddress, total, flags|GuardPages, prot)
	if err != nil {
		return 0, err
	}

	lowGuard := base
	highGuard := base + uintptr(total) - uintptr(mem.PageSize)

	if _, err := ctx.ChangeAttr(lowGuard, mem.PageSize, 0, ptm.FlagRW); err != nil {
		ctx.Free(base, total)
		return 0, err
	}
	if _, err := ctx.ChangeAttr(highGuard, mem.PageSize, 0, ptm.FlagRW); err != nil {
		ctx.Free(base, total)
		return 0, err
	}

	return base + uintptr(mem.PageSize), nil
}

// FreeStack releases a stack previously returned by AllocStack. usableBase
// is the address AllocStack returned; usableSize must match the size passed
// to AllocStack.
//
// It first restores the guard pages' original protection. ChangeAttr's
// merge-on-insert then folds the three sub-extents AllocStack split off
// back into the single extent Alloc originally created, so the Free call
// below sees one busy extent spanning the whole range again instead of
// three disjoint ones with different protections.
func (ctx *Context) FreeStack(usableBase uintptr, usableSize mem.Size) *kernel.Error {
	base := usableBase - uintptr(mem.PageSize)
	total := usableSize.Align() + 2*mem.PageSize
	highGuard := base + uintptr(total) - uintptr(mem.PageSize)

	if _, err := ctx.ChangeAttr(base, mem.PageSize, ptm.FlagRW, 0); err != nil {
		return err
	}
	if _, err := ctx.ChangeAttr(highGuard, mem.PageSize, ptm.FlagRW, 0); err != nil {
		return err
	}

	return ctx.Free(base, total)
}

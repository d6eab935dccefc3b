package kmain

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/cpu"
	"github.com/achilleasa/gokernel/kernel/hal/layout"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/smp"
)

const (
	ia32EFERMSR = 0xc0000080
	eferNXEBit  = 1 << 11
	cr4LA57Bit  = 1 << 12

	// apTrampolineLoadAddr is the physical address the AP jumps to when it
	// receives the startup IPI: bringup.go's initVector (0x8) encodes the
	// target page as vector*0x1000, i.e. physical 0x8000 (spec.md §4.6
	// item 3).
	apTrampolineLoadAddr = uintptr(0x8000)
)

// buildTrampoline copies the linker-provided AP trampoline image, described
// by hal/layout.APTrampolineStart/End, into a Go byte slice so it can be
// patched per AP and then written to its fixed load address. Grounded on
// pcpu_prepare_trampoline (original_source/arch/x86_64/src/pcpu.c), which
// works the same way against a statically linked template.
func buildTrampoline() smp.Trampoline {
	length := layout.APTrampolineEnd - layout.APTrampolineStart
	src := unsafe.Slice((*byte)(unsafe.Pointer(layout.APTrampolineStart)), length)

	image := make([]byte, length)
	copy(image, src)

	return smp.Trampoline{
		Image: image,
		Offsets: smp.Offsets{
			PML5Enable: layout.APTrampolinePML5On - layout.APTrampolineStart,
			NXEnable:   layout.APTrampolineNXOn - layout.APTrampolineStart,
			PageRoot:   layout.APTrampolinePTBase - layout.APTrampolineStart,
			Stack:      layout.APTrampolineStack - layout.APTrampolineStart,
			EntryPoint: layout.APTrampolineEntryPoint - layout.APTrampolineStart,
		},
	}
}

// loadTrampolineForAP patches a fresh copy of tmpl with this boot's
// page-table root and PML5/NX enable bits, allocates a one-frame temporary
// stack for the AP to execute the trampoline on, and copies the result to
// apTrampolineLoadAddr. EntryPoint is left at zero: no assembly bridge
// exists anywhere in this pack that lands a CPU coming out of the
// trampoline back into Go code (the same gap kernel/smp.Trampoline's own
// doc comment calls out for Image), so there is nothing real to patch in
// yet and pretending otherwise would only hide the gap.
func loadTrampolineForAP(tmpl smp.Trampoline, paging smp.PagingConfig) *kernel.Error {
	stackFrame, err := allocFrame()
	if err != nil {
		return err
	}
	stackTop := stackFrame.Address() + uintptr(mem.PageSize)

	efer := cpu.ReadMSR(ia32EFERMSR)
	pml5Enable := paging.CR4&cr4LA57Bit != 0
	nxEnable := efer&eferNXEBit != 0

	if err := tmpl.Patch(paging.PageRoot, pml5Enable, nxEnable, stackTop, 0); err != nil {
		return err
	}

	kernel.Memcopy(uintptr(unsafe.Pointer(&tmpl.Image[0])), apTrampolineLoadAddr, uintptr(len(tmpl.Image)))
	return nil
}

// Package layout exposes the memory-layout symbols the linker script
// provides (spec.md §6 "Memory-layout symbols"). The core never computes
// these addresses itself; it treats them as opaque facts about where the
// kernel image, the boot-time identity paging tables and the AP trampoline
// live in physical and virtual memory.
package layout

// Symbol addresses are populated by go:linkname redirects resolved against
// the linker script at image-build time; the declarations below give the
// rest of the kernel a typed, package-scoped way to refer to them instead
// of sprinkling //go:linkname throughout every consumer.
var (
	// KernelLMA and KernelLMAEnd bound the kernel image in physical
	// memory (load address).
	KernelLMA, KernelLMAEnd uintptr

	// KernelVMA and KernelVMAEnd bound the kernel image in virtual
	// memory (link address).
	KernelVMA, KernelVMAEnd uintptr

	// Code, CodeEnd bound the .text section.
	Code, CodeEnd uintptr

	// Data, DataEnd bound the .data section.
	Data, DataEnd uintptr

	// Rodata, RodataEnd bound the .rodata section.
	Rodata, RodataEnd uintptr

	// BSS, BSSEnd bound the .bss section.
	BSS, BSSEnd uintptr

	// BootPaging, BootPagingEnd bound the identity-mapped paging
	// structures the boot stub builds before Go code runs; the PTM
	// Phase 1 bootstrap (spec.md §9) walks these via the temp-map window.
	BootPaging, BootPagingEnd uintptr

	// APTrampolineStart, APTrampolineEnd bound the real-mode-to-long-mode
	// trampoline blob that kernel/smp copies into low memory for each AP
	// (spec.md §4.6 step 1).
	APTrampolineStart, APTrampolineEnd uintptr

	// APTrampolinePML5On, APTrampolineNXOn, APTrampolinePTBase,
	// APTrampolineStack and APTrampolineEntryPoint are the trampoline's
	// patch-point offsets, relative to APTrampolineStart, that
	// kernel/smp.Trampoline.Patch writes into before each AP is started.
	// They mirror the linker-script labels
	// __start_ap_{pml5_on,nx_on,pt_base,stack,entry_pt} that
	// original_source's pcpu_prepare_trampoline resolves the same way.
	APTrampolinePML5On     uintptr
	APTrampolineNXOn       uintptr
	APTrampolinePTBase     uintptr
	APTrampolineStack      uintptr
	APTrampolineEntryPoint uintptr
)

// KernelImageFrames returns the number of 4 KiB frames occupied by the
// kernel image, used by the PFM bootstrap to reserve them (spec.md §4.1
// "Bootstrap").
func KernelImageFrames(pageSize uintptr) uintptr {
	length := KernelLMAEnd - KernelLMA
	return (length + pageSize - 1) / pageSize
}

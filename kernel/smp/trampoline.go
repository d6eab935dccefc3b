// Package smp drives bringing up application processors: preparing the
// real-mode-to-long-mode trampoline, sending the INIT/SIPI sequence per AP
// (spec.md §4.6) and running the entry-point steps each AP executes once it
// lands back in Go code. Grounded on
// original_source/arch/x86_64/src/{smp,pcpu}.c and h/pcpu.h; the assembly
// trampoline itself is not reproduced (no asm exists anywhere in the pack
// for it, the same gap kernel/cpu's and kernel/irq's primitives have), so
// Trampoline below models only the patch points pcpu_prepare_trampoline
// writes into the copied image, leaving Image to be supplied by whatever
// loads the real blob.
package smp

import "github.com/achilleasa/gokernel/kernel"

// ErrTrampolineTooSmall is returned by Patch when Image is smaller than the
// highest patch offset requested.
var ErrTrampolineTooSmall = &kernel.Error{Module: "smp", Message: "trampoline image too small for patch offsets"}

// Offsets locates the patch points pcpu_prepare_trampoline computes relative
// to the trampoline's load address (__start_ap_pml5_on, __start_ap_nx_on,
// __start_ap_pt_base, __start_ap_stack, __start_ap_entry_pt): one byte each
// for the PML5/NX enable flags, and one machine word each for the page-table
// root, temporary stack pointer and AP entry address.
type Offsets struct {
	PML5Enable uintptr
	NXEnable   uintptr
	PageRoot   uintptr
	Stack      uintptr
	EntryPoint uintptr
}

// Trampoline is a copy of the AP bring-up code, ready to be patched with the
// values specific to this boot and then identity-mapped at a fixed
// low-memory location for the AP to execute from real mode.
type Trampoline struct {
	Image   []byte
	Offsets Offsets
}

func (t *Trampoline) putByte(off uintptr, v bool) *kernel.Error {
	if int(off) >= len(t.Image) {
		return ErrTrampolineTooSmall
	}
	if v {
		t.Image[off] = 1
	} else {
		t.Image[off] = 0
	}
	return nil
}

func (t *Trampoline) putWord(off uintptr, v uintptr) *kernel.Error {
	if int(off)+8 > len(t.Image) {
		return ErrTrampolineTooSmall
	}
	for i := 0; i < 8; i++ {
		t.Image[int(off)+i] = byte(v >> (8 * uint(i)))
	}
	return nil
}

// Patch writes pageRoot (CR3), the PML5/NX enable flags, the temporary stack
// pointer and the AP entry address into the trampoline image, mirroring
// pcpu_prepare_trampoline's pml5_on/nx_on/pt_base/stack/entry_pt writes.
func (t *Trampoline) Patch(pageRoot uintptr, pml5Enable, nxEnable bool, stack, entryPoint uintptr) *kernel.Error {
	if err := t.putByte(t.Offsets.PML5Enable, pml5Enable); err != nil {
		return err
	}
	if err := t.putByte(t.Offsets.NXEnable, nxEnable); err != nil {
		return err
	}
	if err := t.putWord(t.Offsets.PageRoot, pageRoot); err != nil {
		return err
	}
	if err := t.putWord(t.Offsets.Stack, stack); err != nil {
		return err
	}
	if err := t.putWord(t.Offsets.EntryPoint, entryPoint); err != nil {
		return err
	}
	return nil
}

package thread

import "github.com/achilleasa/gokernel/kernel/cpu"

// Context is a thread's saved register file, laid out in the same field
// order as original_source/arch/x86_64/h/context.h's RAX.._CR3 offset
// table. context_save/context_load there write/read this area from raw
// assembly; this package only builds and stores the struct; a kernel that
// boots past this point wires kernel/sched.ExecUnit.SwitchContext to a real
// arch-specific routine that saves/restores it across a CPU context switch,
// the same non-goal kernel/smp's trampoline already documents for the
// INIT/SIPI sequence.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RSP, RBP           uintptr
	RFlags             uint64
	DS, CS             uint16
	RIP                uintptr
	CR3                uintptr
}

const (
	kernelCS = 0x8
	kernelDS = 0x10
)

// activePDTFn is overridden by tests to avoid calling the privileged
// cpu.ActivePDT directly, mirroring kernel/mem/ptm/pdt.go's activePDTFn.
var activePDTFn = cpu.ActivePDT

// NewContext builds the initial register context for a thread that has
// never run: RIP is the entry point's code address, RSP/RBP sit at the top
// of its stack (matching context_init's th->stack_end - 8), and CR3 is the
// currently active page table root, mirroring __read_cr3() in
// original_source's context_init.
func NewContext(entryAddr, stackTop uintptr) *Context {
	sp := stackTop - 8
	return &Context{
		RIP: entryAddr,
		RSP: sp,
		RBP: sp,
		CS:  kernelCS,
		DS:  kernelDS,
		CR3: activePDTFn(),
	}
}

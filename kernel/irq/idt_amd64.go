package irq

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/cpu"
)

// kernelCodeSelector is the GDT selector for the 64-bit kernel code segment
// installed by the boot trampoline before the Go entrypoint runs.
const kernelCodeSelector = 0x08

// idtEntry is a 64-bit mode interrupt gate descriptor (Intel SDM vol 3a,
// figure 6-8).
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

// present|DPL0|64-bit interrupt gate.
const gateTypeInterrupt = 0x8e

var idt [numVectors]idtEntry

func (e *idtEntry) set(handlerAddr uintptr, present bool) {
	e.offsetLow = uint16(handlerAddr)
	e.offsetMid = uint16(handlerAddr >> 16)
	e.offsetHigh = uint32(handlerAddr >> 32)
	e.selector = kernelCodeSelector
	e.ist = 0
	e.reserved = 0
	if present {
		e.typeAttr = gateTypeInterrupt
	} else {
		e.typeAttr = 0
	}
}

// isrStubTable is populated by the assembly stub generator (isr_stubs_amd64.s)
// with the address of each vector's entry trampoline.
var isrStubTable [numVectors]uintptr

// Init builds the IDT, points every entry at its generated assembly stub and
// loads it via LIDT. Vectors 15 and 21-31 are architecturally reserved and
// are left present-but-unused: a spurious delivery to one of them lands in
// Dispatch with an empty chain, which simply returns.
func Init() {
	for v := 0; v < numVectors; v++ {
		idt[v].set(isrStubTable[v], true)
	}

	base := uintptr(unsafe.Pointer(&idt[0]))
	limit := uint16(unsafe.Sizeof(idt) - 1)
	cpu.LoadIDT(base, limit)
}

// Descriptor returns the (base, limit) pair the BSP's IDT was loaded with,
// so that CPU bring-up can hand every AP the same table to load (spec.md
// §4.6 item 4c: every AP shares the BSP's IDT, it never builds its own).
func Descriptor() (base uintptr, limit uint16) {
	return uintptr(unsafe.Pointer(&idt[0])), uint16(unsafe.Sizeof(idt) - 1)
}

// dispatchFromASM is called by the common assembly entry trampoline after it
// has reconstructed the Regs and Frame values from the stack. vector is
// passed as a full machine word (the stub pushes it with PUSHQ) and
// truncated back to a Vector here.
func dispatchFromASM(vector uint64, errorCode uint64, frame *Frame, regs *Regs) {
	Dispatch(Vector(uint8(vector)), frame, regs, errorCode)
}

// Package irq implements the L6 interrupt dispatch layer (spec.md §4.4): a
// 256-entry IDT, a per-vector handler chain, and a separate end-of-interrupt
// chain that the interrupt-controller driver uses to acknowledge delivery.
package irq

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/kfmt/early"
	"github.com/achilleasa/gokernel/kernel/sync"
)

// Vector identifies an IDT entry.
type Vector uint8

// Architectural exception vectors that the kernel installs handlers for.
const (
	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is trying to call an exception
	// handler.
	DoubleFault = Vector(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = Vector(13)

	// PageFaultException is raised when a PDT or PDT-entry is not
	// present, or a privilege/RW protection check fails.
	PageFaultException = Vector(14)
)

// Vector assignments reserved for kernel-generated interrupts (spec.md
// §4.4 "IDT layout").
const (
	LocalTimerVector     = Vector(238)
	PageInvalidateVector = Vector(239)
	SchedVector          = Vector(240)
)

// errorCodeMask has bit N set when vector N pushes an architectural error
// code onto the exception frame (spec.md §4.4 "architectural mask 0x27D00").
const errorCodeMask = uint32(0x27D00)

// hasErrorCode reports whether the CPU pushes an error code for v.
func hasErrorCode(v Vector) bool {
	return v < 21 && errorCodeMask&(1<<uint(v)) != 0
}

const numVectors = 256

// ExceptionNum is retained as an alias of Vector for the exception-specific
// registration helpers below.
type ExceptionNum = Vector

// Regs contains a snapshot of the register values when an interrupt occurred.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	early.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	early.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	early.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	early.Printf("RBP = %16x\n", r.RBP)
	early.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	early.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	early.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	early.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame describes an exception frame that is automatically pushed by the CPU
// to the stack when an exception occurs.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print outputs a dump of the exception frame to the active console.
func (f *Frame) Print() {
	early.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	early.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	early.Printf("RFL = %16x\n", f.RFlags)
}

// HandlerFunc handles a raw vector dispatch. It returns true once the
// interrupt has been fully handled, which stops the chain walk.
type HandlerFunc func(vector Vector, frame *Frame, regs *Regs, errorCode uint64) bool

// ExceptionHandler is a function that handles an exception that does not
// push an error code to the stack.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that
// pushes an error code to the stack.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

type chainEntry struct {
	node    dlist.Node
	handler HandlerFunc
	cookie  uintptr
}

// Registration is the handle returned by Install; pass it to Uninstall to
// remove the handler it identifies.
type Registration struct {
	vector Vector
	isEOI  bool
	entry  *chainEntry
}

var (
	lock         sync.Spinlock
	vectorChains [numVectors]dlist.List
	eoiChains    [numVectors]dlist.List
)

// Install adds handler to the chain for vector (or the vector's EOI chain
// when isEOI is set). Handlers installed later run first: dispatch walks
// the chain in install-reverse order and stops at the first one that
// reports handled.
func Install(vector Vector, handler HandlerFunc, cookie uintptr, isEOI bool) *Registration {
	entry := &chainEntry{handler: handler, cookie: cookie}

	lock.Acquire()
	if isEOI {
		eoiChains[vector].PushFront(&entry.node)
	} else {
		vectorChains[vector].PushFront(&entry.node)
	}
	lock.Release()

	return &Registration{vector: vector, isEOI: isEOI, entry: entry}
}

// Uninstall removes a handler previously added with Install.
func Uninstall(reg *Registration) {
	if reg == nil {
		return
	}

	lock.Acquire()
	if reg.isEOI {
		eoiChains[reg.vector].Remove(&reg.entry.node)
	} else {
		vectorChains[reg.vector].Remove(&reg.entry.node)
	}
	lock.Release()
}

// Dispatch is invoked by the assembly entry stubs for every IDT vector. It
// walks the per-vector chain until a handler reports handled, then walks the
// EOI chain the same way so the interrupt controller driver can acknowledge
// delivery exactly once.
func Dispatch(vector Vector, frame *Frame, regs *Regs, errorCode uint64) {
	runChain(&vectorChains[vector], vector, frame, regs, errorCode)
	runChain(&eoiChains[vector], vector, frame, regs, errorCode)
}

func runChain(chain *dlist.List, vector Vector, frame *Frame, regs *Regs, errorCode uint64) {
	lock.Acquire()
	n := chain.Front()
	lock.Release()

	for n != nil {
		entry := entryFromNode(n)
		if entry.handler(vector, frame, regs, errorCode) {
			return
		}

		lock.Acquire()
		n = n.Next()
		lock.Release()
	}
}

// the chainEntry's dlist.Node is its first field so a container-of style
// pointer conversion recovers the enclosing entry from a *dlist.Node.
func entryFromNode(n *dlist.Node) *chainEntry {
	return (*chainEntry)(unsafe.Pointer(n))
}

// HandleException registers an exception handler (without an error code)
// for the given vector. Equivalent to Install with the handler adapted to
// the HandlerFunc signature and always reporting itself as handled.
func HandleException(vector ExceptionNum, handler ExceptionHandler) {
	Install(vector, func(_ Vector, frame *Frame, regs *Regs, _ uint64) bool {
		handler(frame, regs)
		return true
	}, 0, false)
}

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given vector.
func HandleExceptionWithCode(vector ExceptionNum, handler ExceptionHandlerWithCode) {
	Install(vector, func(_ Vector, frame *Frame, regs *Regs, errorCode uint64) bool {
		handler(errorCode, frame, regs)
		return true
	}, 0, false)
}

// Package cpu implements the L0 platform shim: the small set of privileged,
// architecture-specific primitives that every layer above it (PFM, PTM, VAS,
// interrupt dispatch, scheduler) treats as a black box. None of the logic
// that decides *when* to invalidate a TLB entry or *which* MSR to program
// lives here; this package only knows how to execute the instruction.
package cpu

// EnableInterrupts enables interrupt handling on the local CPU (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling on the local CPU (CLI).
func DisableInterrupts()

// InterruptsEnabled reports whether interrupts are currently enabled on the
// local CPU by inspecting the IF bit of RFLAGS.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt (HLT).
func Halt()

// Pause executes a spin-loop hint instruction (PAUSE). It is used by
// busy-wait loops (spinlocks, the AP bring-up poll) to reduce power draw and
// avoid memory-order violations on hyper-threaded cores.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB (write to CR3).
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (read from CR3).
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// ReadCR0 returns the current value of CR0.
func ReadCR0() uint64

// WriteCR0 writes a new value to CR0.
func WriteCR0(v uint64)

// ReadCR4 returns the current value of CR4.
func ReadCR4() uint64

// WriteCR4 writes a new value to CR4.
func WriteCR4(v uint64)

// ReadMSR returns the 64-bit value of the model-specific register numbered
// msr.
func ReadMSR(msr uint32) uint64

// WriteMSR writes a 64-bit value to the model-specific register numbered
// msr.
func WriteMSR(msr uint32, value uint64)

// CPUID executes the CPUID instruction with the given leaf/subleaf selectors
// and returns the resulting EAX/EBX/ECX/EDX register values.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// ReadStackPointer returns the current value of RSP. It is primarily used
// when diagnosing a stack-overflow page fault (§8 scenario 3).
func ReadStackPointer() uintptr

// LocalAPICID returns the local APIC id of the currently executing CPU, as
// reported by CPUID leaf 1. It is used to index into per-CPU execution-unit
// state before the GS-relative pointer is established.
func LocalAPICID() uint32

// LoadIDT loads the interrupt descriptor table register (LIDT) with a table
// of limit+1 bytes starting at base.
func LoadIDT(base uintptr, limit uint16)

// Package kmain assembles the boot sequence out of the packages built
// underneath it: physical frame manager, page table manager, virtual
// address-space manager, Go runtime bootstrap, interrupt/timer setup,
// device-manager registration and, finally, CPU bring-up and entry into
// the scheduler. It plays the same role as the teacher's own
// kernel/kmain.Kmain, expanded to the multi-core sequence spec.md §9
// describes.
package kmain

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/cpu"
	"github.com/achilleasa/gokernel/kernel/devmgr"
	"github.com/achilleasa/gokernel/kernel/goruntime"
	"github.com/achilleasa/gokernel/kernel/hal"
	"github.com/achilleasa/gokernel/kernel/hal/firmware"
	"github.com/achilleasa/gokernel/kernel/heap"
	"github.com/achilleasa/gokernel/kernel/intc"
	"github.com/achilleasa/gokernel/kernel/irq"
	"github.com/achilleasa/gokernel/kernel/kfmt/early"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/pfm"
	"github.com/achilleasa/gokernel/kernel/mem/ptm"
	"github.com/achilleasa/gokernel/kernel/mem/vas"
	"github.com/achilleasa/gokernel/kernel/sched"
	"github.com/achilleasa/gokernel/kernel/smp"
	"github.com/achilleasa/gokernel/kernel/thread"
	"github.com/achilleasa/gokernel/kernel/timer"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// kernelHighBase/kernelHighLen describe the high half of every address
// space this kernel manages; the Go heap and anything else mapped above
// the canonical-address split lives here (spec.md §4.3 region selection).
const (
	kernelHighBase = uintptr(0xffff800000000000)
	kernelHighLen  = mem.Size(1) << 46
)

// frameManager is the single physical frame manager instance backing every
// page table and virtual address space this kernel creates. It is promoted
// out of bootstrap mode once the kernel VAS can provide a permanent mapping
// for its range headers and bitmaps.
var frameManager pfm.Manager

// kernelVAS is the address space every kernel thread shares, handed to
// kernel/thread.InitKernelOwner and used as the heap's backing store.
var kernelVAS vas.Context

func identity(addr uintptr) uintptr { return addr }
func noopUnmap(uintptr)             {}

// allocFrame adapts frameManager.Alloc to the single-frame
// ptm.FrameAllocatorFn shape every page table / VAS operation needs.
func allocFrame() (pfm.Frame, *kernel.Error) {
	var out = pfm.InvalidFrame
	err := frameManager.Alloc(0, 1, 0, func(physBase uintptr, avail mem.Size) (mem.Size, pfm.Status) {
		out = pfm.Frame(physBase >> mem.PageShift)
		return mem.PageSize, pfm.StatusStop
	})
	if err != nil {
		return pfm.InvalidFrame, err
	}
	return out, nil
}

// freeFrame adapts frameManager.Free to the single-frame ptm.FrameFreerFn
// shape Free and freeEmptyTables need to return a frame once a mapping or
// an emptied intermediate table no longer needs it.
func freeFrame(frame pfm.Frame) *kernel.Error {
	done := false
	return frameManager.Free(func() (uintptr, mem.Size, pfm.Status) {
		if done {
			return 0, 0, pfm.StatusStop
		}
		done = true
		return frame.Address(), mem.PageSize, pfm.StatusStop
	})
}

// initPFM builds the physical frame manager from the firmware memory map,
// reserving the kernel image so it is never handed out by Alloc; the bitmap
// slices come from make and are not reserved here (spec.md §4.1 Bootstrap;
// grounded on
// original_source's physmm_build_descriptors kernel-segment carve-out, see
// kernel/mem/pfm/bootstrap.go).
func initPFM(kernelStart, kernelEnd uintptr) {
	ranges := pfm.VisitRanges()

	bitmapStorage := make([][]uint64, 0, len(ranges))
	for _, rc := range ranges {
		if !rc.Usable {
			continue
		}
		words := (rc.Length.Pages() + 63) / 64
		bitmapStorage = append(bitmapStorage, make([]uint64, words))
	}

	frameManager.InitBootstrap(ranges, bitmapStorage, identity, noopUnmap)
	frameManager.ReserveRange(kernelStart, mem.Size(kernelEnd-kernelStart))
}

// initVAS prepares the page table manager and the shared kernel address
// space, then wires the frame allocator every later subsystem (the heap,
// thread stacks) draws from.
func initVAS() *kernel.Error {
	ptm.SetFrameAllocator(allocFrame)
	ptm.SetFrameFreer(freeFrame)
	if err := ptm.Init(); err != nil {
		return err
	}

	pdtFrame, err := allocFrame()
	if err != nil {
		return err
	}

	return kernelVAS.Init(pdtFrame, allocFrame, 0, 0, kernelHighBase, kernelHighLen, vas.HighMem)
}

// ia32PATMSR is the IA32_PAT MSR number (Intel SDM vol 3a §11.12.4); every
// AP reloads the BSP's current value rather than a hardcoded default so
// bring-up never disagrees with whatever memory-type setup ran before it.
const ia32PATMSR = 0x277

// bootstrapPaging returns the PagingConfig every AP's entry point replays,
// built from the state the BSP already established: the same CR0/CR4/PAT
// values and the shared page-table root (spec.md §4.6 item 4b).
func bootstrapPaging() smp.PagingConfig {
	return smp.PagingConfig{
		CR0:       cpu.ReadCR0(),
		CR4:       cpu.ReadCR4(),
		PATMSRNum: ia32PATMSR,
		PATMSR:    cpu.ReadMSR(ia32PATMSR),
		PageRoot:  cpu.ActivePDT(),
	}
}

// enterScheduler builds and registers the ExecUnit for apicID and wires its
// local timer, mirroring pcpu_entry_point's final step. The bootstrap
// processor calls it directly; every AP reaches it through
// smp.EntryConfig.EnterScheduler.
func enterScheduler(apicID uint32, local timer.Device) {
	unit := sched.NewExecUnit(uint(apicID), nil)
	unit.TimerDev = local
	sched.RegisterUnit(apicID, unit)
}

// bringUpSecondaryCPUs walks the firmware-reported CPU topology table and
// drives every online-capable AP other than the bootstrap processor through
// the INIT/SIPI sequence, per spec.md §4.6. An AP that fails to come online
// within its timeout is skipped, not fatal, matching BringUp's own failure
// policy.
func bringUpSecondaryCPUs(bspAPICID uint32, ctrl intc.Controller, idt smp.IDT, paging smp.PagingConfig, reference timer.Device) {
	tmpl := buildTrampoline()

	firmware.VisitCPUs(func(entry *firmware.CPUEntry) bool {
		if entry.APICID == bspAPICID || !entry.Enabled || !entry.OnlineCapable {
			return true
		}

		apicID := entry.APICID
		if err := loadTrampolineForAP(tmpl, paging); err != nil {
			early.Printf("kmain: cpu %d failed to prepare trampoline: %s\n", apicID, err.Message)
			return true
		}

		sig := &smp.Signal{}
		if err := smp.BringUp(ctrl, apicID, sig, 500); err != nil {
			early.Printf("kmain: cpu %d failed to come online: %s\n", apicID, err.Message)
			return true
		}

		smp.Entry(smp.EntryConfig{
			APICID:         apicID,
			Paging:         paging,
			IDT:            idt,
			Signal:         sig,
			RegisterDevice: devmgr.RegisterCPU,
			ReferenceTimer: reference,
			EnterScheduler: enterScheduler,
		})

		return true
	})
}

// Kmain is the only Go symbol the rt0 initialization code calls. It is
// invoked after the boot trampoline has set up the GDT and a minimal stack,
// passing the multiboot info pointer and the kernel image's physical
// bounds. Kmain is not expected to return; if it does, the rt0 code halts
// the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	firmware.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("Starting gokernel\n")

	initPFM(kernelStart, kernelEnd)

	if err := initVAS(); err != nil {
		kernel.Panic(err)
	}

	heap.Init(&kernelVAS)
	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	frameManager.Promote()

	irq.Init()

	thread.InitKernelOwner(&kernelVAS)
	thread.InitSchedulerHooks()

	ctrl := &intc.LoggingController{}
	intc.SetController(ctrl)
	if err := intc.Enable(); err != nil {
		kernel.Panic(err)
	}

	reference := &timer.LoggingDevice{Resolution: timer.Millisecond}
	timer.SetLocal(reference)

	bspAPICID := cpu.LocalAPICID()
	if err := devmgr.RegisterCPU(bspAPICID); err != nil {
		kernel.Panic(err)
	}
	enterScheduler(bspAPICID, reference)

	idtBase, idtLimit := irq.Descriptor()
	idt := smp.IDT{Base: idtBase, Limit: idtLimit}
	paging := bootstrapPaging()
	bringUpSecondaryCPUs(bspAPICID, ctrl, idt, paging, reference)

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead code.
	kernel.Panic(errKmainReturned)
}

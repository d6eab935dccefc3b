package smp

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/cpu"
	"github.com/achilleasa/gokernel/kernel/timer"
)

// PagingConfig carries the per-CPU paging parameters pcpu_entry_point's step
// (b) needs to reload: CR0 write-protect, the CR4 bits this platform
// requires (PAE/PGE/etc, decided once by the BSP and replayed identically on
// every AP), the PAT MSR value and the shared page-table root to reload into
// CR3.
type PagingConfig struct {
	CR0       uint64
	CR4       uint64
	PATMSRNum uint32
	PATMSR    uint64
	PageRoot  uintptr
}

// IDT carries the base/limit pair cpu.LoadIDT needs; every AP loads the same
// shared IDT the BSP built in kernel/irq.
type IDT struct {
	Base  uintptr
	Limit uint16
}

// EntryConfig bundles everything one AP's entry point (spec.md §4.6 item 4)
// needs to run the steps pcpu_entry_point performs, in order: (a) register
// with the device manager, (b) per-CPU paging init, (c) install the IDT,
// (d) locate the local timer (falling back to the reference device), (e)
// signal online, (f) enter the scheduler. RegisterDevice/EnterScheduler are
// left as hooks rather than direct calls into kernel/devmgr and kernel/sched
// because those packages are built after this one; the real boot sequence
// wires them in kernel/kmain the same way kernel/sync.SchedulerHooks is
// wired from kernel/thread.
type EntryConfig struct {
	APICID uint32
	Paging PagingConfig
	IDT    IDT
	Signal *Signal

	RegisterDevice func(apicID uint32) *kernel.Error
	LocalTimer     func(apicID uint32) timer.Device
	ReferenceTimer timer.Device
	EnterScheduler func(apicID uint32, local timer.Device)
}

// applyPagingFn/loadIDTFn are mocked by tests so Entry can be exercised
// without the privileged cpu primitives faulting outside ring 0.
var (
	applyPagingFn = func(cfg PagingConfig) {
		cpu.WriteCR0(cfg.CR0)
		cpu.WriteCR4(cfg.CR4)
		cpu.WriteMSR(cfg.PATMSRNum, cfg.PATMSR)
		cpu.SwitchPDT(cfg.PageRoot)
	}
	loadIDTFn = func(idt IDT) {
		cpu.LoadIDT(idt.Base, idt.Limit)
	}
)

// Entry runs the AP entry-point sequence described by cfg. It does not
// return in the real kernel (EnterScheduler never comes back); tests invoke
// it with a EnterScheduler that simply records its arguments.
func Entry(cfg EntryConfig) *kernel.Error {
	if cfg.RegisterDevice != nil {
		if err := cfg.RegisterDevice(cfg.APICID); err != nil {
			return err
		}
	}

	applyPagingFn(cfg.Paging)
	loadIDTFn(cfg.IDT)

	var local timer.Device
	if cfg.LocalTimer != nil {
		local = cfg.LocalTimer(cfg.APICID)
	}
	if local == nil {
		local = cfg.ReferenceTimer
	}
	if local != nil {
		timer.SetLocal(local)
	}

	if cfg.Signal != nil {
		cfg.Signal.MarkOnline()
	}

	if cfg.EnterScheduler != nil {
		cfg.EnterScheduler(cfg.APICID, local)
	}

	return nil
}

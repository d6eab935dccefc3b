package sched

import (
	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/sync"
	"github.com/achilleasa/gokernel/kernel/timer"
)

// Execution-unit flag bits, mirroring h/scheduler.h's UNIT_* defines.
const (
	UnitThreadsWake    uint32 = 1 << 0
	UnitThreadsUnblock uint32 = 1 << 1
	UnitReschedule     uint32 = 1 << 2
	UnitStart          uint32 = 1 << 3
	UnitNoPreempt      uint32 = 1 << 4
)

// ExecUnit is one CPU's scheduling context, mirroring sched_exec_unit_t:
// the currently running thread, the dedicated idle thread that is never
// enqueued, the dead-thread reap queue, the policy driving ready_q/sleep_q,
// and the timer device this unit ticks from (kernel/smp's AP entry sequence
// wires this once the unit's local timer has been located).
type ExecUnit struct {
	CPU      uint
	Current  *Thread
	Idle     *Thread
	DeadQ    dlist.List
	Lock     sync.Spinlock
	Flags    uint32
	TimerDev timer.Device
	Policy   Policy
	Calls    CallQueue

	// SwitchContext performs the actual register/stack/address-space
	// switch from prev to next. It is left as a hook rather than
	// implemented here because the real switch is arch assembly
	// (__cpu_switch_stack/__cpu_context_restore in
	// original_source/arch/x86_64/src/pcpu.c) that kernel/thread owns;
	// no asm for it exists anywhere in this pack, the same gap
	// kernel/cpu's and kernel/irq's hand-authored primitives have.
	SwitchContext func(prev, next *Thread)
}

// NewExecUnit creates a unit with policy p (BasicPolicy if nil) and an idle
// thread that Reschedule falls back to when nothing else is runnable.
func NewExecUnit(cpu uint, p Policy) *ExecUnit {
	if p == nil {
		p = &BasicPolicy{}
	}
	unit := &ExecUnit{CPU: cpu, Policy: p}
	p.Init(unit)
	unit.Idle = &Thread{State: StateRunning}
	unit.Current = unit.Idle
	return unit
}

// Reschedule runs the per-unit reschedule sequence of spec.md §4.8, entered
// from a SCHED IPI, the local tick, an explicit yield, or a block/sleep:
//
//  1. Acquire the unit lock; if UnitNoPreempt is set, return immediately.
//  2. Enqueue the current thread (unless it is dead, in which case it goes
//     to DeadQ, or the idle thread, which is never enqueued).
//  3. Dequeue the next thread to run, falling back to the idle thread.
//  4. If the next thread is the current one, release the lock and return.
//  5. Hand off to SwitchContext to save/restore registers and switch
//     address space.
//  6. Release the unit lock.
func (u *ExecUnit) Reschedule() {
	u.Lock.Acquire()

	if u.Flags&UnitNoPreempt != 0 {
		u.Lock.Release()
		return
	}

	current := u.Current
	if current != nil && current != u.Idle {
		if current.State == StateDead {
			u.DeadQ.PushBack(&current.SchedNode)
		} else {
			u.Policy.Enqueue(u, current)
		}
	}

	next := u.Policy.Dequeue(u)
	if next == nil {
		next = u.Idle
	}

	if next == current {
		u.Lock.Release()
		return
	}

	next.State = StateRunning
	next.Unit = u
	u.Current = next

	if u.SwitchContext != nil {
		u.SwitchContext(current, next)
	}

	u.Lock.Release()
}

// Tick drives the timer callback spec.md §4.8 describes: decrement the
// current thread's cpu_left, and once it reaches zero, flag
// FlagNeedReschedule and reset cpu_left to priority-derived quanta.
func (u *ExecUnit) Tick() {
	u.Policy.Tick(u)

	th := u.Current
	if th == nil || th == u.Idle {
		return
	}
	if th.CPULeft == 0 {
		th.Flags |= FlagNeedReschedule
		th.CPULeft = uint32(255 - th.Priority)
	}
}

// Wake moves th from SLEEPING to READY and flags the unit so the next
// Dequeue migrates it out of the policy's sleep queue, mirroring
// sched_wake_thread / basic_deq_thread's UNIT_THREADS_WAKE check.
func Wake(th *Thread) {
	th.Lock.Acquire()
	th.State = StateReady
	th.Flags &^= FlagWokeByTimer
	unit := th.Unit
	th.Lock.Release()

	if unit != nil {
		unit.Flags |= UnitThreadsWake
	}
}

// Package sched implements the scheduler core (spec.md §4.8): the thread
// state machine, the per-execution-unit reschedule sequence, the pluggable
// policy trait and its default "basic" FIFO policy, and the per-CPU
// deferred-call slot pool that backs cpu_enqueue_call (spec.md §4.5).
// Grounded on original_source/kernel/{sched,scheduler}.c,
// kernel/sched/{basic_policy,idle_task}.c and h/scheduler.h.
package sched

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/sync"
)

// State is a thread's position in the state machine diagrammed in spec.md
// §4.8 (NEW → READY ⇄ RUNNING → DEAD, with a SLEEPING detour off READY).
type State uint32

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateSleeping
	StateDead
)

// Thread flag bits. NeedReschedule is the transient hint spec.md §4.8
// describes on RUNNING threads; WokeByTimer disambiguates a sleep()'s own
// timer firing from an early wake (e.g. by a semaphore).
const (
	FlagNeedReschedule uint32 = 1 << iota
	FlagWokeByTimer
)

// EntryFunc is a thread's entry point, grounded on sched_thread_main's
// `void *(*entry_point)(void *)`.
type EntryFunc func(arg interface{}) interface{}

// Thread mirrors sched_thread_t (h/scheduler.h), trimmed to the fields this
// package's algorithms actually touch; stack/context management belongs to
// kernel/thread, which embeds *Thread inside its own richer type.
type Thread struct {
	// SchedNode must stay the first field: unsafe.Pointer casts in
	// threadFromSchedNode recover the enclosing Thread from it, the same
	// container-of idiom kernel/mem/vas uses for its intrusive lists.
	SchedNode dlist.Node
	PendNode  dlist.Node

	ID       uint32
	Priority uint8
	CPULeft  uint32
	State    State
	Flags    uint32
	Affinity uint64 // bitmap of CPUs the thread may run on; 0 means "any".

	EntryPoint EntryFunc
	Arg        interface{}
	RVal       interface{}

	Unit *ExecUnit

	Lock sync.Spinlock
}

// threadFromSchedNode recovers the Thread embedding n as its SchedNode.
func threadFromSchedNode(n *dlist.Node) *Thread {
	return (*Thread)(unsafe.Pointer(n))
}

// NewThread builds a READY thread with prio-derived cpu_left (spec.md §4.8
// "the basic policy uses cpu_left = 255 - prio"), ready to be enqueued on an
// ExecUnit.
func NewThread(id uint32, prio uint8, fn EntryFunc, arg interface{}) *Thread {
	return &Thread{
		ID:         id,
		Priority:   prio,
		CPULeft:    uint32(255 - prio),
		State:      StateReady,
		EntryPoint: fn,
		Arg:        arg,
	}
}

// runnable reports whether the affinity bitmap permits running on cpu.
func (t *Thread) runnable(cpu uint) bool {
	if t.Affinity == 0 {
		return true
	}
	return t.Affinity&(1<<cpu) != 0
}

package sched

import "github.com/achilleasa/gokernel/kernel/dlist"

// Policy is the pluggable scheduling trait spec.md §4.8 describes
// ("enqueue, dequeue, pick_next, select_thread, put_prev, tick, unit_init"),
// trimmed to the four operations this core actually drives; a concrete
// policy owns its own queue storage via Init.
type Policy interface {
	// Init prepares whatever queue storage the policy needs for unit.
	Init(unit *ExecUnit)
	// Enqueue places th back on the policy's queues according to its
	// current State. th is never the unit's idle thread and is never
	// dead (Reschedule routes those cases itself).
	Enqueue(unit *ExecUnit, th *Thread)
	// Dequeue picks the next thread to run, or returns nil if the
	// policy has nothing runnable (Reschedule substitutes the idle
	// thread in that case).
	Dequeue(unit *ExecUnit) *Thread
	// Tick is called once per timer tick for the unit's current thread.
	Tick(unit *ExecUnit)
}

// BasicPolicy is the default policy (original_source
// kernel/sched/basic_policy.c's "basic" policy): two per-unit FIFOs,
// ready_q and sleep_q. Dequeue first migrates any sleep_q thread whose
// THREAD_SLEEPING bit has been cleared by a wake (basic_deq_thread's
// UNIT_THREADS_WAKE check) over to ready_q, then pops ready_q's head,
// skipping over threads whose affinity excludes the unit's CPU (spec.md
// §4.8's affinity invariant, which basic_policy.c itself does not
// implement).
type BasicPolicy struct {
	readyQ dlist.List
	sleepQ dlist.List
}

func (p *BasicPolicy) Init(unit *ExecUnit) {
	unit.Flags &^= UnitThreadsWake
}

func (p *BasicPolicy) Enqueue(unit *ExecUnit, th *Thread) {
	switch th.State {
	case StateSleeping:
		p.sleepQ.PushBack(&th.SchedNode)
	case StateReady:
		p.readyQ.PushBack(&th.SchedNode)
	}
}

func (p *BasicPolicy) Dequeue(unit *ExecUnit) *Thread {
	if unit.Flags&UnitThreadsWake != 0 {
		unit.Flags &^= UnitThreadsWake

		for node := p.sleepQ.Front(); node != nil; {
			next := node.Next()
			th := threadFromSchedNode(node)
			if th.State != StateSleeping {
				p.sleepQ.Remove(node)
				p.readyQ.PushBack(node)
			}
			node = next
		}
	}

	var deferred []*dlist.Node
	defer func() {
		for _, n := range deferred {
			p.readyQ.PushBack(n)
		}
	}()

	for node := p.readyQ.Front(); node != nil; {
		next := node.Next()
		th := threadFromSchedNode(node)
		p.readyQ.Remove(node)
		if th.runnable(unit.CPU) {
			return th
		}
		deferred = append(deferred, node)
		node = next
	}

	return nil
}

func (p *BasicPolicy) Tick(unit *ExecUnit) {
	th := unit.Current
	if th != nil && th.CPULeft > 0 {
		th.CPULeft--
	}
}

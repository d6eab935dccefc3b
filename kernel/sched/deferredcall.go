package sched

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/intc"
	"github.com/achilleasa/gokernel/kernel/irq"
	"github.com/achilleasa/gokernel/kernel/sync"
)

// callQueueSize is spec.md §4.5's N=64 bound on the per-CPU deferred-call
// pool.
const callQueueSize = 64

// ErrCallQueueFull is returned by EnqueueCall when a unit's FIFO has no free
// slots, per spec.md §4.5 ("Overflow returns error").
var ErrCallQueueFull = &kernel.Error{Module: "sched", Message: "deferred call queue full"}

// CallFunc is a deferred call's body, invoked with interrupts disabled once
// it is drained (spec.md §4.5).
type CallFunc func(pv interface{})

type callSlot struct {
	fn CallFunc
	pv interface{}
}

// CallQueue is the bounded FIFO of deferred calls each ExecUnit owns,
// grounded on spec.md §4.5's "Each CPU owns a bounded pool of call-slots
// (N=64)". There is no equivalent structure in original_source: the
// scheduler there delivers cross-CPU work straight off the IPI handler;
// spec.md's supplement generalizes that into a queued form so a burst of
// calls from multiple senders doesn't race on a single slot.
type CallQueue struct {
	Lock  sync.Spinlock
	slots [callQueueSize]callSlot
	head  int
	count int
}

// push appends fn/pv to the queue, returning ErrCallQueueFull if it is
// already at capacity.
func (q *CallQueue) push(fn CallFunc, pv interface{}) *kernel.Error {
	if q.count == callQueueSize {
		return ErrCallQueueFull
	}
	tail := (q.head + q.count) % callQueueSize
	q.slots[tail] = callSlot{fn: fn, pv: pv}
	q.count++
	return nil
}

func (q *CallQueue) pop() (callSlot, bool) {
	if q.count == 0 {
		return callSlot{}, false
	}
	s := q.slots[q.head]
	q.slots[q.head] = callSlot{}
	q.head = (q.head + 1) % callQueueSize
	q.count--
	return s, true
}

// EnqueueCall implements cpu_enqueue_call: it places fn/pv on target's FIFO
// and signals it via a SCHED IPI so the target drains it at its next
// opportunity (spec.md §4.5). ctrl is the interrupt controller to send the
// IPI through (see kernel/intc); it may be nil in tests that only want to
// exercise the queue.
func EnqueueCall(ctrl intc.Controller, target *ExecUnit, fn CallFunc, pv interface{}) *kernel.Error {
	target.Calls.Lock.Acquire()
	err := target.Calls.push(fn, pv)
	target.Calls.Lock.Release()
	if err != nil {
		return err
	}

	if ctrl != nil {
		return ctrl.SendIPI(intc.Packet{
			Type:          intc.TypeSched,
			DestMode:      intc.DestModePhysical,
			DestShorthand: intc.DestShorthandNone,
			Level:         intc.LevelAssert,
			Trigger:       intc.TriggerEdge,
			Vector:        irq.SchedVector,
			DestCPU:       uint32(target.CPU),
		})
	}
	return nil
}

// DrainCalls runs every queued call in FIFO order. The real handler this
// feeds (the SCHED vector's ISR) already runs with interrupts disabled by
// virtue of being an interrupt handler, satisfying spec.md §4.5's "invoking
// each fn(pv) with interrupts disabled" without this loop needing to
// manipulate the interrupt flag itself.
func (u *ExecUnit) DrainCalls() {
	for {
		u.Calls.Lock.Acquire()
		slot, ok := u.Calls.pop()
		u.Calls.Lock.Release()
		if !ok {
			return
		}
		slot.fn(slot.pv)
	}
}

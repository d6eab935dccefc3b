package sched

import "github.com/achilleasa/gokernel/kernel/kfmt"

var stateName = map[State]string{
	StateNew:      "new",
	StateReady:    "ready",
	StateRunning:  "running",
	StateSleeping: "sleeping",
	StateDead:     "dead",
}

// DumpThreads prints a one-line summary of unit's current thread and every
// thread still queued on its policy, for the diagnostic dump spec.md §8
// scenario 1 calls for alongside kernel/mem/pfm's free-memory dump. The
// policy's ready_q/sleep_q contents are reported only when the active policy
// is a *BasicPolicy (through its each method); for any other policy only the
// current thread and dead_q are reported.
func DumpThreads(unit *ExecUnit) {
	kfmt.Printf("sched: cpu=%d flags=0x%x\n", uint32(unit.CPU), unit.Flags)
	dumpThreadLine("current", unit.Current)

	if bp, ok := unit.Policy.(*BasicPolicy); ok {
		bp.each(func(queue string, th *Thread) {
			dumpThreadLine(queue, th)
		})
	}

	for node := unit.DeadQ.Front(); node != nil; node = node.Next() {
		dumpThreadLine("dead_q", threadFromSchedNode(node))
	}
}

func dumpThreadLine(queue string, th *Thread) {
	if th == nil {
		return
	}
	kfmt.Printf("  [%s] id=%d prio=%d state=%s cpu_left=%d flags=0x%x\n",
		queue, th.ID, th.Priority, stateName[th.State], th.CPULeft, th.Flags)
}

// each walks both of the basic policy's queues without removing anything,
// used only for diagnostics.
func (p *BasicPolicy) each(fn func(queue string, th *Thread)) {
	for node := p.readyQ.Front(); node != nil; node = node.Next() {
		fn("ready_q", threadFromSchedNode(node))
	}
	for node := p.sleepQ.Front(); node != nil; node = node.Next() {
		fn("sleep_q", threadFromSchedNode(node))
	}
}

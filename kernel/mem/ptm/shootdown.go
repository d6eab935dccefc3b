package ptm

import (
	"github.com/achilleasa/gokernel/kernel/intc"
	"github.com/achilleasa/gokernel/kernel/irq"
)

// shootdownFn is invoked after every leaf-modifying mapping change. It is
// overridden by tests; in the kernel it is always defaultShootdown.
var shootdownFn = defaultShootdown

// defaultShootdown flushes addr out of the local TLB and broadcasts a
// PageInvalidateVector IPI to every other CPU so their stale translations
// for addr are dropped too (spec.md §4.2 "TLB coherence", §5). The
// broadcast is fire-and-forget: PTM holds the context lock for the
// duration of the mapping change, so there is nothing a receiver could
// acknowledge back into, and a CPU that is currently down simply has
// nothing to invalidate.
func defaultShootdown(addr uintptr) {
	flushTLBEntryFn(addr)

	intc.SendIPI(intc.Packet{
		DestMode:      intc.DestModePhysical,
		DestShorthand: intc.DestShorthandAllExclSelf,
		Type:          intc.TypeInvalidatePage,
		Level:         intc.LevelAssert,
		Trigger:       intc.TriggerEdge,
		Vector:        irq.PageInvalidateVector,
	})
}

// invalidateHandler answers a PageInvalidateVector IPI by reloading CR3,
// which discards every non-global TLB entry on this CPU. The sender does
// not tell us which address changed, so a full reload is the simplest
// correct response (spec.md §4.2 "full non-global flush acceptable").
func invalidateHandler(_ irq.Vector, _ *irq.Frame, _ *irq.Regs, _ uint64) bool {
	switchPDTFn(activePDTFn())
	return true
}

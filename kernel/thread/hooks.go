package thread

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/sched"
	"github.com/achilleasa/gokernel/kernel/sync"
)

// token identifies a sched.Thread for kernel/sync's SchedulerHooks: the
// pointer value itself, cast through unsafe.Pointer, is stable for the
// thread's lifetime and comparable, so no separate ID allocator is needed.
func token(sth *sched.Thread) uintptr {
	return uintptr(unsafe.Pointer(sth))
}

func threadFromToken(tok uintptr) *sched.Thread {
	return (*sched.Thread)(unsafe.Pointer(tok))
}

// InitSchedulerHooks wires kernel/sync's Mutex/Semaphore blocking
// primitives into the scheduler core, mirroring the deferred-wiring pattern
// kernel/smp.EntryConfig already uses for kernel/sched/kernel/devmgr: it
// lets kernel/sync depend on neither kernel/sched nor kernel/thread at
// compile time. Call once, after the scheduler for the bootstrap CPU is up.
func InitSchedulerHooks() {
	sync.SetSchedulerHooks(sync.SchedulerHooks{
		Current: func() uintptr {
			unit := sched.CurrentUnit()
			if unit == nil || unit.Current == nil {
				return 0
			}
			return token(unit.Current)
		},
		Block: func(tok uintptr, _ uint64) bool {
			unit := sched.CurrentUnit()
			if unit == nil || unit.Current == nil || token(unit.Current) != tok {
				return false
			}
			unit.Current.State = sched.StateSleeping
			unit.Reschedule()
			return true
		},
		Wake: func(tok uintptr) {
			sched.Wake(threadFromToken(tok))
		},
	})
}

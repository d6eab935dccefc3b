package sync

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/dlist"
)

// WaitForever, passed as the deadline to Acquire, blocks with no timeout.
const WaitForever uint64 = 0

// NoWait, passed as the deadline to Acquire, fails immediately instead of
// blocking if the mutex is already held.
const NoWait uint64 = ^uint64(0)

// waiter links a blocked thread's token into a mutex's pend queue, ordered
// FIFO (original_source kernel/mutex.c pushes to the tail and always wakes
// the head).
type waiter struct {
	node  dlist.Node
	token uintptr
}

// Mutex is a recursive, owner-tracked sleeping lock: the owning thread may
// reacquire it without blocking, and only the owner may release it.
// Grounded on original_source kernel/mutex.c's mtx_acquire/mtx_release CAS
// loop, adapted to park non-owners on the scheduler via sync.SchedulerHooks
// instead of spinning.
type Mutex struct {
	guard     Spinlock
	owner     uintptr
	recursion uint32
	pending   dlist.List
}

// Acquire blocks until the mutex is held by the calling thread, honoring
// deadlineTicks (WaitForever or NoWait for the common cases). It returns
// false if NoWait/a real deadline caused it to give up without acquiring.
func (m *Mutex) Acquire(deadlineTicks uint64) bool {
	self := currentToken()

	for {
		m.guard.Acquire()

		if m.owner == 0 {
			m.owner = self
			m.recursion = 1
			m.guard.Release()
			return true
		}

		if m.owner == self {
			m.recursion++
			m.guard.Release()
			return true
		}

		if deadlineTicks == NoWait {
			m.guard.Release()
			return false
		}

		w := &waiter{token: self}
		m.pending.PushBack(&w.node)
		m.guard.Release()

		if !blockCurrent(self, deadlineTicks) {
			m.guard.Acquire()
			m.pending.Remove(&w.node)
			m.guard.Release()
			return false
		}

		// Release hands ownership straight to the pend queue's head, so
		// a waiter it woke already owns the mutex with recursion 1. If
		// Block returned without that hand-off, loop around and retry.
		m.guard.Acquire()
		owned := m.owner == self
		m.guard.Release()
		if owned {
			return true
		}
	}
}

// Release releases the mutex. Releasing a mutex the calling thread does not
// own is a no-op, matching the teacher's "ownership mismatch" guard in
// mtx_release.
func (m *Mutex) Release() {
	self := currentToken()

	m.guard.Acquire()
	if m.owner != self {
		m.guard.Release()
		return
	}

	m.recursion--
	if m.recursion > 0 {
		m.guard.Release()
		return
	}

	m.owner = 0

	var next *waiter
	if n := m.pending.Front(); n != nil {
		m.pending.Remove(n)
		// node is the first field of waiter, so the container and
		// the node share an address (mirrors the original's
		// container_of pattern).
		next = (*waiter)(unsafe.Pointer(n))
	}
	m.guard.Release()

	if next != nil {
		m.guard.Acquire()
		m.owner = next.token
		m.recursion = 1
		m.guard.Release()
		wake(next.token)
	}
}

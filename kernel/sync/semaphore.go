package sync

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel/dlist"
)

// semWaiter links a blocked thread's token into a semaphore's pend queue.
type semWaiter struct {
	node  dlist.Node
	token uintptr
}

// Semaphore is a counting semaphore. Grounded on original_source
// h/semaphore.h's semb_t and kernel/semaphore.c's FIFO pend queue.
type Semaphore struct {
	guard   Spinlock
	count   int32
	pending dlist.List
}

// Init sets the semaphore's initial count.
func (s *Semaphore) Init(count int32) {
	s.count = count
}

// Acquire decrements the count, blocking if it would go negative, honoring
// deadlineTicks (WaitForever or NoWait). Returns false on timeout.
func (s *Semaphore) Acquire(deadlineTicks uint64) bool {
	self := currentToken()

	s.guard.Acquire()
	if s.count > 0 {
		s.count--
		s.guard.Release()
		return true
	}
	if deadlineTicks == NoWait {
		s.guard.Release()
		return false
	}

	for hooks.Block == nil {
		// No scheduler hooks installed yet: spin until Release raises
		// count instead of queueing a waiter nothing can wake.
		s.guard.Release()
		pauseFn()
		s.guard.Acquire()
		if s.count > 0 {
			s.count--
			s.guard.Release()
			return true
		}
	}

	w := &semWaiter{token: self}
	s.pending.PushBack(&w.node)
	s.guard.Release()

	if !blockCurrent(self, deadlineTicks) {
		s.guard.Acquire()
		s.pending.Remove(&w.node)
		s.guard.Release()
		return false
	}
	return true
}

// Release increments the count, waking the longest-waiting blocked thread
// if one exists.
func (s *Semaphore) Release() {
	s.guard.Acquire()

	var next *semWaiter
	if n := s.pending.Front(); n != nil {
		s.pending.Remove(n)
		next = (*semWaiter)(unsafe.Pointer(n))
	} else {
		s.count++
	}
	s.guard.Release()

	if next != nil {
		wake(next.token)
	}
}

// Package sync provides the synchronization primitives spec.md §4.9
// describes: a CAS-based spinlock, a writer-preferring RW spinlock, a
// counting semaphore and a recursive, owner-tracked mutex. These are the
// only primitives the rest of the kernel may block on; everything above
// L0 is built out of them.
//
// The spinlock is grounded on the teacher's
// src/gopheros/kernel/sync/spinlock.go (CAS loop around PAUSE); the
// semaphore and mutex are grounded on original_source kernel/semaphore.c
// and kernel/mutex.c, translated into Go's explicit-error idiom in place of
// the original's blocking-thread-state manipulation.
package sync

import (
	"sync/atomic"

	"github.com/achilleasa/gokernel/kernel/cpu"
)

// the following functions are mocked by tests and are automatically inlined
// by the compiler when building the kernel.
var pauseFn = cpu.Pause

// Spinlock is a simple CAS-based mutual exclusion lock with no ordering
// guarantees between waiters. It must never be held across a blocking call.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock is held.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		pauseFn()
	}
}

// TryAcquire attempts to acquire the lock without blocking, reporting
// whether it succeeded.
func (l *Spinlock) TryAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release releases the lock. Releasing an unheld lock is a programming
// error and left undetected, matching the teacher's spinlock.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// AcquireIRQ disables interrupts on the calling CPU and then acquires the
// lock, returning the previous interrupt-enabled state so the matching
// ReleaseIRQ call can restore it. This is the variant required whenever a
// spinlock may also be taken from interrupt context (spec.md §7 lock
// ordering note), since plain Acquire would deadlock against an interrupt
// handler spinning on the same CPU.
func (l *Spinlock) AcquireIRQ() (wasEnabled bool) {
	wasEnabled = cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	l.Acquire()
	return wasEnabled
}

// ReleaseIRQ releases the lock and restores the interrupt-enabled state
// returned by the matching AcquireIRQ call.
func (l *Spinlock) ReleaseIRQ(wasEnabled bool) {
	l.Release()
	if wasEnabled {
		cpu.EnableInterrupts()
	}
}

// RWSpinlock is a writer-preferring reader/writer spinlock: once a writer is
// waiting, no new readers are admitted until it has acquired and released
// the lock. Grounded on original_source h/spinlock.h's spinlock_rw_t.
type RWSpinlock struct {
	// state encodes: bit 31 = writer held, bits 0-30 = reader count.
	state uint32
	// writerWaiting is set while a writer is blocked, to starve new
	// readers.
	writerWaiting uint32
}

const rwWriterBit = uint32(1) << 31

// AcquireRead blocks until a read lock is held.
func (l *RWSpinlock) AcquireRead() {
	for {
		if atomic.LoadUint32(&l.writerWaiting) != 0 {
			pauseFn()
			continue
		}
		cur := atomic.LoadUint32(&l.state)
		if cur&rwWriterBit != 0 {
			pauseFn()
			continue
		}
		if atomic.CompareAndSwapUint32(&l.state, cur, cur+1) {
			return
		}
	}
}

// ReleaseRead releases a previously acquired read lock.
func (l *RWSpinlock) ReleaseRead() {
	atomic.AddUint32(&l.state, ^uint32(0))
}

// AcquireWrite blocks until the write lock is held, taking priority over
// any reader that has not yet acquired the lock.
func (l *RWSpinlock) AcquireWrite() {
	atomic.AddUint32(&l.writerWaiting, 1)
	defer atomic.AddUint32(&l.writerWaiting, ^uint32(0))

	for !atomic.CompareAndSwapUint32(&l.state, 0, rwWriterBit) {
		pauseFn()
	}
}

// ReleaseWrite releases a previously acquired write lock.
func (l *RWSpinlock) ReleaseWrite() {
	atomic.StoreUint32(&l.state, 0)
}

// Package thread builds runnable kernel.Thread values on top of
// kernel/sched's bare thread-state machine: it owns stack allocation,
// register-context setup and the owner/thread bookkeeping that
// original_source/kernel/owner.c and thread.c implement in C.
package thread

import (
	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/mem/vas"
	"github.com/achilleasa/gokernel/kernel/sync"
)

// Owner groups the threads that share an address space, mirroring
// original_source/kernel/owner.c's sched_owner_t. Every thread belongs to
// exactly one owner for its lifetime.
type Owner struct {
	Name    string
	VAS     *vas.Context
	lock    sync.Spinlock
	threads dlist.List
}

// NewOwner builds an Owner bound to the given address space.
func NewOwner(name string, addrSpace *vas.Context) *Owner {
	return &Owner{Name: name, VAS: addrSpace}
}

// AddThread links th into ow's thread list. It mirrors owner_add_thread's
// find-before-insert guard against double registration.
func (ow *Owner) AddThread(th *Thread) {
	ow.lock.Acquire()
	defer ow.lock.Release()

	for node := ow.threads.Front(); node != nil; node = node.Next() {
		if threadFromOwnerNode(node) == th {
			return
		}
	}
	ow.threads.PushBack(&th.ownerNode)
	th.owner = ow
}

// RemoveThread unlinks th from ow's thread list, mirroring
// owner_remove_thread. It is a no-op if th is not currently linked.
func (ow *Owner) RemoveThread(th *Thread) {
	ow.lock.Acquire()
	defer ow.lock.Release()

	for node := ow.threads.Front(); node != nil; node = node.Next() {
		if threadFromOwnerNode(node) == th {
			ow.threads.Remove(node)
			return
		}
	}
}

// kernelOwner is the owner every kernel thread not explicitly assigned one
// belongs to, mirroring owner_kernel_init's static kernel_owner.
var kernelOwner *Owner

// InitKernelOwner installs the kernel owner bound to addrSpace. It must run
// once, early in boot, before any kernel thread is created.
func InitKernelOwner(addrSpace *vas.Context) {
	kernelOwner = NewOwner("kernel", addrSpace)
}

// KernelOwner returns the kernel owner installed by InitKernelOwner,
// mirroring owner_kernel_get.
func KernelOwner() *Owner {
	return kernelOwner
}

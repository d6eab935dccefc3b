package thread

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/mem"
	"github.com/achilleasa/gokernel/kernel/mem/ptm"
	"github.com/achilleasa/gokernel/kernel/sched"
)

// DefaultStackSize is used when a caller does not request a specific stack
// size.
const DefaultStackSize = 16 * mem.PageSize

// ErrNoOwner is returned by Create when neither an explicit owner nor the
// kernel owner singleton (see InitKernelOwner) is available.
var ErrNoOwner = &kernel.Error{Module: "thread", Message: "no owner to attach thread to"}

// Thread couples a kernel/sched.Thread (the part the scheduler core cares
// about) with the stack, register context and owner bookkeeping that
// original_source/kernel/thread.c's thread_setup performs around
// context_init. ownerNode must stay the first field: Owner's AddThread/
// RemoveThread recover the enclosing *Thread from a *dlist.Node via an
// unsafe.Pointer cast, the same container-of idiom kernel/mem/vas's
// extentEntry/extentSlot and kernel/sched's Thread.SchedNode already use.
type Thread struct {
	ownerNode dlist.Node

	*sched.Thread

	owner     *Owner
	StackBase uintptr
	StackSize mem.Size
	Context   *Context
}

func threadFromOwnerNode(n *dlist.Node) *Thread {
	return (*Thread)(unsafe.Pointer(n))
}

// Owner returns the owner th is currently attached to, or nil.
func (th *Thread) Owner() *Owner { return th.owner }

// Config describes how to build a new thread, mirroring the parameters
// thread_create/thread_create_static take in original_source/h/thread.h.
type Config struct {
	EntryPoint sched.EntryFunc
	Arg        interface{}
	Priority   uint8
	Affinity   uint64
	StackSize  mem.Size
	Owner      *Owner
}

var nextID uint32

func allocID() uint32 { return atomic.AddUint32(&nextID, 1) }

// Create builds a new Thread: it allocates a guard-paged stack in the
// owner's address space, sets up the initial register context, and links
// the thread into the owner's thread list. It mirrors
// original_source/kernel/thread.c's thread_setup + owner_add_thread.
func Create(cfg Config) (*Thread, *kernel.Error) {
	ow := cfg.Owner
	if ow == nil {
		ow = kernelOwner
	}
	if ow == nil {
		return nil, ErrNoOwner
	}

	stackSize := cfg.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	stackBase, err := ow.VAS.AllocStack(stackSize, 0, ptm.FlagRW|ptm.FlagPresent)
	if err != nil {
		return nil, err
	}

	sth := sched.NewThread(allocID(), cfg.Priority, cfg.EntryPoint, cfg.Arg)
	sth.Affinity = cfg.Affinity

	stackTop := stackBase + uintptr(stackSize)
	var entryAddr uintptr
	if cfg.EntryPoint != nil {
		entryAddr = reflect.ValueOf(cfg.EntryPoint).Pointer()
	}
	th := &Thread{
		Thread:    sth,
		StackBase: stackBase,
		StackSize: stackSize,
		Context:   NewContext(entryAddr, stackTop),
	}

	ow.AddThread(th)
	return th, nil
}

// CreateKernelThread is Create with the kernel owner implied, mirroring
// kthread_create.
func CreateKernelThread(entry sched.EntryFunc, arg interface{}, prio uint8) (*Thread, *kernel.Error) {
	return Create(Config{EntryPoint: entry, Arg: arg, Priority: prio, Owner: kernelOwner})
}

// Destroy frees th's stack and detaches it from its owner. th must not be
// running.
func Destroy(th *Thread) *kernel.Error {
	ow := th.owner
	if ow == nil {
		return nil
	}
	ow.RemoveThread(th)
	return ow.VAS.FreeStack(th.StackBase, th.StackSize)
}

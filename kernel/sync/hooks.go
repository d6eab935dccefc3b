package sync

// SchedulerHooks lets kernel/thread plug the blocking primitives (Mutex,
// Semaphore) into the scheduler without sync importing thread, which would
// create an import cycle (thread already needs a mutex for its owner
// lists). kernel/thread.InitSchedulerHooks calls SetSchedulerHooks once;
// until then Mutex/Semaphore degrade to spinning, which is exactly what the
// bootstrap CPU needs before the scheduler exists.
type SchedulerHooks struct {
	// Current returns an opaque, comparable token identifying the
	// calling thread of execution.
	Current func() uintptr

	// Block suspends the calling thread (identified by Current()) until
	// a matching Wake call targets its token, or until deadline (a
	// monotonic tick count, 0 meaning no timeout) elapses. It returns
	// false if it returned due to timeout.
	Block func(token uintptr, deadlineTicks uint64) (woken bool)

	// Wake resumes the thread identified by token if it is blocked.
	Wake func(token uintptr)
}

var hooks SchedulerHooks

// SetSchedulerHooks installs the scheduler integration. Called once from
// kernel/thread.InitSchedulerHooks.
func SetSchedulerHooks(h SchedulerHooks) {
	hooks = h
}

func currentToken() uintptr {
	if hooks.Current == nil {
		return 0
	}
	return hooks.Current()
}

func blockCurrent(token uintptr, deadline uint64) bool {
	if hooks.Block == nil {
		pauseFn()
		return true
	}
	return hooks.Block(token, deadline)
}

func wake(token uintptr) {
	if hooks.Wake != nil {
		hooks.Wake(token)
	}
}

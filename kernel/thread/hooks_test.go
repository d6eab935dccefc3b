package thread

import (
	"testing"

	"github.com/achilleasa/gokernel/kernel/cpu"
	"github.com/achilleasa/gokernel/kernel/sched"
	"github.com/achilleasa/gokernel/kernel/sync"
)

func TestTokenRoundTrip(t *testing.T) {
	sth := sched.NewThread(1, 100, nil, nil)
	if threadFromToken(token(sth)) != sth {
		t.Fatal("expected token/threadFromToken to round-trip the same pointer")
	}
}

// TestSchedulerHooksParkAndWake exercises InitSchedulerHooks end to end
// through kernel/sync.Semaphore, whose Acquire calls the Block hook exactly
// once per call (unlike Mutex.Acquire's retry loop, which would call Block
// a second time here and see the idle thread as current: Block returns as
// soon as Reschedule hands this "thread" off to the idle loop, since there
// is no real SwitchContext wired in a hosted test to actually suspend the
// caller until later rescheduled).
func TestSchedulerHooksParkAndWake(t *testing.T) {
	apicID := cpu.LocalAPICID()
	unit := sched.NewExecUnit(0, nil)
	sched.RegisterUnit(apicID, unit)
	defer sched.RegisterUnit(apicID, nil)

	InitSchedulerHooks()

	th := sched.NewThread(9, 100, nil, nil)
	unit.Current = th

	var sem sync.Semaphore
	sem.Init(0)

	if !sem.Acquire(sync.WaitForever) {
		t.Fatal("expected Acquire to report success once Block hands off to the scheduler")
	}
	if th.State != sched.StateSleeping {
		t.Fatalf("expected Block to have parked the thread as sleeping; got %v", th.State)
	}

	sem.Release()
	if th.State != sched.StateReady {
		t.Fatalf("expected Release's wake to move the thread back to ready; got %v", th.State)
	}
}

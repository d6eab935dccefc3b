package thread

import "testing"

func newBareThread() *Thread {
	return &Thread{Thread: nil}
}

func TestOwnerAddThreadLinksAndSetsBackpointer(t *testing.T) {
	ow := NewOwner("test", nil)
	th := newBareThread()

	ow.AddThread(th)

	if th.Owner() != ow {
		t.Fatalf("expected AddThread to set th's owner backpointer")
	}
	if ow.threads.Len() != 1 {
		t.Fatalf("expected 1 linked thread; got %d", ow.threads.Len())
	}
}

func TestOwnerAddThreadIsIdempotent(t *testing.T) {
	ow := NewOwner("test", nil)
	th := newBareThread()

	ow.AddThread(th)
	ow.AddThread(th)

	if ow.threads.Len() != 1 {
		t.Fatalf("expected a double AddThread to link once; got %d entries", ow.threads.Len())
	}
}

func TestOwnerRemoveThread(t *testing.T) {
	ow := NewOwner("test", nil)
	th1 := newBareThread()
	th2 := newBareThread()
	ow.AddThread(th1)
	ow.AddThread(th2)

	ow.RemoveThread(th1)

	if ow.threads.Len() != 1 {
		t.Fatalf("expected 1 linked thread after removal; got %d", ow.threads.Len())
	}
	if threadFromOwnerNode(ow.threads.Front()) != th2 {
		t.Fatal("expected the remaining thread to be th2")
	}
}

func TestOwnerRemoveThreadNotLinkedIsNoop(t *testing.T) {
	ow := NewOwner("test", nil)
	th := newBareThread()

	ow.RemoveThread(th)

	if ow.threads.Len() != 0 {
		t.Fatalf("expected no-op removal to leave the list empty; got %d", ow.threads.Len())
	}
}

func TestKernelOwnerSingleton(t *testing.T) {
	defer func() { kernelOwner = nil }()

	InitKernelOwner(nil)
	if KernelOwner() == nil {
		t.Fatal("expected InitKernelOwner to install a non-nil kernel owner")
	}
}

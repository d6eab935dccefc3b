package thread

import "testing"

func TestNewContextPlacesStackPointerBelowTop(t *testing.T) {
	const top = uintptr(0x200000)

	orig := activePDTFn
	activePDTFn = func() uintptr { return 0x1000 }
	defer func() { activePDTFn = orig }()

	ctx := NewContext(0xdeadbeef, top)

	if ctx.RIP != 0xdeadbeef {
		t.Fatalf("expected RIP to carry the entry address through; got %#x", ctx.RIP)
	}
	if ctx.RSP != top-8 {
		t.Fatalf("expected RSP = top-8 = %#x; got %#x", top-8, ctx.RSP)
	}
	if ctx.RBP != ctx.RSP {
		t.Fatalf("expected RBP to match RSP on a fresh context")
	}
	if ctx.CS != kernelCS || ctx.DS != kernelDS {
		t.Fatalf("expected kernel code/data segment selectors; got cs=%#x ds=%#x", ctx.CS, ctx.DS)
	}
	if ctx.CR3 != 0x1000 {
		t.Fatalf("expected CR3 to come from activePDTFn; got %#x", ctx.CR3)
	}
}

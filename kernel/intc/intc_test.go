package intc

import (
	"testing"

	"github.com/achilleasa/gokernel/kernel/irq"
)

func TestNoControllerRegistered(t *testing.T) {
	defer func() { active = nil }()
	active = nil

	if err := Enable(); err != ErrNoController {
		t.Fatalf("expected ErrNoController; got %v", err)
	}
	if err := Disable(); err != ErrNoController {
		t.Fatalf("expected ErrNoController; got %v", err)
	}
	if err := SendIPI(Packet{}); err != ErrNoController {
		t.Fatalf("expected ErrNoController; got %v", err)
	}
	if err := Mask(irq.SchedVector); err != ErrNoController {
		t.Fatalf("expected ErrNoController; got %v", err)
	}
	if err := Unmask(irq.SchedVector); err != ErrNoController {
		t.Fatalf("expected ErrNoController; got %v", err)
	}
}

func TestSetControllerDispatches(t *testing.T) {
	defer func() { active = nil }()

	c := &LoggingController{}
	SetController(c)

	if Active() != c {
		t.Fatal("expected Active() to return the registered controller")
	}

	if err := Enable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Disable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.EnableCount != 1 || c.DisableCount != 1 {
		t.Fatalf("expected Enable/Disable to be forwarded once each; got enable=%d disable=%d", c.EnableCount, c.DisableCount)
	}

	pkt := Packet{Type: TypeSched, DestShorthand: DestShorthandAllExclSelf, Vector: irq.SchedVector}
	if err := SendIPI(pkt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Sent) != 1 || c.Sent[0] != pkt {
		t.Fatalf("expected packet to be recorded; got %+v", c.Sent)
	}

	if err := Mask(irq.SchedVector); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Masked[irq.SchedVector] {
		t.Fatal("expected vector to be masked")
	}
	if err := Unmask(irq.SchedVector); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Masked[irq.SchedVector] {
		t.Fatal("expected vector to be unmasked")
	}
}

func TestLoggingControllerUnmaskWithoutMaskIsANoop(t *testing.T) {
	c := &LoggingController{}
	if err := c.Unmask(irq.SchedVector); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

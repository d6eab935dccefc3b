package devmgr

import (
	"testing"

	"github.com/achilleasa/gokernel/kernel/dlist"
)

func resetRegistry() {
	rootBus = &Device{Name: "root_bus", Type: RootBusType}
	drivers = dlist.List{}
}

func TestDeviceTypeAndNameMatch(t *testing.T) {
	d := NewDevice("com1", "serial")
	if !d.TypeMatch("serial") {
		t.Fatal("expected type match")
	}
	if d.TypeMatch("net") {
		t.Fatal("expected type mismatch to report false")
	}
	if !d.NameMatch("com1") {
		t.Fatal("expected name match")
	}
}

func TestDeviceDataRoundTrip(t *testing.T) {
	d := NewDevice("com1", "serial")
	d.DataSet(42)
	if d.DataGet().(int) != 42 {
		t.Fatalf("expected DataGet to return what DataSet stored")
	}
}

func TestAttachToParentDefaultsToRootBus(t *testing.T) {
	defer resetRegistry()
	resetRegistry()

	d := NewDevice("com1", "serial")
	if err := attachToParent(d, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Parent != rootBus {
		t.Fatal("expected a nil parent to default to the root bus")
	}
}

func TestAttachToParentRejectsDoubleAttach(t *testing.T) {
	defer resetRegistry()
	resetRegistry()

	d := NewDevice("com1", "serial")
	if err := attachToParent(d, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := attachToParent(d, nil); err != ErrAlreadyParented {
		t.Fatalf("expected ErrAlreadyParented; got %v", err)
	}
}

func TestByNameFindsNestedDevice(t *testing.T) {
	defer resetRegistry()
	resetRegistry()

	bus := NewDevice("pci0", "bus")
	if err := attachToParent(bus, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dev := NewDevice("eth0", "nic")
	if err := attachToParent(dev, bus); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ByName("eth0", 0); got != dev {
		t.Fatalf("expected ByName to find the nested device; got %v", got)
	}
	if got := ByName("missing", 0); got != nil {
		t.Fatalf("expected ByName to return nil for an unknown name; got %v", got)
	}
}

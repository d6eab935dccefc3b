// Package devmgr tracks the devices and drivers discovered during boot as a
// tree rooted at a synthetic root bus, grounded on
// original_source/h/devmgr.h and kernel/devmgr.c's dev_t/drv_t model. It
// backs kernel/smp.EntryConfig.RegisterDevice (one device node per online
// CPU) and is the attach point for whatever bus/driver probing a full boot
// sequence wires in later.
package devmgr

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/dlist"
	"github.com/achilleasa/gokernel/kernel/sync"
)

// Device flag bits, mirroring DEVMGR_DEV_* in original_source/h/devmgr.h.
const (
	FlagInitialized uint32 = 1 << iota
	FlagProbed
)

// ErrAlreadyInitialized is returned by Add when dev is already initialized,
// mirroring devmgr_dev_add's DEVMGR_DEV_INITIALIZED guard.
var ErrAlreadyInitialized = &kernel.Error{Module: "devmgr", Message: "device is already initialized"}

// ErrAlreadyParented is returned by Add when dev already has a parent,
// mirroring devmgr_dev_add_to_parent's dev->parent != NULL guard.
var ErrAlreadyParented = &kernel.Error{Module: "devmgr", Message: "device already has a parent"}

// Device is a node in the device tree, mirroring original_source's dev_t.
type Device struct {
	childNode dlist.Node

	Name     string
	Type     string
	Index    uint32
	Flags    uint32
	Driver   Driver
	Parent   *Device
	data     interface{}
	children dlist.List
}

func deviceFromChildNode(n *dlist.Node) *Device {
	return (*Device)(unsafe.Pointer(n))
}

// NewDevice builds a device node, mirroring devmgr_dev_create.
func NewDevice(name, typ string) *Device {
	return &Device{Name: name, Type: typ}
}

// DataGet returns the opaque payload previously set by DataSet, mirroring
// devmgr_dev_data_get.
func (d *Device) DataGet() interface{} { return d.data }

// DataSet attaches an opaque payload to the device, mirroring
// devmgr_dev_data_set.
func (d *Device) DataSet(v interface{}) { d.data = v }

// TypeMatch reports whether d's type equals typ, mirroring
// devmgr_dev_type_match.
func (d *Device) TypeMatch(typ string) bool {
	return d != nil && d.Type != "" && d.Type == typ
}

// NameMatch reports whether d's name equals name, mirroring
// devmgr_dev_name_match.
func (d *Device) NameMatch(name string) bool {
	return d != nil && d.Name == name
}

// APIGet returns the driver-exposed API object for d's driver, mirroring
// devmgr_dev_api_get. It is nil if d has no driver or the driver exposes
// none.
func (d *Device) APIGet() interface{} {
	if d == nil || d.Driver == nil {
		return nil
	}
	return d.Driver.API()
}

var (
	drvListLock sync.RWSpinlock
	drivers     dlist.List

	devListLock sync.RWSpinlock
	rootBus     = &Device{Name: "root_bus", Type: RootBusType}
)

// RootBusType is the synthetic type assigned to the tree's root device,
// mirroring DEVMGR_ROOT_BUS.
const RootBusType = "root_bus_type"

// Root returns the synthetic root bus every parentless device attaches to.
func Root() *Device { return rootBus }

// Add attaches dev to parent (or the root bus, if parent is nil), probes it
// against every registered driver, and initializes it if a driver claims
// it. It mirrors devmgr_dev_add's probe-then-init sequence.
func Add(dev *Device, parent *Device) *kernel.Error {
	if dev.Flags&FlagInitialized != 0 {
		return ErrAlreadyInitialized
	}

	probeErr := Probe(dev)

	if err := attachToParent(dev, parent); err != nil {
		return err
	}

	if probeErr == nil {
		return Init(dev)
	}
	return probeErr
}

func attachToParent(dev, parent *Device) *kernel.Error {
	if parent == nil {
		parent = rootBus
	}
	if dev.Parent != nil {
		return ErrAlreadyParented
	}

	devListLock.AcquireWrite()
	defer devListLock.ReleaseWrite()

	parent.children.PushBack(&dev.childNode)
	dev.Parent = parent
	return nil
}

// ParentGet returns dev's parent, mirroring devmgr_parent_get.
func (d *Device) ParentGet() *Device { return d.Parent }

// ByName walks the tree looking for a device with the given name and
// index, mirroring devmgr_dev_get_by_name.
func ByName(name string, index uint32) *Device {
	devListLock.AcquireRead()
	defer devListLock.ReleaseRead()

	return findByName(rootBus, name, index)
}

func findByName(d *Device, name string, index uint32) *Device {
	for node := d.children.Front(); node != nil; node = node.Next() {
		child := deviceFromChildNode(node)
		if child.NameMatch(name) && child.Index == index {
			return child
		}
		if found := findByName(child, name, index); found != nil {
			return found
		}
	}
	return nil
}

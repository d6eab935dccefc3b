package devmgr

import (
	"unsafe"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/dlist"
)

// Driver is implemented by every device driver registered with this
// package, mirroring original_source's drv_t callback table
// (dev_probe/dev_init/dev_uninit/drv_init) plus the identity methods the
// rest of this codebase's driver stack already exposes.
type Driver interface {
	Name() string
	Type() string

	// Probe reports whether dev is hardware this driver supports,
	// mirroring drv_t.dev_probe.
	Probe(dev *Device) bool

	// Init brings a probed device up, mirroring drv_t.dev_init.
	Init(dev *Device) *kernel.Error

	// Uninit tears a device down, mirroring drv_t.dev_uninit.
	Uninit(dev *Device) *kernel.Error

	// API returns the interface this driver exposes to consumers,
	// mirroring drv_t.drv_api. It may be nil.
	API() interface{}
}

// driverNode links a Driver into the package-level registry. listNode must
// stay the first field for driverFromNode's container-of cast.
type driverNode struct {
	listNode dlist.Node
	drv      Driver
}

func driverFromNode(n *dlist.Node) *driverNode {
	return (*driverNode)(unsafe.Pointer(n))
}

// ErrDriverExists is returned by AddDriver when a driver with the same name
// is already registered, mirroring devmgr_drv_add's devmgr_drv_find check.
var ErrDriverExists = &kernel.Error{Module: "devmgr", Message: "a driver with that name is already registered"}

// ErrDriverNotFound is returned by RemoveDriver for an unregistered driver,
// mirroring devmgr_drv_remove's missing-node guard.
var ErrDriverNotFound = &kernel.Error{Module: "devmgr", Message: "driver is not registered"}

// ErrNoDriver is returned by Probe/Init/Uninit when no driver claims the
// device.
var ErrNoDriver = &kernel.Error{Module: "devmgr", Message: "no driver claimed the device"}

// AddDriver registers drv, mirroring devmgr_drv_add.
func AddDriver(drv Driver) *kernel.Error {
	drvListLock.AcquireWrite()
	defer drvListLock.ReleaseWrite()

	for node := drivers.Front(); node != nil; node = node.Next() {
		if driverFromNode(node).drv.Name() == drv.Name() {
			return ErrDriverExists
		}
	}

	dn := &driverNode{drv: drv}
	drivers.PushBack(&dn.listNode)
	return nil
}

// RemoveDriver unregisters drv, mirroring devmgr_drv_remove.
func RemoveDriver(drv Driver) *kernel.Error {
	drvListLock.AcquireWrite()
	defer drvListLock.ReleaseWrite()

	for node := drivers.Front(); node != nil; node = node.Next() {
		if driverFromNode(node).drv == drv {
			drivers.Remove(node)
			return nil
		}
	}
	return ErrDriverNotFound
}

// FindDriver returns the registered driver with the given name, or nil,
// mirroring devmgr_drv_find.
func FindDriver(name string) Driver {
	drvListLock.AcquireRead()
	defer drvListLock.ReleaseRead()

	for node := drivers.Front(); node != nil; node = node.Next() {
		if drv := driverFromNode(node).drv; drv.Name() == name {
			return drv
		}
	}
	return nil
}

// DriverInit runs drv's one-time driver-level init, mirroring
// devmgr_drv_init.
func DriverInit(drv Driver) *kernel.Error {
	return drv.Init(nil)
}

// Probe walks the registered drivers looking for one that claims dev,
// matching by type first the way devmgr_dev_probe does, and records the
// match on dev. It returns nil once a driver is found.
func Probe(dev *Device) *kernel.Error {
	drvListLock.AcquireRead()
	defer drvListLock.ReleaseRead()

	for node := drivers.Front(); node != nil; node = node.Next() {
		drv := driverFromNode(node).drv
		if dev.Type != "" && drv.Type() != "" && dev.Type != drv.Type() {
			continue
		}
		if drv.Probe(dev) {
			dev.Flags |= FlagProbed
			dev.Driver = drv
			return nil
		}
	}
	return ErrNoDriver
}

// Init runs the claimed driver's per-device init, mirroring devmgr_dev_init.
func Init(dev *Device) *kernel.Error {
	if dev.Driver == nil || dev.Flags&FlagProbed == 0 {
		return ErrNoDriver
	}
	if err := dev.Driver.Init(dev); err != nil {
		return err
	}
	dev.Flags |= FlagInitialized
	dev.Flags &^= FlagProbed
	return nil
}

// Uninit tears dev down via its driver, mirroring devmgr_dev_uninit.
func Uninit(dev *Device) *kernel.Error {
	if dev.Driver == nil {
		return ErrNoDriver
	}
	err := dev.Driver.Uninit(dev)
	dev.Flags &^= FlagInitialized
	return err
}

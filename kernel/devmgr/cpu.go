package devmgr

import "github.com/achilleasa/gokernel/kernel"

// CPUDeviceType is the Type assigned to the device node representing each
// online processor, mirroring spec.md §4.6's "device-manager registration"
// bring-up step: there is no equivalent node type in original_source,
// which has no SMP bring-up path at all, so this is a supplemented
// addition that reuses the existing dev_t-style tree instead of inventing
// a parallel CPU registry.
const CPUDeviceType = "cpu"

// RegisterCPU adds a device node for the processor identified by apicID
// under the root bus. It is the function kernel/smp.EntryConfig.RegisterDevice
// is wired to once kernel/kmain builds the boot sequence. Unlike Add, it
// does not probe for a driver: a CPU is bookkeeping, not hardware a driver
// claims.
func RegisterCPU(apicID uint32) *kernel.Error {
	dev := NewDevice("cpu", CPUDeviceType)
	dev.Index = apicID
	dev.Flags |= FlagInitialized
	return attachToParent(dev, nil)
}

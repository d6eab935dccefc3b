// Package firmware decodes the multiboot2-shaped information structure left
// behind by the bootloader into the typed record streams that the rest of
// the kernel consumes. Firmware table parsing itself is out of scope for the
// core (spec.md §1): this package is deliberately thin and exposes only the
// two iterators the core actually needs — the physical memory map and the
// CPU topology table — plus the framebuffer descriptor used to stand up the
// early console.
package firmware

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
	_
	_
	_
	tagSMPInfo
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. According to the spec, each tag starts at an 8-byte
	// aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// smpHeader precedes the (non-standard, generated by our own bootloader
// stage) CPU topology tag.
type smpHeader struct {
	entrySize uint32
	cpuCount  uint32
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FrameBufferTypeIndexed specifies a 256-color palette.
	FrameBufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry, per spec.md §6.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates memory the firmware flagged as defective.
	MemBad

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// EntryFlag describes auxiliary flags attached to a MemoryMapEntry.
type EntryFlag uint32

const (
	// FlagEnabled marks a region as usable by the OS once its type
	// permits it; mirrors spec.md §6's flags set.
	FlagEnabled EntryFlag = 1 << 0
)

// MemoryMapEntry describes a memory region entry: its physical address, its
// length, its type, any flags and the NUMA-like proximity domain it belongs
// to (spec.md §3 "proximity-domain id").
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
	Flags       EntryFlag
	ProximityDomain uint32
}

// CPUEntry describes one entry of the firmware-reported CPU topology table
// (spec.md §6): the logical APIC id plus the enabled/online-capable flags
// that gate whether CPU bring-up (§4.6) should attempt to start it.
type CPUEntry struct {
	APICID         uint32
	Enabled        bool
	OnlineCapable  bool
}

var infoData uintptr

// MemRegionVisitor is invoked by VisitMemRegions for each memory region
// provided by the bootloader. The visitor must return true to continue or
// false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// CPUVisitor is invoked by VisitCPUs for each CPU topology entry provided by
// the bootloader. The visitor must return true to continue or false to
// abort the scan.
type CPUVisitor func(entry *CPUEntry) bool

// SetInfoPtr updates the internal firmware information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes the supplied visitor for each memory region
// defined by the firmware info data received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitCPUs invokes the supplied visitor for each entry of the CPU topology
// table. If the bootloader did not supply one (single-CPU or legacy
// firmware), the visitor is invoked exactly once for the bootstrap
// processor, matching what a single-core boot would otherwise look like to
// the bring-up code in kernel/smp.
func VisitCPUs(visitor CPUVisitor) {
	curPtr, size := findTagByType(tagSMPInfo)
	if size == 0 {
		visitor(&CPUEntry{APICID: 0, Enabled: true, OnlineCapable: true})
		return
	}

	hdr := (*smpHeader)(unsafe.Pointer(curPtr))
	curPtr += 8
	for i := uint32(0); i < hdr.cpuCount; i++ {
		entry := (*CPUEntry)(unsafe.Pointer(curPtr))
		if !visitor(entry) {
			return
		}
		curPtr += uintptr(hdr.entrySize)
	}
}

// GetFramebufferInfo returns information about the framebuffer initialized
// by the bootloader. This function returns nil if no framebuffer info is
// available.
func GetFramebufferInfo() *FramebufferInfo {
	var fbInfo *FramebufferInfo

	curPtr, size := findTagByType(tagFramebufferInfo)
	if size != 0 {
		fbInfo = (*FramebufferInfo)(unsafe.Pointer(curPtr))
	}

	return fbInfo
}

// findTagByType scans the firmware info data looking for the start of the
// specified tag type. It returns a pointer to the tag contents start offset
// and the content length excluding the tag header.
//
// If the tag is not present, findTagByType returns back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}

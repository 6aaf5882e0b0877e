// Package bootinfo decodes the boot information block that the bootloader
// hands to the kernel: the physical memory map and the CPU features the
// loader enabled. The block is read-only to the kernel.
package bootinfo

import (
	"reflect"
	"unsafe"
)

// Magic identifies a valid boot information header ("NBUL").
const Magic = uint32(0x4e42554c)

// pageSize mirrors mm.PageSize; bootinfo sits below the kernel packages and
// cannot import them.
const pageSize = 4096

// Flag describes a feature bit in the boot information header.
type Flag uint32

const (
	// FlagNX is set when the loader enabled no-execute page protection
	// (EFER.NXE) before jumping to the kernel.
	FlagNX Flag = 1 << iota
)

// MemoryType tags a MemoryDescriptor with the current owner of the range.
// Tags not listed below are treated like MemReserved.
type MemoryType uint32

const (
	// MemReserved indicates that the memory region is not available for use.
	MemReserved MemoryType = iota

	// MemLoader marks code, data and stacks of the bootloader. The range
	// is identity mapped when the kernel starts and becomes available once
	// the kernel has reclaimed it.
	MemLoader

	// MemKernel marks the loaded kernel image.
	MemKernel

	// MemAvailable indicates that the memory region is available for use.
	MemAvailable

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemMMIO marks memory mapped device registers.
	MemMMIO
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemReserved:
		return "reserved"
	case MemLoader:
		return "loader"
	case MemKernel:
		return "kernel"
	case MemAvailable:
		return "available"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	case MemMMIO:
		return "MMIO"
	default:
		return "unknown"
	}
}

// MemoryDescriptor describes a contiguous physical memory range.
type MemoryDescriptor struct {
	// The physical address of the first page in the range.
	PhysStart uint64

	// The number of 4K pages in the range.
	NumPages uint64

	// The type of this entry.
	Type MemoryType

	_ uint32
}

// PhysEnd returns the (exclusive) physical end address of the range.
func (d *MemoryDescriptor) PhysEnd() uint64 {
	return d.PhysStart + d.NumPages*pageSize
}

// MemoryMap is the ordered list of memory ranges reported by the loader.
type MemoryMap struct {
	descriptors []MemoryDescriptor
}

// NewMemoryMap returns a MemoryMap over descriptors. The slice is not copied.
func NewMemoryMap(descriptors []MemoryDescriptor) MemoryMap {
	return MemoryMap{descriptors: descriptors}
}

// Descriptors returns the descriptors in the order reported by the loader.
func (m MemoryMap) Descriptors() []MemoryDescriptor {
	return m.descriptors
}

// DescriptorVisitor defines a visitor function that gets invoked by
// VisitDescriptors for each memory range. The visitor must return true to
// continue or false to abort the scan.
type DescriptorVisitor func(*MemoryDescriptor) bool

// VisitDescriptors invokes visitor for each memory range in order.
func (m MemoryMap) VisitDescriptors(visitor DescriptorVisitor) {
	for i := range m.descriptors {
		if !visitor(&m.descriptors[i]) {
			return
		}
	}
}

// Pages returns the total number of pages tagged with memType.
func (m MemoryMap) Pages(memType MemoryType) uint64 {
	var total uint64
	for i := range m.descriptors {
		if m.descriptors[i].Type == memType {
			total += m.descriptors[i].NumPages
		}
	}
	return total
}

// BootInfo holds the decoded boot information block.
type BootInfo struct {
	// MemoryMap is the physical memory map.
	MemoryMap MemoryMap

	// NX is true when no-execute protection is supported and enabled.
	NX bool
}

// header describes the raw boot information block layout.
type header struct {
	magic       uint32
	flags       Flag
	mmapAddr    uint64
	mmapEntries uint64
}

var (
	info      BootInfo
	infoValid bool
)

// SetInfoPtr decodes the boot information block located at ptr. The memory
// map entries are accessed in place. A block with a wrong magic value is
// ignored and Info will return nil.
func SetInfoPtr(ptr uintptr) {
	hdr := (*header)(unsafe.Pointer(ptr))
	if hdr.magic != Magic {
		info, infoValid = BootInfo{}, false
		return
	}

	descriptors := *(*[]MemoryDescriptor)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(hdr.mmapEntries),
		Cap:  int(hdr.mmapEntries),
		Data: uintptr(hdr.mmapAddr),
	}))

	info = BootInfo{
		MemoryMap: NewMemoryMap(descriptors),
		NX:        hdr.flags&FlagNX != 0,
	}
	infoValid = true
}

// Info returns the decoded boot information or nil if SetInfoPtr has not
// been called with a valid block.
func Info() *BootInfo {
	if !infoValid {
		return nil
	}

	return &info
}

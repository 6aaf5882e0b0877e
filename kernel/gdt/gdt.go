// Package gdt builds the global descriptor table and installs it on the CPU.
package gdt

import (
	"nebulaos/kernel"
	"nebulaos/kernel/cpu"
	"nebulaos/kernel/kfmt"
	"nebulaos/kernel/mm"
	"nebulaos/kernel/sync"
	"reflect"
	"unsafe"
)

const (
	// descriptorSize is the size in bytes of a single GDT entry.
	descriptorSize = 8

	// maxEntries is the largest table a 16-bit GDTR limit can describe.
	maxEntries = (1 << 16) / descriptorSize
)

var (
	// The following functions are mocked by tests.
	loadGDTFn            = cpu.LoadGDT
	reloadDataSegmentsFn = cpu.ReloadDataSegments
	reloadCodeSegmentFn  = cpu.ReloadCodeSegment

	// kernelDescriptors lists the table entries in selector order.
	kernelDescriptors = [entryCount]SegmentDescriptor{
		nullIndex:       NullDescriptor,
		kernelCodeIndex: KernelCodeDescriptor,
		kernelDataIndex: KernelDataDescriptor,
		userCodeIndex:   UserCodeDescriptor,
		userDataIndex:   UserDataDescriptor,
	}

	// tableStorage backs the installed table. Go offers no way to request
	// page alignment for a variable so the table is placed at the first page
	// boundary inside it.
	tableStorage [2 * mm.PageSize]byte

	cache descriptorCache

	errInvalidTableSize = &kernel.Error{Module: "gdt", Message: "descriptor table must hold between 1 and 8192 entries"}

	logger = kfmt.PrefixWriter{Prefix: []byte("[gdt] ")}
)

// Table is a contiguous sequence of segment descriptors.
type Table struct {
	entries []SegmentDescriptor
}

// Entry returns the descriptor at index i.
func (t *Table) Entry(i int) SegmentDescriptor {
	return t.entries[i]
}

// Len returns the number of descriptors in the table.
func (t *Table) Len() int {
	return len(t.entries)
}

// SizeInBytes returns the size of the table in memory.
func (t *Table) SizeInBytes() uintptr {
	return uintptr(len(t.entries)) * descriptorSize
}

// Address returns the linear address of the first table entry.
func (t *Table) Address() uintptr {
	if len(t.entries) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&t.entries[0]))
}

// Descriptor is the GDTR image consumed by LGDT: a 16-bit limit immediately
// followed by the 64-bit linear base address of the table. The leading padding
// keeps Base naturally aligned while leaving Limit adjacent to it.
type Descriptor struct {
	_     [3]uint16
	Limit uint16
	Base  uint64
}

// imageAddr returns the address of the 10-byte image expected by LGDT.
func (d *Descriptor) imageAddr() uintptr {
	return uintptr(unsafe.Pointer(&d.Limit))
}

// newDescriptor returns the GDTR image for t. The limit is the table size
// minus one so t must contain at least one and at most maxEntries entries.
func newDescriptor(t *Table) (Descriptor, *kernel.Error) {
	if t.Len() == 0 || t.Len() > maxEntries {
		return Descriptor{}, errInvalidTableSize
	}

	return Descriptor{
		Limit: uint16(t.SizeInBytes() - 1),
		Base:  uint64(t.Address()),
	}, nil
}

type cacheState uint8

const (
	cacheUninitialized cacheState = iota
	cacheReady
)

// descriptorCache holds the installed table and its GDTR image. They are
// built once on first access.
type descriptorCache struct {
	lock  sync.Spinlock
	state cacheState
	table Table
	gdtr  Descriptor
}

// get returns the cached GDTR image, building it if this is the first call.
func (c *descriptorCache) get() *Descriptor {
	c.lock.Acquire()
	defer c.lock.Release()

	return c.lockedGet()
}

// lockedGet is get for callers that already hold c.lock.
func (c *descriptorCache) lockedGet() *Descriptor {
	if c.state == cacheUninitialized {
		table := installTable(kernelDescriptors[:], uintptr(unsafe.Pointer(&tableStorage[0])))
		gdtr, err := newDescriptor(&table)
		if err != nil {
			kfmt.Panic(err)
		}

		c.table, c.gdtr = table, gdtr
		c.state = cacheReady
	}

	return &c.gdtr
}

// installTable copies descriptors to the first page boundary at or above
// storageAddr and returns a Table referencing the copy. An empty descriptor
// list yields an empty Table and leaves the storage untouched.
func installTable(descriptors []SegmentDescriptor, storageAddr uintptr) Table {
	if len(descriptors) == 0 {
		return Table{}
	}

	tableAddr := (storageAddr + mm.PageSize - 1) & ^(mm.PageSize - 1)
	size := uintptr(len(descriptors)) * descriptorSize
	kernel.Memcopy(uintptr(unsafe.Pointer(&descriptors[0])), tableAddr, size)

	return Table{
		entries: *(*[]SegmentDescriptor)(unsafe.Pointer(&reflect.SliceHeader{
			Len:  len(descriptors),
			Cap:  len(descriptors),
			Data: tableAddr,
		})),
	}
}

// InstalledTable returns the table that Load installs on the CPU.
func InstalledTable() *Table {
	cache.get()
	return &cache.table
}

// Load installs the kernel GDT and reloads all segment registers so they
// reference it. The data segment registers are reloaded first; CS is switched
// last via a far return. The cache lock is held until all segment registers
// have been reloaded.
func Load() {
	cache.lock.Acquire()
	gdtr := cache.lockedGet()

	loadGDTFn(gdtr.imageAddr())
	reloadDataSegmentsFn(KernelDS)
	reloadCodeSegmentFn(KernelCS)
	cache.lock.Release()

	logger.Sink = kfmt.GetOutputSink()
	kfmt.Fprintf(&logger, "installed %d descriptors at 0x%16x (limit 0x%x)\n", cache.table.Len(), gdtr.Base, gdtr.Limit)
}

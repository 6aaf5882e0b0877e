package gdt

// SegmentDescriptor is the 8-byte encoding of a single GDT entry:
//
//	bits  0-15  limit[0:16]
//	bits 16-39  base[0:24]
//	bits 40-47  access byte (type, S, DPL, P)
//	bits 48-51  limit[16:20]
//	bits 52-55  flags (AVL, L, D/B, G)
//	bits 56-63  base[24:32]
//
// In long mode base and limit are ignored for code and data segments but
// they are still encoded as a flat 4G segment.
type SegmentDescriptor uint64

const (
	accessRW         = 1 << 41
	accessExecutable = 1 << 43
	accessCodeData   = 1 << 44
	accessDPLShift   = 45
	accessPresent    = 1 << 47

	flagLongMode      = 1 << 53
	flagSize32        = 1 << 54
	flagGranularity4K = 1 << 55

	flatLimit = 0xffff | 0xf<<48
)

const (
	// NullDescriptor occupies entry 0 of every table.
	NullDescriptor SegmentDescriptor = 0

	// KernelCodeDescriptor is a ring 0 64-bit code segment.
	KernelCodeDescriptor = SegmentDescriptor(flatLimit | accessRW | accessExecutable | accessCodeData | accessPresent | flagLongMode | flagGranularity4K)

	// KernelDataDescriptor is a ring 0 data segment.
	KernelDataDescriptor = SegmentDescriptor(flatLimit | accessRW | accessCodeData | accessPresent | flagSize32 | flagGranularity4K)

	// UserCodeDescriptor is a ring 3 64-bit code segment.
	UserCodeDescriptor = KernelCodeDescriptor | 3<<accessDPLShift

	// UserDataDescriptor is a ring 3 data segment.
	UserDataDescriptor = KernelDataDescriptor | 3<<accessDPLShift
)

// Base returns the 32-bit segment base.
func (d SegmentDescriptor) Base() uint32 {
	return uint32((d>>16)&0xffffff) | uint32(d>>56)<<24
}

// Limit returns the 20-bit segment limit.
func (d SegmentDescriptor) Limit() uint32 {
	return uint32(d&0xffff) | uint32((d>>48)&0xf)<<16
}

// Present returns true if the P bit is set.
func (d SegmentDescriptor) Present() bool {
	return d&accessPresent != 0
}

// DPL returns the descriptor privilege level (0-3).
func (d SegmentDescriptor) DPL() uint8 {
	return uint8(d>>accessDPLShift) & 3
}

// IsCode returns true for executable segments.
func (d SegmentDescriptor) IsCode() bool {
	return d&(accessCodeData|accessExecutable) == accessCodeData|accessExecutable
}

// LongMode returns true if the L bit is set.
func (d SegmentDescriptor) LongMode() bool {
	return d&flagLongMode != 0
}

// Granularity4K returns true if the limit is expressed in 4K units.
func (d SegmentDescriptor) Granularity4K() bool {
	return d&flagGranularity4K != 0
}

// Segment selector layout: bits 0-1 hold the requested privilege level, bit 2
// selects the LDT and bits 3-15 hold the table index.
const (
	nullIndex = iota
	kernelCodeIndex
	kernelDataIndex
	userCodeIndex
	userDataIndex

	entryCount
)

const (
	// KernelCS is the selector for the kernel code segment. Interrupt gates
	// and any other code performing far transfers reference it directly.
	KernelCS uint16 = kernelCodeIndex << 3

	// KernelDS is the selector for the kernel data segment.
	KernelDS uint16 = kernelDataIndex << 3

	// UserCS is the selector for the user code segment with RPL 3.
	UserCS uint16 = userCodeIndex<<3 | 3

	// UserDS is the selector for the user data segment with RPL 3.
	UserDS uint16 = userDataIndex<<3 | 3
)

// Selector returns the GDT selector for the entry at index with the given
// requested privilege level.
func Selector(index int, rpl uint8) uint16 {
	return uint16(index)<<3 | uint16(rpl&3)
}

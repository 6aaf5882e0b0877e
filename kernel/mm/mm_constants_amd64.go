package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PhysOffset is the start of the permanent virtual window through which
	// physical address p is reachable at PhysOffset + p.
	PhysOffset = uintptr(0xffff800000000000)

	// PhysWindowLimit is the first physical address that does not fit in
	// the offset window (64 TiB, PML4 slots 256-383).
	PhysWindowLimit = uintptr(1 << 46)
)

package vmm

const (
	// pageLevels is the number of paging levels used in 4-level long mode.
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address (bits 12-51) from
	// a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

var (
	// pageLevelBits is the number of virtual address bits that index each
	// table level; every table holds 512 entries.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the shift that moves the index bits for each level
	// (P4, P3, P2, P1) to the bottom of a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through instead of write-back
	// caching.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on P3/P2 entries that map 1G/2M pages directly.
	FlagHugePage

	// FlagGlobal keeps the TLB entry for this page across CR3 reloads.
	FlagGlobal

	// FlagNoExecute marks the page contents as non-executable. It requires
	// EFER.NXE to be enabled; otherwise the bit is reserved and faults.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// DefaultFlags returns the permissions applied to kernel data pages when the
// CPU does not support no-execute protection.
func DefaultFlags() PageTableEntryFlag {
	return FlagPresent | FlagRW
}

// DefaultNXFlags returns the permissions applied to kernel data pages when
// no-execute protection is enabled.
func DefaultNXFlags() PageTableEntryFlag {
	return FlagPresent | FlagRW | FlagNoExecute
}

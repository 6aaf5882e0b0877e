package vmm

import (
	"nebulaos/kernel/mm"
	"unsafe"
)

var (
	// tablePtrFn returns a pointer to the page table stored in the given
	// physical frame. Page tables are always accessed through the offset
	// window. Tests override it to back tables with Go memory.
	tablePtrFn = func(frame mm.Frame) unsafe.Pointer {
		return unsafe.Pointer(mm.PhysToVirt(frame.Address()))
	}
)

// pageTableWalker is invoked by walk for the entry at each page level. If it
// returns false the walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk visits the entries that translate virtAddr, starting at the P4 table
// stored in root. After walkFn returns for a non-final level, the walk
// continues with the table that the (possibly updated) entry points to.
func walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		table      mm.Frame
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level, table = 0, root; level < pageLevels; level++ {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = (*pageTableEntry)(unsafe.Pointer(uintptr(tablePtrFn(table)) + (entryIndex << mm.PointerShift)))

		if !walkFn(level, pte) {
			return
		}

		table = pte.Frame()
	}
}

package vmm

import (
	"nebulaos/kernel"
	"nebulaos/kernel/cpu"
	"nebulaos/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to FlushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when looking up or unmapping a virtual
	// address that is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrNoExecuteUnsupported is returned when mapping a page with
	// FlagNoExecute while no-execute protection is not enabled.
	ErrNoExecuteUnsupported = &kernel.Error{Module: "vmm", Message: "no-execute page protection is not supported"}

	// ErrFrameAllocator is returned when the frame allocator fails a request
	// made by the paging code. Its Cause holds the allocator error.
	ErrFrameAllocator = &kernel.Error{Module: "paging", Message: "frame allocator error"}

	// ErrMapping is returned by ReclaimLoaderMemory when a page table update
	// fails. Its Cause holds the page table error.
	ErrMapping = &kernel.Error{Module: "paging", Message: "page table update failed"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "no frame allocator attached to the page directory"}
)

// PageDirectoryTable describes a 4-level page table hierarchy rooted at a P4
// table. All tables are accessed through the offset window.
type PageDirectoryTable struct {
	rootFrame mm.Frame

	// alloc provides the frames for new intermediate tables.
	alloc FrameAllocator

	// noExecute is set when EFER.NXE is enabled.
	noExecute bool
}

// NewPageDirectoryTable returns a PageDirectoryTable for the P4 table stored
// in rootFrame. Missing intermediate tables are allocated from alloc.
func NewPageDirectoryTable(rootFrame mm.Frame, alloc FrameAllocator, noExecute bool) PageDirectoryTable {
	return PageDirectoryTable{rootFrame: rootFrame, alloc: alloc, noExecute: noExecute}
}

// Root returns the frame holding the P4 table.
func (pdt *PageDirectoryTable) Root() mm.Frame {
	return pdt.rootFrame
}

// NoExecute returns true if FlagNoExecute may be used for mappings.
func (pdt *PageDirectoryTable) NoExecute() bool {
	return pdt.noExecute
}

// Map establishes a mapping between a virtual page and a physical frame. Any
// missing intermediate tables are allocated from the table's allocator and
// cleared. An allocation failure is reported as ErrFrameAllocator wrapping
// the allocator error. An existing mapping for page is replaced.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagNoExecute != 0 && !pdt.noExecute {
		return ErrNoExecuteUnsupported
	}

	var err *kernel.Error

	walk(pdt.rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			if pdt.alloc == nil {
				err = ErrFrameAllocator.Wrap(errNoFrameAllocator)
				return false
			}

			newTableFrame, allocErr := pdt.alloc.AllocFrame()
			if allocErr != nil {
				err = ErrFrameAllocator.Wrap(allocErr)
				return false
			}

			kernel.Memset(uintptr(tablePtrFn(newTableFrame)), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// Unmap removes the mapping for page and flushes its TLB entry. Intermediate
// tables are never freed.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walk(pdt.rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Lookup returns the frame and flags of the final page table entry for page.
func (pdt *PageDirectoryTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pte, err := pdt.pteForAddress(page.Address())
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	return pte.Frame(), pte.Flags(), nil
}

// Translate returns the physical address that virtAddr maps to.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pdt.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + (virtAddr & (mm.PageSize - 1)), nil
}

// MapMemory maps the page containing virtAddr to the frame containing
// physAddr.
func (pdt *PageDirectoryTable) MapMemory(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	return pdt.Map(mm.PageFromAddress(virtAddr), mm.FrameFromAddress(physAddr), flags)
}

// UnmapMemory removes the mapping for the page containing virtAddr.
func (pdt *PageDirectoryTable) UnmapMemory(virtAddr uintptr) *kernel.Error {
	return pdt.Unmap(mm.PageFromAddress(virtAddr))
}

// leafEntry returns the final page table entry for virtAddr, whether it is
// present or not. It returns ErrInvalidMapping if an intermediate table on
// the path is missing.
func (pdt *PageDirectoryTable) leafEntry(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(pdt.rootFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		switch {
		case !pte.HasFlags(FlagPresent):
			err = ErrInvalidMapping
			return false
		case pte.HasFlags(FlagHugePage):
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return entry, err
}

// pteForAddress returns the final page table entry for virtAddr or
// ErrInvalidMapping if it or any table on the path is not present.
func (pdt *PageDirectoryTable) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	pte, err := pdt.leafEntry(virtAddr)
	if err != nil {
		return nil, err
	}

	if !pte.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	return pte, nil
}

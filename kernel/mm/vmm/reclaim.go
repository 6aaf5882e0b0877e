package vmm

import (
	"nebulaos/bootinfo"
	"nebulaos/kernel"
	"nebulaos/kernel/mm"
)

// ReclaimLoaderMemory moves every bootloader range that fits in the offset
// window from its identity mapping to its permanent address
// (mm.PhysOffset + physical address) and then releases the loader frames to
// the frame allocator.
//
// Each page is unmapped from its identity address before it is mapped at its
// permanent address. Loader ranges that end at or above mm.PhysWindowLimit
// are left untouched and reported as warnings.
//
// The operation stops at the first mapping error. Pages processed before the
// failing one stay remapped; the failing page keeps its identity mapping. The
// caller is expected to halt in that case. Running it again against the same
// memory map produces the same mappings.
//
// ReclaimLoaderMemory returns ErrPTMUninitialized if PTM has not been
// initialized. Every other error belongs to the "paging" module as well:
// allocator failures are reported as ErrFrameAllocator and page table errors
// as ErrMapping, both wrapping the error that caused them.
func ReclaimLoaderMemory(info *bootinfo.BootInfo) *kernel.Error {
	guard := PTM.Locked()
	defer guard.Release()

	mgr, err := guard.GetMut()
	if err != nil {
		return err
	}

	flags := DefaultFlags()
	if info.NX && mgr.Mappings().NoExecute() {
		flags = DefaultNXFlags()
	}

	var reclaimedPages uint64
	info.MemoryMap.VisitDescriptors(func(desc *bootinfo.MemoryDescriptor) bool {
		if desc.Type != bootinfo.MemLoader {
			return true
		}

		physStart, physEnd := uintptr(desc.PhysStart), uintptr(desc.PhysEnd())
		if !mm.InPhysWindow(physStart, physEnd) {
			logf("warning: skipping loader range [0x%16x - 0x%16x]: outside of the physical window\n", physStart, physEnd)
			return true
		}

		for index := uint64(0); index < desc.NumPages; index++ {
			if err = reclaimPage(mgr.Mappings(), physStart+uintptr(index)*mm.PageSize, flags); err != nil {
				return false
			}
		}

		logf("remapped loader range [0x%16x - 0x%16x] to 0x%16x\n", physStart, physEnd, mm.PhysToVirt(physStart))
		reclaimedPages += desc.NumPages
		return true
	})

	if err != nil {
		return pagingError(err)
	}

	logf("reclaimed %d loader pages\n", reclaimedPages)
	if err = mgr.Pmm().ReleaseLoaderMemory(); err != nil {
		return ErrFrameAllocator.Wrap(err)
	}

	return nil
}

// pagingError places err under the "paging" module, wrapping it in
// ErrMapping unless it already belongs there.
func pagingError(err *kernel.Error) *kernel.Error {
	if err.Module == ErrMapping.Module {
		return err
	}

	return ErrMapping.Wrap(err)
}

// reclaimPage moves the frame at physAddr from its identity mapping to its
// offset window address. If the new mapping cannot be established the saved
// identity entry is written back unchanged.
func reclaimPage(pdt *PageDirectoryTable, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	var saved pageTableEntry

	identity, lookupErr := pdt.leafEntry(physAddr)
	if lookupErr == nil {
		saved = *identity
	}

	// A missing identity mapping means the page was never mapped by the
	// loader or was moved by an earlier run.
	if err := pdt.UnmapMemory(physAddr); err != nil && err != ErrInvalidMapping {
		return err
	}

	if err := pdt.MapMemory(mm.PhysToVirt(physAddr), physAddr, flags); err != nil {
		// Tables are never freed so identity still points at the entry.
		if saved.HasFlags(FlagPresent) {
			*identity = saved
			flushTLBEntryFn(physAddr)
		}
		return err
	}

	return nil
}

package vmm

import (
	"bytes"
	"errors"
	"nebulaos/bootinfo"
	"nebulaos/kernel/kfmt"
	"nebulaos/kernel/mm"
	"strings"
	"testing"
	"unsafe"
)

// identityMap maps pageCount pages starting at physAddr to themselves the way
// the bootloader does.
func identityMap(t *testing.T, pdt *PageDirectoryTable, physAddr uintptr, pageCount int) {
	for i := 0; i < pageCount; i++ {
		addr := physAddr + uintptr(i)*mm.PageSize
		if err := pdt.MapMemory(addr, addr, FlagPresent|FlagRW); err != nil {
			t.Fatalf("identity mapping 0x%x: %v", addr, err)
		}
	}
}

func ptmMappings(t *testing.T) *PageDirectoryTable {
	guard := PTM.Locked()
	defer guard.Release()

	mgr, err := guard.GetMut()
	if err != nil {
		t.Fatal(err)
	}
	return mgr.Mappings()
}

func TestReclaimLoaderMemory(t *testing.T) {
	defer PTM.reset()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	boundaryAddr := mm.PhysWindowLimit - 2*mm.PageSize
	info := &bootinfo.BootInfo{
		MemoryMap: bootinfo.NewMemoryMap([]bootinfo.MemoryDescriptor{
			{PhysStart: 0x0, NumPages: 0x100, Type: bootinfo.MemAvailable},
			{PhysStart: 0x100000, NumPages: 4, Type: bootinfo.MemLoader},
			{PhysStart: 0x104000, NumPages: 4, Type: bootinfo.MemKernel},
			// ends exactly at the window limit
			{PhysStart: uint64(boundaryAddr), NumPages: 2, Type: bootinfo.MemLoader},
		}),
		NX: true,
	}

	PTM.reset()
	mem := setupFakePhysMem(t, 32)
	if err := PTM.Init(mm.Frame(0), mem, true); err != nil {
		t.Fatal(err)
	}

	pdt := ptmMappings(t)
	identityMap(t, pdt, 0x100000, 4)
	identityMap(t, pdt, 0x104000, 4)
	identityMap(t, pdt, boundaryAddr, 2)

	// Running twice produces the same mappings
	for run := 0; run < 2; run++ {
		if err := ReclaimLoaderMemory(info); err != nil {
			t.Fatalf("[run %d] unexpected error: %v", run, err)
		}

		for page := uintptr(0); page < 4; page++ {
			physAddr := 0x100000 + page*mm.PageSize

			if _, _, err := pdt.Lookup(mm.PageFromAddress(physAddr)); err != ErrInvalidMapping {
				t.Errorf("[run %d] expected identity mapping for 0x%x to be removed; got %v", run, physAddr, err)
			}

			frame, flags, err := pdt.Lookup(mm.PageFromAddress(mm.PhysOffset + physAddr))
			if err != nil {
				t.Errorf("[run %d] expected 0x%x to be mapped at its offset address; got %v", run, physAddr, err)
				continue
			}

			if frame != mm.FrameFromAddress(physAddr) {
				t.Errorf("[run %d] expected offset mapping to point to frame 0x%x; got 0x%x", run, mm.FrameFromAddress(physAddr), frame)
			}

			if exp := FlagPresent | FlagRW | FlagNoExecute; flags != exp {
				t.Errorf("[run %d] expected offset mapping flags 0x%x; got 0x%x", run, exp, flags)
			}
		}

		if got, err := pdt.Translate(0xffff800000100000); err != nil || got != 0x100000 {
			t.Errorf("[run %d] expected 0xffff800000100000 to translate to 0x100000; got (0x%x, %v)", run, got, err)
		}

		// Non-loader ranges and ranges outside the window are left alone
		for _, physAddr := range []uintptr{0x104000, boundaryAddr, boundaryAddr + mm.PageSize} {
			if frame, _, err := pdt.Lookup(mm.PageFromAddress(physAddr)); err != nil || frame != mm.FrameFromAddress(physAddr) {
				t.Errorf("[run %d] expected identity mapping for 0x%x to be preserved; got (0x%x, %v)", run, physAddr, frame, err)
			}

			if _, _, err := pdt.Lookup(mm.PageFromAddress(mm.PhysOffset + physAddr)); err != ErrInvalidMapping {
				t.Errorf("[run %d] expected no offset mapping for 0x%x; got %v", run, physAddr, err)
			}
		}

		if exp := run + 1; mem.releaseCalls != exp {
			t.Errorf("[run %d] expected ReleaseLoaderMemory to be called %d times; got %d", run, exp, mem.releaseCalls)
		}
	}

	if mem.allocCalls == 0 {
		t.Error("expected offset window tables to be allocated by the manager's allocator")
	}

	if !strings.Contains(buf.String(), "[vmm] warning: skipping loader range") {
		t.Errorf("expected a warning for the skipped loader range; got output:\n%s", buf.String())
	}
}

func TestReclaimLoaderMemoryFlags(t *testing.T) {
	defer PTM.reset()

	specs := []struct {
		loaderNX bool
		ptmNX    bool
		expFlags PageTableEntryFlag
	}{
		{true, true, FlagPresent | FlagRW | FlagNoExecute},
		{false, true, FlagPresent | FlagRW},
		{true, false, FlagPresent | FlagRW},
		{false, false, FlagPresent | FlagRW},
	}

	for specIndex, spec := range specs {
		PTM.reset()
		mem := setupFakePhysMem(t, 16)
		if err := PTM.Init(mm.Frame(0), mem, spec.ptmNX); err != nil {
			t.Fatal(err)
		}

		info := &bootinfo.BootInfo{
			MemoryMap: bootinfo.NewMemoryMap([]bootinfo.MemoryDescriptor{
				{PhysStart: 0x100000, NumPages: 1, Type: bootinfo.MemLoader},
			}),
			NX: spec.loaderNX,
		}

		if err := ReclaimLoaderMemory(info); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		_, flags, err := ptmMappings(t).Lookup(mm.PageFromAddress(mm.PhysOffset + 0x100000))
		if err != nil || flags != spec.expFlags {
			t.Errorf("[spec %d] expected flags 0x%x; got (0x%x, %v)", specIndex, spec.expFlags, flags, err)
		}
	}
}

func TestReclaimLoaderMemoryUninitialized(t *testing.T) {
	PTM.reset()
	mem := setupFakePhysMem(t, 4)

	var tableAccesses int
	origTablePtrFn := tablePtrFn
	tablePtrFn = func(frame mm.Frame) unsafe.Pointer {
		tableAccesses++
		return origTablePtrFn(frame)
	}

	info := &bootinfo.BootInfo{
		MemoryMap: bootinfo.NewMemoryMap([]bootinfo.MemoryDescriptor{
			{PhysStart: 0x100000, NumPages: 4, Type: bootinfo.MemLoader},
		}),
		NX: true,
	}

	if err := ReclaimLoaderMemory(info); err != ErrPTMUninitialized {
		t.Fatalf("expected error %v; got %v", ErrPTMUninitialized, err)
	}

	if tableAccesses != 0 || mem.allocated != 0 {
		t.Fatalf("expected no page table accesses or allocations; got %d accesses and %d allocations", tableAccesses, mem.allocated)
	}

	if !PTM.lock.TryToAcquire() {
		t.Fatal("expected PTM lock to be released on error")
	}
	PTM.lock.Release()
}

func TestReclaimLoaderMemoryAllocatorExhaustion(t *testing.T) {
	defer PTM.reset()
	PTM.reset()

	mem := setupFakePhysMem(t, 16)
	if err := PTM.Init(mm.Frame(0), mem, true); err != nil {
		t.Fatal(err)
	}

	// Pages 0-2 sit below the 2M boundary and pages 3-4 above it, so page 3
	// needs a new P1 table for its offset mapping.
	const (
		loaderStart = uintptr(0x1fd000)
		loaderPages = 5
	)

	pdt := ptmMappings(t)
	identityMap(t, pdt, loaderStart, loaderPages)

	// Enough frames for the P3, P2 and first P1 table of the offset window
	mem.budget = mem.allocated + 3

	info := &bootinfo.BootInfo{
		MemoryMap: bootinfo.NewMemoryMap([]bootinfo.MemoryDescriptor{
			{PhysStart: uint64(loaderStart), NumPages: loaderPages, Type: bootinfo.MemLoader},
		}),
		NX: true,
	}

	err := ReclaimLoaderMemory(info)
	if err != ErrFrameAllocator {
		t.Fatalf("expected error %v; got %v", ErrFrameAllocator, err)
	}

	if !errors.Is(err, errFakeOutOfMemory) {
		t.Fatalf("expected error to wrap %v", errFakeOutOfMemory)
	}

	for page := uintptr(0); page < loaderPages; page++ {
		physAddr := loaderStart + page*mm.PageSize
		identityFrame, identityFlags, identityErr := pdt.Lookup(mm.PageFromAddress(physAddr))
		offsetFrame, _, offsetErr := pdt.Lookup(mm.PageFromAddress(mm.PhysOffset + physAddr))

		switch {
		case page < 3:
			if identityErr != ErrInvalidMapping {
				t.Errorf("[page %d] expected identity mapping to be removed; got %v", page, identityErr)
			}
			if offsetErr != nil || offsetFrame != mm.FrameFromAddress(physAddr) {
				t.Errorf("[page %d] expected offset mapping to frame 0x%x; got (0x%x, %v)", page, mm.FrameFromAddress(physAddr), offsetFrame, offsetErr)
			}
		default:
			if identityErr != nil || identityFrame != mm.FrameFromAddress(physAddr) || identityFlags != FlagPresent|FlagRW {
				t.Errorf("[page %d] expected identity mapping to be untouched; got (0x%x, 0x%x, %v)", page, identityFrame, identityFlags, identityErr)
			}
			if offsetErr != ErrInvalidMapping {
				t.Errorf("[page %d] expected no offset mapping; got %v", page, offsetErr)
			}
		}
	}

	if mem.releaseCalls != 0 {
		t.Fatalf("expected loader memory not to be released; got %d calls", mem.releaseCalls)
	}
}

func TestReclaimLoaderMemoryReleaseError(t *testing.T) {
	defer PTM.reset()
	PTM.reset()

	mem := setupFakePhysMem(t, 16)
	mem.releaseErr = errFakeOutOfMemory
	if err := PTM.Init(mm.Frame(0), mem, true); err != nil {
		t.Fatal(err)
	}
	identityMap(t, ptmMappings(t), 0x100000, 1)

	info := &bootinfo.BootInfo{
		MemoryMap: bootinfo.NewMemoryMap([]bootinfo.MemoryDescriptor{
			{PhysStart: 0x100000, NumPages: 1, Type: bootinfo.MemLoader},
		}),
		NX: true,
	}

	err := ReclaimLoaderMemory(info)
	if err != ErrFrameAllocator {
		t.Fatalf("expected error %v; got %v", ErrFrameAllocator, err)
	}

	if !errors.Is(err, errFakeOutOfMemory) {
		t.Fatalf("expected error to wrap %v", errFakeOutOfMemory)
	}

	if err.Module != "paging" {
		t.Fatalf("expected error module to be paging; got %q", err.Module)
	}

	if mem.releaseCalls != 1 {
		t.Fatalf("expected ReleaseLoaderMemory to be called once; got %d", mem.releaseCalls)
	}
}

func TestReclaimLoaderMemoryPageTableError(t *testing.T) {
	defer PTM.reset()
	PTM.reset()

	mem := setupFakePhysMem(t, 4)
	if err := PTM.Init(mm.Frame(0), mem, true); err != nil {
		t.Fatal(err)
	}

	// The loader range is covered by a 1G page
	mem.tables[0][0] = pageTableEntry(uintptr(FlagPresent|FlagRW) | mm.Frame(1).Address())
	mem.tables[1][0] = pageTableEntry(FlagPresent | FlagRW | FlagHugePage)
	mem.allocated = 1

	info := &bootinfo.BootInfo{
		MemoryMap: bootinfo.NewMemoryMap([]bootinfo.MemoryDescriptor{
			{PhysStart: 0x100000, NumPages: 1, Type: bootinfo.MemLoader},
		}),
	}

	err := ReclaimLoaderMemory(info)
	if err != ErrMapping {
		t.Fatalf("expected error %v; got %v", ErrMapping, err)
	}

	if !errors.Is(err, errNoHugePageSupport) {
		t.Fatalf("expected error to wrap %v", errNoHugePageSupport)
	}

	if mem.releaseCalls != 0 {
		t.Fatalf("expected loader memory not to be released; got %d calls", mem.releaseCalls)
	}
}

func TestReclaimLoaderMemoryRestoresIdentityEntry(t *testing.T) {
	defer PTM.reset()
	PTM.reset()

	mem := setupFakePhysMem(t, 16)
	if err := PTM.Init(mm.Frame(0), mem, false); err != nil {
		t.Fatal(err)
	}

	const physAddr = uintptr(0x100000)

	// The loader marked the page NX even though the manager does not use
	// no-execute protection.
	pdt := ptmMappings(t)
	identityMap(t, pdt, physAddr, 1)
	identity, err := pdt.leafEntry(physAddr)
	if err != nil {
		t.Fatal(err)
	}
	identity.SetFlags(FlagNoExecute)
	expEntry := *identity

	// No frames left for the offset window tables
	mem.budget = mem.allocated

	var flushedAddrs []uintptr
	flushTLBEntryFn = func(addr uintptr) {
		flushedAddrs = append(flushedAddrs, addr)
	}

	info := &bootinfo.BootInfo{
		MemoryMap: bootinfo.NewMemoryMap([]bootinfo.MemoryDescriptor{
			{PhysStart: uint64(physAddr), NumPages: 1, Type: bootinfo.MemLoader},
		}),
		NX: true,
	}

	err = ReclaimLoaderMemory(info)
	if err != ErrFrameAllocator {
		t.Fatalf("expected error %v; got %v", ErrFrameAllocator, err)
	}

	if !errors.Is(err, errFakeOutOfMemory) {
		t.Fatalf("expected error to wrap %v", errFakeOutOfMemory)
	}

	if *identity != expEntry {
		t.Fatalf("expected identity entry 0x%x to be restored; got 0x%x", expEntry, *identity)
	}

	frame, flags, err := pdt.Lookup(mm.PageFromAddress(physAddr))
	if err != nil || frame != mm.FrameFromAddress(physAddr) || flags != FlagPresent|FlagRW|FlagNoExecute {
		t.Fatalf("expected identity mapping to be restored; got (0x%x, 0x%x, %v)", frame, flags, err)
	}

	// Unmap and restore
	if exp := []uintptr{physAddr, physAddr}; len(flushedAddrs) != len(exp) || flushedAddrs[0] != exp[0] || flushedAddrs[1] != exp[1] {
		t.Fatalf("expected TLB flushes for %v; got %v", exp, flushedAddrs)
	}
}

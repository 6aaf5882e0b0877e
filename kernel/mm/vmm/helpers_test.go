package vmm

import (
	"nebulaos/kernel"
	"nebulaos/kernel/cpu"
	"nebulaos/kernel/mm"
	"testing"
	"unsafe"
)

var errFakeOutOfMemory = &kernel.Error{Module: "test", Message: "out of frames"}

// fakePhysMem backs page tables with Go memory and hands out its frames as a
// FrameAllocator. Frame n is stored in tables[n]; frame 0 holds the P4 table.
type fakePhysMem struct {
	tables    [][mm.PageSize >> mm.PointerShift]pageTableEntry
	allocated int

	// budget is the number of frames that can be allocated before
	// AllocFrame starts failing.
	budget int

	allocCalls   int
	releaseCalls int

	// releaseErr is returned by ReleaseLoaderMemory.
	releaseErr *kernel.Error
}

// setupFakePhysMem installs a fake physical memory with room for frameCount
// tables and restores the original hooks when the test completes.
func setupFakePhysMem(t *testing.T, frameCount int) *fakePhysMem {
	mem := &fakePhysMem{
		tables: make([][mm.PageSize >> mm.PointerShift]pageTableEntry, frameCount),
		budget: frameCount - 1,
	}

	origTablePtrFn := tablePtrFn
	tablePtrFn = func(frame mm.Frame) unsafe.Pointer {
		if int(frame) >= len(mem.tables) {
			t.Fatalf("access to table in frame %d outside of fake memory", frame)
		}
		return unsafe.Pointer(&mem.tables[frame][0])
	}

	flushTLBEntryFn = func(uintptr) {}

	t.Cleanup(func() {
		tablePtrFn = origTablePtrFn
		flushTLBEntryFn = cpu.FlushTLBEntry
	})

	return mem
}

func (mem *fakePhysMem) AllocFrame() (mm.Frame, *kernel.Error) {
	mem.allocCalls++
	if mem.allocated == mem.budget {
		return mm.InvalidFrame, errFakeOutOfMemory
	}

	mem.allocated++

	// Fill the table with garbage so tests catch missing clears
	for i := range mem.tables[mem.allocated] {
		mem.tables[mem.allocated][i] = pageTableEntry(0xbadf000)
	}
	return mm.Frame(mem.allocated), nil
}

func (mem *fakePhysMem) ReleaseLoaderMemory() *kernel.Error {
	mem.releaseCalls++
	return mem.releaseErr
}

// spyAllocator records calls made through the page table manager. It never
// has frames to hand out.
type spyAllocator struct {
	allocCalls   int
	releaseCalls int
}

func (s *spyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	s.allocCalls++
	return mm.InvalidFrame, errFakeOutOfMemory
}

func (s *spyAllocator) ReleaseLoaderMemory() *kernel.Error {
	s.releaseCalls++
	return nil
}

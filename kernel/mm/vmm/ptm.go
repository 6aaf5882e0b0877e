package vmm

import (
	"nebulaos/kernel"
	"nebulaos/kernel/mm"
	"nebulaos/kernel/sync"
)

var (
	// PTM is the kernel's page table manager. All page table changes go
	// through it while its lock is held.
	PTM LockedPageTableManager

	// ErrPTMUninitialized is returned when the page table manager is used
	// before Init populates it.
	ErrPTMUninitialized = &kernel.Error{Module: "paging", Message: "page table manager has not been initialized"}

	errPTMAlreadyInitialized = &kernel.Error{Module: "paging", Message: "page table manager is already initialized"}
)

// FrameAllocator is the physical frame allocator owned by the page table
// manager. It is only reached through the manager so all calls happen with
// the manager lock held.
type FrameAllocator interface {
	// AllocFrame provides the frames for new page tables.
	AllocFrame() (mm.Frame, *kernel.Error)

	// ReleaseLoaderMemory moves every frame reserved by the bootloader to
	// the free state. Callers must remove all mappings that still point to
	// loader memory before invoking it.
	ReleaseLoaderMemory() *kernel.Error
}

// PageTableManager owns the active page table hierarchy and the frame
// allocator that backs it.
type PageTableManager struct {
	pdt PageDirectoryTable
}

// Mappings returns the page table mutation interface.
func (m *PageTableManager) Mappings() *PageDirectoryTable {
	return &m.pdt
}

// MapMemory is a shorthand for Mappings().MapMemory.
func (m *PageTableManager) MapMemory(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	return m.pdt.MapMemory(virtAddr, physAddr, flags)
}

// Pmm returns the frame allocator.
func (m *PageTableManager) Pmm() FrameAllocator {
	return m.pdt.alloc
}

// LockedPageTableManager guards a PageTableManager that is populated once by
// Init. The zero value is an uninitialized manager.
type LockedPageTableManager struct {
	lock  sync.Spinlock
	ready bool
	mgr   PageTableManager
}

// Init populates the manager with the page table hierarchy rooted at
// rootFrame and the frame allocator that serves it. It fails if the manager
// has already been initialized.
func (l *LockedPageTableManager) Init(rootFrame mm.Frame, alloc FrameAllocator, noExecute bool) *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.ready {
		return errPTMAlreadyInitialized
	}

	l.mgr = PageTableManager{
		pdt: NewPageDirectoryTable(rootFrame, alloc, noExecute),
	}
	l.ready = true
	return nil
}

// Locked acquires the manager lock and returns a guard for accessing the
// manager. Callers must invoke Release on the guard, typically via defer.
func (l *LockedPageTableManager) Locked() PTMGuard {
	l.lock.Acquire()
	return PTMGuard{owner: l}
}

// reset returns the manager to the uninitialized state.
func (l *LockedPageTableManager) reset() {
	l.lock.Acquire()
	l.ready = false
	l.mgr = PageTableManager{}
	l.lock.Release()
}

// PTMGuard grants exclusive access to a LockedPageTableManager until Release
// is called.
type PTMGuard struct {
	owner *LockedPageTableManager
}

// GetMut returns the guarded manager or ErrPTMUninitialized if Init has not
// been called yet.
func (g PTMGuard) GetMut() (*PageTableManager, *kernel.Error) {
	if !g.owner.ready {
		return nil, ErrPTMUninitialized
	}

	return &g.owner.mgr, nil
}

// Release unlocks the guarded manager.
func (g PTMGuard) Release() {
	g.owner.lock.Release()
}

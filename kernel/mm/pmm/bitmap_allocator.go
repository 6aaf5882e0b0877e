package pmm

import (
	"math/bits"
	"nebulaos/bootinfo"
	"nebulaos/kernel"
	"nebulaos/kernel/mm"
	"reflect"
	"unsafe"
)

// maxPools bounds the number of memory map ranges tracked by the allocator.
const maxPools = 64

var (
	// bitmapAddrFn returns the virtual address through which the bitmap
	// storage at the given physical address can be accessed. It is used by
	// tests to redirect bitmap accesses to regular Go memory and is
	// automatically inlined by the compiler.
	bitmapAddrFn = mm.PhysToVirt

	// ErrOutOfMemory is returned by AllocFrame when no free frames are left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errNotInitialized  = &kernel.Error{Module: "pmm", Message: "frame allocator has not been initialized"}
	errNoBitmapStorage = &kernel.Error{Module: "pmm", Message: "no available memory region can hold the allocator bitmaps"}
	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator"}
	errFrameReserved   = &kernel.Error{Module: "pmm", Message: "frame is reserved by the bootloader"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free"}
)

// FrameState describes the allocation state of a physical frame.
type FrameState uint8

const (
	// FrameUnmanaged is reported for frames outside of all pools.
	FrameUnmanaged FrameState = iota

	// FrameFree is reported for frames that can be handed out by AllocFrame.
	FrameFree

	// FrameReserved is reported for frames that still belong to the
	// bootloader.
	FrameReserved

	// FrameInUse is reported for allocated frames.
	FrameInUse
)

// Stats contains frame counters for all pools.
type Stats struct {
	TotalFrames    uint64
	FreeFrames     uint64
	ReservedFrames uint64
	InUseFrames    uint64
}

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// Bit i in each bitmap corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the last frame (inclusive) in the pool.
	endFrame mm.Frame

	// freeCount and reservedCount let the allocator skip exhausted pools
	// and report stats without scanning the bitmaps.
	freeCount     uint64
	reservedCount uint64

	// inUseBitmap has a bit set for every frame that is not free.
	inUseBitmap []uint64

	// loaderBitmap has a bit set for every frame reserved by the loader.
	// Reserved frames always have their inUseBitmap bit set too.
	loaderBitmap []uint64
}

func (p *framePool) frameCount() uint64 {
	return uint64(p.endFrame-p.startFrame) + 1
}

func (p *framePool) contains(frame mm.Frame) bool {
	return frame >= p.startFrame && frame <= p.endFrame
}

// bit returns the bitmap block index and mask for frame.
func (p *framePool) bit(frame mm.Frame) (int, uint64) {
	rel := uint64(frame - p.startFrame)
	return int(rel >> 6), uint64(1) << (rel & 63)
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// states across the available and loader-owned memory ranges using bitmaps.
// Each frame is exactly one of free, reserved (owned by the loader) or in
// use.
//
// BitmapAllocator performs no locking; all calls are serialized by the page
// table manager that owns it.
type BitmapAllocator struct {
	pools     [maxPools]framePool
	poolCount int
	ready     bool
}

// init sets up one pool per available or loader range of the memory map that
// is reachable through the offset window. The bitmaps are placed at the start of the first
// available range that is large enough to hold them.
func (alloc *BitmapAllocator) init(mmap bootinfo.MemoryMap) *kernel.Error {
	var requiredWords uint64

	alloc.poolCount = 0
	alloc.ready = false

	mmap.VisitDescriptors(func(desc *bootinfo.MemoryDescriptor) bool {
		if desc.Type != bootinfo.MemAvailable && desc.Type != bootinfo.MemLoader {
			return true
		}

		startFrame, endFrame, ok := poolRange(desc)
		if !ok {
			logf("ignoring %s range [0x%16x - 0x%16x]: outside of the physical window\n", desc.Type.String(), desc.PhysStart, desc.PhysEnd())
			return true
		}

		if alloc.poolCount == maxPools {
			logf("ignoring %s range [0x%16x - 0x%16x]: too many pools\n", desc.Type.String(), desc.PhysStart, desc.PhysEnd())
			return true
		}

		alloc.pools[alloc.poolCount] = framePool{startFrame: startFrame, endFrame: endFrame}
		requiredWords += 2 * ((alloc.pools[alloc.poolCount].frameCount() + 63) >> 6)
		alloc.poolCount++
		return true
	})

	requiredBytes := (uintptr(requiredWords<<3) + mm.PageSize - 1) & ^(mm.PageSize - 1)
	storageFrame, ok := findBitmapStorage(mmap, requiredBytes>>mm.PageShift)
	if !ok {
		return errNoBitmapStorage
	}

	storageAddr := bitmapAddrFn(storageFrame.Address())
	kernel.Memset(storageAddr, 0, requiredBytes)

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		words := int((pool.frameCount() + 63) >> 6)
		pool.inUseBitmap = overlayBitmap(storageAddr, words)
		storageAddr += uintptr(words << 3)
		pool.loaderBitmap = overlayBitmap(storageAddr, words)
		storageAddr += uintptr(words << 3)

		// Bits past endFrame in the last block never correspond to a
		// real frame; flag them as in use so they are never handed out.
		if tail := pool.frameCount() & 63; tail != 0 {
			pool.inUseBitmap[words-1] = ^uint64(0) << tail
		}

		pool.freeCount = pool.frameCount()
	}

	// Loader ranges start out reserved.
	mmap.VisitDescriptors(func(desc *bootinfo.MemoryDescriptor) bool {
		if desc.Type != bootinfo.MemLoader {
			return true
		}

		if startFrame, endFrame, ok := poolRange(desc); ok {
			for frame := startFrame; frame <= endFrame; frame++ {
				alloc.reserve(frame)
			}
		}
		return true
	})

	for frame, count := storageFrame, requiredBytes>>mm.PageShift; count > 0; frame, count = frame+1, count-1 {
		alloc.markInUse(frame)
	}

	alloc.ready = true
	return nil
}

// poolRange returns the frames covered by desc that the allocator manages.
// Available ranges are clipped to the offset window. Loader ranges are only
// managed if they fit in the window entirely: those are the ranges the kernel
// remaps before releasing them, anything else stays unmanaged so it can never
// be released while the loader's identity mapping still points at it.
func poolRange(desc *bootinfo.MemoryDescriptor) (mm.Frame, mm.Frame, bool) {
	start := (uintptr(desc.PhysStart) + mm.PageSize - 1) & ^(mm.PageSize - 1)
	end := uintptr(desc.PhysEnd()) & ^(mm.PageSize - 1)

	switch desc.Type {
	case bootinfo.MemLoader:
		if !mm.InPhysWindow(start, end) {
			return mm.InvalidFrame, mm.InvalidFrame, false
		}
	case bootinfo.MemAvailable:
		if end > mm.PhysWindowLimit {
			end = mm.PhysWindowLimit
		}
	default:
		return mm.InvalidFrame, mm.InvalidFrame, false
	}

	if start >= end {
		return mm.InvalidFrame, mm.InvalidFrame, false
	}

	return mm.FrameFromAddress(start), mm.FrameFromAddress(end) - 1, true
}

// findBitmapStorage returns the first frame of an available range that can
// hold pageCount pages.
func findBitmapStorage(mmap bootinfo.MemoryMap, pageCount uintptr) (mm.Frame, bool) {
	storage := mm.InvalidFrame
	mmap.VisitDescriptors(func(desc *bootinfo.MemoryDescriptor) bool {
		if desc.Type != bootinfo.MemAvailable {
			return true
		}

		startFrame, endFrame, ok := poolRange(desc)
		if !ok || uintptr(endFrame-startFrame)+1 < pageCount {
			return true
		}

		storage = startFrame
		return false
	})

	return storage, storage.Valid()
}

func overlayBitmap(addr uintptr, words int) []uint64 {
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  words,
		Cap:  words,
		Data: addr,
	}))
}

// poolFor returns the pool that contains frame or nil.
func (alloc *BitmapAllocator) poolFor(frame mm.Frame) *framePool {
	for i := 0; i < alloc.poolCount; i++ {
		if alloc.pools[i].contains(frame) {
			return &alloc.pools[i]
		}
	}
	return nil
}

func (alloc *BitmapAllocator) reserve(frame mm.Frame) {
	pool := alloc.poolFor(frame)
	if pool == nil {
		return
	}

	block, mask := pool.bit(frame)
	if pool.loaderBitmap[block]&mask != 0 {
		return
	}

	if pool.inUseBitmap[block]&mask == 0 {
		pool.freeCount--
	}
	pool.inUseBitmap[block] |= mask
	pool.loaderBitmap[block] |= mask
	pool.reservedCount++
}

func (alloc *BitmapAllocator) markInUse(frame mm.Frame) {
	pool := alloc.poolFor(frame)
	if pool == nil {
		return
	}

	block, mask := pool.bit(frame)
	if pool.inUseBitmap[block]&mask != 0 {
		return
	}
	pool.inUseBitmap[block] |= mask
	pool.freeCount--
}

// AllocFrame reserves the first free frame and returns it. It returns
// ErrOutOfMemory if all pools are exhausted.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if !alloc.ready {
		return mm.InvalidFrame, errNotInitialized
	}

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if pool.freeCount == 0 {
			continue
		}

		for block, used := range pool.inUseBitmap {
			if used == ^uint64(0) {
				continue
			}

			bit := bits.TrailingZeros64(^used)
			pool.inUseBitmap[block] |= uint64(1) << uint(bit)
			pool.freeCount--
			return pool.startFrame + mm.Frame(block<<6+bit), nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns an allocated frame to its pool. Frames that are free,
// reserved by the loader or not managed by the allocator are rejected.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !alloc.ready {
		return errNotInitialized
	}

	pool := alloc.poolFor(frame)
	if pool == nil {
		return errFrameNotManaged
	}

	block, mask := pool.bit(frame)
	switch {
	case pool.loaderBitmap[block]&mask != 0:
		return errFrameReserved
	case pool.inUseBitmap[block]&mask == 0:
		return errDoubleFree
	}

	pool.inUseBitmap[block] &^= mask
	pool.freeCount++
	return nil
}

// ReleaseLoaderMemory transitions every frame reserved by the bootloader to
// the free state so that it can be handed out by AllocFrame.
//
// This operation is unsafe: the caller must ensure that no virtual mapping
// which the loader or the kernel still relies on points to the released
// frames. The kernel satisfies this by removing the loader's identity mappings
// before calling it. Calling it again once all frames have been released is a
// no-op.
func (alloc *BitmapAllocator) ReleaseLoaderMemory() *kernel.Error {
	if !alloc.ready {
		return errNotInitialized
	}

	var released uint64
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if pool.reservedCount == 0 {
			continue
		}

		for block, reserved := range pool.loaderBitmap {
			if reserved == 0 {
				continue
			}

			count := uint64(bits.OnesCount64(reserved))
			pool.inUseBitmap[block] &^= reserved
			pool.loaderBitmap[block] = 0
			pool.freeCount += count
			pool.reservedCount -= count
			released += count
		}
	}

	logf("released %d loader frames (%d Kb)\n", released, released*uint64(mm.PageSize>>10))
	return nil
}

// State returns the allocation state of frame.
func (alloc *BitmapAllocator) State(frame mm.Frame) FrameState {
	pool := alloc.poolFor(frame)
	if pool == nil {
		return FrameUnmanaged
	}

	block, mask := pool.bit(frame)
	switch {
	case pool.loaderBitmap[block]&mask != 0:
		return FrameReserved
	case pool.inUseBitmap[block]&mask != 0:
		return FrameInUse
	default:
		return FrameFree
	}
}

// Stats returns the frame counters for all pools.
func (alloc *BitmapAllocator) Stats() Stats {
	var stats Stats
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		stats.TotalFrames += pool.frameCount()
		stats.FreeFrames += pool.freeCount
		stats.ReservedFrames += pool.reservedCount
	}
	stats.InUseFrames = stats.TotalFrames - stats.FreeFrames - stats.ReservedFrames
	return stats
}

// printMemoryMap prints the memory map reported by the loader and the
// resulting allocator stats.
func (alloc *BitmapAllocator) printMemoryMap(mmap bootinfo.MemoryMap) {
	logf("system memory map:\n")
	mmap.VisitDescriptors(func(desc *bootinfo.MemoryDescriptor) bool {
		logf("\t[0x%10x - 0x%10x], pages: %10d, type: %s\n", desc.PhysStart, desc.PhysEnd(), desc.NumPages, desc.Type.String())
		return true
	})

	stats := alloc.Stats()
	pageSizeKb := uint64(mm.PageSize >> 10)
	logf("free: %d Kb, reserved by loader: %d Kb, in use: %d Kb\n",
		stats.FreeFrames*pageSizeKb,
		stats.ReservedFrames*pageSizeKb,
		stats.InUseFrames*pageSizeKb,
	)
}

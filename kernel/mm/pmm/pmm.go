// Package pmm implements the physical frame allocator.
package pmm

import (
	"nebulaos/bootinfo"
	"nebulaos/kernel"
	"nebulaos/kernel/kfmt"
)

var (
	// bitmapAllocator is the allocator used by the kernel for all frame
	// allocations.
	bitmapAllocator BitmapAllocator

	logger = kfmt.PrefixWriter{Prefix: []byte("[pmm] ")}
)

// Init sets up the frame allocator using the memory map reported by the
// bootloader. The allocator is handed to the page table manager, which
// serializes all further calls to it.
func Init(mmap bootinfo.MemoryMap) *kernel.Error {
	if err := bitmapAllocator.init(mmap); err != nil {
		return err
	}

	bitmapAllocator.printMemoryMap(mmap)
	return nil
}

// Allocator returns the kernel's frame allocator.
func Allocator() *BitmapAllocator {
	return &bitmapAllocator
}

func logf(format string, args ...interface{}) {
	logger.Sink = kfmt.GetOutputSink()
	kfmt.Fprintf(&logger, format, args...)
}

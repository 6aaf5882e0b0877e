// Package kmain contains the Go entrypoint of the kernel.
package kmain

import (
	"nebulaos/bootinfo"
	"nebulaos/kernel"
	"nebulaos/kernel/gdt"
	"nebulaos/kernel/kfmt"
	"nebulaos/kernel/mm/pmm"
	"nebulaos/kernel/mm/vmm"
)

var (
	errKmainReturned   = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errInvalidBootInfo = &kernel.Error{Module: "kmain", Message: "boot information block is missing or invalid"}

	// The following functions are mocked by tests.
	bootInfoFn = parseBootInfo
	gdtLoadFn  = gdt.Load
	pmmInitFn  = pmm.Init
	vmmInitFn  = vmm.Init
	reclaimFn  = vmm.ReclaimLoaderMemory
	panicFn    = kfmt.Panic
)

// Kmain is invoked by the rt0 code with the physical address of the boot
// information block left by the loader. It installs the kernel GDT, sets up
// the frame allocator and the page table manager and moves the loader's
// memory into the offset window.
//
// Kmain is not expected to return. Any error during these steps halts the
// CPU via kfmt.Panic.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	info := bootInfoFn(bootInfoPtr)
	if info == nil {
		panicFn(errInvalidBootInfo)
		return
	}

	gdtLoadFn()

	var err *kernel.Error
	if err = pmmInitFn(info.MemoryMap); err != nil {
		panicFn(err)
	} else if err = vmmInitFn(info); err != nil {
		panicFn(err)
	} else if err = reclaimFn(info); err != nil {
		panicFn(err)
	} else {
		// Use kfmt.Panic instead of panic to prevent the compiler from
		// treating it as dead code.
		panicFn(errKmainReturned)
	}
}

func parseBootInfo(ptr uintptr) *bootinfo.BootInfo {
	bootinfo.SetInfoPtr(ptr)
	return bootinfo.Info()
}

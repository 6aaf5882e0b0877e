// Package vmm manages the kernel page tables.
package vmm

import (
	"nebulaos/bootinfo"
	"nebulaos/kernel"
	"nebulaos/kernel/cpu"
	"nebulaos/kernel/kfmt"
	"nebulaos/kernel/mm"
	"nebulaos/kernel/mm/pmm"
)

var (
	// The following functions are mocked by tests.
	activePDTFn    = cpu.ActivePDT
	supportsNXFn   = cpu.SupportsNX
	frameAllocator = func() FrameAllocator { return pmm.Allocator() }

	logger = kfmt.PrefixWriter{Prefix: []byte("[vmm] ")}
)

// Init adopts the page table hierarchy set up by the bootloader and populates
// PTM with it. No-execute protection is used only if the loader enabled it
// and the CPU supports it.
func Init(info *bootinfo.BootInfo) *kernel.Error {
	noExecute := info.NX && supportsNXFn()
	if info.NX && !noExecute {
		logf("warning: loader reported NX support but the CPU lacks it\n")
	}

	rootFrame := mm.FrameFromAddress(activePDTFn() & ptePhysPageMask)
	if err := PTM.Init(rootFrame, frameAllocator(), noExecute); err != nil {
		return err
	}

	logf("active page directory at 0x%16x, no-execute: %t\n", rootFrame.Address(), noExecute)
	return nil
}

func logf(format string, args ...interface{}) {
	logger.Sink = kfmt.GetOutputSink()
	kfmt.Fprintf(&logger, format, args...)
}

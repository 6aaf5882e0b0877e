// Package mm defines the page and frame primitives shared by the physical and
// virtual memory managers.
package mm

import "math"

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains physAddr. Unaligned
// addresses are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains virtAddr. Unaligned
// addresses are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PhysToVirt returns the address of physAddr inside the offset window.
func PhysToVirt(physAddr uintptr) uintptr {
	return PhysOffset + physAddr
}

// InPhysWindow returns true if the physical range [physStart, physEnd) can be
// reached through the offset window. Ranges ending exactly at PhysWindowLimit
// are treated as out of bounds.
func InPhysWindow(physStart, physEnd uintptr) bool {
	return physStart <= physEnd && physEnd < PhysWindowLimit
}

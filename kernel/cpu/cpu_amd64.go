// Package cpu exposes the privileged x86-64 instructions used by the kernel.
// Every function without a body is implemented in cpu_amd64.s; these are the
// only places where an unchecked hardware precondition can fault the CPU.
package cpu

var (
	cpuidFn = ID
)

// Halt disables interrupts and stops instruction execution. It never returns.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// LoadGDT loads the GDTR register from the 10-byte table pointer image
// (16-bit limit followed by a 64-bit linear base address) stored at gdtrAddr.
//
// The caller must guarantee that the image points to a well-formed table;
// a malformed table faults on the next segment register load.
func LoadGDT(gdtrAddr uintptr)

// ReloadDataSegments loads selector into the DS, ES, FS, GS and SS registers.
// The FS base MSR is preserved across the reload as the Go runtime keeps its
// TLS block there.
func ReloadDataSegments(selector uint16)

// ReloadCodeSegment switches CS to selector by pushing the selector and the
// caller's return address and executing a far return. Execution resumes in
// the caller with the new code segment active.
func ReloadCodeSegment(selector uint16)

// SupportsNX returns true if the CPU supports the no-execute page
// protection bit (CPUID 0x80000001, EDX bit 20).
func SupportsNX() bool {
	if maxLeaf, _, _, _ := cpuidFn(0x80000000); maxLeaf < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}

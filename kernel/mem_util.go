package kernel

import (
	"reflect"
	"unsafe"
)

// overlay returns a byte slice backed by the size bytes that start at addr.
func overlay(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// Memset sets size bytes at the given address to the supplied value. After
// writing the first byte, the filled prefix is doubled with each copy call so
// a page is cleared with log2(size) copies instead of a byte loop.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(overlay(dst, size), overlay(src, size))
}

package sgtmalloc

import "unsafe"

// defaultAllocator is the process-wide allocator: U = 64, H = 24, a 1 GiB
// backing region reserved on the first call.
var defaultAllocator = mustNew(DefaultUnit, DefaultHeight)

func mustNew(unit uintptr, height uint8) *Allocator {
	a, err := New(unit, height)
	if err != nil {
		panic(err)
	}
	return a
}

// Default returns the process-wide allocator behind the package-level
// functions.
func Default() *Allocator { return defaultAllocator }

// Malloc allocates from the process-wide allocator.
func Malloc(size uintptr) unsafe.Pointer { return defaultAllocator.Malloc(size) }

// Free releases an allocation made by the process-wide allocator.
func Free(p unsafe.Pointer) { defaultAllocator.Free(p) }

// Calloc allocates zeroed memory from the process-wide allocator.
func Calloc(num, size uintptr) unsafe.Pointer { return defaultAllocator.Calloc(num, size) }

// AlignedAlloc allocates aligned memory from the process-wide allocator.
func AlignedAlloc(align, size uintptr) unsafe.Pointer {
	return defaultAllocator.AlignedAlloc(align, size)
}

// PosixMemalign allocates aligned memory from the process-wide allocator,
// reporting a POSIX error number.
func PosixMemalign(align, size uintptr) (unsafe.Pointer, int) {
	return defaultAllocator.PosixMemalign(align, size)
}

// Realloc resizes an allocation made by the process-wide allocator.
func Realloc(p unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	return defaultAllocator.Realloc(p, newSize)
}

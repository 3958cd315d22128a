package region

import "unsafe"

// baseAddr extracts the start address of the mapped slice for pointer
// arithmetic. The mapping is never moved by the Go runtime, so the address
// stays valid until Unmap.
func baseAddr(data []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(data)))
}

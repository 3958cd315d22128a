// Package region reserves the allocator's backing region: a single
// contiguous anonymous mapping obtained once from the operating system and
// kept at a fixed address for the life of the process.
package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is an anonymous, private, read-write memory mapping.
type Region struct {
	data []byte
	base uintptr
}

// Map reserves size bytes of anonymous memory. The mapping is not backed by
// any file and its pages are zero until first written.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("region: mmap of %d bytes failed: %w", size, err)
	}
	return &Region{
		data: data,
		base: baseAddr(data),
	}, nil
}

// Base returns the fixed start address of the mapping.
func (r *Region) Base() uintptr { return r.base }

// Size returns the mapping length in bytes.
func (r *Region) Size() int { return len(r.data) }

// Bytes returns the mapped memory as a byte slice.
func (r *Region) Bytes() []byte { return r.data }

// Slice returns the sub-range [off, off+n) of the mapping.
func (r *Region) Slice(off, n uintptr) []byte {
	return r.data[off : off+n]
}

// Unmap releases the mapping. The process-wide allocator never calls this;
// it exists so tests do not accumulate mappings.
func (r *Region) Unmap() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	r.base = 0
	return err
}

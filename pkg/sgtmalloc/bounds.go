package sgtmalloc

import (
	"fmt"
	"unsafe"
)

// BoundsError reports a pointer that cannot belong to this allocator.
type BoundsError struct {
	Type    string
	Pointer uintptr
	Base    uintptr
	Limit   uintptr
	Message string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("bounds error [%s]: %s (ptr=0x%x, region=[0x%x, 0x%x))",
		e.Type, e.Message, e.Pointer, e.Base, e.Limit)
}

// offsetOf translates a user pointer back to a core offset. A valid
// pointer lies inside the backing region and is unit-aligned relative to
// its base. Called with the guard held.
func (a *Allocator) offsetOf(p unsafe.Pointer) (uintptr, error) {
	addr := uintptr(p)
	if a.mem == nil || addr < a.base || addr >= a.base+a.tree.MaxSize() {
		return 0, &BoundsError{
			Type:    "out_of_range",
			Pointer: addr,
			Base:    a.base,
			Limit:   a.base + a.tree.MaxSize(),
			Message: "pointer not inside the backing region",
		}
	}
	off := addr - a.base
	if off%a.tree.Unit() != 0 {
		return 0, &BoundsError{
			Type:    "misaligned",
			Pointer: addr,
			Base:    a.base,
			Limit:   a.base + a.tree.MaxSize(),
			Message: fmt.Sprintf("pointer not aligned to the %d-byte unit", a.tree.Unit()),
		}
	}
	return off, nil
}

// Owns reports whether p lies inside the allocator's backing region at a
// unit-aligned address.
func (a *Allocator) Owns(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	var ok bool
	a.withGuard(func() {
		_, err := a.offsetOf(p)
		ok = err == nil
	})
	return ok
}

// Package sgtmalloc exposes the segment-tree buddy allocator as a
// process-wide allocation surface over a single anonymous memory mapping.
//
// An Allocator owns a fixed-capacity backing region reserved lazily on the
// first allocation and a segment-tree index deciding placement inside it.
// The API mirrors the C allocation entry points: Malloc, Free, Calloc,
// AlignedAlloc, PosixMemalign and Realloc, with nil standing in for null
// and PosixMemalign reporting POSIX error numbers.
//
// Every operation runs under a single two-state guard. The allocator is
// deliberately not concurrent: contention or re-entry is a logic bug and
// terminates the process rather than block, because a parked thread could
// itself be inside an allocation path.
package sgtmalloc

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sgtmalloc/sgtmalloc/internal/region"
	"github.com/sgtmalloc/sgtmalloc/internal/segtree"
)

const (
	// DefaultUnit is the block granularity of the process-wide allocator.
	DefaultUnit uintptr = 64
	// DefaultHeight is the tree height of the process-wide allocator,
	// giving a 1 GiB backing region.
	DefaultHeight uint8 = 24
	// MinAlign is the alignment guaranteed by Malloc, Calloc and Realloc,
	// matching the platform allocator on x86_64.
	MinAlign uintptr = 16
)

// fatalf terminates the process after logging. Guard contention and
// mapping failure are unrecoverable: continuing would corrupt memory.
// Tests replace this hook.
var fatalf func(format string, args ...interface{}) = logrus.Fatalf

// Allocator hands out pointers inside one fixed-size anonymous mapping,
// placed by a segment-tree buddy index. The zero value is not usable;
// construct with New or use the package-level Default.
type Allocator struct {
	guard atomic.Bool
	tree  *segtree.Tree

	// Backing region, reserved on first use. base/basePtr are the same
	// address in the two forms the adapter needs: arithmetic and pointer
	// derivation.
	mem     *region.Region
	base    uintptr
	basePtr unsafe.Pointer

	// Statistics.
	allocCount   atomic.Uint64
	freeCount    atomic.Uint64
	failedAllocs atomic.Uint64
	invalidFrees atomic.Uint64
	bytesLive    atomic.Uint64
}

// New creates an allocator managing unit * 2^height bytes. The region is
// not reserved until the first allocation.
func New(unit uintptr, height uint8) (*Allocator, error) {
	tree, err := segtree.New(unit, height)
	if err != nil {
		return nil, err
	}
	return &Allocator{tree: tree}, nil
}

// MaxSize returns the capacity of the backing region in bytes.
func (a *Allocator) MaxSize() uintptr { return a.tree.MaxSize() }

// withGuard runs f in the allocator's critical section. A second entry
// while the guard is held aborts the process: there is no safe way to park
// the contending thread, which may itself be allocating.
func (a *Allocator) withGuard(f func()) {
	if a.guard.Swap(true) {
		fatalf("sgtmalloc: allocator entered concurrently or re-entrantly")
		return
	}
	defer a.guard.Store(false)
	f()
}

// ensureMapped reserves the backing region on first use. Reservation
// failure is fatal; the allocator has no fallback.
func (a *Allocator) ensureMapped() bool {
	if a.mem != nil {
		return true
	}
	r, err := region.Map(int(a.tree.MaxSize()))
	if err != nil {
		fatalf("sgtmalloc: cannot reserve %d-byte backing region: %v", a.tree.MaxSize(), err)
		return false
	}
	a.mem = r
	a.base = r.Base()
	a.basePtr = unsafe.Pointer(unsafe.SliceData(r.Bytes()))
	return true
}

// allocate maps the request to a block level using the effective size
// max(size, align) and returns the placed pointer, or nil when the request
// is unsatisfiable. Blocks are naturally aligned to their rounded
// power-of-two size, so the returned pointer honors align.
func (a *Allocator) allocate(op string, size, align uintptr) unsafe.Pointer {
	effective := size
	if effective < align {
		effective = align
	}
	var p unsafe.Pointer
	a.withGuard(func() {
		if !a.ensureMapped() {
			return
		}
		off, err := a.tree.Alloc(effective)
		if err != nil {
			a.failedAllocs.Add(1)
			return
		}
		a.allocCount.Add(1)
		if blockSize, err := a.tree.SizeOf(off); err == nil {
			a.bytesLive.Add(uint64(blockSize))
		}
		p = unsafe.Add(a.basePtr, off)
	})
	debug.trace(op, logrus.Fields{"size": size, "align": align, "ptr": p})
	return p
}

// Malloc allocates size bytes aligned to MinAlign, or returns nil when the
// request cannot be satisfied. The largest satisfiable request is
// MaxSize()/2 after power-of-two rounding.
func (a *Allocator) Malloc(size uintptr) unsafe.Pointer {
	return a.allocate("malloc", size, MinAlign)
}

// Free releases an allocation returned by this allocator. A nil pointer is
// a no-op. The block size is recovered from the tree, so no size needs to
// be recorded by the caller. Freeing a pointer this allocator did not
// return is a caller bug; it is counted, logged when tracing is enabled,
// and never acted on.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	debug.trace("free", logrus.Fields{"ptr": p})
	a.withGuard(func() {
		off, err := a.offsetOf(p)
		if err != nil {
			a.invalidFrees.Add(1)
			debug.error("free", err)
			return
		}
		size, err := a.tree.DeallocAuto(off)
		if err != nil {
			a.invalidFrees.Add(1)
			debug.error("free", err)
			return
		}
		a.freeCount.Add(1)
		a.bytesLive.Add(^uint64(size - 1))
	})
}

// Calloc allocates num*size bytes aligned to MinAlign and zeroes them.
// Overflow of the multiplication returns nil.
func (a *Allocator) Calloc(num, size uintptr) unsafe.Pointer {
	hi, total := bits.Mul(uint(num), uint(size))
	if hi != 0 {
		debug.trace("calloc", logrus.Fields{"num": num, "size": size, "ptr": nil})
		return nil
	}
	p := a.allocate("calloc", uintptr(total), MinAlign)
	if p != nil && total != 0 {
		// Reused blocks carry stale bytes; fresh mapping pages happen to
		// be zero but the contract is unconditional.
		clear(unsafe.Slice((*byte)(p), total))
	}
	return p
}

// AlignedAlloc allocates size bytes aligned to align. align must be a
// power of two; any other value returns nil.
func (a *Allocator) AlignedAlloc(align, size uintptr) unsafe.Pointer {
	if align == 0 || align&(align-1) != 0 {
		debug.trace("aligned_alloc", logrus.Fields{"align": align, "size": size, "ptr": nil})
		return nil
	}
	return a.allocate("aligned_alloc", size, align)
}

// PosixMemalign allocates size bytes aligned to align and returns the
// pointer with 0, or nil with EINVAL (alignment not a power of two or not
// a multiple of the pointer size) or ENOMEM (no block available).
func (a *Allocator) PosixMemalign(align, size uintptr) (unsafe.Pointer, int) {
	if align == 0 || align&(align-1) != 0 || align%unsafe.Sizeof(uintptr(0)) != 0 {
		debug.trace("posix_memalign", logrus.Fields{"align": align, "size": size, "ptr": nil})
		return nil, int(unix.EINVAL)
	}
	p := a.allocate("posix_memalign", size, align)
	if p == nil {
		return nil, int(unix.ENOMEM)
	}
	return p, 0
}

// Realloc resizes an allocation. A nil pointer behaves as Malloc. The
// block's current size is recovered from the tree, a new block of newSize
// is placed, min(old, new) bytes are copied and the old block released.
// When no new block is available the old allocation is left live and nil
// is returned. Realloc guarantees only MinAlign on the new block.
func (a *Allocator) Realloc(p unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if p == nil {
		return a.Malloc(newSize)
	}
	effective := newSize
	if effective < MinAlign {
		effective = MinAlign
	}
	var newPtr unsafe.Pointer
	a.withGuard(func() {
		off, err := a.offsetOf(p)
		if err != nil {
			a.invalidFrees.Add(1)
			debug.error("realloc", err)
			return
		}
		oldSize, err := a.tree.SizeOf(off)
		if err != nil {
			a.invalidFrees.Add(1)
			debug.error("realloc", err)
			return
		}
		newOff, err := a.tree.Alloc(effective)
		if err != nil {
			a.failedAllocs.Add(1)
			return
		}
		n := oldSize
		if newSize < n {
			n = newSize
		}
		copy(a.mem.Slice(newOff, n), a.mem.Slice(off, n))
		if _, err := a.tree.DeallocAuto(off); err != nil {
			debug.error("realloc", err)
		}
		a.allocCount.Add(1)
		a.freeCount.Add(1)
		if blockSize, err := a.tree.SizeOf(newOff); err == nil {
			a.bytesLive.Add(uint64(blockSize))
		}
		a.bytesLive.Add(^uint64(oldSize - 1))
		newPtr = unsafe.Add(a.basePtr, newOff)
	})
	debug.trace("realloc", logrus.Fields{"ptr": p, "new_size": newSize, "new_ptr": newPtr})
	return newPtr
}

// UsableSize returns the block size backing a live allocation, or 0 for
// nil and pointers this allocator did not return.
func (a *Allocator) UsableSize(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	var size uintptr
	a.withGuard(func() {
		off, err := a.offsetOf(p)
		if err != nil {
			return
		}
		if s, err := a.tree.SizeOf(off); err == nil {
			size = s
		}
	})
	return size
}

// Stats returns allocator statistics.
func (a *Allocator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"alloc_count":   a.allocCount.Load(),
		"free_count":    a.freeCount.Load(),
		"failed_allocs": a.failedAllocs.Load(),
		"invalid_frees": a.invalidFrees.Load(),
		"bytes_live":    a.bytesLive.Load(),
		"max_size":      uint64(a.tree.MaxSize()),
		"unit":          uint64(a.tree.Unit()),
		"height":        uint64(a.tree.Height()),
	}
}

// DumpTree renders the segment-tree index level by level. Intended for
// small trees in diagnostics; the default 1 GiB tree dump is impractical.
func (a *Allocator) DumpTree() string {
	var s string
	a.withGuard(func() {
		s = a.tree.String()
	})
	return s
}

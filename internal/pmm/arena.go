// Package pmm implements the frame arena: a lock-free bump + free-list
// allocator of 4 KiB physical frames, grounded on the teacher's lock-free
// MPMC queue (internal/runtime/concurrency/lfqueue.go -- CAS-retry loop,
// padded atomic fields) adapted from a ring buffer to a singly-linked free
// list, and on internal/runtime/kernel/memory.go's PhysicalMemoryManager
// for the bump-pointer half.
package pmm

import (
	"encoding/binary"
	"sync/atomic"

	"rvcore/internal/kerr"
)

const (
	// PageSize is the sv39 base page size.
	PageSize = 4096
	// nodeHeaderSize is the size in bytes of the free-list Node header
	// written into the first page of a freed run.
	nodeHeaderSize = 16
)

// Arena is a contiguous physical region backing frame allocation. In this
// simulation "physical memory" is a plain byte slice addressed by a
// synthetic base; a real boot would instead carve this out of the FDT's
// memory node.
type Arena struct {
	base  uintptr
	mem   []byte // simulated RAM backing this arena
	pages uint64 // total pages in the arena

	top      uint64 // atomic: bump-pointer, in pages, monotonic
	freeHead uint64 // atomic: packed (pageIndex+1, generation)
	zeroPage uint64 // atomic: 1 + physical address of the cached zero-page sentinel
}

// New creates an arena of the given page count starting at base. All pages
// begin unallocated and available via the bump pointer.
func New(base uintptr, pages uint64) *Arena {
	return &Arena{
		base:  base,
		mem:   make([]byte, pages*PageSize),
		pages: pages,
	}
}

func packHead(idx int64, gen uint16) uint64 {
	return (uint64(idx+1) << 16) | uint64(gen)
}

func unpackHead(w uint64) (idx int64, gen uint16) {
	idx = int64(w>>16) - 1
	gen = uint16(w & 0xffff)
	return
}

type freeNode struct {
	nextIdx int64 // -1 means end of list
	count   uint64
}

func (a *Arena) readNode(idx int64) freeNode {
	off := uint64(idx) * PageSize
	raw := a.mem[off : off+nodeHeaderSize]
	next := int64(binary.LittleEndian.Uint64(raw[0:8]))
	count := binary.LittleEndian.Uint64(raw[8:16])
	return freeNode{nextIdx: next, count: count}
}

func (a *Arena) writeNode(idx int64, n freeNode) {
	off := uint64(idx) * PageSize
	raw := a.mem[off : off+nodeHeaderSize]
	binary.LittleEndian.PutUint64(raw[0:8], uint64(n.nextIdx))
	binary.LittleEndian.PutUint64(raw[8:16], n.count)
}

func (a *Arena) zero(idx int64, n uint64) {
	off := uint64(idx) * PageSize
	for i := uint64(0); i < n*PageSize; i++ {
		a.mem[off+i] = 0
	}
}

// Allocate returns the base address of a run of n contiguous, zeroed pages,
// or an ENOMEM error if the arena is exhausted. The free list is tried
// first to maximise reuse; a fresh bump-pointer allocation is the fallback.
func (a *Arena) Allocate(n uint64) (uintptr, error) {
	if n == 0 {
		return 0, kerr.BadArgument("pmm", "allocate 0 pages")
	}

	for {
		head := atomic.LoadUint64(&a.freeHead)
		idx, gen := unpackHead(head)
		if idx < 0 {
			break // free list empty, fall through to bump allocation
		}
		node := a.readNode(idx)
		if node.count < n {
			break // head run too small; this arena keeps one run at the head
		}
		var newHead uint64
		if node.count == n {
			newHead = packHead(node.nextIdx, gen+1)
		} else {
			// Keep the unused tail of the run as the new head node.
			tailIdx := idx + int64(n)
			remaining := node.count - n
			a.writeNode(tailIdx, freeNode{nextIdx: node.nextIdx, count: remaining})
			newHead = packHead(tailIdx, gen+1)
		}
		if atomic.CompareAndSwapUint64(&a.freeHead, head, newHead) {
			a.zero(idx, n)
			return a.base + uintptr(idx)*PageSize, nil
		}
		// Lost the race; retry from scratch.
	}

	for {
		top := atomic.LoadUint64(&a.top)
		newTop := top + n
		if newTop > a.pages {
			return 0, kerr.NoMemory("pmm", "arena exhausted")
		}
		if atomic.CompareAndSwapUint64(&a.top, top, newTop) {
			a.zero(int64(top), n)
			return a.base + uintptr(top)*PageSize, nil
		}
	}
}

// Deallocate returns a run of n pages to the free list. Freed pages are not
// zeroed eagerly; Allocate zeroes on the way out instead, keeping
// deallocation cheap.
func (a *Arena) Deallocate(addr uintptr, n uint64) error {
	if n == 0 {
		return kerr.BadArgument("pmm", "deallocate 0 pages")
	}
	if addr < a.base || (addr-a.base)%PageSize != 0 {
		return kerr.BadArgument("pmm", "misaligned address")
	}
	idx := int64((addr - a.base) / PageSize)
	if uint64(idx)+n > a.pages {
		return kerr.BadArgument("pmm", "run exceeds arena bounds")
	}

	for {
		head := atomic.LoadUint64(&a.freeHead)
		prevIdx, gen := unpackHead(head)
		a.writeNode(idx, freeNode{nextIdx: prevIdx, count: n})
		newHead := packHead(idx, gen+1)
		if atomic.CompareAndSwapUint64(&a.freeHead, head, newHead) {
			return nil
		}
	}
}

// UsedCount returns the number of pages currently allocated: the
// bump-pointer high-water mark minus every page reachable by walking the
// free list, so that used + free == total holds regardless of how many
// separate runs have been deallocated.
func (a *Arena) UsedCount() uint64 {
	top := atomic.LoadUint64(&a.top)
	free := uint64(0)
	head := atomic.LoadUint64(&a.freeHead)
	idx, _ := unpackHead(head)
	for idx >= 0 {
		node := a.readNode(idx)
		free += node.count
		idx = node.nextIdx
	}
	return top - free
}

// TotalCount returns the arena's total page capacity.
func (a *Arena) TotalCount() uint64 { return a.pages }

// Base returns the arena's physical base address.
func (a *Arena) Base() uintptr { return a.base }

// PageBytes returns a mutable view of the 4 KiB page at addr, letting
// higher layers (page tables, Phys) treat a frame as structured storage
// without the arena exposing its whole backing slice.
func (a *Arena) PageBytes(addr uintptr) []byte {
	off := uint64(addr - a.base)
	return a.mem[off : off+PageSize]
}

// ZeroFrame returns the arena-wide shared zero-page sentinel used by
// anonymous Phys objects for read-only access before first write: a single
// zeroed frame lazily allocated once and handed out by address to every
// reader, never written through this accessor.
func (a *Arena) ZeroFrame() (uintptr, error) {
	if w := atomic.LoadUint64(&a.zeroPage); w != 0 {
		return uintptr(w - 1), nil
	}
	addr, err := a.Allocate(1)
	if err != nil {
		return 0, err
	}
	if !atomic.CompareAndSwapUint64(&a.zeroPage, 0, uint64(addr)+1) {
		// Lost the race to another caller; the page we allocated is simply
		// never freed (a bounded, one-time leak of a single frame).
		return uintptr(atomic.LoadUint64(&a.zeroPage) - 1), nil
	}
	return addr, nil
}

// Contains reports whether addr falls within this arena's backing region.
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.base && addr < a.base+uintptr(a.pages)*PageSize
}

// Package phys implements Phys, the copy-on-write physical-memory object
// that backs every mapped region of a Virt: anonymous (zero until written)
// or backed (committed through a byte-addressable Backend). Grounded on
// internal/runtime/kernel/memory.go's region/flag model for the anonymous
// path and on internal/runtime/asyncio's zero-copy file I/O shape for the
// backed path.
package phys

import (
	"io"
	"sync"

	"rvcore/internal/kerr"
	"rvcore/internal/pmm"
)

const PageSize = pmm.PageSize

// Backend is the byte-addressable capability a backed Phys commits through.
// It is the one load-bearing dynamic-dispatch surface spec.md §9 names for
// Phys; filesystem/block-device internals are out of the core's scope.
type Backend interface {
	// ReadPage fills buf (len == PageSize) with the contents of the index'th
	// page of the backend.
	ReadPage(index uint64, buf []byte) error
	// WritePage writes buf (len == PageSize) back to the index'th page.
	WritePage(index uint64, buf []byte) error
}

// sharedState is the slot array two or more COW siblings commit against
// until one of them writes and forks off a private override.
type sharedState struct {
	mu     sync.Mutex
	frames map[uint64]uintptr // absolute page index -> frame
	dirty  map[uint64]bool    // absolute page index -> needs flush
}

// Phys is a logical sequence of pages produced on demand, per spec.md §3/§4.3.
type Phys struct {
	mu sync.Mutex

	arena   *pmm.Arena
	backend Backend // nil for anonymous Phys

	cow       bool
	baseIndex uint64 // offset into the shared slot array this view starts at
	pages     uint64 // logical length in pages
	pos       int64  // cursor for Seek, per spec.md §3's seek operation

	shared    *sharedState
	overrides map[uint64]uintptr // local index -> private frame, once written under cow
}

// NewAnonymous creates an all-zero-until-written Phys of the given length.
func NewAnonymous(arena *pmm.Arena, pages uint64) *Phys {
	return &Phys{
		arena:     arena,
		pages:     pages,
		shared:    &sharedState{frames: map[uint64]uintptr{}, dirty: map[uint64]bool{}},
		overrides: map[uint64]uintptr{},
	}
}

// NewBacked creates a Phys whose pages commit by reading through backend.
func NewBacked(arena *pmm.Arena, backend Backend, pages uint64) *Phys {
	return &Phys{
		arena:     arena,
		backend:   backend,
		pages:     pages,
		shared:    &sharedState{frames: map[uint64]uintptr{}, dirty: map[uint64]bool{}},
		overrides: map[uint64]uintptr{},
	}
}

// Len returns the logical length in pages.
func (p *Phys) Len() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages
}

// Commit resolves the index'th logical page to a physical frame, following
// the five-way decision table of spec.md §4.3.
func (p *Phys) Commit(index uint64, writable bool) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index >= p.pages {
		return 0, kerr.BadArgument("phys", "commit index out of range")
	}

	if frame, ok := p.overrides[index]; ok {
		return frame, nil
	}

	abs := p.baseIndex + index
	p.shared.mu.Lock()
	frame, cached := p.shared.frames[abs]
	p.shared.mu.Unlock()

	if p.backend == nil {
		return p.commitAnonymous(index, abs, frame, cached, writable)
	}
	return p.commitBacked(index, abs, frame, cached, writable)
}

func (p *Phys) commitAnonymous(index, abs uint64, frame uintptr, cached, writable bool) (uintptr, error) {
	if !writable {
		if cached {
			return frame, nil
		}
		return p.arena.ZeroFrame()
	}
	if p.cow {
		return p.forkPrivate(index, frame, cached)
	}
	if cached {
		return frame, nil
	}
	newFrame, err := p.arena.Allocate(1)
	if err != nil {
		return 0, err
	}
	p.shared.mu.Lock()
	p.shared.frames[abs] = newFrame
	p.shared.mu.Unlock()
	return newFrame, nil
}

func (p *Phys) commitBacked(index, abs uint64, frame uintptr, cached, writable bool) (uintptr, error) {
	if !cached {
		newFrame, err := p.arena.Allocate(1)
		if err != nil {
			return 0, err
		}
		if err := p.backend.ReadPage(abs, p.arena.PageBytes(newFrame)); err != nil {
			return 0, kerr.IOFailure("phys", "backend page-in: "+err.Error())
		}
		p.shared.mu.Lock()
		p.shared.frames[abs] = newFrame
		p.shared.mu.Unlock()
		frame, cached = newFrame, true
	}
	if !writable {
		return frame, nil
	}
	if p.cow {
		return p.forkPrivate(index, frame, cached)
	}
	p.shared.mu.Lock()
	p.shared.dirty[abs] = true
	p.shared.mu.Unlock()
	return frame, nil
}

// forkPrivate allocates a private replacement page for index, copying base
// (the shared frame, if any) into it, and records it as this Phys's own
// override so future commits of the same index see the private copy
// without touching the shared slot other COW siblings still see.
func (p *Phys) forkPrivate(index uint64, base uintptr, baseValid bool) (uintptr, error) {
	newFrame, err := p.arena.Allocate(1)
	if err != nil {
		return 0, err
	}
	if baseValid {
		copy(p.arena.PageBytes(newFrame), p.arena.PageBytes(base))
	}
	p.overrides[index] = newFrame
	return newFrame, nil
}

// ReadAt copies len(buf) bytes starting at offset into buf, committing
// pages read-only as needed.
func (p *Phys) ReadAt(offset uint64, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		idx := offset / PageSize
		inPage := offset % PageSize
		n := PageSize - inPage
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		frame, err := p.Commit(idx, false)
		if err != nil {
			return total, err
		}
		page := p.arena.PageBytes(frame)
		copy(buf[:n], page[inPage:inPage+n])
		buf = buf[n:]
		offset += n
		total += int(n)
	}
	return total, nil
}

// WriteAt writes len(buf) bytes starting at offset, committing pages
// writable as needed.
func (p *Phys) WriteAt(offset uint64, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		idx := offset / PageSize
		inPage := offset % PageSize
		n := PageSize - inPage
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		frame, err := p.Commit(idx, true)
		if err != nil {
			return total, err
		}
		page := p.arena.PageBytes(frame)
		copy(page[inPage:inPage+n], buf[:n])
		buf = buf[n:]
		offset += n
		total += int(n)
	}
	return total, nil
}

// Resize truncates or extends the logical length. Pages beyond the new
// length become unreachable through this Phys; reclaiming the frames they
// occupied happens only once no sibling's shared state still references
// them, which this simulation does not track explicitly (a real arena would
// refcount shared slots).
func (p *Phys) Resize(pages uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = pages
}

// StreamLen returns the logical length in bytes.
func (p *Phys) StreamLen() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages * PageSize
}

// Seek repositions this Phys's cursor, mirroring umio's IO::seek
// (lib/umio/src/io.rs: whence-relative Start/Current/End, stream_len
// itself implemented in terms of a Seek(End(0))/Seek(Start(old)) pair).
// The cursor is advisory bookkeeping for a sequential reader/writer built
// on top of ReadAt/WriteAt; it is not consulted by Commit/ReadAt/WriteAt
// themselves, which always take an explicit offset.
func (p *Phys) Seek(offset int64, whence int) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = p.pos
	case io.SeekEnd:
		base = int64(p.pages * PageSize)
	default:
		return 0, kerr.BadArgument("phys", "seek: invalid whence")
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, kerr.BadArgument("phys", "seek: resulting position is negative")
	}
	p.pos = newPos
	return newPos, nil
}

// Flush writes every dirty shared slot back through the backend. isDirect
// mirrors O_DIRECT semantics: when true, writes already bypassed the page
// cache and there is nothing buffered to flush.
func (p *Phys) Flush(isDirect bool) error {
	if p.backend == nil || isDirect {
		return nil
	}
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	for idx, dirty := range p.shared.dirty {
		if !dirty {
			continue
		}
		frame := p.shared.frames[idx]
		if err := p.backend.WritePage(idx, p.arena.PageBytes(frame)); err != nil {
			return kerr.IOFailure("phys", "flush: "+err.Error())
		}
		p.shared.dirty[idx] = false
	}
	return nil
}

// CloneAs creates a sibling Phys sharing this object's committed pages
// until one side writes, per spec.md §4.3/§8's round-trip law. offset is in
// pages from the start of this Phys; if length is nil the clone spans the
// remainder.
func (p *Phys) CloneAs(cow bool, offset uint64, length *uint64) (*Phys, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset > p.pages {
		return nil, kerr.BadArgument("phys", "clone offset beyond length")
	}
	l := p.pages - offset
	if length != nil {
		if *length > l {
			return nil, kerr.BadArgument("phys", "clone length beyond parent")
		}
		l = *length
	}
	return &Phys{
		arena:     p.arena,
		backend:   p.backend,
		cow:       cow,
		baseIndex: p.baseIndex + offset,
		pages:     l,
		shared:    p.shared,
		overrides: map[uint64]uintptr{},
	}, nil
}

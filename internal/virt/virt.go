// Package virt implements Virt, the per-task address space layering
// mapped regions over Phys objects on top of an sv39 page table. Grounded
// on internal/runtime/kernel/vmm.go's VirtualMemoryManager (per-PID table
// map generalized to a per-task owned root plus a free-fit region
// scanner).
package virt

import (
	"sort"
	"sync"
	"sync/atomic"

	"rvcore/internal/kerr"
	"rvcore/internal/phys"
	"rvcore/internal/pmm"
	"rvcore/internal/sv39"
)

const PageSize = sv39.PageSize

// kernelHalfStart is the first sv39 top-level (VPN2) index considered part
// of the shared kernel half; indices below it are the user half's free-fit
// space. Sv39 VPN2 has 512 entries; reserving the top quarter for the
// kernel mirrors the canonical "upper half is kernel" convention without
// tying this package to one specific ID_OFFSET value.
const kernelHalfStart = 384

// Region records one mapped range: [Start, End) of a Virt backed by a
// slice of a Phys starting at PhysOffset pages in.
type Region struct {
	Start, End uintptr
	Phys       *phys.Phys
	PhysOffset uint64
	Attr       sv39.Attr
}

func (r *Region) pages() uint64 { return uint64(r.End-r.Start) / PageSize }

// Virt is a per-task address space: root page table, region list, and the
// set of harts that currently have it installed.
type Virt struct {
	mu      sync.RWMutex
	arena   *pmm.Arena
	table   *sv39.Manager
	regions []*Region // sorted by Start, disjoint

	cpuMask atomic.Uint64

	userStart, userEnd uintptr
}

// New allocates a fresh root table, splices in the kernel half by
// reference from kernelTable, and leaves the user half empty.
func New(arena *pmm.Arena, kernelTable *sv39.Manager, userStart, userEnd uintptr) (*Virt, error) {
	table, err := sv39.New(arena)
	if err != nil {
		return nil, err
	}
	for idx := kernelHalfStart; idx < sv39.RootEntryCount; idx++ {
		if e := kernelTable.ReadRootEntry(idx); e.Valid() {
			table.WriteRootEntry(idx, e)
		}
	}
	return &Virt{arena: arena, table: table, userStart: userStart, userEnd: userEnd}, nil
}

// Table returns the underlying sv39 manager, e.g. to build satp.
func (v *Virt) Table() *sv39.Manager { return v.table }

// CPUMask returns the current bitset of harts with this Virt active.
func (v *Virt) CPUMask() uint64 { return v.cpuMask.Load() }

// Load makes this Virt the active address space on hart, recording the
// hart in cpu_mask and clearing it from whatever Virt was previously
// active there. It is the only operation that may set cpu_mask.
func (v *Virt) Load(hart int, prev *Virt) {
	if prev != nil {
		prev.clearHart(hart)
	}
	v.setHart(hart)
}

func (v *Virt) setHart(hart int) {
	bit := uint64(1) << uint(hart)
	for {
		old := v.cpuMask.Load()
		if v.cpuMask.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (v *Virt) clearHart(hart int) {
	bit := uint64(1) << uint(hart)
	for {
		old := v.cpuMask.Load()
		if v.cpuMask.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// Unload clears hart from cpu_mask without installing a replacement
// space, used when a task's Virt is torn down.
func (v *Virt) Unload(hart int) { v.clearHart(hart) }

func overlaps(aStart, aEnd, bStart, bEnd uintptr) bool {
	return aStart < bEnd && bStart < aEnd
}

func (v *Virt) findFreeRangeLocked(count uint64) (uintptr, error) {
	need := uintptr(count) * PageSize
	cursor := v.userStart
	sorted := append([]*Region(nil), v.regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for _, r := range sorted {
		if r.Start-cursor >= need {
			return cursor, nil
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if v.userEnd-cursor >= need {
		return cursor, nil
	}
	return 0, kerr.NoMemory("virt", "no free range large enough")
}

func (v *Virt) insertRegionLocked(r *Region) {
	v.regions = append(v.regions, r)
	sort.Slice(v.regions, func(i, j int) bool { return v.regions[i].Start < v.regions[j].Start })
}

func (v *Virt) removeRegionLocked(r *Region) {
	for i, reg := range v.regions {
		if reg == r {
			v.regions = append(v.regions[:i], v.regions[i+1:]...)
			return
		}
	}
}

func (v *Virt) findRegionLocked(va uintptr) *Region {
	for _, r := range v.regions {
		if va >= r.Start && va < r.End {
			return r
		}
	}
	return nil
}

// Map records a new region, choosing a free-fit base unless fixed is
// non-nil. With fixed and a collision, existing mappings in the way are
// unmapped first. Page table entries are populated lazily, on first
// access via Commit.
func (v *Virt) Map(fixed *uintptr, ph *phys.Phys, offset uint64, count uint64, attr sv39.Attr) (uintptr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var base uintptr
	if fixed != nil {
		base = *fixed
		if err := v.unmapOverlappingLocked(base, base+uintptr(count)*PageSize); err != nil {
			return 0, err
		}
	} else {
		var err error
		base, err = v.findFreeRangeLocked(count)
		if err != nil {
			return 0, err
		}
	}

	v.insertRegionLocked(&Region{
		Start:      base,
		End:        base + uintptr(count)*PageSize,
		Phys:       ph,
		PhysOffset: offset,
		Attr:       attr,
	})
	return base, nil
}

// Commit ensures the leaf page table entry exists for va, committing the
// covering region's Phys page and installing it writable or not per the
// region's attributes.
func (v *Virt) Commit(va uintptr) (uintptr, error) {
	v.mu.RLock()
	region := v.findRegionLocked(va)
	v.mu.RUnlock()
	if region == nil {
		return 0, kerr.NotFound("virt", "no region covers address")
	}
	aligned := va - (va % PageSize)
	idx := region.PhysOffset + uint64(aligned-region.Start)/PageSize
	writable := region.Attr&sv39.AttrWrite != 0
	frame, err := region.Phys.Commit(idx, writable)
	if err != nil {
		return 0, err
	}
	if err := v.table.Map(aligned, frame, region.Attr); err != nil {
		return 0, err
	}
	return frame, nil
}

// unmapOverlappingLocked clears every page-table entry and drops region
// bookkeeping for [start, end), splitting any region that only partially
// overlaps.
func (v *Virt) unmapOverlappingLocked(start, end uintptr) error {
	var kept []*Region
	for _, r := range v.regions {
		if !overlaps(r.Start, r.End, start, end) {
			kept = append(kept, r)
			continue
		}
		if err := v.table.UnmapRange(max(r.Start, start), uint64(min(r.End, end)-max(r.Start, start))/PageSize); err != nil {
			return err
		}
		if r.Start < start {
			kept = append(kept, &Region{Start: r.Start, End: start, Phys: r.Phys, PhysOffset: r.PhysOffset, Attr: r.Attr})
		}
		if r.End > end {
			shift := uint64(end-r.Start) / PageSize
			kept = append(kept, &Region{Start: end, End: r.End, Phys: r.Phys, PhysOffset: r.PhysOffset + shift, Attr: r.Attr})
		}
	}
	v.regions = kept
	return nil
}

// Unmap clears [start, start+count*PageSize) and drops the region
// bookkeeping for it. The caller must issue a TLB flush on CPUMask()
// afterwards (spec.md §4.4); an unmap that frees a table additionally
// needs a full sfence.vma. sv39.Manager.UnmapRange returns emptied
// intermediate tables to the arena but issues no fence of its own.
func (v *Virt) Unmap(start uintptr, count uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unmapOverlappingLocked(start, start+uintptr(count)*PageSize)
}

// Reprotect updates the attribute bits of [start, start+count*PageSize),
// splitting regions at the range's boundaries as needed. Already-committed
// leaf entries are reprotected in place; lazily-uncommitted pages pick up
// the new attribute on their first Commit.
func (v *Virt) Reprotect(start uintptr, count uint64, attr sv39.Attr) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	end := start + uintptr(count)*PageSize

	var kept []*Region
	for _, r := range v.regions {
		if !overlaps(r.Start, r.End, start, end) {
			kept = append(kept, r)
			continue
		}
		if r.Start < start {
			kept = append(kept, &Region{Start: r.Start, End: start, Phys: r.Phys, PhysOffset: r.PhysOffset, Attr: r.Attr})
		}
		lo, hi := max(r.Start, start), min(r.End, end)
		shift := uint64(lo-r.Start) / PageSize
		kept = append(kept, &Region{Start: lo, End: hi, Phys: r.Phys, PhysOffset: r.PhysOffset + shift, Attr: attr})
		if r.End > end {
			shift2 := uint64(end-r.Start) / PageSize
			kept = append(kept, &Region{Start: end, End: r.End, Phys: r.Phys, PhysOffset: r.PhysOffset + shift2, Attr: r.Attr})
		}
	}
	v.regions = kept

	n := uint64(end-start) / PageSize
	return v.table.Reprotect(start, n, attr)
}

// Regions returns a snapshot of the currently mapped regions, for tests
// and for the round-trip invariant in spec.md §8 ("the union of region
// ranges equals the set of addresses that translate successfully").
func (v *Virt) Regions() []*Region {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Region, len(v.regions))
	copy(out, v.regions)
	return out
}


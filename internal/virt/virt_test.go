package virt

import (
	"testing"

	"rvcore/internal/phys"
	"rvcore/internal/pmm"
	"rvcore/internal/sv39"
)

func newTestVirt(t *testing.T) (*Virt, *pmm.Arena) {
	t.Helper()
	arena := pmm.New(0x1000, 16384)
	kernelTable, err := sv39.New(arena)
	if err != nil {
		t.Fatal(err)
	}
	v, err := New(arena, kernelTable, 0x1000, 0x40_0000_0000)
	if err != nil {
		t.Fatal(err)
	}
	return v, arena
}

func TestMapCommitFaultsInAnonymousZero(t *testing.T) {
	v, arena := newTestVirt(t)
	ph := phys.NewAnonymous(arena, 1)
	base, err := v.Map(nil, ph, 0, 1, sv39.AttrRead|sv39.AttrWrite|sv39.AttrUser)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := v.Commit(base)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	res := v.Table().Walk(base)
	if !res.Found || res.Leaf.PhysAddr() != frame {
		t.Fatal("expected walk to find the committed frame")
	}
}

func TestMapUnmapRoundTripLeavesVirtUnchanged(t *testing.T) {
	v, arena := newTestVirt(t)
	ph := phys.NewAnonymous(arena, 2)
	base, err := v.Map(nil, ph, 0, 2, sv39.AttrRead|sv39.AttrWrite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Commit(base); err != nil {
		t.Fatal(err)
	}
	before := len(v.Regions())

	if err := v.Unmap(base, 2); err != nil {
		t.Fatal(err)
	}
	after := len(v.Regions())
	if after != before-1 {
		t.Fatalf("expected region removed, before=%d after=%d", before, after)
	}
	if res := v.Table().Walk(base); res.Found {
		t.Fatal("expected translation to fail after unmap")
	}
}

func TestFixedMapCollisionUnmapsExisting(t *testing.T) {
	v, arena := newTestVirt(t)
	ph1 := phys.NewAnonymous(arena, 4)
	base := uintptr(0x20000)
	if _, err := v.Map(&base, ph1, 0, 4, sv39.AttrRead|sv39.AttrWrite); err != nil {
		t.Fatal(err)
	}
	ph2 := phys.NewAnonymous(arena, 2)
	if _, err := v.Map(&base, ph2, 0, 2, sv39.AttrRead); err != nil {
		t.Fatal(err)
	}
	// The new 2-page mapping replaces the overlapped head of the old one;
	// the old mapping's last 2 pages survive as their own region.
	regions := v.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected the new region plus the old one's tail after collision, got %d", len(regions))
	}
	if regions[0].Phys != ph2 {
		t.Fatal("expected the fixed mapping to win over the prior one")
	}
}

func TestLoadTracksCPUMask(t *testing.T) {
	v1, _ := newTestVirt(t)
	v2, arena := newTestVirt(t)
	_ = arena
	v1.Load(0, nil)
	if v1.CPUMask() != 1 {
		t.Fatalf("expected hart 0 bit set, got %#x", v1.CPUMask())
	}
	v2.Load(0, v1)
	if v1.CPUMask() != 0 {
		t.Fatal("expected hart 0 cleared from the previously active Virt")
	}
	if v2.CPUMask() != 1 {
		t.Fatalf("expected hart 0 bit set on newly active Virt, got %#x", v2.CPUMask())
	}
}

func TestReprotectUpdatesCommittedPagesPastAnUncommittedOne(t *testing.T) {
	v, arena := newTestVirt(t)
	ph := phys.NewAnonymous(arena, 2)
	base, err := v.Map(nil, ph, 0, 2, sv39.AttrRead|sv39.AttrWrite)
	if err != nil {
		t.Fatal(err)
	}
	// Commit only the second page; the first page of the range stays
	// uncommitted, which must not stop Reprotect from reaching the
	// second page's already-live PTE.
	second := base + PageSize
	if _, err := v.Commit(second); err != nil {
		t.Fatal(err)
	}

	if err := v.Reprotect(base, 2, sv39.AttrRead); err != nil {
		t.Fatal(err)
	}

	res := v.Table().Walk(second)
	if !res.Found {
		t.Fatal("expected the committed second page to still translate")
	}
	if res.Leaf.Attr()&sv39.AttrWrite != 0 {
		t.Fatal("expected the committed page's write bit cleared by Reprotect despite an uncommitted neighbor")
	}
}

func TestUnionOfRegionsMatchesTranslatableAddresses(t *testing.T) {
	v, arena := newTestVirt(t)
	ph := phys.NewAnonymous(arena, 3)
	base, err := v.Map(nil, ph, 0, 3, sv39.AttrRead|sv39.AttrWrite)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 3; i++ {
		va := base + uintptr(i)*PageSize
		if _, err := v.Commit(va); err != nil {
			t.Fatal(err)
		}
		if res := v.Table().Walk(va); !res.Found {
			t.Fatalf("page %d within region should translate", i)
		}
	}
	if res := v.Table().Walk(base + 3*PageSize); res.Found {
		t.Fatal("address outside the region should not translate")
	}
}

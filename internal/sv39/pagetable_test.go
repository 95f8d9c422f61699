package sv39

import "testing"

func newManager(t *testing.T) (*Manager, *testArena) {
	t.Helper()
	a := newTestArena(8192)
	m, err := New(a.Arena)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, a
}

func TestMapThenWalkTranslates(t *testing.T) {
	m, a := newManager(t)
	va := uintptr(0x1000)
	pa, err := a.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Map(va, pa, AttrRead|AttrWrite|AttrUser); err != nil {
		t.Fatalf("map: %v", err)
	}
	res := m.Walk(va)
	if !res.Found {
		t.Fatal("expected translation to succeed")
	}
	if res.Leaf.PhysAddr() != pa {
		t.Fatalf("expected pa %#x, got %#x", pa, res.Leaf.PhysAddr())
	}
	if res.Leaf.Attr()&AttrUser == 0 {
		t.Fatal("expected USER bit set")
	}
}

func TestUnmapThenWalkMisses(t *testing.T) {
	m, a := newManager(t)
	va := uintptr(0x2000)
	pa, _ := a.Allocate(1)
	if err := m.Map(va, pa, AttrRead|AttrWrite); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmap(va); err != nil {
		t.Fatal(err)
	}
	res := m.Walk(va)
	if res.Found {
		t.Fatal("expected no translation after unmap")
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, a := newManager(t)
	va := uintptr(0x10_0000)
	pa, _ := a.Allocate(4)
	if err := m.MapRange(va, pa, 4, AttrRead|AttrWrite); err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 4; i++ {
		if res := m.Walk(va + uintptr(i)*PageSize); !res.Found {
			t.Fatalf("page %d missing after map", i)
		}
	}
	if err := m.UnmapRange(va, 4); err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 4; i++ {
		if res := m.Walk(va + uintptr(i)*PageSize); res.Found {
			t.Fatalf("page %d still mapped after unmap", i)
		}
	}
}

func TestReprotectPreservesPPN(t *testing.T) {
	m, a := newManager(t)
	va := uintptr(0x3000)
	pa, _ := a.Allocate(1)
	if err := m.Map(va, pa, AttrRead); err != nil {
		t.Fatal(err)
	}
	if err := m.Reprotect(va, 1, AttrRead|AttrWrite); err != nil {
		t.Fatal(err)
	}
	res := m.Walk(va)
	if res.Leaf.PhysAddr() != pa {
		t.Fatal("reprotect changed the PPN")
	}
	if res.Leaf.Attr()&AttrWrite == 0 {
		t.Fatal("expected write bit to be set after reprotect")
	}
}

func TestUnmapFreesEmptyIntermediateTables(t *testing.T) {
	m, a := newManager(t)
	usedBefore := a.UsedCount()
	va := uintptr(0x1_0000_0000) // forces distinct level-1 and level-2 tables
	pa, _ := a.Allocate(1)
	if err := m.Map(va, pa, AttrRead); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmap(va); err != nil {
		t.Fatal(err)
	}
	// The leaf table and any now-empty intermediate tables should be
	// returned to the arena, leaving only the root and the data frame pa
	// (which Unmap does not own or free) outstanding.
	if a.UsedCount() != usedBefore+1 {
		t.Fatalf("expected intermediate tables to be freed, used=%d want=%d", a.UsedCount(), usedBefore+1)
	}
}

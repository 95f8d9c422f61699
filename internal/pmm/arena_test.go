package pmm

import (
	"sync"
	"testing"
)

func TestArenaAllocateDeallocateReuse(t *testing.T) {
	a := New(0x1000, 20)

	p1, err := a.Allocate(3)
	if err != nil {
		t.Fatalf("allocate(3): %v", err)
	}
	p2, err := a.Allocate(5)
	if err != nil {
		t.Fatalf("allocate(5): %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct bases, got %#x and %#x", p1, p2)
	}

	if err := a.Deallocate(p1, 3); err != nil {
		t.Fatalf("deallocate: %v", err)
	}

	p3, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("allocate(2): %v", err)
	}
	if p3 != p1 {
		t.Fatalf("expected allocate(2) to reuse freed 3-run prefix at %#x, got %#x", p1, p3)
	}

	p4, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("allocate(1): %v", err)
	}
	if p4 == p2 || p4 == p3 {
		t.Fatalf("expected distinct base for allocate(1), got %#x", p4)
	}
}

func TestArenaFreshAllocationIsZeroed(t *testing.T) {
	a := New(0, 4)
	base, err := a.Allocate(2)
	if err != nil {
		t.Fatal(err)
	}
	idx := int64((base - a.base) / PageSize)
	for i := nodeHeaderSize; i < 2*PageSize; i++ {
		off := uint64(idx)*PageSize + uint64(i)
		if a.mem[off] != 0 {
			t.Fatalf("expected zeroed page, found nonzero byte at offset %d", i)
		}
	}
}

func TestArenaOutOfMemoryReturnsError(t *testing.T) {
	a := New(0, 4)
	if _, err := a.Allocate(5); err == nil {
		t.Fatal("expected ENOMEM for an allocation exceeding arena size")
	}
}

func TestArenaUsedCountInvariant(t *testing.T) {
	a := New(0, 64)
	p1, _ := a.Allocate(10)
	_, _ = a.Allocate(6)
	if err := a.Deallocate(p1, 10); err != nil {
		t.Fatal(err)
	}
	used := a.UsedCount()
	if used != 6 {
		t.Fatalf("expected used=6 after freeing the first run, got %d", used)
	}
}

// TestArenaConcurrentAllocDealloc exercises the CAS-retry loops under
// contention, in the same spirit as the teacher's TestMPMCQueue_Concurrent.
func TestArenaConcurrentAllocDealloc(t *testing.T) {
	a := New(0, 4096)
	const workers = 8
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				addr, err := a.Allocate(1)
				if err != nil {
					continue
				}
				_ = a.Deallocate(addr, 1)
			}
		}()
	}
	wg.Wait()

	if a.UsedCount() > a.TotalCount() {
		t.Fatalf("used count %d exceeds total %d", a.UsedCount(), a.TotalCount())
	}
}

package sv39

import "rvcore/internal/pmm"

// testArena wraps pmm.Arena so page-table tests can allocate backing frames
// without importing the pmm package test helpers directly.
type testArena struct {
	*pmm.Arena
}

func newTestArena(pages uint64) *testArena {
	return &testArena{Arena: pmm.New(0, pages)}
}

func (a *testArena) Allocate(n uint64) (uintptr, error) { return a.Arena.Allocate(n) }

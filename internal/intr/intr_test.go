package intr

import "testing"

type fakePLIC struct {
	enabled   map[int]map[int]bool
	priority  map[int]int
	pending   []int
	completed []int
}

func newFakePLIC() *fakePLIC {
	return &fakePLIC{enabled: make(map[int]map[int]bool), priority: make(map[int]int)}
}

func (p *fakePLIC) EnableForHart(hart, pin int) {
	if p.enabled[hart] == nil {
		p.enabled[hart] = make(map[int]bool)
	}
	p.enabled[hart][pin] = true
}

func (p *fakePLIC) DisablePin(pin int) {
	for _, m := range p.enabled {
		delete(m, pin)
	}
}

func (p *fakePLIC) SetPriority(pin, priority int) { p.priority[pin] = priority }

func (p *fakePLIC) Claim(hart int) (int, bool) {
	if len(p.pending) == 0 {
		return 0, false
	}
	pin := p.pending[0]
	p.pending = p.pending[1:]
	return pin, true
}

func (p *fakePLIC) Complete(hart, pin int) { p.completed = append(p.completed, pin) }

func TestInsertEnablesEveryHartAndSetsPriority(t *testing.T) {
	plic := newFakePLIC()
	m := New(plic, 4)
	if err := m.Insert(7, HandlerFunc(func() bool { return false })); err != nil {
		t.Fatal(err)
	}
	for hart := 0; hart < 4; hart++ {
		if !plic.enabled[hart][7] {
			t.Fatalf("expected pin 7 enabled on hart %d", hart)
		}
	}
	if plic.priority[7] != 1 {
		t.Fatalf("expected priority 1, got %d", plic.priority[7])
	}
}

func TestInsertRejectsDuplicatePin(t *testing.T) {
	plic := newFakePLIC()
	m := New(plic, 1)
	_ = m.Insert(3, HandlerFunc(func() bool { return false }))
	if err := m.Insert(3, HandlerFunc(func() bool { return false })); err == nil {
		t.Fatal("expected an error registering the same pin twice")
	}
}

func TestNotifyDispatchesAndCompletesClaim(t *testing.T) {
	plic := newFakePLIC()
	m := New(plic, 1)
	var ran bool
	_ = m.Insert(5, HandlerFunc(func() bool { ran = true; return false }))
	plic.pending = []int{5}

	if err := m.Notify(0); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected the handler to run")
	}
	if len(plic.completed) != 1 || plic.completed[0] != 5 {
		t.Fatalf("expected pin 5 completed, got %v", plic.completed)
	}
}

func TestNotifyWithNoPendingClaimIsANoOp(t *testing.T) {
	plic := newFakePLIC()
	m := New(plic, 1)
	if err := m.Notify(0); err != nil {
		t.Fatalf("expected no error with nothing pending, got %v", err)
	}
}

func TestHandlerRequestingRemoveIsEvictedAndDisabled(t *testing.T) {
	plic := newFakePLIC()
	m := New(plic, 2)
	_ = m.Insert(9, HandlerFunc(func() bool { return true }))
	plic.pending = []int{9}

	if err := m.Notify(0); err != nil {
		t.Fatal(err)
	}
	if plic.enabled[0][9] || plic.enabled[1][9] {
		t.Fatal("expected pin 9 disabled on every hart after a one-shot handler")
	}
	// A second claim of the same pin now finds no handler registered.
	plic.pending = []int{9}
	if err := m.Notify(0); err == nil {
		t.Fatal("expected an error claiming a pin whose handler was removed")
	}
}

// Package intr implements the interrupt demultiplexer over a PLIC
// (spec.md §4.8): a pin→handler registry plus claim/complete dispatch.
// Grounded on internal/runtime/kernel/interrupt.go's InterruptManager
// (handler table behind a sync.RWMutex), generalized from a fixed 256-entry
// x86 IDT keyed by interrupt vector into an open pin space keyed by PLIC
// source id, with claim/complete replacing IDT installation.
package intr

import (
	"sync"

	"rvcore/internal/kerr"
)

// Handler services one PLIC pin. Handle runs with the claim already taken
// and must not block; long-running work belongs in the task it wakes. A
// true return unregisters the handler and disables its pin afterwards,
// matching spec.md §4.8's "a handler that returns remove unregisters
// itself and disables the pin."
type Handler interface {
	Handle() (remove bool)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func() bool

func (f HandlerFunc) Handle() bool { return f() }

// PLIC is the subset of Platform-Level Interrupt Controller register
// operations the manager drives. A real boot wires this to PLIC MMIO;
// device drivers and the PLIC's own MMIO layout are out of core scope per
// spec.md §1 and are consumed only through this interface.
type PLIC interface {
	// EnableForHart enables pin in the given hart's context.
	EnableForHart(hart int, pin int)
	// DisablePin disables pin in every hart's context.
	DisablePin(pin int)
	// SetPriority sets pin's interrupt priority.
	SetPriority(pin int, priority int)
	// Claim returns the highest-priority pending pin for hart's context,
	// or ok=false if none is pending.
	Claim(hart int) (pin int, ok bool)
	// Complete acknowledges pin's claim on hart's context.
	Complete(hart int, pin int)
}

// Manager holds a PLIC handle and the pin→handler registry (spec.md
// §4.8). The registry lock is a reader-writer lock upgraded only to evict
// one-shot handlers (spec.md §6's "PLIC-map: reader-writer lock upgraded
// only to drop one-shot handlers"): Notify's hot path only needs a read
// lock to look up and invoke a handler.
type Manager struct {
	plic  PLIC
	harts int

	mu       sync.RWMutex
	handlers map[int]Handler
}

// New builds a Manager driving plic across harts hart contexts.
func New(plic PLIC, harts int) *Manager {
	return &Manager{plic: plic, harts: harts, handlers: make(map[int]Handler)}
}

// Insert registers handler for pin, enables the pin on every hart's
// context, and sets its priority to 1 (spec.md §4.8).
func (m *Manager) Insert(pin int, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[pin]; exists {
		return kerr.Exists("intr", "pin already has a registered handler")
	}
	m.handlers[pin] = handler
	for hart := 0; hart < m.harts; hart++ {
		m.plic.EnableForHart(hart, pin)
	}
	m.plic.SetPriority(pin, 1)
	return nil
}

// Remove unregisters pin's handler and disables it, without requiring a
// pending claim. Used when a task that owned a device handler exits.
func (m *Manager) Remove(pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[pin]; !exists {
		return
	}
	delete(m.handlers, pin)
	m.plic.DisablePin(pin)
}

// Notify claims a pending pin on hart, dispatches its handler, and
// completes the claim. If the handler requests removal, the handler is
// evicted and the pin disabled under the write lock after completion.
func (m *Manager) Notify(hart int) error {
	m.mu.RLock()
	pin, ok := m.plic.Claim(hart)
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	handler, exists := m.handlers[pin]
	m.mu.RUnlock()

	if !exists {
		m.plic.Complete(hart, pin)
		return kerr.NotFound("intr", "claimed pin has no registered handler")
	}

	remove := handler.Handle()
	m.plic.Complete(hart, pin)

	if remove {
		m.Remove(pin)
	}
	return nil
}

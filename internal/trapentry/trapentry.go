//go:build riscv64

// Package trapentry provides the real RISC-V asm shim backing
// trapcoro.HartTrap: _return_to_user/_intr_entry, grounded verbatim on
// original_source/mizu/lib/co-trap/src/imp.rs's register save/restore
// macros and sscratch-based re-entry check. As with
// internal/runtime/kernel/hardware_real.go's outb/inb/cli/sti/hlt stubs,
// the asm bodies these declarations bind to live outside what a retrieved
// Go source tree carries; this file only fixes the Go-visible contract a
// real riscv64 build links against.
package trapentry

import (
	"unsafe"

	"rvcore/internal/trapcoro"
)

// reentHandler is the Go callback installReentVector's asm side invokes on
// a kernel-mode (non-coroutine) trap. Held as a package var rather than
// passed by address across the asm boundary, since a Go func value is not
// an asm-callable address on its own.
var reentHandler func(*trapcoro.TrapFrame)

// returnToUser loads frame's GPRs, sepc, and sstatus, swaps gp/tp and a0
// into their user values, and executes sret. Control returns to the
// caller only once _intr_entry's sscratch check recognises a coroutine
// re-entry (sscratch nonzero) rather than a reentrant kernel-mode trap.
//
//go:noescape
func returnToUser(frame *trapcoro.TrapFrame)

// loadUserFP reloads user-mode floating point register state, the lazy
// step 1 of spec.md §4.5's yield_to_user contract.
//
//go:noescape
func loadUserFP()

// installReentVector points stvec at _intr_entry, mirroring co_trap::init's
// REENT_HANDLER release/acquire fence pair around the trap vector install.
//
//go:noescape
func installReentVector(reentHandlerAddr unsafe.Pointer)

// Hart is the riscv64 HartTrap implementation a real boot installs into
// trapcoro.New.
type Hart struct{}

func (Hart) YieldToUser(frame *trapcoro.TrapFrame) { returnToUser(frame) }
func (Hart) LoadUserFP()                           { loadUserFP() }

// Init installs the trap vector. handler runs on any trap taken while not
// inside a coroutine's yield_to_user window (spec.md §4.5 step 4):
// kernel-mode exceptions and interrupts that did not originate from a
// _return_to_user round trip.
func Init(handler func(*trapcoro.TrapFrame)) {
	reentHandler = handler
	installReentVector(unsafe.Pointer(&reentHandler))
}

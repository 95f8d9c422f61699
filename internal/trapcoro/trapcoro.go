// Package trapcoro implements the trap coroutine driver (spec.md §4.5):
// the sole suspension point where a task future crosses into user mode and
// back. Grounded on original_source/mizu/lib/co-trap (TrapFrame layout,
// yield_to_user/_return_to_user/_intr_entry contract) and
// internal/runtime/kernel/interrupt.go's InterruptContext, reworked from a
// fixed x86 register set into the RISC-V GPR layout co-trap defines, and
// from raw asm into a HartTrap seam so the driver itself is testable
// without a real hart.
package trapcoro

import "fmt"

// TrapFrame is the user-mode register save area co-trap's asm shim reads
// and writes across a yield_to_user round trip. X holds x1..x31 (x0 is
// hardwired zero and never stored), indexed so X[i] is register x(i+1);
// in particular the eight argument registers a0..a7 are X[9] through
// X[16].
type TrapFrame struct {
	X       [31]uint64
	Sepc    uint64
	Sstatus uint64
	Stval   uint64
	Scause  uint64
}

// Arg returns argument register a{n} (n in 0..7), the calling convention
// the syscall dispatch table reads its arguments from.
func (f *TrapFrame) Arg(n int) uint64 { return f.X[9+n] }

// SetReturn sets a0, the syscall/fast-path return-value register.
func (f *TrapFrame) SetReturn(v uint64) { f.X[9] = v }

// Cause is the trap coroutine's fast-path classification of one
// yield_to_user return, ahead of (and cheaper than) a full scause-switch
// dispatch.
type Cause int

const (
	// Continue is the typical case: an ordinary interrupt, syscall, or
	// trap that the caller should run its full scause dispatch over.
	Continue Cause = iota
	// Pending means the fast path already recognised a page fault: the
	// caller should await a Virt.Commit before resuming the task.
	Pending
	// Break means the fast path recognised an exit/exit_group ecall and
	// the task should terminate without a full dispatch round trip.
	Break
	// Yield is declared unreachable for a user-mode return (spec.md §9);
	// classify never produces it. A caller that observes it has a
	// programming error upstream.
	Yield
)

func (c Cause) String() string {
	switch c {
	case Continue:
		return "Continue"
	case Pending:
		return "Pending"
	case Break:
		return "Break"
	case Yield:
		return "Yield"
	default:
		return fmt.Sprintf("Cause(%d)", int(c))
	}
}

// RISC-V scause encodings this package's fast path distinguishes. The full
// interrupt-vs-exception space beyond these is the full dispatch's concern,
// not this fast path's.
const (
	interruptBit = uint64(1) << 63

	excInstrPageFault  = 12
	excLoadPageFault   = 13
	excStorePageFault  = 15
	excEnvCallFromUser = 8
)

// Syscall numbers the fast path special-cases to short-circuit straight to
// Break instead of a full dispatch round trip, per spec.md §6's numbering
// table.
const (
	sysExit      = 93
	sysExitGroup = 94
)

// HartTrap is the seam between this package's coroutine bookkeeping and the
// real asm shim (package trapentry, build-tagged to an actual RISC-V
// target): installing frame's GPRs/sepc/sstatus, executing sret, and
// returning only once re-entry through the trap vector has updated frame in
// place. Tests substitute a fake that mutates frame directly.
type HartTrap interface {
	YieldToUser(frame *TrapFrame)
	// LoadUserFP performs the lazy user FP-state reload step 1 of
	// yield_to_user describes, invoked only when the FP state was left
	// dirty by a prior round.
	LoadUserFP()
}

// Driver owns one hart's trap coroutine state: whether the user FP state
// needs a lazy reload before the next resume.
type Driver struct {
	hart    HartTrap
	fpDirty bool
}

// New builds a Driver against hart.
func New(hart HartTrap) *Driver { return &Driver{hart: hart} }

// MarkFPDirty records that user-mode FP registers were touched and must be
// reloaded lazily before the next YieldToUser, mirroring step 1 of
// spec.md §4.5.
func (d *Driver) MarkFPDirty() { d.fpDirty = true }

// YieldToUser is the coroutine driver's single suspension point: it swaps
// into user mode via frame and returns once the user thread traps back in,
// classifying the resulting scause through the fast path.
func (d *Driver) YieldToUser(frame *TrapFrame) (scause uint64, fast Cause) {
	if d.fpDirty {
		d.hart.LoadUserFP()
		d.fpDirty = false
	}
	d.hart.YieldToUser(frame)
	return frame.Scause, classify(frame)
}

func classify(frame *TrapFrame) Cause {
	if frame.Scause&interruptBit != 0 {
		return Continue
	}
	switch frame.Scause {
	case excInstrPageFault, excLoadPageFault, excStorePageFault:
		return Pending
	case excEnvCallFromUser:
		switch frame.Arg(7) {
		case sysExit, sysExitGroup:
			return Break
		}
		return Continue
	default:
		return Continue
	}
}

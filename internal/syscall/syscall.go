// Package syscall implements the syscall dispatch table (spec.md §4 "Task
// future ... syscall → dispatch table" and §6's ABI): a7 selects the
// handler, a0..a5 are arguments, a0 carries the result (negative ≡
// -errno). Grounded on original_source/mizu/kernel/src/syscall.rs's
// AHandlers<Scn, ScParams, ScRet> map-of-handlers design, reworked from
// its static Lazy-built map into an explicit Table a boot wires up once at
// init, and from ControlFlow<i32, Option<SigInfo>> into a plain Go error
// plus an explicit Exit sentinel.
package syscall

import (
	"errors"

	"rvcore/internal/kerr"
	"rvcore/internal/trapcoro"
)

// Numbers follow the POSIX-like table spec.md §6 gives for this kernel's
// ABI (riscv64 Linux syscall numbering).
const (
	SysExitGroup     = 94
	SysExit          = 93
	SysFutex         = 98
	SysBrk           = 214
	SysMmap          = 222
	SysMunmap        = 215
	SysMprotect      = 226
	SysSetRobustList = 99
	SysGetRobustList = 100
)

// Futex op codes, the low bits of the FUTEX_WAIT/.../FUTEX_PRIVATE_FLAG
// argument word (spec.md §6).
const (
	FutexWait        = 0
	FutexWake        = 1
	FutexRequeue     = 3
	FutexCmpRequeue  = 4
	FutexPrivateFlag = 128
)

// mmap flag/prot bits (spec.md §6).
const (
	MapShared    = 0x01
	MapPrivate   = 0x02
	MapFixed     = 0x10
	MapAnonymous = 0x20
	MapPopulate  = 0x8000

	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

// Exit signals that the handler invoked this syscall wants the calling
// task terminated with Code, short-circuiting any further dispatch for
// this trap. It is returned as an error so Table.Dispatch's plain error
// return still carries it.
type Exit struct{ Code int32 }

func (e *Exit) Error() string { return "task requested exit" }

// Handler services one syscall number. frame gives access to the
// remaining argument registers and the return-value register; state is an
// opaque per-task context a handler type-asserts to whatever concrete type
// its subsystem needs (kept generic here so this package does not import
// internal/task, which in turn wants to import this one for dispatch).
type Handler func(state any, frame *trapcoro.TrapFrame) error

// Table is a syscall number → handler map, built once at boot (spec.md
// §9's fixed init order) and read-only thereafter, so Dispatch needs no
// locking.
type Table struct {
	handlers map[uint64]Handler
}

// NewTable builds an empty dispatch table.
func NewTable() *Table { return &Table{handlers: make(map[uint64]Handler)} }

// Register installs handler for syscall number nr. Registering the same
// number twice is a programming error and panics, since the dispatch
// table is meant to be assembled once during boot.
func (t *Table) Register(nr uint64, handler Handler) {
	if _, exists := t.handlers[nr]; exists {
		panic("syscall: duplicate handler registration")
	}
	t.handlers[nr] = handler
}

// Dispatch looks up frame's a7 syscall number and runs its handler,
// writing the POSIX ABI return convention (negative ≡ -errno) into a0
// unless the handler signals *Exit, which the caller (the task future)
// must interpret as an unconditional task termination rather than a
// resumable return.
func (t *Table) Dispatch(state any, frame *trapcoro.TrapFrame) error {
	nr := frame.Arg(7)
	handler, ok := t.handlers[nr]
	if !ok {
		frame.SetReturn(uint64(kerr.NotSupported("syscall", "unknown number").Negated()))
		return nil
	}
	err := handler(state, frame)
	var exit *Exit
	if errors.As(err, &exit) {
		return err
	}
	if err != nil {
		var kernelErr *kerr.KernelError
		if errors.As(err, &kernelErr) {
			frame.SetReturn(uint64(kernelErr.Negated()))
			return nil
		}
		frame.SetReturn(uint64(kerr.IOFailure("syscall", err.Error()).Negated()))
		return nil
	}
	return nil
}

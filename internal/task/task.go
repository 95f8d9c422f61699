// Package task implements Task, the per-thread coroutine the executor
// schedules (spec.md §4, §7). Grounded on
// original_source/mizu/kernel/src/task.rs (Task/TaskState/InitTask::spawn,
// the Weak<Task> main/TASKS registry) and task/future.rs's user_loop
// (process signals -> yield_to_user -> classify -> full scause dispatch),
// reworked from Rust's async Future driven by a waker Context into an
// explicit step taken on each executor.Runnable.Poll call, and from
// TASKS: Mutex<HashMap<Arc<Task>>> into a registry of weak.Pointer[Task]
// handles so looking a task up by tid never keeps it alive past its
// owner's last strong reference.
package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"weak"

	"rvcore/internal/executor"
	"rvcore/internal/futex"
	"rvcore/internal/intr"
	"rvcore/internal/ipi"
	"rvcore/internal/klog"
	"rvcore/internal/pmm"
	"rvcore/internal/signal"
	"rvcore/internal/syscall"
	"rvcore/internal/trapcoro"
	"rvcore/internal/virt"
)

// RISC-V scause interrupt-cause codes this package's full dispatch
// distinguishes, beyond what trapcoro's fast path already classifies
// (spec.md §4.5/§4.8).
const (
	intrSupervisorSoftware = 1 // IPI / remote-fence delivery
	intrSupervisorTimer    = 5
	intrSupervisorExternal = 9 // PLIC claim/complete
)

// Config groups the subsystem handles every task in a boot image shares,
// wired up once during the fixed init order (spec.md §9).
type Config struct {
	Exec       *executor.Executor
	Syscalls   *syscall.Table
	Interrupts *intr.Manager
	IPI        *ipi.Controller
	Hart       trapcoro.HartTrap
	Arena      *pmm.Arena
}

// State is the per-syscall context a syscall.Handler receives through its
// opaque state parameter, mirroring mizu's TaskState (task + sig_mask).
type State struct {
	Task    *Task
	SigMask signal.SigSet
}

// Task is one schedulable user thread. Main upgrades to the thread-group
// leader for every task but the leader itself, whose Main is the
// always-empty zero value (mirrors Weak::new()). Parent/Children track the
// process fork tree independently of Main, since forking and threading are
// different relations in this kernel, as they are in mizu.
type Task struct {
	tid  uint64
	main weak.Pointer[Task]

	virt       *virt.Virt
	sig        *signal.Queue
	sigActions *signal.ActionSet
	futexes    *futex.Manager

	exec       *executor.Executor
	syscalls   *syscall.Table
	interrupts *intr.Manager
	ipi        *ipi.Controller
	trap       *trapcoro.Driver
	arena      *pmm.Arena

	tf      trapcoro.TrapFrame
	sigMask signal.SigSet

	// suspendedOn is the sole signal this task is waiting for while an
	// ActionSuspend (SIGSTOP-by-default, or an explicit suspend action) is
	// in effect; 0 when not suspended. Mirrors sig.wait_one(SIGCONT).await.
	suspendedOn signal.Sig
	futexWait   *futex.Wait

	// brkBase/brkCur track the heap break (spec.md's supplemented brk(2)
	// support): brkBase is fixed by the first brk call, brkCur is the
	// current top, and the range between them is the single Region a
	// growing/shrinking brk keeps mapped.
	brkBase, brkCur uintptr

	entry *executor.Entry

	parent   weak.Pointer[Task]
	childMu  sync.Mutex
	children []*Task

	exitMu   sync.Mutex
	exited   bool
	exitCode int32
	exitDone chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[uint64]weak.Pointer[Task]{}
	nextTID    atomic.Uint64
)

func register(t *Task) {
	registryMu.Lock()
	registry[t.tid] = weak.Make(t)
	registryMu.Unlock()
}

func unregister(tid uint64) {
	registryMu.Lock()
	delete(registry, tid)
	registryMu.Unlock()
}

// Lookup finds the task with the given tid, or nil if it no longer exists.
func Lookup(tid uint64) *Task {
	registryMu.Lock()
	wp, ok := registry[tid]
	registryMu.Unlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

// Process resolves tid to its owning process's thread-group leader,
// mirroring mizu's task::process (task.main.upgrade().unwrap_or(task)).
func Process(tid uint64) *Task {
	t := Lookup(tid)
	if t == nil {
		return nil
	}
	if leader := t.main.Value(); leader != nil {
		return leader
	}
	return t
}

// NewProcess creates a fresh task that is its own thread-group leader,
// owning v and a new futex map, optionally recorded as a child of parent
// (nil for the very first, boot-spawned task). Mirrors InitTask::from_elf
// building a fresh Virt ahead of Task::spawn.
func NewProcess(cfg Config, v *virt.Virt, tf trapcoro.TrapFrame, parent *Task) *Task {
	t := newTask(cfg, v, signal.NewActionSet(), futex.NewManager(), tf)
	if parent != nil {
		t.parent = weak.Make(parent)
		parent.childMu.Lock()
		parent.children = append(parent.children, t)
		parent.childMu.Unlock()
	}
	register(t)
	return t
}

// NewThread creates an additional task sharing leader's address space,
// futex map, and signal action table, with Main pointing back at leader.
// Mirrors InitTask::thread's task.virt.clone().
func NewThread(cfg Config, leader *Task, tf trapcoro.TrapFrame) *Task {
	t := newTask(cfg, leader.virt, leader.sigActions, leader.futexes, tf)
	t.main = weak.Make(leader)
	register(t)
	return t
}

func newTask(cfg Config, v *virt.Virt, actions *signal.ActionSet, futexes *futex.Manager, tf trapcoro.TrapFrame) *Task {
	return &Task{
		tid:        nextTID.Add(1),
		virt:       v,
		sig:        signal.NewQueue(),
		sigActions: actions,
		futexes:    futexes,
		exec:       cfg.Exec,
		syscalls:   cfg.Syscalls,
		interrupts: cfg.Interrupts,
		ipi:        cfg.IPI,
		trap:       trapcoro.New(cfg.Hart),
		arena:      cfg.Arena,
		tf:         tf,
		exitDone:   make(chan struct{}),
	}
}

// Spawn schedules t onto its configured executor and records the
// executor.Entry a waker needs to reach it again after a suspend.
func Spawn(t *Task) *executor.Entry {
	t.entry = t.exec.Spawn(t)
	return t.entry
}

// Tid returns this task's thread id.
func (t *Task) Tid() uint64 { return t.tid }

// Main returns the thread-group leader this task belongs to, or nil if t
// is itself the leader.
func (t *Task) Main() *Task { return t.main.Value() }

// Parent returns the process that spawned t's thread group, or nil for a
// task with no recorded parent (the boot task).
func (t *Task) Parent() *Task { return t.parent.Value() }

// Children returns a snapshot of t's directly-forked children.
func (t *Task) Children() []*Task {
	t.childMu.Lock()
	defer t.childMu.Unlock()
	out := make([]*Task, len(t.children))
	copy(out, t.children)
	return out
}

// Signals returns t's pending-signal queue, for syscall handlers that
// implement kill/tkill/sigaction.
func (t *Task) Signals() *signal.Queue { return t.sig }

// Actions returns t's signal disposition table.
func (t *Task) Actions() *signal.ActionSet { return t.sigActions }

// Futexes returns the futex manager t's address space shares with its
// thread-group siblings.
func (t *Task) Futexes() *futex.Manager { return t.futexes }

// Virt returns t's address space.
func (t *Task) Virt() *virt.Virt { return t.virt }

// Arena returns the frame arena backing t's address space, for syscall
// handlers (mmap, brk) that need to commit fresh anonymous pages.
func (t *Task) Arena() *pmm.Arena { return t.arena }

// IPI returns the controller a syscall handler uses to issue remote_fence
// after an Unmap/Reprotect, so other harts' stale translations are flushed
// before the call returns (spec.md §8).
func (t *Task) IPI() *ipi.Controller { return t.ipi }

// Hart returns the hart t was most recently polled on, for handlers that
// need a local hart id to pass to RemoteFence.
func (t *Task) Hart() int { return t.hart() }

// ExitCode reports t's exit code and whether it has exited yet.
func (t *Task) ExitCode() (code int32, exited bool) {
	select {
	case <-t.exitDone:
		return t.exitCode, true
	default:
		return 0, false
	}
}

// Waitable blocks the calling goroutine until t exits, returning its exit
// code. Used by a wait4-style syscall handler running on its own task's
// coroutine step, not by this task itself.
func (t *Task) Waitable() int32 {
	<-t.exitDone
	return t.exitCode
}

func (t *Task) terminate(code int32) {
	t.exitMu.Lock()
	if t.exited {
		t.exitMu.Unlock()
		return
	}
	t.exited = true
	t.exitCode = code
	close(t.exitDone)
	t.exitMu.Unlock()

	// Ensure Virt is no longer marked active on any hart before this task's
	// final drop, per spec.md §9.
	mask := t.virt.CPUMask()
	for hart := 0; mask != 0; hart++ {
		if mask&1 != 0 {
			t.virt.Unload(hart)
		}
		mask >>= 1
	}
	if t.futexWait != nil {
		t.futexWait.Cancel()
		t.futexWait = nil
	}

	unregister(t.tid)
	if parent := t.parent.Value(); parent != nil {
		parent.childMu.Lock()
		for i, c := range parent.children {
			if c == t {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.childMu.Unlock()
	}
}

// waitMaskExcept returns a SigSet that masks every signal but sig, for
// "wait for exactly this one" semantics (sig.wait_one in the original).
func waitMaskExcept(sig signal.Sig) signal.SigSet {
	return ^signal.SigSet(0) &^ signal.SigSet(sig.Mask())
}

func (t *Task) waker() func() {
	return func() {
		if t.entry != nil {
			t.exec.Wake(t.entry)
		}
	}
}

// Poll runs one step of the task's coroutine: if a futex wait is
// outstanding, advance it first; otherwise drain pending signals (honoring
// any in-progress suspend), yield to user once, and dispatch whatever
// scause comes back. It implements executor.Runnable.
func (t *Task) Poll() bool {
	if t.futexWait != nil {
		if !t.futexWait.Poll(t.waker()) {
			return false
		}
		t.futexWait = nil
		t.tf.SetReturn(0)
	}

	for {
		if t.suspendedOn != 0 {
			if _, ok := t.sig.Pop(waitMaskExcept(t.suspendedOn)); !ok {
				return false
			}
			t.suspendedOn = 0
		}

		info, ok := t.sig.Pop(t.sigMask)
		if !ok {
			break
		}
		switch t.sigActions.Get(info.Sig).Type {
		case signal.ActionIgnore, signal.ActionResume:
		case signal.ActionKill:
			t.terminate(128 + int32(info.Sig))
			return true
		case signal.ActionSuspend:
			t.suspendedOn = signal.SIGCONT
			return false
		case signal.ActionUser:
			// User signal handlers require building a user-mode trampoline
			// frame, not yet implemented; treat as ignored rather than drop
			// the signal silently.
			klog.Warnf("task %d: no user handler support yet, ignoring signal %d", t.tid, info.Sig)
		}
	}

	scause, fast := t.trap.YieldToUser(&t.tf)
	switch fast {
	case trapcoro.Pending:
		if _, err := t.virt.Commit(uintptr(t.tf.Stval)); err != nil {
			t.sig.Push(signal.SigInfo{Sig: signal.SIGSEGV})
		}
		return false
	case trapcoro.Break:
		t.terminate(int32(t.tf.Arg(0)))
		return true
	case trapcoro.Yield:
		panic("task: trapcoro.Yield is unreachable for a user-mode return")
	}

	if err := t.handleScause(scause); err != nil {
		var exit *syscall.Exit
		if errors.As(err, &exit) {
			t.terminate(exit.Code)
			return true
		}
		klog.Warnf("task %d: unhandled trap (scause=%#x): %v", t.tid, scause, err)
		t.sig.Push(signal.SigInfo{Sig: signal.SIGILL})
	}
	return false
}

func (t *Task) hart() int {
	if t.entry == nil {
		return 0
	}
	if h := t.entry.LastCPU(); h >= 0 {
		return h
	}
	return 0
}

// handleScause runs the full dispatch a fast-path Continue defers to:
// timer tick, external/software interrupt demux, or syscall table lookup.
// Mirrors future.rs's handle_scause.
func (t *Task) handleScause(scause uint64) error {
	const interruptBit = uint64(1) << 63
	if scause&interruptBit != 0 {
		switch scause &^ interruptBit {
		case intrSupervisorTimer:
			timerTicks.Add(1)
		case intrSupervisorExternal:
			return t.interrupts.Notify(t.hart())
		case intrSupervisorSoftware:
			if t.ipi != nil {
				t.ipi.HandleInterrupt()
			}
		}
		return nil
	}

	const excEnvCallFromUser = 8
	if scause == excEnvCallFromUser {
		return t.syscalls.Dispatch(&State{Task: t, SigMask: t.sigMask}, &t.tf)
	}
	return errors.New("unrecognized exception")
}

// timerTicks is a process-wide monotonic tick counter; this kernel has no
// dedicated timer subsystem of its own, so the full scause dispatch's
// timer case just counts rounds the way ktime::timer_tick() would drive a
// richer one.
var timerTicks atomic.Uint64

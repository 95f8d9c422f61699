// Syscall handlers bound to a live Task, registered once into the shared
// syscall.Table during boot (spec.md §9). Kept in this package rather than
// package syscall itself since every handler needs the concrete *Task a
// State carries, and syscall intentionally stays ignorant of task to avoid
// an import cycle. Grounded on original_source/mizu/kernel/src/syscall/
// mem.rs (brk/mmap/munmap/mprotect) and futex.rs (sys_futex's op switch).
package task

import (
	"rvcore/internal/futex"
	"rvcore/internal/kerr"
	"rvcore/internal/phys"
	"rvcore/internal/sv39"
	"rvcore/internal/syscall"
	"rvcore/internal/trapcoro"
)

func pagesFor(nbytes uint64) uint64 {
	return (nbytes + virtPageSize - 1) / virtPageSize
}

const virtPageSize = sv39.PageSize

func pageFloor(addr uintptr) uintptr { return addr &^ (virtPageSize - 1) }
func pageCeil(addr uintptr) uintptr  { return pageFloor(addr+virtPageSize-1) }

// readUserWord loads the 4-byte little-endian word at va in t's address
// space, committing the covering page first if it has not been touched
// yet. This is the one "copy from user" primitive the core needs, built
// directly on Virt.Commit and the arena's raw page view rather than a
// dedicated user-copy subsystem, since nothing else in this kernel crosses
// the user/kernel boundary by address.
func (t *Task) readUserWord(va uintptr) (uint32, error) {
	frame, err := t.virt.Commit(va)
	if err != nil {
		return 0, err
	}
	base := t.arena.PageBytes(frame)
	off := va % virtPageSize
	return uint32(base[off]) | uint32(base[off+1])<<8 | uint32(base[off+2])<<16 | uint32(base[off+3])<<24, nil
}

// futexKey resolves uaddr into the Key the futex manager indexes on:
// physical-frame identity for a shared mapping (so unrelated tasks mapping
// the same page see each other's wakes), or (pid, vaddr) for a private one
// (spec.md §12's FUTEX_PRIVATE_FLAG).
func (t *Task) futexKey(uaddr uintptr, private bool) (futex.Key, error) {
	if private {
		pid := t.tid
		if leader := t.main.Value(); leader != nil {
			pid = leader.tid
		}
		return futex.Key{Shared: false, PID: pid, Vaddr: uaddr}, nil
	}
	frame, err := t.virt.Commit(uaddr)
	if err != nil {
		return futex.Key{}, err
	}
	return futex.Key{Shared: true, Frame: frame + uaddr%virtPageSize}, nil
}

func futexFastPathHandler(state any, frame *trapcoro.TrapFrame) error {
	t := state.(*State).Task
	uaddr := uintptr(frame.Arg(0))
	op := frame.Arg(1)
	private := op&syscall.FutexPrivateFlag != 0
	base := op &^ syscall.FutexPrivateFlag

	key, err := t.futexKey(uaddr, private)
	if err != nil {
		return err
	}

	switch base {
	case syscall.FutexWait:
		want := uint32(frame.Arg(2))
		got, err := t.readUserWord(uaddr)
		if err != nil {
			return err
		}
		if got != want {
			return kerr.New("futex", kerr.EAGAIN, "futex word changed before wait")
		}
		w := t.futexes.Wait(key)
		if w.Poll(t.waker()) {
			frame.SetReturn(0)
			return nil
		}
		t.futexWait = w
		return nil

	case syscall.FutexWake:
		n := int(frame.Arg(2))
		frame.SetReturn(uint64(t.futexes.Notify(key, n)))
		return nil

	case syscall.FutexRequeue, syscall.FutexCmpRequeue:
		if base == syscall.FutexCmpRequeue {
			// val3 (the expected-value check) rides in a5, not a2 (a2/a3
			// carry nwake/nrequeue for both Requeue variants).
			want := uint32(frame.Arg(5))
			got, err := t.readUserWord(uaddr)
			if err != nil {
				return err
			}
			if got != want {
				return kerr.New("futex", kerr.EAGAIN, "futex word changed before requeue")
			}
		}
		notifyN := int(frame.Arg(2))
		requeueN := int(frame.Arg(3))
		toAddr := uintptr(frame.Arg(4))
		toKey, err := t.futexKey(toAddr, private)
		if err != nil {
			return err
		}
		frame.SetReturn(uint64(t.futexes.Requeue(key, toKey, notifyN, requeueN)))
		return nil

	default:
		return kerr.NotSupported("futex", "unrecognized futex op")
	}
}

func brkHandler(state any, frame *trapcoro.TrapFrame) error {
	t := state.(*State).Task
	requested := uintptr(frame.Arg(0))
	addr, err := t.doBrk(requested)
	if err != nil {
		return err
	}
	frame.SetReturn(uint64(addr))
	return nil
}

// doBrk implements Linux brk(2) semantics: addr == 0 queries the current
// break; otherwise it grows or shrinks the single anonymous region between
// brkBase and brkCur. The first call with a non-zero addr fixes brkBase.
func (t *Task) doBrk(addr uintptr) (uintptr, error) {
	if t.brkBase == 0 {
		if addr == 0 {
			return 0, kerr.BadArgument("brk", "no heap base established yet")
		}
		t.brkBase, t.brkCur = addr, addr
		return t.brkCur, nil
	}
	if addr == 0 || addr == t.brkCur {
		return t.brkCur, nil
	}
	if addr < t.brkBase {
		return 0, kerr.BadArgument("brk", "requested break below heap base")
	}

	attr := sv39.AttrRead | sv39.AttrWrite | sv39.AttrUser
	if addr > t.brkCur {
		growFrom, growTo := pageCeil(t.brkCur), pageCeil(addr)
		if growTo > growFrom {
			n := pagesFor(uint64(growTo - growFrom))
			ph := phys.NewAnonymous(t.arena, n)
			fixed := growFrom
			if _, err := t.virt.Map(&fixed, ph, 0, n, attr); err != nil {
				return 0, err
			}
		}
	} else {
		shrinkFrom, shrinkTo := pageCeil(addr), pageCeil(t.brkCur)
		if shrinkTo > shrinkFrom {
			if err := t.virt.Unmap(shrinkFrom, pagesFor(uint64(shrinkTo-shrinkFrom))); err != nil {
				return 0, err
			}
			t.fenceSelf()
		}
	}
	t.brkCur = addr
	return t.brkCur, nil
}

func mmapHandler(state any, frame *trapcoro.TrapFrame) error {
	t := state.(*State).Task
	addr := uintptr(frame.Arg(0))
	length := frame.Arg(1)
	prot := frame.Arg(2)
	flags := frame.Arg(3)

	if flags&syscall.MapAnonymous == 0 {
		return kerr.NotSupported("mmap", "file-backed mappings require a filesystem, out of core scope")
	}
	n := pagesFor(length)
	if n == 0 {
		return kerr.BadArgument("mmap", "zero-length mapping")
	}

	attr := sv39.AttrUser
	if prot&syscall.ProtRead != 0 {
		attr |= sv39.AttrRead
	}
	if prot&syscall.ProtWrite != 0 {
		attr |= sv39.AttrWrite
	}
	if prot&syscall.ProtExec != 0 {
		attr |= sv39.AttrExec
	}

	var fixed *uintptr
	if flags&syscall.MapFixed != 0 {
		a := pageFloor(addr)
		fixed = &a
	}

	ph := phys.NewAnonymous(t.arena, n)
	base, err := t.virt.Map(fixed, ph, 0, n, attr)
	if err != nil {
		return err
	}
	frame.SetReturn(uint64(base))
	return nil
}

func munmapHandler(state any, frame *trapcoro.TrapFrame) error {
	t := state.(*State).Task
	addr := pageFloor(uintptr(frame.Arg(0)))
	n := pagesFor(frame.Arg(1))
	if err := t.virt.Unmap(addr, n); err != nil {
		return err
	}
	t.fenceSelf()
	frame.SetReturn(0)
	return nil
}

func mprotectHandler(state any, frame *trapcoro.TrapFrame) error {
	t := state.(*State).Task
	addr := pageFloor(uintptr(frame.Arg(0)))
	n := pagesFor(frame.Arg(1))
	prot := frame.Arg(2)

	attr := sv39.AttrUser
	if prot&syscall.ProtRead != 0 {
		attr |= sv39.AttrRead
	}
	if prot&syscall.ProtWrite != 0 {
		attr |= sv39.AttrWrite
	}
	if prot&syscall.ProtExec != 0 {
		attr |= sv39.AttrExec
	}
	if err := t.virt.Reprotect(addr, n, attr); err != nil {
		return err
	}
	t.fenceSelf()
	frame.SetReturn(0)
	return nil
}

// fenceSelf issues remote_fence over every hart currently running this
// task's address space, per spec.md §8's "no stale translation survives an
// Unmap/Reprotect" invariant. A task with no ipi.Controller configured
// (e.g. a unit test driving Poll directly) simply skips it.
func (t *Task) fenceSelf() {
	if t.ipi == nil {
		return
	}
	if mask := t.virt.CPUMask(); mask != 0 {
		t.ipi.RemoteFence(mask, t.hart())
	}
}

func setRobustListHandler(state any, frame *trapcoro.TrapFrame) error {
	t := state.(*State).Task
	head := uintptr(frame.Arg(0))
	t.futexes.SetRobustList(&futex.RobustListHead{List: head})
	frame.SetReturn(0)
	return nil
}

func getRobustListHandler(state any, frame *trapcoro.TrapFrame) error {
	t := state.(*State).Task
	target := Process(uint64(frame.Arg(0)))
	if target == nil {
		target = t
	}
	head := target.futexes.RobustList()
	if head == nil {
		frame.SetReturn(0)
		return nil
	}
	frame.SetReturn(uint64(head.List))
	return nil
}

// RegisterSyscalls installs every syscall.Handler this package implements
// into tbl. Called once during boot, ahead of any task being spawned
// (spec.md §9's fixed init order).
func RegisterSyscalls(tbl *syscall.Table) {
	tbl.Register(syscall.SysFutex, futexFastPathHandler)
	tbl.Register(syscall.SysBrk, brkHandler)
	tbl.Register(syscall.SysMmap, mmapHandler)
	tbl.Register(syscall.SysMunmap, munmapHandler)
	tbl.Register(syscall.SysMprotect, mprotectHandler)
	tbl.Register(syscall.SysSetRobustList, setRobustListHandler)
	tbl.Register(syscall.SysGetRobustList, getRobustListHandler)
}

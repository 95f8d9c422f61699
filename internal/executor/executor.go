// Package executor implements the work-stealing multi-hart task executor
// (spec.md §4.6): MAX_HARTS per-hart schedulers, each a bounded local
// Chase-Lev-style deque, feeding into a process-wide overflow queue.
// Grounded on two teacher pieces: the local deque's packed-head CAS-retry
// style follows internal/runtime/concurrency/lfqueue.go's MPMCQueue (Dmitry
// Vyukov ring buffer, sequence-number reservation), generalized from a
// single packed cursor into the steal/real pair spec.md §4.6 names; the
// overflow queue follows internal/runtime/kernel/scheduler.go's RunQueue
// (mutex-protected slice), since an "unbounded" queue has no natural
// lock-free fixed-capacity ring analogue.
package executor

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Runnable is one task's pollable future, driven by the executor's run
// loop. Poll runs one step and reports whether the task has finished; a
// task that returns false has not finished (e.g. it is inside
// trapcoro.Driver.YieldToUser, a futex.Wait, or a page-in), and Run puts
// it straight back on a queue to be polled again. Wake on its Entry
// queues an additional poll.
type Runnable interface {
	Poll() (done bool)
}

// SchedInfo is the small per-task scheduling record spec.md §4.6 names:
// just enough state (the hart a task last ran on) to implement last_cpu
// stickiness when picking a spawn/wake target.
type SchedInfo struct {
	lastCPU atomic.Int32
}

// Entry pairs a Runnable with its scheduling record. Spawn and Wake both
// return/accept *Entry so a task's waker closure can re-schedule it by
// holding onto the same Entry across suspensions.
type Entry struct {
	task  Runnable
	sched *SchedInfo
}

// LastCPU returns the hart e was most recently polled on, or -1 if it has
// never been polled. A task's own Poll uses this to learn which hart's
// interrupt/IPI state it should consult for the round currently in
// progress.
func (e *Entry) LastCPU() int { return int(e.sched.lastCPU.Load()) }

func newEntry(task Runnable) *Entry {
	e := &Entry{task: task, sched: &SchedInfo{}}
	e.sched.lastCPU.Store(-1)
	return e
}

const (
	minDequeCapacity = 2
	maxDequeCapacity = 256
)

func clampCapacity(n int) uint32 {
	if n < minDequeCapacity {
		n = minDequeCapacity
	}
	if n > maxDequeCapacity {
		n = maxDequeCapacity
	}
	pow := uint32(1)
	for int(pow) < n {
		pow <<= 1
	}
	return pow
}

func packTop(steal, real uint32) uint64 { return uint64(steal)<<32 | uint64(real) }
func unpackTop(v uint64) (steal, real uint32) {
	return uint32(v >> 32), uint32(v)
}

// localDeque is one hart's bounded work-stealing deque. The owning hart
// exclusively pushes and pops from the bottom; any other hart may steal
// from the top. top is packed as (steal, real): steal is a reservation
// cursor a stealer advances first to claim a range of slots, real is the
// committed boundary only the reservation's completion advances, so
// steal != real means "a steal is currently copying out of this deque."
type localDeque struct {
	mask uint64
	buf  []atomic.Pointer[Entry]

	bottom atomic.Uint64
	top    atomic.Uint64 // packed (steal, real)
}

func newLocalDeque(capacity int) *localDeque {
	cap32 := clampCapacity(capacity)
	return &localDeque{mask: uint64(cap32 - 1), buf: make([]atomic.Pointer[Entry], cap32)}
}

// Len returns an approximate occupancy, used only as a load-balancing
// heuristic by Spawn/Wake; it is not synchronized against concurrent
// pushes, pops, or steals.
func (d *localDeque) Len() int {
	_, real := unpackTop(d.top.Load())
	b := d.bottom.Load()
	if b < uint64(real) {
		return 0
	}
	return int(b - uint64(real))
}

// PushBottom is owner-only. It returns false when the deque is at
// capacity, in which case the caller diverts the task to the global
// overflow queue (spec.md §4.6).
func (d *localDeque) PushBottom(e *Entry) bool {
	b := d.bottom.Load()
	_, real := unpackTop(d.top.Load())
	if b-uint64(real) >= uint64(len(d.buf)) {
		return false
	}
	d.buf[b&d.mask].Store(e)
	d.bottom.Store(b + 1)
	return true
}

// PopBottom is owner-only: it takes the most recently pushed task, racing
// against at most one concurrent Steal for the last remaining slot.
func (d *localDeque) PopBottom() (*Entry, bool) {
	b := d.bottom.Load()
	if b == 0 {
		return nil, false
	}
	newB := b - 1
	d.bottom.Store(newB)

	old := d.top.Load()
	steal, real := unpackTop(old)
	if newB < uint64(real) {
		d.bottom.Store(b)
		return nil, false
	}
	task := d.buf[newB&d.mask].Load()
	if newB > uint64(real) {
		return task, true
	}
	// Exactly one slot left: race a concurrent stealer for it.
	d.bottom.Store(uint64(real) + 1)
	if steal != real {
		return nil, false // a steal already has this slot reserved
	}
	if d.top.CompareAndSwap(packTop(real, real), packTop(real+1, real+1)) {
		return task, true
	}
	return nil, false
}

// Steal moves up to half of this deque's queued tasks into dst, returning
// the number actually moved. It is safe for any number of hart goroutines
// to call Steal on the same source deque concurrently; at most one
// reservation is active at a time (further callers see steal != real and
// back off).
func (d *localDeque) Steal(dst *localDeque) int {
	old := d.top.Load()
	steal, real := unpackTop(old)
	if steal != real {
		return 0 // another steal is in flight
	}
	b := d.bottom.Load()
	avail := int64(b) - int64(real)
	if avail <= 0 {
		return 0
	}
	n := uint32(avail / 2)
	if n == 0 {
		n = 1
	}
	if !d.top.CompareAndSwap(old, packTop(real+n, real)) {
		return 0 // lost the reservation race, caller may retry next round
	}

	moved := uint32(0)
	for i := uint32(0); i < n; i++ {
		task := d.buf[(uint64(real)+uint64(i))&d.mask].Load()
		if task == nil || !dst.PushBottom(task) {
			break
		}
		moved++
	}
	d.top.Store(packTop(real+moved, real+moved))
	return int(moved)
}

// globalOverflow is the process-wide unbounded queue every local deque
// spills into once full, and the fallback source of work once a hart's
// own deque and steal attempts both come up empty.
type globalOverflow struct {
	mu    sync.Mutex
	items []*Entry
}

func (g *globalOverflow) Enqueue(e *Entry) {
	g.mu.Lock()
	g.items = append(g.items, e)
	g.mu.Unlock()
}

func (g *globalOverflow) Dequeue() (*Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) == 0 {
		return nil, false
	}
	e := g.items[0]
	g.items = g.items[1:]
	return e, true
}

type hartState struct {
	id    int
	local *localDeque
}

// Executor owns MAX_HARTS per-hart schedulers plus the shared overflow
// queue (spec.md §4.6).
type Executor struct {
	harts  []*hartState
	global globalOverflow
}

// New builds an Executor for nHarts harts, each with a local deque of the
// given capacity (clamped to a power of two in [2, 256]).
func New(nHarts, localCapacity int) *Executor {
	e := &Executor{harts: make([]*hartState, nHarts)}
	for i := range e.harts {
		e.harts[i] = &hartState{id: i, local: newLocalDeque(localCapacity)}
	}
	return e
}

// Spawn schedules a new task and returns its Entry, which a waker closure
// should hold onto to call Wake once the task becomes runnable again.
func (e *Executor) Spawn(task Runnable) *Entry {
	en := newEntry(task)
	e.schedule(en)
	return en
}

// Wake reschedules a previously-suspended task. Calling Wake on a task that
// is already scheduled (but not yet polled) is harmless; it simply queues
// a redundant poll.
func (e *Executor) Wake(en *Entry) { e.schedule(en) }

// schedule picks a target hart by (i) fewest pending tasks, ties broken by
// (ii) stickiness to the task's last_cpu, and pushes to its local deque,
// diverting to the global overflow queue if that deque is full.
func (e *Executor) schedule(en *Entry) {
	target := e.pickHart(en)
	if !target.local.PushBottom(en) {
		e.global.Enqueue(en)
	}
}

func (e *Executor) pickHart(en *Entry) *hartState {
	best := e.harts[0]
	bestLen := best.local.Len()
	for _, h := range e.harts[1:] {
		if l := h.local.Len(); l < bestLen {
			best, bestLen = h, l
		}
	}
	sticky := en.sched.lastCPU.Load()
	if sticky >= 0 {
		for _, h := range e.harts {
			if h.id == int(sticky) && h.local.Len() == bestLen {
				return h
			}
		}
	}
	return best
}

// Run is one hart's run loop (spec.md §4.6): pop from local, else global
// overflow, else attempt to steal from a sibling hart before spinning. It
// returns when stop is closed.
func (e *Executor) Run(hartID int, stop <-chan struct{}) {
	h := e.harts[hartID]
	for {
		select {
		case <-stop:
			return
		default:
		}

		en, ok := h.local.PopBottom()
		if !ok {
			en, ok = e.global.Dequeue()
		}
		if !ok {
			for i := 1; i < len(e.harts); i++ {
				src := e.harts[(hartID+i)%len(e.harts)]
				if src.local.Steal(h.local) > 0 {
					en, ok = h.local.PopBottom()
					break
				}
			}
		}
		if !ok {
			runtime.Gosched()
			continue
		}

		en.sched.lastCPU.Store(int32(hartID))
		if !en.task.Poll() {
			e.schedule(en)
		}
	}
}

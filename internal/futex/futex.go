// Package futex implements the keyed wait/notify/requeue subsystem backing
// the FUTEX_WAIT/FUTEX_WAKE/FUTEX_CMP_REQUEUE syscalls (spec.md §4.9).
// Grounded on original_source/mizu/kernel/src/mem/futex.rs: a Waiting /
// Notified / Requeued per-waiter state machine over a prewoken credit
// counter, reworked from a poll(Context)-based Rust Future into an explicit
// Poll(waker) method so the executor package can drive it the same way it
// drives the trap coroutine.
package futex

import (
	"context"
	"sync"
	"sync/atomic"
)

// Key identifies a futex word. Shared mappings key on physical frame
// identity so unrelated tasks mapping the same page see each other's
// wakes; private mappings key on (pid, vaddr), selected by the
// FUTEX_PRIVATE_FLAG syscall ABI bit (spec.md §12).
type Key struct {
	Shared bool
	Frame  uintptr // meaningful when Shared
	PID    uint64  // meaningful when !Shared
	Vaddr  uintptr // meaningful when !Shared
}

type waitState int

const (
	stateWaiting waitState = iota
	stateNotified
	stateRequeued
)

type entry struct {
	state waitState
	waker func()

	// Valid only when state == stateRequeued: where this waiter moved to.
	dst   *queue
	dstID uint64
}

// queue holds every outstanding waiter for one Key, plus the prewoken
// credit counter absorbing wakes that arrived before any waiter existed.
type queue struct {
	manager *Manager
	seq     uint64 // assigns a total lock order for Requeue's two-queue critical section
	key     Key

	mu       sync.Mutex
	prewoken int64
	waiters  map[uint64]*entry
}

// Manager owns every live queue, keyed by Key, and the global monotonic
// WaiterId allocator shared across all of them (so a Requeue can move a
// waiter to a new queue under its existing id without a collision).
type Manager struct {
	mu      sync.Mutex
	queues  map[Key]*queue
	nextID  atomic.Uint64
	nextSeq atomic.Uint64

	robustList atomic.Pointer[RobustListHead]
}

// RobustListHead mirrors the user-space robust futex list head registered
// via set_robust_list(2): a linked list of locks a task held that must be
// marked dead (and one waiter woken) if the task exits while holding them.
// Walking the list itself is task/signal-layer responsibility; this
// package only stores the pointer set_robust_list installs.
type RobustListHead struct {
	List          uintptr
	FutexOffset   uintptr
	ListOpPending uintptr
}

// NewManager builds an empty futex manager, one per task group sharing an
// address space (spec.md §7's Task.futex_map).
func NewManager() *Manager {
	return &Manager{queues: make(map[Key]*queue)}
}

func (m *Manager) queueFor(key Key) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = &queue{manager: m, seq: m.nextSeq.Add(1), key: key, waiters: make(map[uint64]*entry)}
		m.queues[key] = q
	}
	return q
}

// RobustList returns the currently registered robust list head, or nil if
// none has been set.
func (m *Manager) RobustList() *RobustListHead { return m.robustList.Load() }

// SetRobustList installs the robust list head for get_robust_list/
// set_robust_list(2).
func (m *Manager) SetRobustList(head *RobustListHead) { m.robustList.Store(head) }

// Notify wakes up to n waiters on key, returning the number actually woken.
// Any of n that found no waiter is banked into the queue's prewoken
// counter, letting a waiter that arrives immediately afterward short
// circuit without ever suspending (spec.md §8's reversed-order scenario).
func (m *Manager) Notify(key Key, n int) int {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wakeLocked(n)
}

func (q *queue) wakeLocked(n int) int {
	count := 0
	for _, e := range q.waiters {
		if count == n {
			break
		}
		if e.state == stateWaiting {
			e.state = stateNotified
			if e.waker != nil {
				e.waker()
			}
			count++
		}
	}
	// Any of n that found no waiter to wake directly is banked as credit,
	// so a waiter arriving immediately afterward finds a real wake already
	// owed to it instead of suspending (spec.md §8's reversed-order
	// scenario).
	if surplus := n - count; surplus > 0 {
		q.prewoken += int64(surplus)
	}
	return count
}

// Requeue moves waiters from one key to another, typically used to avoid a
// thundering herd: up to notifyN waiters on from are woken directly, and up
// to requeueN additional waiters are relocated onto to's queue without
// being woken, to be notified by a later wake there instead. Returns the
// total waiters affected (FUTEX_CMP_REQUEUE's return value). The
// "CMP" (verifying the futex word still holds an expected value before
// requeuing) is a syscall-dispatch concern, performed with the caller's
// address space before this is invoked.
func (m *Manager) Requeue(from, to Key, notifyN, requeueN int) int {
	if from == to {
		return 0
	}
	src := m.queueFor(from)
	dst := m.queueFor(to)

	first, second := src, dst
	if dst.seq < src.seq {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	notified := src.wakeLocked(notifyN)

	requeued := 0
	for id, e := range src.waiters {
		if requeued >= requeueN {
			break
		}
		if e.state != stateWaiting {
			continue
		}
		dst.waiters[id] = &entry{state: stateWaiting, waker: e.waker}
		e.state = stateRequeued
		e.dst = dst
		e.dstID = id
		requeued++
	}
	return notified + requeued
}

// Wait returns a pollable handle for waiting on key. The caller drives it
// with Poll from the executor's coroutine loop, or uses WaitBlocking for a
// plain goroutine-synchronous wait.
func (m *Manager) Wait(key Key) *Wait {
	return &Wait{q: m.queueFor(key)}
}

// Wait is a single outstanding wait operation: a poll-based future mirroring
// the trap coroutine's own Future model (spec.md §5), so futex waits
// suspend a task's coroutine rather than blocking an OS thread.
type Wait struct {
	q        *queue
	id       uint64
	assigned bool
}

// Poll advances the wait by one step. It returns true once the wait is
// satisfied (a pending or fresh wake was consumed); waker is retained and
// invoked exactly once, from whichever goroutine eventually wakes this
// waiter, if Poll returns false.
func (w *Wait) Poll(waker func()) bool {
	for {
		q := w.q
		q.mu.Lock()
		if !w.assigned {
			w.id = q.manager.nextID.Add(1)
			w.assigned = true
		}
		e, exists := q.waiters[w.id]
		if !exists {
			if q.prewoken > 0 {
				q.prewoken--
				q.mu.Unlock()
				return true
			}
			q.waiters[w.id] = &entry{state: stateWaiting, waker: waker}
			q.mu.Unlock()
			return false
		}
		switch e.state {
		case stateWaiting:
			e.waker = waker
			q.mu.Unlock()
			return false
		case stateNotified:
			delete(q.waiters, w.id)
			q.mu.Unlock()
			return true
		case stateRequeued:
			newQ, newID := e.dst, e.dstID
			delete(q.waiters, w.id)
			q.mu.Unlock()
			w.q, w.id = newQ, newID
			continue
		default:
			q.mu.Unlock()
			return false
		}
	}
}

// Cancel unwinds and removes this waiter's bookkeeping, chasing any chain
// of Requeued redirects to find where it actually lives. It is safe to call
// Cancel after Poll has already returned true (a no-op in that case) and
// must be called if a task abandons a pending wait (e.g. on signal
// delivery) so the queue does not leak an entry forever.
func (w *Wait) Cancel() {
	if !w.assigned {
		return
	}
	q, id := w.q, w.id
	for {
		q.mu.Lock()
		e, exists := q.waiters[id]
		if !exists {
			q.mu.Unlock()
			return
		}
		if e.state == stateRequeued {
			newQ, newID := e.dst, e.dstID
			delete(q.waiters, id)
			q.mu.Unlock()
			q, id = newQ, newID
			continue
		}
		delete(q.waiters, id)
		q.mu.Unlock()
		return
	}
}

// WaitBlocking is a convenience wrapper for callers outside the coroutine
// executor (tests, and any synchronous boot-time code) that blocks the
// calling goroutine until key is notified, ctx is done, or a pending wake
// was already banked.
func WaitBlocking(ctx context.Context, m *Manager, key Key) error {
	w := m.Wait(key)
	done := make(chan struct{})
	var once sync.Once
	wake := func() { once.Do(func() { close(done) }) }

	if w.Poll(wake) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.Cancel()
		return ctx.Err()
	}
}

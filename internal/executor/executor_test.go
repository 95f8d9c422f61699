package executor

import (
	"sync"
	"sync/atomic"
	"testing"
)

type countingTask struct {
	polls  atomic.Int64
	doneAt int64
}

func (t *countingTask) Poll() bool {
	n := t.polls.Add(1)
	return n >= t.doneAt
}

func TestPushPopRoundTripsOnASingleDeque(t *testing.T) {
	d := newLocalDeque(4)
	e1 := newEntry(&countingTask{doneAt: 1})
	e2 := newEntry(&countingTask{doneAt: 1})
	if !d.PushBottom(e1) || !d.PushBottom(e2) {
		t.Fatal("expected both pushes to succeed within capacity")
	}
	if d.Len() != 2 {
		t.Fatalf("expected Len()==2, got %d", d.Len())
	}
	got, ok := d.PopBottom()
	if !ok || got != e2 {
		t.Fatal("expected LIFO pop to return the most recently pushed entry")
	}
	got, ok = d.PopBottom()
	if !ok || got != e1 {
		t.Fatal("expected the remaining entry next")
	}
	if _, ok := d.PopBottom(); ok {
		t.Fatal("expected an empty deque to report no entry")
	}
}

func TestPushBeyondCapacityFails(t *testing.T) {
	d := newLocalDeque(2) // clamps to power-of-two capacity 2
	if !d.PushBottom(newEntry(&countingTask{doneAt: 1})) {
		t.Fatal("expected first push to succeed")
	}
	if !d.PushBottom(newEntry(&countingTask{doneAt: 1})) {
		t.Fatal("expected second push to succeed")
	}
	if d.PushBottom(newEntry(&countingTask{doneAt: 1})) {
		t.Fatal("expected a third push past capacity to fail")
	}
}

func TestStealMovesAboutHalfOfQueuedEntries(t *testing.T) {
	src := newLocalDeque(8)
	dst := newLocalDeque(8)
	for i := 0; i < 6; i++ {
		src.PushBottom(newEntry(&countingTask{doneAt: 1}))
	}
	moved := src.Steal(dst)
	if moved != 3 {
		t.Fatalf("expected half (3) of 6 queued entries moved, got %d", moved)
	}
	if dst.Len() != 3 || src.Len() != 3 {
		t.Fatalf("expected 3/3 split, got dst=%d src=%d", dst.Len(), src.Len())
	}
}

func TestStealFromEmptyDequeMovesNothing(t *testing.T) {
	src := newLocalDeque(4)
	dst := newLocalDeque(4)
	if moved := src.Steal(dst); moved != 0 {
		t.Fatalf("expected 0 moved from an empty deque, got %d", moved)
	}
}

func TestSpawnPrefersTheHartWithFewestPendingTasks(t *testing.T) {
	e := New(3, 8)
	e.harts[0].local.PushBottom(newEntry(&countingTask{doneAt: 1}))
	e.harts[0].local.PushBottom(newEntry(&countingTask{doneAt: 1}))
	e.harts[1].local.PushBottom(newEntry(&countingTask{doneAt: 1}))

	en := e.Spawn(&countingTask{doneAt: 1})
	if e.harts[2].local.Len() != 1 {
		t.Fatalf("expected the new task on hart 2 (fewest pending), got hart lens %d/%d/%d",
			e.harts[0].local.Len(), e.harts[1].local.Len(), e.harts[2].local.Len())
	}
	_ = en
}

func TestWakeIsStickyToLastCPU(t *testing.T) {
	e := New(3, 8)
	e.harts[0].local.PushBottom(newEntry(&countingTask{doneAt: 1}))
	// hart 1 and hart 2 are both at zero pending; without stickiness the
	// scan would land on hart 1 first. Mark this task sticky to hart 2 and
	// confirm that wins the tie instead.
	en := newEntry(&countingTask{doneAt: 2})
	en.sched.lastCPU.Store(2)
	e.Wake(en)
	if e.harts[2].local.Len() != 1 {
		t.Fatalf("expected Wake to prefer the sticky last_cpu hart on a tie, got hart lens %d/%d/%d",
			e.harts[0].local.Len(), e.harts[1].local.Len(), e.harts[2].local.Len())
	}
}

func TestRunLoopDrivesATaskToCompletion(t *testing.T) {
	e := New(1, 8)
	task := &countingTask{doneAt: 5}
	e.Spawn(task)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Run(0, stop)
	}()

	for task.polls.Load() < 5 {
		// busy-wait for the run loop to finish polling; test-only spin.
	}
	close(stop)
	wg.Wait()
	if task.polls.Load() < 5 {
		t.Fatalf("expected at least 5 polls, got %d", task.polls.Load())
	}
}

func TestRunLoopStealsFromABusyHart(t *testing.T) {
	e := New(2, 8)
	for i := 0; i < 4; i++ {
		e.harts[0].local.PushBottom(newEntry(&countingTask{doneAt: 1}))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.Run(0, stop) }()
	go func() { defer wg.Done(); e.Run(1, stop) }()

	for e.harts[0].local.Len() != 0 || e.harts[1].local.Len() != 0 {
		// busy-wait for both deques to drain; test-only spin.
	}
	close(stop)
	wg.Wait()
}

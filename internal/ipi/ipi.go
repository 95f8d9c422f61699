// Package ipi implements the inter-processor-interrupt fence protocol used
// for cross-hart TLB shootdown (spec.md §4.7). Grounded on
// internal/runtime/concurrency/cas.go's CAS/Load atomic-uint64 style and on
// internal/runtime/kernel/scheduler.go's per-CPU bookkeeping, generalized
// from the teacher's single-machine scheduler locks into a genuine
// multi-hart rendezvous counter.
package ipi

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Cmd is the barrier command word stored in the shared IpiComm.
type Cmd uint64

const (
	CmdNone  Cmd = 0
	CmdFence Cmd = 1
)

// HartOps is the per-hart side effect a Controller drives: raising a
// software interrupt on a target hart, and executing the local memory/TLB
// barrier the commanded Cmd names. A real boot wires this to the PLIC/CLINT
// MMIO registers; tests wire it to an in-memory fake, mirroring the
// teacher's hardware.go/hardware_real.go split between a simulated and a
// real (unimplemented-here) backend.
type HartOps interface {
	// SendIPI raises a software interrupt on hart target.
	SendIPI(target int)
	// Fence executes a full SeqCst memory fence plus local sfence.vma on
	// the calling hart.
	Fence()
}

// Controller drives remote_fence(mask): the sole supported cross-hart TLB
// shootdown primitive (spec.md §4.7). One Controller is shared by every
// hart; only one remote_fence round runs at a time, serialized by mu.
type Controller struct {
	ops HartOps

	mu     sync.Mutex
	cmd    atomic.Uint64
	result atomic.Uint64
}

// New builds a Controller driving ops. RemoteFence accepts masks naming
// harts 0..63.
func New(ops HartOps) *Controller {
	return &Controller{ops: ops}
}

// RemoteFence splits mask into the calling hart's own bit (handled locally,
// synchronously) and the remaining bits (handled via IPI). It returns once
// every hart in mask has executed the commanded barrier, satisfying the
// spec.md §8 invariant: "after remote_fence(mask) returns, every hart in
// mask has executed an sfence.vma between the caller's memory ops preceding
// the call and any subsequent user re-entry on that hart."
func (c *Controller) RemoteFence(mask uint64, localHart int) {
	localBit := uint64(1) << uint(localHart)
	if mask&localBit != 0 {
		c.ops.Fence()
	}
	remote := mask &^ localBit
	if remote == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	want := uint64(bits.OnesCount64(remote))
	c.cmd.Store(uint64(CmdFence))
	c.result.Store(0)
	for hart := 0; hart < 64; hart++ {
		if remote&(uint64(1)<<uint(hart)) != 0 {
			c.ops.SendIPI(hart)
		}
	}
	for c.result.Load() != want {
		// Spin: receivers fetch-add result after executing the barrier.
		// A real boot would wfi/pause here; tests run this uncontended.
	}
	c.cmd.Store(uint64(CmdNone))
}

// HandleInterrupt is the receiver side, invoked from the software-interrupt
// trap path on the hart that was IPI'd. It reads cmd, executes the
// commanded barrier, then fetch-adds result. Clearing the
// software-interrupt-pending bit itself is a platform (CLINT) register
// write outside this package's scope.
func (c *Controller) HandleInterrupt() {
	if Cmd(c.cmd.Load()) == CmdFence {
		c.ops.Fence()
	}
	c.result.Add(1)
}

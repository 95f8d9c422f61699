//go:build riscv64

// Package mmioplic implements intr.PLIC and ipi.HartOps against a real
// SiFive-style PLIC/CLINT memory map, the riscv64 counterpart to the
// teacher's hardware_real.go outb/inb/cli/sti/hlt register shims. As with
// trapentry, the actual MMIO load/store primitives are asm-backed
// declarations this tree fixes the Go-visible contract for; their bodies
// live outside what a retrieved Go source tree carries.
package mmioplic

import "sync/atomic"

// Layout describes the base addresses of the PLIC and CLINT this package
// drives, taken from the platform's device tree at boot.
type Layout struct {
	PLICBase  uintptr
	CLINTBase uintptr
}

const (
	plicPriorityStride = 4
	plicEnableStride   = 0x80
	plicContextStride  = 0x1000
	plicContextBase    = 0x20_0000
	plicClaimOffset    = 0x4

	clintMSIPStride = 4
)

//go:noescape
func load32(addr uintptr) uint32

//go:noescape
func store32(addr uintptr, v uint32)

// PLIC drives a SiFive-compatible Platform-Level Interrupt Controller,
// implementing intr.PLIC.
type PLIC struct {
	base uintptr
}

// NewPLIC builds a PLIC driver over the MMIO window at base.
func NewPLIC(base uintptr) *PLIC { return &PLIC{base: base} }

func (p *PLIC) enableAddr(hartCtx int) uintptr {
	return p.base + 0x2000 + uintptr(hartCtx)*plicEnableStride
}

func (p *PLIC) contextAddr(hartCtx int) uintptr {
	return p.base + plicContextBase + uintptr(hartCtx)*plicContextStride
}

// EnableForHart sets pin's bit in hart's context enable bitmap.
func (p *PLIC) EnableForHart(hart, pin int) {
	addr := p.enableAddr(hart) + uintptr(pin/32)*4
	word := load32(addr)
	store32(addr, word|(1<<uint(pin%32)))
}

// DisablePin clears pin's priority to zero, the PLIC's way of disabling it
// globally regardless of which context enable bitmaps still name it.
func (p *PLIC) DisablePin(pin int) {
	store32(p.base+uintptr(pin)*plicPriorityStride, 0)
}

// SetPriority writes pin's priority register.
func (p *PLIC) SetPriority(pin, priority int) {
	store32(p.base+uintptr(pin)*plicPriorityStride, uint32(priority))
}

// Claim reads hart's context claim/complete register, returning the
// highest-priority pending pin, or ok=false if none is pending (the PLIC
// returns 0 for "no interrupt").
func (p *PLIC) Claim(hart int) (int, bool) {
	pin := load32(p.contextAddr(hart) + plicClaimOffset)
	if pin == 0 {
		return 0, false
	}
	return int(pin), true
}

// Complete writes pin back to hart's claim/complete register to
// acknowledge it.
func (p *PLIC) Complete(hart, pin int) {
	store32(p.contextAddr(hart)+plicClaimOffset, uint32(pin))
}

// CLINT drives the Core Local Interruptor's MSIP registers, implementing
// ipi.HartOps.
type CLINT struct {
	base     uintptr
	fenceSeq atomic.Uint64
}

// NewCLINT builds a CLINT driver over the MMIO window at base.
func NewCLINT(base uintptr) *CLINT { return &CLINT{base: base} }

// SendIPI sets target's MSIP bit, raising its supervisor-software
// interrupt line.
func (c *CLINT) SendIPI(target int) {
	store32(c.base+uintptr(target)*clintMSIPStride, 1)
}

// ClearLocal clears the calling hart's own MSIP bit, acknowledging the IPI
// a trap handler just serviced.
func (c *CLINT) ClearLocal(hart int) {
	store32(c.base+uintptr(hart)*clintMSIPStride, 0)
}

//go:noescape
func fenceVMA()

// Fence executes a full memory fence plus a local sfence.vma, the
// ipi.HartOps side of remote_fence (spec.md §4.7).
func (c *CLINT) Fence() {
	c.fenceSeq.Add(1)
	fenceVMA()
}

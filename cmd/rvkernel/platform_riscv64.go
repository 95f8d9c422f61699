//go:build riscv64

package main

import (
	"rvcore/internal/intr"
	"rvcore/internal/ipi"
	"rvcore/internal/kconfig"
	"rvcore/internal/mmioplic"
	"rvcore/internal/trapcoro"
	"rvcore/internal/trapentry"
)

// platform wires every subsystem that needs a real riscv64 backend: the
// PLIC/CLINT MMIO windows and the asm trap-entry shim. Mirrors the split
// the teacher draws between hardware.go (simulated) and hardware_real.go
// (port-IO backed).
type platform struct {
	plic  *mmioplic.PLIC
	clint *mmioplic.CLINT
}

func newPlatform(cfg *kconfig.BootConfig) *platform {
	return &platform{
		plic:  mmioplic.NewPLIC(cfg.PLICBase),
		clint: mmioplic.NewCLINT(cfg.CLINTBase),
	}
}

func (p *platform) plicController() intr.PLIC { return p.plic }
func (p *platform) ipiOps() ipi.HartOps       { return p.clint }

func (p *platform) newHartTrap(handler func(*trapcoro.TrapFrame)) trapcoro.HartTrap {
	trapentry.Init(handler)
	return trapentry.Hart{}
}

// Package kconfig holds the boot-time configuration consumed once at BSP
// init, mirroring the teacher's KernelConfig/DefaultKernelConfig.
package kconfig

// BootConfig parameterizes the subsystems wired together in cmd/rvkernel.
type BootConfig struct {
	// Hart topology.
	MaxHarts int

	// Frame arena.
	ArenaBase  uintptr
	ArenaPages uint64

	// Executor.
	LocalQueueCapacity uint32 // must be a power of two, 2..=256

	// Interrupt manager / IPI fence.
	PLICBase    uintptr
	PLICContext int
	CLINTBase   uintptr

	// Memory map (spec.md §6).
	IDOffset       uintptr
	UserRangeStart uintptr
	UserRangeEnd   uintptr

	// Futex.
	FutexBuckets uint64
}

// DefaultBootConfig mirrors DefaultKernelConfig's role: sane defaults used
// by both the real boot path and tests that don't care about topology.
func DefaultBootConfig() *BootConfig {
	const idOffset = uintptr(0xffff_ffc0_0000_0000)
	return &BootConfig{
		MaxHarts:           8,
		ArenaBase:          0x8020_0000,
		ArenaPages:         32768, // 128 MiB
		LocalQueueCapacity: 128,
		PLICBase:           0x0c00_0000,
		PLICContext:        1,
		CLINTBase:          0x0200_0000,
		IDOffset:           idOffset,
		UserRangeStart:     0x1000,
		UserRangeEnd:       ^idOffset + 1,
		FutexBuckets:       1024,
	}
}

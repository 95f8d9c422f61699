// Command rvkernel is the BSP boot entrypoint, bringing up every subsystem
// in a fixed init order: frame arena, kernel page table, IPI fence, trap
// vector, executor, interrupt manager, syscall dispatch, then the first
// task's address space and the task itself. Grounded on
// cmd/orizon-kernel/main.go's kernelMain (hardware init -> banner ->
// InitializeCompleteKernel -> process creation -> main loop) and
// internal/runtime/kernel/kernel.go's InitializeCompleteKernel's ordered
// "[n/N] Initializing ..." boot log, reworked to log through klog instead
// of raw fmt.Println/KernelPrint.
package main

import (
	"time"

	"rvcore/internal/executor"
	"rvcore/internal/intr"
	"rvcore/internal/ipi"
	"rvcore/internal/kconfig"
	"rvcore/internal/klog"
	"rvcore/internal/pmm"
	"rvcore/internal/sv39"
	"rvcore/internal/syscall"
	"rvcore/internal/task"
	"rvcore/internal/trapcoro"
	"rvcore/internal/virt"
)

const bootSteps = 8

func main() {
	kernelMain()
}

//go:noinline
func kernelMain() {
	klog.Print("\n")
	klog.Print("========================================\n")
	klog.Print("       rvcore - sv39 coroutine kernel   \n")
	klog.Print("========================================\n")
	klog.Print("\n")

	start := time.Now()
	cfg := kconfig.DefaultBootConfig()
	plat := newPlatform(cfg)

	klog.Infof("[1/%d] Initializing frame arena...", bootSteps)
	arena := pmm.New(cfg.ArenaBase, cfg.ArenaPages)
	klog.Infof("       %d pages (%d MiB) at %#x", cfg.ArenaPages, cfg.ArenaPages*pmm.PageSize/(1<<20), cfg.ArenaBase)

	klog.Infof("[2/%d] Initializing kernel page table...", bootSteps)
	kernelTable, err := sv39.New(arena)
	if err != nil {
		klog.Errorf("page table init failed: %v", err)
		panic(err)
	}

	klog.Infof("[3/%d] Initializing IPI fence controller...", bootSteps)
	ipiCtrl := ipi.New(plat.ipiOps())

	klog.Infof("[4/%d] Installing trap vector...", bootSteps)
	var dispatchHandler func(*trapcoro.TrapFrame)
	hart := plat.newHartTrap(func(f *trapcoro.TrapFrame) { dispatchHandler(f) })

	klog.Infof("[5/%d] Initializing executor (%d harts, local queue %d)...", bootSteps, cfg.MaxHarts, cfg.LocalQueueCapacity)
	exec := executor.New(cfg.MaxHarts, int(cfg.LocalQueueCapacity))

	klog.Infof("[6/%d] Initializing interrupt manager...", bootSteps)
	interrupts := intr.New(plat.plicController(), cfg.MaxHarts)

	klog.Infof("[7/%d] Initializing syscall dispatch table...", bootSteps)
	syscalls := syscall.NewTable()
	task.RegisterSyscalls(syscalls)

	klog.Infof("[8/%d] Spawning the boot task...", bootSteps)
	bootVirt, err := virt.New(arena, kernelTable, cfg.UserRangeStart, cfg.UserRangeEnd)
	if err != nil {
		klog.Errorf("boot address space init failed: %v", err)
		panic(err)
	}

	taskCfg := task.Config{
		Exec:       exec,
		Syscalls:   syscalls,
		Interrupts: interrupts,
		IPI:        ipiCtrl,
		Hart:       hart,
		Arena:      arena,
	}
	bootTask := task.NewProcess(taskCfg, bootVirt, trapcoro.TrapFrame{}, nil)
	task.Spawn(bootTask)

	// A kernel-mode trap taken outside a coroutine's yield_to_user window
	// (spec.md §4.5 step 4) has no task context to dispatch through; this
	// kernel has no nested kernel-mode fault recovery, so it simply logs
	// and halts, mirroring the teacher's kernelPanic.
	dispatchHandler = func(f *trapcoro.TrapFrame) {
		klog.Errorf("kernel-mode trap: scause=%#x sepc=%#x stval=%#x", f.Scause, f.Sepc, f.Stval)
		panic("unhandled kernel-mode trap")
	}

	klog.Infof("rvcore booted in %v", time.Since(start))

	stop := make(chan struct{})
	for hartID := 1; hartID < cfg.MaxHarts; hartID++ {
		go exec.Run(hartID, stop)
	}
	exec.Run(0, stop)
}

// Package kconfig collects the kernel-wide numeric constants: page
// geometry, the fixed high-address trampoline/trap-context layout, block
// size, and the handful of resource limits the kernel enforces.
//
// Grounded on biscuit's limits/limits.go (Syslimit_t / MkSysLimit: a
// struct of numeric limits, no flag parser) — this kernel boots with no
// command-line configuration, so a single constants file plays the role
// biscuit's Syslimit_t struct does for the handful of values that do vary
// (block-cache size, max signal number).
package kconfig

const (
	// PageSizeBits is the base-2 exponent of the page size.
	PageSizeBits = 12
	// PageSize is the size of one page in bytes.
	PageSize = 1 << PageSizeBits
	// PageOffsetMask masks the in-page offset of a virtual address.
	PageOffsetMask = PageSize - 1

	// Trampoline is the highest virtual page of every address space. It
	// holds the position-independent trap entry/exit code and is mapped
	// identically (same PPN) in every space so that swapping satz does
	// not change the VA the CPU is executing from mid-trap.
	Trampoline = ^uintptr(0) - PageSize + 1

	// TrapContext sits one page below the trampoline, privately backed
	// per address space, and holds the saved register block (§3).
	TrapContext = Trampoline - PageSize

	// KernelStackSize is the per-task kernel stack size, 8 KiB as in
	// spec.md §6.
	KernelStackSize = 8192

	// MemoryEndDefault is the default top of physical memory the frame
	// allocator is seeded with when no platform-reported value is
	// available (tests, the in-memory boot path).
	MemoryEndDefault = 0x88800000

	// BlockSize is the on-disk/bcache block size in bytes (spec.md §3,
	// §6: "All filesystem I/O is 512-byte aligned").
	BlockSize = 512

	// BCacheSlots is the number of LRU slots in the block cache
	// (spec.md §4.4).
	BCacheSlots = 16

	// MaxSig is the highest signal number the kernel tracks (spec.md
	// §4.10's 0..MAX_SIG iteration).
	MaxSig = 31

	// MaxOpenFiles bounds a single task's fd table.
	MaxOpenFiles = 256

	// ClockFreq is the mtime tick rate of the QEMU riscv64 "virt" machine
	// this kernel targets, used to convert raw ticks to milliseconds for
	// get_time and to program the next timer trigger.
	ClockFreq = 12500000

	// TicksPerTimeSlice is the number of mtime ticks between successive
	// supervisor timer interrupts, ~10ms at ClockFreq (spec.md §4.9's
	// "timer interrupt calling suspend_current_and_run_next").
	TicksPerTimeSlice = ClockFreq / 100
)

// KernelStackPosition returns the (bottom, top) virtual addresses of the
// kernel stack belonging to pid, placed just below the trampoline with a
// one-page guard between consecutive stacks (spec.md §6).
func KernelStackPosition(pid int) (bottom, top uintptr) {
	top = Trampoline - uintptr(pid)*(KernelStackSize+PageSize)
	bottom = top - KernelStackSize
	return bottom, top
}

// Package timer reads the platform tick counter (the `time` CSR, the
// S-mode view of mtime, on real riscv64 hardware) and programs the next supervisor timer interrupt via
// SBI, grounded on original_source/os/src/timer.rs's get_time/
// get_time_ms/set_next_trigger trio.
//
// Split by build tag the same way internal/trap splits its assembly:
// timer_riscv64.go reads the real CSR; timer_other.go stands in with a
// monotonic host clock so the rest of the kernel (and its tests) can run
// off-target.
package timer

import "sv39kernel/internal/kconfig"

// Ticks returns the current platform tick count.
func Ticks() uint64 {
	return readTicks()
}

// MillisFromTicks converts a raw tick count to milliseconds, the unit
// sys_get_time reports (original_source's get_time_ms).
func MillisFromTicks(ticks uint64) int64 {
	return int64(ticks / (kconfig.ClockFreq / 1000))
}

// NanosFromTicks converts a raw tick count to nanoseconds, the unit
// internal/proc's per-task CPU-time accounting uses.
func NanosFromTicks(ticks uint64) int64 {
	return int64(ticks) * 1_000_000_000 / kconfig.ClockFreq
}

// SBI is the subset of internal/sbi.SBI the timer needs to arm the next
// interrupt.
type SBI interface {
	SetTimer(stimeValue uint64)
}

// SetNextTrigger arms the next supervisor timer interrupt one time slice
// from now (original_source's set_next_trigger).
func SetNextTrigger(fw SBI) {
	fw.SetTimer(Ticks() + kconfig.TicksPerTimeSlice)
}

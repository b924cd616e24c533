//go:build riscv64

package timer

// readTicks reads the riscv `time` CSR (body in timer_riscv64.s), the
// same mtime-shadow register original_source/os/src/timer.rs reads via
// riscv::register::time::read.
func readTicks() uint64

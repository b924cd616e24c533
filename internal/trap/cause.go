package trap

// ReadTrapCause reads the scause/stval CSRs the hardware latched when
// the current trap was taken (body split by build tag in
// cause_riscv64.s / cause_other.go), used by internal/sched's trap
// handler entry point immediately after the trampoline hands off.
func ReadTrapCause() (scause, stval uint64) {
	return readScause(), readStval()
}

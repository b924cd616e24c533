//go:build !riscv64

package trap

// readScause/readStval never fire off-target: nothing raises a real
// riscv64 trap on a host build. Returning UserEnvCall keeps callers that
// exercise ReadTrapCause in isolation (rather than via a real trap)
// type-checkable without pretending to emulate hardware state.
func readScause() uint64 { return ExceptionUserEnvCall }
func readStval() uint64  { return 0 }

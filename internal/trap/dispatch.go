package trap

import (
	"fmt"
	"reflect"
)

// Scause cause codes this kernel dispatches on (spec.md §4.10). Values
// match the RISC-V privileged spec's scause exception codes with the
// interrupt bit (63) clear.
const (
	ExceptionUserEnvCall      = 8
	ExceptionStoreFault       = 7
	ExceptionStorePageFault   = 15
	ExceptionIllegalInstr     = 2
	InterruptSupervisorTimer  = (1 << 63) | 5
)

// Syscaller dispatches a decoded syscall; internal/syscall implements
// this against the rest of the kernel. Kept as a narrow interface so
// this package never imports internal/syscall (which would import this
// package back for TrapContext).
type Syscaller interface {
	Syscall(id uint64, args [6]uint64) uint64
}

// TaskKiller lets the handler tear down the current task in response to
// a fatal exception, mirroring trap_handler's panic-on-fault behavior
// but as a recoverable kernel action instead of a host crash (spec.md
// §4.10 "kernel kills the offending task" framing used elsewhere in the
// scheduler/task-lifecycle sections).
type TaskKiller interface {
	KillCurrent(reason string)
	SuspendAndScheduleNext()
}

// Handle runs the kernel-side response to a user trap: scause/stval have
// already been read by the assembly-adjacent caller and are passed in
// along with the trap context living at kconfig.TrapContext. Matches
// original_source/os/src/trap/mod.rs's trap_handler match arms.
func Handle(cx *TrapContext, scause, stval uint64, sys Syscaller, tk TaskKiller) {
	switch scause {
	case ExceptionUserEnvCall:
		cx.Sepc += 4
		var args [6]uint64
		args[0], args[1], args[2] = cx.X[10], cx.X[11], cx.X[12]
		args[3], args[4], args[5] = cx.X[13], cx.X[14], cx.X[15]
		cx.X[10] = sys.Syscall(cx.X[17], args)
	case ExceptionStoreFault, ExceptionStorePageFault:
		tk.KillCurrent(fmt.Sprintf("page fault, bad addr=%#x, sepc=%#x", stval, cx.Sepc))
		tk.SuspendAndScheduleNext()
	case ExceptionIllegalInstr:
		tk.KillCurrent(fmt.Sprintf("illegal instruction at sepc=%#x", cx.Sepc))
		tk.SuspendAndScheduleNext()
	case InterruptSupervisorTimer:
		tk.SuspendAndScheduleNext()
	default:
		panic(fmt.Sprintf("trap: unhandled scause %#x, stval=%#x", scause, stval))
	}
}

// trapReturnAddr returns TrapReturn's entry PC, used as the initial
// return address in a freshly constructed TaskContext (spec.md §4.8).
// reflect.ValueOf(fn).Pointer() is the standard (if unusual) way to
// obtain a Go function's code address without assembly-level
// FUNCDATA/linkname plumbing.
func trapReturnAddr() uint64 {
	return uint64(reflect.ValueOf(TrapReturn).Pointer())
}

// TrapReturn prepares to return to user mode: points stvec at the
// trampoline, computes the trampoline-relative VA of the restore
// sequence, and performs the assembly jump with a0 = TRAP_CONTEXT VA,
// a1 = the user address space's satp (spec.md §4.10). The actual
// register restore and sret live in the trampoline assembly; this
// function's job is entirely the handoff.
func TrapReturn(trapContextVA, userSatp uint64) {
	setStvecTrampoline()
	restoreAndReturn(trapContextVA, userSatp)
}

// Package trap implements the user/kernel trap boundary: the fixed
// TrapContext/TaskContext layouts the trampoline assembly reads and
// writes, the riscv64 trampoline and task-switch code itself, and the
// scause dispatch that runs on the kernel stack after trap entry
// (spec.md §4.10).
//
// TrapContext's field order and TaskContext's {ra, sp, s0..s11} shape are
// grounded on original_source/os/src/task/context.rs (TaskContext) and
// the trap-handling narrative in original_source/os/src/trap/mod.rs
// (trap_handler's scause dispatch, __alltraps/__restore as extern "C"
// symbols reached via global_asm!). biscuit carries no equivalent
// assembly of its own to adapt (it hosts its kernel inside a modified Go
// runtime rather than writing its own trap entry/exit), so the
// trampoline's shape is the one piece of this kernel grounded directly
// on the original Rust rather than on the Go teacher; the surrounding Go
// idiom (plan9 asm TEXT symbols called from ordinary Go, a riscv64 build
// tag) follows how the Go standard library itself writes
// architecture-specific assembly helpers.
package trap

// TrapContext is the fixed-layout register save area living at
// kconfig.TrapContext in every user address space (spec.md §3). Its
// field order must exactly match the offsets trampoline_riscv64.s uses.
type TrapContext struct {
	X           [32]uint64 // general-purpose registers x0..x31 (x0 kept for offset symmetry)
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSp    uint64
	TrapHandler uint64 // VA of TrapHandlerEntry, read by the trampoline after a user trap
}

// Offsets into TrapContext, in bytes, for the assembly to index by.
// Keep in lockstep with the struct above.
const (
	OffX           = 0
	OffSstatus     = 32 * 8
	OffSepc        = OffSstatus + 8
	OffKernelSatp  = OffSepc + 8
	OffKernelSp    = OffKernelSatp + 8
	OffTrapHandler = OffKernelSp + 8
	SizeTrapContext = OffTrapHandler + 8
)

// NewUserTrapContext builds the trap context installed for a freshly
// exec'd task: entry PC, user stack pointer, and the fixed kernel-side
// fields needed to get back into the kernel on the very first trap
// (spec.md §4.8 "Creation from ELF").
func NewUserTrapContext(entry, userSP, kernelSatp, kernelSP, trapHandler uint64) TrapContext {
	tc := TrapContext{
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSP,
		TrapHandler: trapHandler,
	}
	tc.X[2] = userSP // x2 is the sp register
	tc.Sstatus = sstatusUserInitial()
	return tc
}

// SetPC, SetArg0, and PC satisfy internal/signal.TrapContext, letting
// signal.State divert a task into a user handler without this package
// importing internal/signal.
func (tc *TrapContext) SetPC(pc uintptr)    { tc.Sepc = uint64(pc) }
func (tc *TrapContext) SetArg0(v uint64)    { tc.X[10] = v }
func (tc *TrapContext) PC() uintptr         { return uintptr(tc.Sepc) }

// sstatusUserInitial returns the initial sstatus value for a task about
// to run in user mode for the first time: SPP (bit 8) cleared selects
// U-mode on sret, SPIE (bit 5) set re-enables interrupts after sret.
func sstatusUserInitial() uint64 {
	const sstatusSPIE = 1 << 5
	return sstatusSPIE
}

// TaskContext is the kernel-side callee-saved register set swapped by
// __switch: return address, stack pointer, and s0..s11. Everything else
// (caller-saved registers, the trap context) is irrelevant across a
// cooperative switch because it only ever happens at a well-defined call
// site (spec.md §4.9).
type TaskContext struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// GotoTrapReturn builds the TaskContext a freshly created task starts
// from: returning into TrapReturn with sp at the top of its kernel
// stack, as if TrapReturn had just been called (spec.md §4.8).
func GotoTrapReturn(kernelStackTop uint64) TaskContext {
	return TaskContext{Ra: trapReturnAddr(), Sp: kernelStackTop}
}

//go:build riscv64

package trap

// Switch saves the caller's callee-saved registers into prev and loads
// next's, returning into whatever Ra next points at — typically either
// TrapReturn (a freshly created task) or the middle of a previously
// suspended __switch call (a task resumed after yielding). This is the
// kernel-to-kernel half of the scheduler's context switch (spec.md
// §4.9); the user/kernel half is TrapReturn plus the trampoline.
//
// Grounded on original_source/os/src/task/context.rs's TaskContext
// (ra, sp, s0..s11) and the well-known __switch calling convention it
// implies: save/restore exactly those 14 words, nothing else, because a
// cooperative switch only ever happens at this one call site.
func Switch(prev, next *TaskContext)

// setStvecTrampoline points stvec at the trampoline's entry so the next
// trap from user mode lands in the trampoline rather than anywhere else
// in the kernel's text.
func setStvecTrampoline()

// restoreAndReturn performs the final jump into the trampoline's restore
// sequence with a0 = trapContextVA, a1 = userSatp, matching spec.md
// §4.10's description of trap_return.
func restoreAndReturn(trapContextVA, userSatp uint64)

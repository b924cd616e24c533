//go:build !riscv64

package trap

// These are host-architecture stand-ins for the real riscv64 assembly in
// trampoline_riscv64.s and switch.go, so the rest of the module
// (scheduler, syscall dispatch, tests) type-checks and runs on whatever
// machine built it. They cannot perform a real privileged-mode switch or
// trap return — there is no sepc/satp/sscratch to manipulate outside
// riscv64 hardware or an emulator — so Switch here degrades to a plain
// field swap rather than an actual stack-pointer jump, and
// setStvecTrampoline/restoreAndReturn are no-ops. The kernel only boots
// for real under GOARCH=riscv64.

// Switch is documented on its riscv64 counterpart in switch.go.
func Switch(prev, next *TaskContext) {
	*prev, *next = *next, *prev
}

func setStvecTrampoline() {}

func restoreAndReturn(trapContextVA, userSatp uint64) {}

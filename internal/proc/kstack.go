package proc

import (
	"sv39kernel/internal/addrspace"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/pagetable"
)

// KernelStack is a task's 8 KiB kernel-mode stack, mapped into the
// singleton kernel address space at the fixed per-PID slot
// kconfig.KernelStackPosition computes, one guard page below the next
// slot up (spec.md §6).
type KernelStack struct {
	pid         int
	bottom, top uintptr
}

// NewKernelStack maps pid's kernel stack into kernel and returns a
// handle to it.
func NewKernelStack(kernel *addrspace.AddressSpace, pid int) KernelStack {
	bottom, top := kconfig.KernelStackPosition(pid)
	kernel.InsertFramed(bottom, top, pagetable.FlagR|pagetable.FlagW)
	return KernelStack{pid: pid, bottom: bottom, top: top}
}

// Top returns the stack's initial stack-pointer value (the highest
// address, since RISC-V stacks grow down).
func (k KernelStack) Top() uint64 { return uint64(k.top) }

// Dealloc unmaps pid's kernel stack from the kernel address space,
// returning its frames to the allocator.
func (k KernelStack) Dealloc(kernel *addrspace.AddressSpace) {
	kernel.RemoveArea(k.bottom, k.top)
}

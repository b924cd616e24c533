package proc

import (
	"unsafe"

	"sv39kernel/internal/addrspace"
	"sv39kernel/internal/defs"
	"sv39kernel/internal/elf"
	"sv39kernel/internal/fdtable"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/sbi"
	"sv39kernel/internal/signal"
	"sv39kernel/internal/trap"
	"sv39kernel/internal/upcell"
)

// Status is a task's scheduling state (spec.md §3).
type Status int

const (
	Ready Status = iota
	Running
	Zombie
)

// InitPid is the PID of the init task, which adopts orphaned children
// and never exits normally (GLOSSARY "Init process").
const InitPid = 0

// inner is the mutable interior of a TaskControlBlock, exclusively
// accessed through an upcell.Cell (spec.md §5: "per-TCB interior state
// ... wrapped in a uniprocessor-safe mutable cell").
type inner struct {
	Status    Status
	TaskCx    trap.TaskContext
	AddrSpace *addrspace.AddressSpace
	TrapCxPPN mem.PhysPageNum
	BaseSize  uint64

	// Parent is a plain pointer, not a Rust Weak<T>: Go's garbage
	// collector already reclaims the parent<->children cycle once both
	// sides drop their last reference, so nothing here needs to "fail to
	// upgrade" the way spec.md's Weak model does (spec.md §9).
	Parent   *TaskControlBlock
	Children []*TaskControlBlock

	ExitCode int
	Files    *fdtable.Table
	Signals  signal.State
	CPU      CPUTime
}

// TaskControlBlock is the ownership container of spec.md §3: immutable
// PID and kernel-stack handles plus the mutable interior above.
type TaskControlBlock struct {
	Pid    PidHandle
	Kstack KernelStack

	kernel *addrspace.AddressSpace // the singleton kernel space this task's stack lives in
	in     *upcell.Cell[inner]
}

// with runs fn with exclusive access to t's interior state. Unexported:
// naming *inner from outside this package is impossible, so external
// callers use the typed accessor methods below instead.
func with[R any](t *TaskControlBlock, fn func(*inner) R) R {
	return upcell.With(t.in, fn)
}

// Env bundles the kernel-global resources task creation needs.
type Env struct {
	Alloc         *mem.Allocator
	Backing       *mem.Backing
	Kernel        *addrspace.AddressSpace
	TrampolinePPN mem.PhysPageNum
	Firmware      sbi.SBI
	TrapHandlerPC uint64
	Yield         func()
}

func trapContextView(backing *mem.Backing, ppn mem.PhysPageNum) *trap.TrapContext {
	page := backing.Bytes(ppn)
	return (*trap.TrapContext)(unsafe.Pointer(&page[0]))
}

// TrapCx returns a live pointer to t's trap context, backed by the
// physical page translated through t's own address space (spec.md §3:
// "simultaneously reachable from the kernel via the frame's physical
// page").
func (t *TaskControlBlock) TrapCx(backing *mem.Backing) *trap.TrapContext {
	ppn := with(t, func(i *inner) mem.PhysPageNum { return i.TrapCxPPN })
	return trapContextView(backing, ppn)
}

// Token returns the satp value for t's address space.
func (t *TaskControlBlock) Token() uint64 {
	return with(t, func(i *inner) uint64 { return i.AddrSpace.Token() })
}

// KernelStackTop returns the initial kernel stack pointer for t.
func (t *TaskControlBlock) KernelStackTop() uint64 { return t.Kstack.Top() }

// Status returns t's current scheduling state.
func (t *TaskControlBlock) Status() Status {
	return with(t, func(i *inner) Status { return i.Status })
}

// SetStatus updates t's scheduling state.
func (t *TaskControlBlock) SetStatus(s Status) {
	with(t, func(i *inner) struct{} { i.Status = s; return struct{}{} })
}

// TaskContextPtr returns a pointer to t's saved TaskContext, for
// internal/sched's __switch handoff. The pointer stays valid for t's
// lifetime since inner is heap-allocated once by upcell.New and never
// moved.
func (t *TaskControlBlock) TaskContextPtr() *trap.TaskContext {
	return with(t, func(i *inner) *trap.TaskContext { return &i.TaskCx })
}

// RaiseSignal delivers sig to t, the mechanism internal/sched's Killer
// uses to fault a task instead of tearing it down directly.
func (t *TaskControlBlock) RaiseSignal(sig signal.Sig) {
	with(t, func(i *inner) struct{} { i.Signals.Raise(sig); return struct{}{} })
}

// SignalState runs fn with exclusive access to t's signal state, used
// by the trap-return path to step pending signal delivery.
func (t *TaskControlBlock) SignalState(fn func(*signal.State)) {
	with(t, func(i *inner) struct{} { fn(&i.Signals); return struct{}{} })
}

// ExitCode returns t's recorded exit code (only meaningful once t is a
// Zombie).
func (t *TaskControlBlock) ExitCode() int {
	return with(t, func(i *inner) int { return i.ExitCode })
}

// FdTable runs fn with exclusive access to t's file descriptor table.
func (t *TaskControlBlock) FdTable(fn func(*fdtable.Table)) {
	with(t, func(i *inner) struct{} { fn(i.Files); return struct{}{} })
}

// AddressSpace runs fn with exclusive access to t's address space,
// for syscalls that need to translate or grow user memory.
func (t *TaskControlBlock) AddressSpace(fn func(*addrspace.AddressSpace)) {
	with(t, func(i *inner) struct{} { fn(i.AddrSpace); return struct{}{} })
}

// CPUTime runs fn with exclusive access to t's accumulated CPU-time
// accounting, backing the times syscall.
func (t *TaskControlBlock) CPUTime(fn func(*CPUTime)) {
	with(t, func(i *inner) struct{} { fn(&i.CPU); return struct{}{} })
}

// NewFromELF builds a freshly loaded task per spec.md §4.8 "Creation
// from ELF": address space from the ELF image, PID and kernel stack, a
// fresh trap context, empty signal state, and the stdio-backed fd
// table.
func NewFromELF(env Env, elfBytes []byte) (*TaskControlBlock, error) {
	space, userSP, entry, err := elf.Load(elfBytes, env.Alloc, env.Backing, env.TrampolinePPN)
	if err != nil {
		return nil, err
	}
	trapCxPPN := space.TrapContextPPN()

	pid := AllocPid()
	kstack := NewKernelStack(env.Kernel, pid.Pid())

	tc := trap.NewUserTrapContext(uint64(entry), uint64(userSP), env.Kernel.Token(), kstack.Top(), env.TrapHandlerPC)
	*trapContextView(env.Backing, trapCxPPN) = tc

	stdin := &fdtable.Stdin{Firmware: env.Firmware, Yield: env.Yield}
	stdout := &fdtable.Stdout{Firmware: env.Firmware}

	t := &TaskControlBlock{Pid: pid, Kstack: kstack, kernel: env.Kernel}
	t.in = upcell.New(inner{
		Status:    Ready,
		TaskCx:    trap.GotoTrapReturn(kstack.Top()),
		AddrSpace: space,
		TrapCxPPN: trapCxPPN,
		BaseSize:  uint64(userSP),
		Files:     fdtable.NewStdioTable(stdin, stdout),
		Signals:   signal.NewState(),
	})
	return t, nil
}

// Fork clones t into a freshly created child task, per spec.md §4.8
// "fork": deep-copied address space, fresh PID and kernel stack, a
// shared-reference copy of the fd table, signal mask/actions copied but
// not pending signals, and the child linked into t's children list. The
// child's trap context is a byte copy of the parent's except
// kernel_sp; x[10] is left as the parent's value here and zeroed by the
// syscall layer once the child actually runs (spec.md §4.8).
func (t *TaskControlBlock) Fork(env Env) *TaskControlBlock {
	return with(t, func(i *inner) *TaskControlBlock {
		childSpace := addrspace.FromExistedUser(env.Alloc, env.Backing, i.AddrSpace, env.TrampolinePPN)
		trapCxPPN := childSpace.TrapContextPPN()

		pid := AllocPid()
		kstack := NewKernelStack(env.Kernel, pid.Pid())

		tc := *trapContextView(env.Backing, i.TrapCxPPN)
		tc.KernelSp = kstack.Top()
		*trapContextView(env.Backing, trapCxPPN) = tc

		child := &TaskControlBlock{Pid: pid, Kstack: kstack, kernel: env.Kernel}
		child.in = upcell.New(inner{
			Status:    Ready,
			TaskCx:    trap.GotoTrapReturn(kstack.Top()),
			AddrSpace: childSpace,
			TrapCxPPN: trapCxPPN,
			BaseSize:  i.BaseSize,
			Parent:    t,
			Files:     i.Files.Clone(),
			Signals:   signal.State{Mask: i.Signals.Mask, Actions: i.Signals.Actions, HandlingSig: -1},
		})
		i.Children = append(i.Children, child)
		return child
	})
}

// Exec replaces t's address space with a freshly loaded ELF image and
// argv vector, preserving PID, fd table, and children (spec.md §4.8
// "exec"). Returns ENOENT if elfBytes fails to parse.
func (t *TaskControlBlock) Exec(env Env, elfBytes []byte, argv []string) defs.Err_t {
	space, userSP, entry, err := elf.Load(elfBytes, env.Alloc, env.Backing, env.TrampolinePPN)
	if err != nil {
		return defs.ENOENT
	}
	argvBase, argc := pushArgv(space, env.Backing, userSP, argv)
	trapCxPPN := space.TrapContextPPN()

	return with(t, func(i *inner) defs.Err_t {
		i.AddrSpace.Destroy()
		i.AddrSpace = space
		i.TrapCxPPN = trapCxPPN
		i.BaseSize = uint64(userSP)

		tc := trap.NewUserTrapContext(uint64(entry), uint64(argvBase), env.Kernel.Token(), t.Kstack.Top(), env.TrapHandlerPC)
		tc.X[10] = uint64(argc)
		tc.X[11] = uint64(argvBase)
		*trapContextView(env.Backing, trapCxPPN) = tc
		return 0
	})
}

// pushArgv writes argv's strings and a NULL-terminated pointer array
// onto the new user stack, 8-byte aligned (spec.md §4.8), returning the
// new stack top (now holding the argv pointer array) and argc.
func pushArgv(space *addrspace.AddressSpace, backing *mem.Backing, stackTop uintptr, argv []string) (uintptr, int) {
	sp := stackTop
	ptrs := make([]uintptr, len(argv))
	for idx := len(argv) - 1; idx >= 0; idx-- {
		s := argv[idx]
		sp -= uintptr(len(s) + 1)
		writeBytesAt(space, backing, sp, append([]byte(s), 0))
		ptrs[idx] = sp
	}
	sp &^= 7 // 8-byte align before the pointer array
	sp -= uintptr(len(ptrs)+1) * 8
	for i, p := range ptrs {
		writeU64At(space, backing, sp+uintptr(i)*8, uint64(p))
	}
	writeU64At(space, backing, sp+uintptr(len(ptrs))*8, 0)
	return sp, len(argv)
}

func writeBytesAt(space *addrspace.AddressSpace, backing *mem.Backing, va uintptr, data []byte) {
	for i, b := range data {
		dst := va + uintptr(i)
		vpn := mem.VirtPageNumOf(dst)
		pte, ok := space.PageTable().Translate(vpn)
		if !ok {
			panic("proc: pushArgv wrote past the mapped user stack")
		}
		page := backing.Bytes(pte.PPN())
		page[dst-vpn.VirtAddr()] = b
	}
}

func writeU64At(space *addrspace.AddressSpace, backing *mem.Backing, va uintptr, v uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	writeBytesAt(space, backing, va, buf[:])
}

// Exit marks t Zombie, records exitCode, reparents its children to
// initTask, closes its fd table, and releases its user data pages
// (spec.md §4.8 "exit"). The TCB itself is kept alive until the parent
// reaps it with Waitpid.
func (t *TaskControlBlock) Exit(exitCode int, initTask *TaskControlBlock) {
	var kids []*TaskControlBlock
	with(t, func(i *inner) struct{} {
		i.Status = Zombie
		i.ExitCode = exitCode
		kids = i.Children
		i.Children = nil
		i.Files.CloseAll()
		i.AddrSpace.RecycleDataPages()
		return struct{}{}
	})
	for _, c := range kids {
		with(c, func(ci *inner) struct{} { ci.Parent = initTask; return struct{}{} })
		with(initTask, func(pi *inner) struct{} { pi.Children = append(pi.Children, c); return struct{}{} })
	}
}

// Waitpid implements spec.md §4.8: -1 if pid names no child of t, -2 if
// matching children exist but none are zombies yet, else the reaped
// child's PID with its exit code written through writeExitCode.
func (t *TaskControlBlock) Waitpid(pid int, writeExitCode func(code int) defs.Err_t) int {
	var reaped *TaskControlBlock
	result := with(t, func(i *inner) int {
		found := false
		for idx, c := range i.Children {
			if pid != -1 && c.Pid.Pid() != pid {
				continue
			}
			found = true
			isZombie := with(c, func(ci *inner) bool { return ci.Status == Zombie })
			if !isZombie {
				continue
			}
			code := with(c, func(ci *inner) int { return ci.ExitCode })
			i.Children = append(i.Children[:idx], i.Children[idx+1:]...)
			writeExitCode(code)
			reaped = c
			return c.Pid.Pid()
		}
		if !found {
			return -1
		}
		return -2
	})
	if reaped != nil {
		reaped.Kstack.Dealloc(reaped.kernel)
		with(reaped, func(ci *inner) struct{} { ci.AddrSpace.Destroy(); return struct{}{} })
		reaped.Pid.Dealloc()
	}
	return result
}

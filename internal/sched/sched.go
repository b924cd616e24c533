// Package sched implements the ready queue, the per-hart Processor, and
// the trap-handler entry point the trampoline jumps into (spec.md §4.9,
// §4.10).
//
// Grounded on original_source/os/src/task/processor.rs (Processor:
// current + idle_task_cx, PROCESSOR singleton, run_tasks/schedule) and
// os/src/task/mod.rs's suspend_current_and_run_next/
// exit_current_and_run_next free functions, reworked around
// internal/proc.TaskControlBlock and internal/trap.Switch instead of
// the Rust source's Arc<TaskControlBlock> + unsafe extern "C" __switch.
package sched

import (
	"fmt"
	"reflect"

	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/proc"
	"sv39kernel/internal/signal"
	"sv39kernel/internal/trap"
	"sv39kernel/internal/upcell"
)

type readyQueueState struct {
	q []*proc.TaskControlBlock
}

var readyQueue = upcell.New(readyQueueState{})

// AddTask pushes t to the back of the ready queue (spec.md §4.9: "ready
// queue is strictly FIFO").
func AddTask(t *proc.TaskControlBlock) {
	upcell.With(readyQueue, func(s *readyQueueState) struct{} {
		s.q = append(s.q, t)
		return struct{}{}
	})
}

func fetchTask() (*proc.TaskControlBlock, bool) {
	t := upcell.With(readyQueue, func(s *readyQueueState) *proc.TaskControlBlock {
		if len(s.q) == 0 {
			return nil
		}
		t := s.q[0]
		s.q = s.q[1:]
		return t
	})
	return t, t != nil
}

type processorState struct {
	current *proc.TaskControlBlock
	idleCx  trap.TaskContext
}

var processor = upcell.New(processorState{})

// backing and initTask are set once at boot by Init; every TCB access
// that needs to materialize a TrapContext or reparent orphans reaches
// through these instead of threading them through every call (mirrors
// PROCESSOR's own lazily-initialized-singleton status in the source).
var backing *mem.Backing
var initTask *proc.TaskControlBlock

// Init wires the scheduler to the kernel's physical-memory backing and
// the init task every exiting task's orphans reparent to. Must be
// called once at boot before the first AddTask.
func Init(b *mem.Backing, init *proc.TaskControlBlock) {
	backing = b
	initTask = init
	RegisterTask(init)
}

// pidTableState is the PID-indexed map to TCBs spec.md §4.9 describes
// alongside the ready queue, letting `kill` reach any live task rather
// than only a caller's own children.
type pidTableState struct {
	tasks map[int]*proc.TaskControlBlock
}

var pidTable = upcell.New(pidTableState{tasks: map[int]*proc.TaskControlBlock{}})

// RegisterTask records t under its PID, called once at creation time
// (ELF load or fork) alongside AddTask.
func RegisterTask(t *proc.TaskControlBlock) {
	upcell.With(pidTable, func(s *pidTableState) struct{} {
		s.tasks[t.Pid.Pid()] = t
		return struct{}{}
	})
}

// UnregisterTask removes pid's entry, called once a zombie is reaped
// and its PidHandle released.
func UnregisterTask(pid int) {
	upcell.With(pidTable, func(s *pidTableState) struct{} {
		delete(s.tasks, pid)
		return struct{}{}
	})
}

// LookupTask returns the live task registered under pid, if any.
func LookupTask(pid int) (*proc.TaskControlBlock, bool) {
	t := upcell.With(pidTable, func(s *pidTableState) *proc.TaskControlBlock {
		return s.tasks[pid]
	})
	return t, t != nil
}

// CurrentTask returns the task presently assigned to this hart, or nil
// if idle.
func CurrentTask() *proc.TaskControlBlock {
	return upcell.With(processor, func(s *processorState) *proc.TaskControlBlock { return s.current })
}

// WithCurrentTask installs t as the current task for the duration of fn,
// then restores the idle state. internal/trap.Switch has no real
// context-switch to drive on a host build (it degrades to a field swap,
// spec.md §9), so this is how tests of code built on sched.CurrentTask
// (notably internal/syscall's Dispatcher) get a current task installed
// without running the full scheduling loop.
func WithCurrentTask(t *proc.TaskControlBlock, fn func()) {
	upcell.With(processor, func(s *processorState) struct{} { s.current = t; return struct{}{} })
	defer upcell.With(processor, func(s *processorState) struct{} { s.current = nil; return struct{}{} })
	fn()
}

// CurrentUserToken returns the satp value of the current task's address
// space.
func CurrentUserToken() uint64 {
	return CurrentTask().Token()
}

// CurrentTrapCx returns a live pointer to the current task's trap
// context.
func CurrentTrapCx() *trap.TrapContext {
	return CurrentTask().TrapCx(backing)
}

// RunTasks is the idle loop: repeatedly fetch the next ready task, mark
// it Running, and switch into it. Control returns here every time a
// task suspends or exits (spec.md §4.9's "idle loop").
func RunTasks() {
	for {
		t, ok := fetchTask()
		if !ok {
			continue
		}
		runOne(t)
	}
}

func runOne(t *proc.TaskControlBlock) {
	t.SetStatus(proc.Running)
	taskCxPtr := t.TaskContextPtr()

	upcell.With(processor, func(s *processorState) struct{} {
		s.current = t
		return struct{}{}
	})

	trap.Switch(idleCxPtr(), taskCxPtr)

	upcell.With(processor, func(s *processorState) struct{} {
		s.current = nil
		return struct{}{}
	})
}

func idleCxPtr() *trap.TaskContext {
	return upcell.With(processor, func(s *processorState) *trap.TaskContext { return &s.idleCx })
}

// Schedule switches from the currently running task's saved context
// back to the idle loop, which then fetches whatever is next in the
// ready queue (spec.md §4.9 "schedule swaps to the idle context").
func Schedule(switchedTaskCx *trap.TaskContext) {
	trap.Switch(switchedTaskCx, idleCxPtr())
}

// Yield suspends the current task, puts it back on the ready queue, and
// switches to the idle loop. internal/syscall wraps it in a type that
// satisfies internal/pipe.Scheduler and internal/fdtable's Stdin.Yield.
func Yield() {
	SuspendCurrentAndRunNext()
}

// SuspendCurrentAndRunNext implements spec.md §4.9
// suspend_current_and_run_next: marks the current task Ready, re-queues
// it, and schedules away.
func SuspendCurrentAndRunNext() {
	t := CurrentTask()
	if t == nil {
		panic("sched: suspend with no current task")
	}
	t.SetStatus(proc.Ready)
	cx := t.TaskContextPtr()
	AddTask(t)
	Schedule(cx)
}

// ExitCurrentAndRunNext implements exit_current_and_run_next: tears the
// current task down via proc.TaskControlBlock.Exit and never returns to
// it.
func ExitCurrentAndRunNext(exitCode int) {
	t := CurrentTask()
	if t == nil {
		panic("sched: exit with no current task")
	}
	if t.Pid.Pid() == proc.InitPid {
		panic(fmt.Sprintf("sched: init process exited with code %d", exitCode))
	}
	t.Exit(exitCode, initTask)
	var unused trap.TaskContext
	Schedule(&unused)
}

// KillCurrent and SuspendAndScheduleNext satisfy internal/trap.TaskKiller,
// letting internal/trap.Handle tear down a faulting task without
// importing this package.
type Killer struct{}

func (Killer) KillCurrent(reason string) {
	t := CurrentTask()
	if t == nil {
		return
	}
	t.RaiseSignal(signal.SIGSEGV)
	_ = reason
}

func (Killer) SuspendAndScheduleNext() {
	SuspendCurrentAndRunNext()
}

// syscaller is set once at boot by SetSyscaller. internal/syscall
// implements trap.Syscaller against the rest of the kernel and would
// import this package for CurrentTask/CurrentTrapCx, so the dependency
// is injected here rather than imported directly (mirrors
// trap.Syscaller/trap.TaskKiller's own interface-injection pattern).
var syscaller trap.Syscaller

// SetSyscaller wires the syscall dispatcher TrapHandlerEntry calls into.
// Must be called once at boot before the first trap fires.
func SetSyscaller(s trap.Syscaller) {
	syscaller = s
}

// TrapHandlerEntry is the zero-argument function the trampoline JALRs
// into after saving user trap state (spec.md §4.10). Its entry PC is
// read via reflect.ValueOf(...).Pointer() for proc.Env.TrapHandlerPC,
// matching internal/trap's own trapReturnAddr helper since Go has no
// linkname-free way to name a function's code address otherwise.
func TrapHandlerEntry() {
	if cur := CurrentTask(); cur != nil {
		cur.CPUTime(func(c *proc.CPUTime) { c.EnterKernel() })
	}
	scause, stval := trap.ReadTrapCause()
	cx := CurrentTrapCx()
	trap.Handle(cx, scause, stval, syscaller, Killer{})

	t := CurrentTask()
	if t != nil {
		stepSignals(t, cx)
	}

	if cur := CurrentTask(); cur != nil {
		cur.CPUTime(func(c *proc.CPUTime) { c.EnterUser() })
	}
	trap.TrapReturn(uint64(kconfig.TrapContext), CurrentUserToken())
}

// stepSignals runs signal.State.Step to exhaustion for t, diverting
// into a user handler or exiting on a fatal default action (spec.md
// §4.10's "handle_signals runs until no pending signal blocks
// progress"). The fatal exit happens after releasing t's signal-state
// lock, since ExitCurrentAndRunNext re-enters t's own cell via Exit.
func stepSignals(t *proc.TaskControlBlock, cx *trap.TrapContext) {
	for {
		var backup trap.TrapContext
		var delivered signal.Sig
		var fatal, frozen bool
		var errPair *signal.ErrorPair
		t.SignalState(func(st *signal.State) {
			delivered, fatal = st.Step(cx, func() { backup = *cx })
			frozen = st.Frozen
			if fatal {
				errPair = st.ErrorPair
			}
		})
		_ = backup
		if fatal {
			ExitCurrentAndRunNext(errPair.ExitCode)
			return
		}
		if frozen {
			// a frozen-but-not-killed task loops through
			// suspend_current_and_run_next rather than returning to
			// user mode (spec.md §4.10), re-checking for SIGCONT
			// (or a fatal signal) every time it's rescheduled.
			SuspendCurrentAndRunNext()
			continue
		}
		if delivered == 0 {
			return
		}
	}
}

// TrapHandlerPC returns TrapHandlerEntry's entry address for
// proc.Env.TrapHandlerPC.
func TrapHandlerPC() uint64 {
	return uint64(reflect.ValueOf(TrapHandlerEntry).Pointer())
}

package sched

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
	"time"

	"sv39kernel/internal/addrspace"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/proc"
	"sv39kernel/internal/sbi"
	"sv39kernel/internal/signal"
)

// buildMinimalELF hand-assembles the smallest riscv64 ET_EXEC file
// internal/elf.Parse will accept, the same fixture shape used by
// internal/elf/elf_test.go, internal/proc/task_test.go, and
// internal/syscall/syscall_test.go.
func buildMinimalELF(t *testing.T, vaddr uint64, payload []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + phsize

	var buf bytes.Buffer
	hdr := elf.Header64{
		Ident:     [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     phoff,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     1,
	}
	binary.Write(&buf, binary.LittleEndian, &hdr)

	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X | elf.PF_W),
		Off:    dataOff,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(payload)),
		Memsz:  uint64(len(payload)),
		Align:  0x1000,
	}
	binary.Write(&buf, binary.LittleEndian, &ph)
	buf.Write(payload)
	return buf.Bytes()
}

func testEnv(t *testing.T) proc.Env {
	t.Helper()
	backing := mem.NewBacking(0, 2048)
	alloc := mem.NewAllocator(0, 2048, backing)
	tramp := alloc.Alloc()
	kernel := addrspace.NewKernel(alloc, backing, nil, 0, 0, nil, tramp.PPN)
	return proc.Env{
		Alloc:         alloc,
		Backing:       backing,
		Kernel:        kernel,
		TrampolinePPN: tramp.PPN,
		Firmware:      sbi.NewHost(),
		TrapHandlerPC: 0x80200000,
		Yield:         func() {},
	}
}

func testTask(t *testing.T, env proc.Env) *proc.TaskControlBlock {
	t.Helper()
	raw := buildMinimalELF(t, 0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	task, err := proc.NewFromELF(env, raw)
	if err != nil {
		t.Fatalf("NewFromELF: %v", err)
	}
	return task
}

// TestRegisterLookupUnregisterTask exercises the PID table spec.md §4.9
// describes alongside the ready queue: register, look up, unregister.
func TestRegisterLookupUnregisterTask(t *testing.T) {
	env := testEnv(t)
	task := testTask(t, env)

	RegisterTask(task)
	got, ok := LookupTask(task.Pid.Pid())
	if !ok || got != task {
		t.Fatal("LookupTask should return the just-registered task")
	}
	UnregisterTask(task.Pid.Pid())
	if _, ok := LookupTask(task.Pid.Pid()); ok {
		t.Fatal("LookupTask should miss after UnregisterTask")
	}
}

// TestStepSignalsFreezesAndResumesOnSIGCONT exercises the fix to
// stepSignals: a task with SIGSTOP pending suspends-and-requeues
// (rather than returning to user mode) until a concurrent SIGCONT
// arrives, matching spec.md §4.10.
func TestStepSignalsFreezesAndResumesOnSIGCONT(t *testing.T) {
	env := testEnv(t)
	task := testTask(t, env)
	task.RaiseSignal(signal.SIGSTOP)

	done := make(chan struct{})
	go WithCurrentTask(task, func() {
		cx := task.TrapCx(env.Backing)
		stepSignals(task, cx)
		close(done)
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		frozen := false
		task.SignalState(func(st *signal.State) { frozen = st.Frozen })
		if frozen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never observed as Frozen")
		}
		time.Sleep(time.Millisecond)
	}

	task.RaiseSignal(signal.SIGCONT)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stepSignals did not return after SIGCONT")
	}

	var stillFrozen bool
	task.SignalState(func(st *signal.State) { stillFrozen = st.Frozen })
	if stillFrozen {
		t.Fatal("task should no longer be frozen after SIGCONT")
	}
}

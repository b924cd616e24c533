package syscall

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"sv39kernel/internal/addrspace"
	"sv39kernel/internal/blockdev"
	"sv39kernel/internal/fsdisk"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/proc"
	"sv39kernel/internal/sbi"
	"sv39kernel/internal/sched"
	"sv39kernel/internal/userbuf"
	"sv39kernel/internal/vfs"
)

// buildMinimalELF hand-assembles the smallest riscv64 ET_EXEC file
// internal/elf.Parse will accept, the same fixture shape used by
// internal/elf/elf_test.go and internal/proc/task_test.go.
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

func newTestEnv(t *testing.T) proc.Env {
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

func newTestTask(t *testing.T, env proc.Env) *proc.TaskControlBlock {
	t.Helper()
	raw := buildMinimalELF(t, 0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	task, err := NewFromELF(env, raw)
	if err != nil {
		t.Fatalf("NewFromELF: %v", err)
	}
	return task
}

// scratchVA returns a writable address within the task's initial user
// stack, usable as scratch space for test-authored syscall arguments
// (path strings, fd arrays, buffers).
func scratchVA(task *proc.TaskControlBlock, backing *mem.Backing, below uint64) uintptr {
	top := task.TrapCx(backing).X[2]
	return uintptr(top - below)
}

func writeCString(t *testing.T, d *Dispatcher, va uintptr, s string) {
	t.Helper()
	buf := append([]byte(s), 0)
	n, err := userbuf.New(d.space(), va, len(buf)).WriteFrom(buf)
	if err != 0 || n != len(buf) {
		t.Fatalf("writeCString: n=%d err=%d", n, err)
	}
}

// TestOpenWriteCloseReopenRead exercises the open/write/close/open/read
// path end to end through the Dispatcher: a file created via CREATE,
// written to, and read back after being reopened by a fresh fd.
func TestOpenWriteCloseReopenRead(t *testing.T) {
	dev := blockdev.NewMemory()
	fs := fsdisk.Create(dev, 4096, 1, 4)
	root := vfs.Root(fs)

	env := newTestEnv(t)
	task := newTestTask(t, env)
	d := &Dispatcher{Root: root, Env: env, Firmware: env.Firmware}

	sched.WithCurrentTask(task, func() {
		pathVA := scratchVA(task, env.Backing, 256)
		writeCString(t, d, pathVA, "greeting.txt")

		fd := d.Syscall(SysOpen, [6]uint64{uint64(pathVA), uint64(vfs.RDWR | vfs.CREATE), 0, 0, 0, 0})
		if int64(fd) < 0 {
			t.Fatalf("open failed: %d", int64(fd))
		}

		msg := "hello kernel"
		bufVA := scratchVA(task, env.Backing, 128)
		if n, err := userbuf.New(d.space(), bufVA, len(msg)).WriteFrom([]byte(msg)); err != 0 || n != len(msg) {
			t.Fatalf("seeding write buffer failed: n=%d err=%d", n, err)
		}

		wn := d.Syscall(SysWrite, [6]uint64{fd, uint64(bufVA), uint64(len(msg)), 0, 0, 0})
		if int64(wn) != int64(len(msg)) {
			t.Fatalf("write returned %d, want %d", int64(wn), len(msg))
		}

		if errt := d.Syscall(SysClose, [6]uint64{fd, 0, 0, 0, 0, 0}); int64(errt) != 0 {
			t.Fatalf("close failed: %d", int64(errt))
		}

		fd2 := d.Syscall(SysOpen, [6]uint64{uint64(pathVA), uint64(vfs.RDONLY), 0, 0, 0, 0})
		if int64(fd2) < 0 {
			t.Fatalf("reopen failed: %d", int64(fd2))
		}

		readVA := scratchVA(task, env.Backing, 64)
		rn := d.Syscall(SysRead, [6]uint64{fd2, uint64(readVA), uint64(len(msg)), 0, 0, 0})
		if int64(rn) != int64(len(msg)) {
			t.Fatalf("read returned %d, want %d", int64(rn), len(msg))
		}
		got := make([]byte, len(msg))
		if n, err := userbuf.New(d.space(), readVA, len(msg)).ReadInto(got); err != 0 || n != len(msg) {
			t.Fatalf("readback failed: n=%d err=%d", n, err)
		}
		if string(got) != msg {
			t.Fatalf("got %q want %q", got, msg)
		}
	})
}

// TestOpenMissingWithoutCreateFails checks open without CREATE on a
// missing name returns -ENOENT rather than a valid fd.
func TestOpenMissingWithoutCreateFails(t *testing.T) {
	dev := blockdev.NewMemory()
	fs := fsdisk.Create(dev, 4096, 1, 4)
	root := vfs.Root(fs)

	env := newTestEnv(t)
	task := newTestTask(t, env)
	d := &Dispatcher{Root: root, Env: env, Firmware: env.Firmware}

	sched.WithCurrentTask(task, func() {
		pathVA := scratchVA(task, env.Backing, 256)
		writeCString(t, d, pathVA, "nope.txt")
		fd := d.Syscall(SysOpen, [6]uint64{uint64(pathVA), uint64(vfs.RDONLY), 0, 0, 0, 0})
		if int64(fd) >= 0 {
			t.Fatal("open of a missing name without CREATE should fail")
		}
	})
}

// TestPipeSyscallRoundTrip exercises pipe/write/read across a pair of
// fds allocated by the pipe syscall.
func TestPipeSyscallRoundTrip(t *testing.T) {
	dev := blockdev.NewMemory()
	fs := fsdisk.Create(dev, 4096, 1, 4)
	root := vfs.Root(fs)

	env := newTestEnv(t)
	task := newTestTask(t, env)
	d := &Dispatcher{Root: root, Env: env, Firmware: env.Firmware}

	sched.WithCurrentTask(task, func() {
		fdsVA := scratchVA(task, env.Backing, 512)
		if errt := d.Syscall(SysPipe, [6]uint64{uint64(fdsVA), 0, 0, 0, 0, 0}); int64(errt) != 0 {
			t.Fatalf("pipe syscall failed: %d", int64(errt))
		}
		rfd, err := userbuf.ReadScalar(d.space(), fdsVA, 4)
		if err != 0 {
			t.Fatalf("reading rfd: %d", err)
		}
		wfd, err := userbuf.ReadScalar(d.space(), fdsVA+4, 4)
		if err != 0 {
			t.Fatalf("reading wfd: %d", err)
		}

		msg := "pipe payload"
		bufVA := scratchVA(task, env.Backing, 128)
		userbuf.New(d.space(), bufVA, len(msg)).WriteFrom([]byte(msg))

		wn := d.Syscall(SysWrite, [6]uint64{uint64(wfd), uint64(bufVA), uint64(len(msg)), 0, 0, 0})
		if int64(wn) != int64(len(msg)) {
			t.Fatalf("pipe write returned %d, want %d", int64(wn), len(msg))
		}

		readVA := scratchVA(task, env.Backing, 64)
		rn := d.Syscall(SysRead, [6]uint64{uint64(rfd), uint64(readVA), uint64(len(msg)), 0, 0, 0})
		if int64(rn) != int64(len(msg)) {
			t.Fatalf("pipe read returned %d, want %d", int64(rn), len(msg))
		}
		got := make([]byte, len(msg))
		userbuf.New(d.space(), readVA, len(msg)).ReadInto(got)
		if string(got) != msg {
			t.Fatalf("got %q want %q", got, msg)
		}
	})
}

// TestForkSyscallChildReturnsZero exercises the fork syscall's
// spec.md §4.8 contract: the parent's return is the child's pid, the
// child's trap-context x[10] (its own view of the return value) is 0.
func TestForkSyscallChildReturnsZero(t *testing.T) {
	env := newTestEnv(t)
	dev := blockdev.NewMemory()
	fs := fsdisk.Create(dev, 4096, 1, 4)
	root := vfs.Root(fs)
	task := newTestTask(t, env)
	d := &Dispatcher{Root: root, Env: env, Firmware: env.Firmware}

	var childPid uint64
	sched.WithCurrentTask(task, func() {
		childPid = d.Syscall(SysFork, [6]uint64{})
	})
	if int64(childPid) == int64(task.Pid.Pid()) {
		t.Fatal("fork should return a distinct child pid")
	}
	child, ok := sched.LookupTask(int(childPid))
	if !ok {
		t.Fatal("forked child should be registered in the scheduler's pid table")
	}
	if child.TrapCx(env.Backing).X[10] != 0 {
		t.Fatal("forked child's saved x[10] should be zeroed")
	}
}

// TestKillUnknownPidFails checks kill against a pid with no registered
// task returns ENOENT.
func TestKillUnknownPidFails(t *testing.T) {
	env := newTestEnv(t)
	dev := blockdev.NewMemory()
	fs := fsdisk.Create(dev, 4096, 1, 4)
	root := vfs.Root(fs)
	task := newTestTask(t, env)
	d := &Dispatcher{Root: root, Env: env, Firmware: env.Firmware}

	sched.WithCurrentTask(task, func() {
		errt := d.Syscall(SysKill, [6]uint64{99999, 9, 0, 0, 0, 0})
		if int64(errt) == 0 {
			t.Fatal("kill of an unregistered pid should fail")
		}
	})
}

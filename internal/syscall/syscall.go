// Package syscall implements the thin translators from raw register
// values to component calls that spec.md §4.11 calls the "syscall
// surface": dispatch on the id in x[17], up to three arguments from
// x[10..13], every user pointer translated through internal/userbuf
// before it touches kernel data structures.
//
// Grounded on original_source/os/src/syscall/mod.rs's syscall() match
// (the id -> handler dispatch table and the per-call argument
// destructuring) combined with biscuit's own syscall entry style
// (sys.go's Syscall method switching on a raw trapframe, translating
// user pointers before touching them) for the surrounding Go idiom: one
// unexported sys_* method per call, a single exported Dispatcher that
// implements internal/trap.Syscaller so internal/sched never imports
// this package directly (injected via sched.SetSyscaller, mirroring
// trap.Syscaller/trap.TaskKiller's own interface-injection pattern).
package syscall

import (
	"sv39kernel/internal/addrspace"
	"sv39kernel/internal/defs"
	"sv39kernel/internal/fdtable"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/pagetable"
	"sv39kernel/internal/pipe"
	"sv39kernel/internal/proc"
	"sv39kernel/internal/sbi"
	"sv39kernel/internal/sched"
	"sv39kernel/internal/signal"
	"sv39kernel/internal/timer"
	"sv39kernel/internal/userbuf"
	"sv39kernel/internal/vfs"
)

// Syscall ids, spec.md §6 plus the SPEC_FULL.md §5 additions (times,
// getdents, dup2, mkdir — the last two placed above the real Linux
// riscv64 id space to avoid colliding with a future spec.md-mandated
// syscall).
const (
	SysDup         = 24
	SysGetdents    = 61
	SysOpen        = 56
	SysClose       = 57
	SysPipe        = 59
	SysRead        = 63
	SysWrite       = 64
	SysExit        = 93
	SysYield       = 124
	SysTimes       = 153
	SysKill        = 129
	SysSigaction   = 134
	SysSigprocmask = 135
	SysSigreturn   = 139
	SysGetTime     = 169
	SysGetpid      = 172
	SysFork        = 220
	SysExec        = 221
	SysWaitpid     = 260
	SysDup2        = 1000
	SysMkdir       = 1001
)

const maxPathLen = 256

// Dispatcher implements internal/trap.Syscaller against the rest of the
// kernel. One instance is constructed at boot and wired in via
// sched.SetSyscaller.
type Dispatcher struct {
	Root     vfs.Inode
	Env      proc.Env
	Firmware sbi.SBI
	BootTime uint64 // mtime ticks at boot, for get_time's relative clock
}

type schedulerAdapter struct{}

func (schedulerAdapter) Yield() { sched.Yield() }

func (d *Dispatcher) current() *proc.TaskControlBlock {
	t := sched.CurrentTask()
	if t == nil {
		panic("syscall: dispatch with no current task")
	}
	return t
}

func (d *Dispatcher) space() userbuf.Space {
	t := d.current()
	var pt *pagetable.PageTable
	t.AddressSpace(func(as *addrspace.AddressSpace) { pt = as.PageTable() })
	return userbuf.Space{PT: pt, Backing: d.Env.Backing}
}

// Syscall dispatches on id, matching spec.md §4.11. The return value is
// placed in x[10] by the caller (internal/trap.Handle); an error is
// returned as its negated Err_t in two's-complement uint64 form, the same
// way a negative isize crosses the ABI boundary on real hardware.
func (d *Dispatcher) Syscall(id uint64, args [6]uint64) uint64 {
	switch id {
	case SysDup:
		return retVal(d.sysDup(int(args[0])))
	case SysOpen:
		return retVal(d.sysOpen(uintptr(args[0]), int(args[1])))
	case SysClose:
		return ret(d.sysClose(int(args[0])))
	case SysPipe:
		return ret(d.sysPipe(uintptr(args[0])))
	case SysRead:
		return retVal(d.sysRead(int(args[0]), uintptr(args[1]), int(args[2])))
	case SysWrite:
		return retVal(d.sysWrite(int(args[0]), uintptr(args[1]), int(args[2])))
	case SysExit:
		d.sysExit(int(int32(args[0])))
		return 0 // unreachable: sysExit never returns to this task
	case SysYield:
		sched.SuspendCurrentAndRunNext()
		return 0
	case SysKill:
		return ret(d.sysKill(int(args[0]), signal.Sig(args[1])))
	case SysSigaction:
		return ret(d.sysSigaction(int(args[0]), uintptr(args[1]), uintptr(args[2])))
	case SysSigprocmask:
		return ret(d.sysSigprocmask(signal.Bitmask(args[0])))
	case SysSigreturn:
		return ret(d.sysSigreturn())
	case SysGetTime:
		return uint64(d.sysGetTime())
	case SysGetpid:
		return uint64(d.current().Pid.Pid())
	case SysFork:
		return uint64(d.sysFork())
	case SysExec:
		return ret(d.sysExec(uintptr(args[0]), uintptr(args[1])))
	case SysWaitpid:
		return uint64(int64(d.sysWaitpid(int(int32(args[0])), uintptr(args[1]))))
	case SysTimes:
		return ret(d.sysTimes(uintptr(args[0])))
	case SysGetdents:
		return retVal(d.sysGetdents(int(args[0]), uintptr(args[1]), int(args[2])))
	case SysDup2:
		return ret(d.sysDup2(int(args[0]), int(args[1])))
	case SysMkdir:
		return ret(d.sysMkdir(uintptr(args[0])))
	default:
		return ret(defs.EINVAL)
	}
}

// ret turns an Err_t into the negative-on-error raw return-value
// convention spec.md §7 describes.
func ret(err defs.Err_t) uint64 {
	if err == 0 {
		return 0
	}
	return uint64(int64(-int(err)))
}

// retVal turns an (n, Err_t) pair into the same convention: n on
// success, -errno on failure.
func retVal(n int, err defs.Err_t) uint64 {
	if err != 0 {
		return ret(err)
	}
	return uint64(int64(n))
}

// sysDup implements dup (id 24): dup-to-lowest-free.
func (d *Dispatcher) sysDup(fd int) (int, defs.Err_t) {
	var res int
	var err defs.Err_t
	d.current().FdTable(func(t *fdtable.Table) { res, err = t.Dup(fd) })
	return res, err
}

// sysOpen implements open (id 56): flags bitset per spec.md §4.6.
func (d *Dispatcher) sysOpen(pathVA uintptr, flags int) (int, defs.Err_t) {
	path, err := userbuf.ReadCString(d.space(), pathVA, maxPathLen)
	if err != 0 {
		return -1, err
	}
	inode, err := vfs.OpenFile(d.Root, path, flags)
	if err != 0 {
		return -1, err
	}
	accessMode := flags & 0x3
	readable := accessMode != vfs.WRONLY
	writable := accessMode == vfs.WRONLY || accessMode == vfs.RDWR
	f := fdtable.NewRegularFile(inode, readable, writable)
	var fd int
	d.current().FdTable(func(t *fdtable.Table) { fd, err = t.Alloc(f) })
	if err != 0 {
		return -1, err
	}
	return fd, 0
}

func (d *Dispatcher) sysClose(fd int) defs.Err_t {
	var err defs.Err_t
	d.current().FdTable(func(t *fdtable.Table) { err = t.Close(fd) })
	return err
}

// sysPipe implements pipe (id 59): allocates a pipe pair and writes the
// two resulting fds into the user int[2] at fdsVA.
func (d *Dispatcher) sysPipe(fdsVA uintptr) defs.Err_t {
	readEnd, writeEnd := pipe.MakePipe(schedulerAdapter{})
	var rfd, wfd int
	var err defs.Err_t
	d.current().FdTable(func(t *fdtable.Table) {
		rfd, err = t.Alloc(readEnd)
		if err != 0 {
			return
		}
		wfd, err = t.Alloc(writeEnd)
	})
	if err != 0 {
		return err
	}
	sp := d.space()
	if err := userbuf.WriteScalar(sp, fdsVA, 4, rfd); err != 0 {
		return err
	}
	return userbuf.WriteScalar(sp, fdsVA+4, 4, wfd)
}

func (d *Dispatcher) fileFor(fd int) (fdtable.File, defs.Err_t) {
	var f fdtable.File
	var err defs.Err_t
	d.current().FdTable(func(t *fdtable.Table) { f, err = t.Get(fd) })
	return f, err
}

func (d *Dispatcher) sysRead(fd int, bufVA uintptr, length int) (int, defs.Err_t) {
	f, err := d.fileFor(fd)
	if err != 0 {
		return -1, err
	}
	if !f.Readable() {
		return -1, defs.EBADF
	}
	ub := userbuf.New(d.space(), bufVA, length)
	n, err := f.Read(ub)
	if err != 0 {
		return -1, err
	}
	return n, 0
}

func (d *Dispatcher) sysWrite(fd int, bufVA uintptr, length int) (int, defs.Err_t) {
	f, err := d.fileFor(fd)
	if err != 0 {
		return -1, err
	}
	if !f.Writable() {
		return -1, defs.EBADF
	}
	ub := userbuf.New(d.space(), bufVA, length)
	n, err := f.Write(ub)
	if err != 0 {
		return -1, err
	}
	return n, 0
}

// sysExit implements exit (id 93): never returns to the caller, per
// spec.md §6.
func (d *Dispatcher) sysExit(code int) {
	sched.ExitCurrentAndRunNext(code)
}

func (d *Dispatcher) sysKill(pid int, sig signal.Sig) defs.Err_t {
	t, ok := sched.LookupTask(pid)
	if !ok {
		return defs.ENOENT
	}
	t.RaiseSignal(sig)
	return 0
}

// sysSigaction installs a new handler for sig, returning the previous
// one via oldActionVA if non-zero (id 134). Only the handler entry
// point and its blocking mask are modeled, matching spec.md §3's
// per-signal action table.
func (d *Dispatcher) sysSigaction(sig int, actionVA, oldActionVA uintptr) defs.Err_t {
	if sig < 0 || sig > kconfig.MaxSig {
		return defs.EINVAL
	}
	sp := d.space()
	var newHandler, newMask uint64
	if actionVA != 0 {
		h, err := userbuf.ReadScalar(sp, actionVA, 8)
		if err != 0 {
			return err
		}
		m, err := userbuf.ReadScalar(sp, actionVA+8, 4)
		if err != 0 {
			return err
		}
		newHandler, newMask = uint64(h), uint64(m)
	}
	var oldHandler, oldMask uint64
	d.current().SignalState(func(st *signal.State) {
		oldHandler = uint64(st.Actions[sig].Handler)
		oldMask = uint64(st.Actions[sig].Mask)
		if actionVA != 0 {
			st.Actions[sig] = signal.Action{Handler: uintptr(newHandler), Mask: signal.Bitmask(newMask)}
		}
	})
	if oldActionVA != 0 {
		if err := userbuf.WriteScalar(sp, oldActionVA, 8, int(oldHandler)); err != 0 {
			return err
		}
		if err := userbuf.WriteScalar(sp, oldActionVA+8, 4, int(oldMask)); err != 0 {
			return err
		}
	}
	return 0
}

// sysSigprocmask replaces the current task's signal mask wholesale (id
// 135), matching the rCore-Tutorial lab's simplified single-argument
// form rather than Linux's how/oldset/newset triple.
func (d *Dispatcher) sysSigprocmask(mask signal.Bitmask) defs.Err_t {
	d.current().SignalState(func(st *signal.State) { st.Mask = mask })
	return 0
}

// sysSigreturn implements sigreturn (id 139): ends the currently
// handled signal so the next trap-return's handle_signals pass may
// deliver a further one (spec.md §4.10).
func (d *Dispatcher) sysSigreturn() defs.Err_t {
	d.current().SignalState(func(st *signal.State) { st.SigReturn() })
	return 0
}

// sysGetTime implements get_time (id 169): milliseconds since boot.
func (d *Dispatcher) sysGetTime() int64 {
	return timer.MillisFromTicks(timer.Ticks() - d.BootTime)
}

// sysFork implements fork (id 220): the child's return value (0) is
// special-cased here rather than in internal/proc, matching spec.md
// §4.8's "x[10] ... is set to 0 by the syscall layer after fork returns
// to it".
func (d *Dispatcher) sysFork() int {
	parent := d.current()
	child := parent.Fork(d.Env)
	child.TrapCx(d.Env.Backing).X[10] = 0
	sched.RegisterTask(child)
	sched.AddTask(child)
	return child.Pid.Pid()
}

// sysExec implements exec (id 221): pathVA names the ELF binary (opened
// through the Dispatcher's Root filesystem), argvVA points at a
// NULL-terminated array of NUL-terminated string pointers.
func (d *Dispatcher) sysExec(pathVA, argvVA uintptr) defs.Err_t {
	sp := d.space()
	path, err := userbuf.ReadCString(sp, pathVA, maxPathLen)
	if err != 0 {
		return err
	}
	argv, err := readArgv(sp, argvVA)
	if err != 0 {
		return err
	}
	inode, err := vfs.OpenFile(d.Root, path, vfs.RDONLY)
	if err != 0 {
		return defs.ENOENT
	}
	elfBytes := make([]byte, inode.Size())
	inode.ReadAt(0, elfBytes)
	return d.current().Exec(d.Env, elfBytes, argv)
}

func readArgv(sp userbuf.Space, argvVA uintptr) ([]string, defs.Err_t) {
	var argv []string
	for i := 0; ; i++ {
		ptr, err := userbuf.ReadScalar(sp, argvVA+uintptr(i)*8, 8)
		if err != 0 {
			return nil, err
		}
		if ptr == 0 {
			return argv, 0
		}
		s, err := userbuf.ReadCString(sp, uintptr(ptr), maxPathLen)
		if err != 0 {
			return nil, err
		}
		argv = append(argv, s)
	}
}

// sysWaitpid implements waitpid (id 260): -1/no matching child, -2/no
// zombie child yet, else the reaped PID with exitCodeVA filled in
// (spec.md §4.8). The reaped PID's registry entry is released here
// since internal/proc.Waitpid has no visibility into the scheduler's
// PID table.
func (d *Dispatcher) sysWaitpid(pid int, exitCodeVA uintptr) int {
	sp := d.space()
	result := d.current().Waitpid(pid, func(code int) defs.Err_t {
		if exitCodeVA == 0 {
			return 0
		}
		return userbuf.WriteScalar(sp, exitCodeVA, 4, code)
	})
	if result >= 0 {
		sched.UnregisterTask(result)
	}
	return result
}

// sysTimes implements the SPEC_FULL-added times syscall (id 153):
// writes {userNs, sysNs} as two 8-byte fields at bufVA.
func (d *Dispatcher) sysTimes(bufVA uintptr) defs.Err_t {
	var userNs, sysNs int64
	d.current().CPUTime(func(c *proc.CPUTime) { userNs, sysNs = c.Snapshot() })
	sp := d.space()
	if err := userbuf.WriteScalar(sp, bufVA, 8, int(userNs)); err != 0 {
		return err
	}
	return userbuf.WriteScalar(sp, bufVA+8, 8, int(sysNs))
}

// direntSize is the on-wire size of one getdents record: a 28-byte
// NUL-padded name field (at most 27 name bytes) plus a 4-byte
// little-endian inode number at offset 28, mirroring fsdisk's own
// on-disk DirEntry layout (spec.md §3) so user-space can reuse the same
// struct for both.
const direntSize = 32

// sysGetdents implements the SPEC_FULL-added getdents syscall (id 61):
// walks fd's directory entries into buf, returning the number of
// entries written (not bytes), truncating at len/direntSize.
func (d *Dispatcher) sysGetdents(fd int, bufVA uintptr, length int) (int, defs.Err_t) {
	f, err := d.fileFor(fd)
	if err != 0 {
		return -1, err
	}
	rf, ok := f.(*fdtable.RegularFile)
	if !ok || !rf.Inode.IsDir() {
		return -1, defs.ENOTDIR
	}
	names := rf.Inode.Ls()
	max := length / direntSize
	if max > len(names) {
		max = len(names)
	}
	sp := d.space()
	for i := 0; i < max; i++ {
		var rec [direntSize]byte
		copy(rec[:27], names[i])
		child, _ := rf.Inode.Find(names[i])
		rec[28] = byte(child.Inum)
		rec[29] = byte(child.Inum >> 8)
		rec[30] = byte(child.Inum >> 16)
		rec[31] = byte(child.Inum >> 24)
		ub := userbuf.New(sp, bufVA+uintptr(i*direntSize), direntSize)
		if _, err := ub.WriteFrom(rec[:]); err != 0 {
			return -1, err
		}
	}
	return max, 0
}

// sysDup2 implements the SPEC_FULL-added dup2 syscall (non-standard id
// 1000): dup oldfd onto newfd specifically, as a shell wires pipe ends
// onto fd 0/1/2.
func (d *Dispatcher) sysDup2(oldfd, newfd int) defs.Err_t {
	var err defs.Err_t
	d.current().FdTable(func(t *fdtable.Table) { _, err = t.Dup2(oldfd, newfd) })
	return err
}

// sysMkdir implements the SPEC_FULL-added mkdir syscall (non-standard
// id 1001).
func (d *Dispatcher) sysMkdir(pathVA uintptr) defs.Err_t {
	path, err := userbuf.ReadCString(d.space(), pathVA, maxPathLen)
	if err != 0 {
		return err
	}
	_, ok := d.Root.Mkdir(path)
	if !ok {
		return defs.EEXIST
	}
	return 0
}

// NewFromELF loads elfBytes as a fresh task, registering it in the
// scheduler's PID table so a subsequent `kill` can reach it. The
// creation path a boot sequence or a SPEC_FULL fork-exec shell both go
// through.
func NewFromELF(env proc.Env, elfBytes []byte) (*proc.TaskControlBlock, error) {
	t, err := proc.NewFromELF(env, elfBytes)
	if err != nil {
		return nil, err
	}
	sched.RegisterTask(t)
	return t, nil
}

// Package fdtable implements the file capability polymorphism and the
// per-task file descriptor table of spec.md §4.6/§9: a `{readable,
// writable, read, write}` interface implemented by regular files, pipes,
// and stdio, plus the fixed-size slice of open descriptors every
// TaskControlBlock owns.
//
// Grounded on biscuit's fd/fd.go (Fd_t: an fdops.Fdops_i interface plus
// permission bits, Copyfd for dup) for the table shape, and spec.md §9's
// note that the polymorphic file capability is "a tagged variant ... or
// a vtable — choose per target language": this uses a plain Go
// interface, biscuit's own choice for the analogous fdops.Fdops_i.
package fdtable

import (
	"sv39kernel/internal/defs"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/userbuf"
)

// File is the capability set every open descriptor exposes (spec.md
// §4.6, §9): RegularFile, Pipe, and the three stdio descriptors all
// implement it.
type File interface {
	Readable() bool
	Writable() bool
	Read(buf *userbuf.UserBuffer) (int, defs.Err_t)
	Write(buf *userbuf.UserBuffer) (int, defs.Err_t)
}

// Table is a task's open file descriptors, a fixed-capacity slice of
// optional File slots (nil means closed), matching biscuit's Fd_t
// table and spec.md §4.8's "fd table = [Stdin, Stdout, Stdout]" initial
// layout.
type Table struct {
	slots []File
}

// NewStdioTable builds the initial three-descriptor table every freshly
// loaded task starts with: stdin, stdout, and stdout again for stderr
// (spec.md §4.8).
func NewStdioTable(stdin, stdout File) *Table {
	return &Table{slots: []File{stdin, stdout, stdout}}
}

// Get returns the File at fd, or (nil, EBADF) if fd is closed or out of
// range.
func (t *Table) Get(fd int) (File, defs.Err_t) {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, defs.EBADF
	}
	return t.slots[fd], 0
}

// Alloc installs f at the lowest-numbered free slot, growing the table
// if necessary up to kconfig.MaxOpenFiles, and returns that fd (spec.md
// §6's `dup`: "dup-to-lowest-free").
func (t *Table) Alloc(f File) (int, defs.Err_t) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = f
			return i, 0
		}
	}
	if len(t.slots) >= kconfig.MaxOpenFiles {
		return -1, defs.EMFILE
	}
	t.slots = append(t.slots, f)
	return len(t.slots) - 1, 0
}

// Close clears fd's slot.
func (t *Table) Close(fd int) defs.Err_t {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return defs.EBADF
	}
	t.slots[fd] = nil
	return 0
}

// Dup duplicates fd onto the lowest-numbered free slot, the `dup`
// syscall (id 24).
func (t *Table) Dup(fd int) (int, defs.Err_t) {
	f, err := t.Get(fd)
	if err != 0 {
		return -1, err
	}
	return t.Alloc(f)
}

// Dup2 duplicates oldfd onto newfd specifically, growing the table if
// newfd is beyond its current length, closing whatever newfd previously
// held (spec.md's SPEC_FULL-added dup2, grounded on biscuit's
// fd.Copyfd usage from shells wiring pipe ends onto fd 0/1/2).
func (t *Table) Dup2(oldfd, newfd int) (int, defs.Err_t) {
	f, err := t.Get(oldfd)
	if err != 0 {
		return -1, err
	}
	if oldfd == newfd {
		return newfd, 0
	}
	for len(t.slots) <= newfd {
		t.slots = append(t.slots, nil)
	}
	t.slots[newfd] = f
	return newfd, 0
}

// Clone returns a new Table sharing the same File references (spec.md
// §4.8 fork: "copy fd table (sharing file-object references)").
func (t *Table) Clone() *Table {
	c := make([]File, len(t.slots))
	copy(c, t.slots)
	return &Table{slots: c}
}

// CloseAll closes every open descriptor, called when a task exits.
func (t *Table) CloseAll() {
	for i := range t.slots {
		t.slots[i] = nil
	}
}

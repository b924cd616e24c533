package fdtable

import (
	"sv39kernel/internal/defs"
	"sv39kernel/internal/userbuf"
	"sv39kernel/internal/vfs"
)

// RegularFile is an open handle onto a vfs.Inode: the readable/writable
// permission bits a file was opened with, plus a private cursor that
// advances on every Read/Write (biscuit's fd/fd.go: an Fd_t wraps its
// Fops plus the open permission bits; the cursor itself lives on the
// concrete regular-file fops there, mirrored here on RegularFile since
// Go has no common fops base struct to hang it on).
type RegularFile struct {
	Inode          vfs.Inode
	readable       bool
	writable       bool
	offset         int
}

// NewRegularFile opens inode with the given permission bits, cursor at 0.
func NewRegularFile(inode vfs.Inode, readable, writable bool) *RegularFile {
	return &RegularFile{Inode: inode, readable: readable, writable: writable}
}

func (r *RegularFile) Readable() bool { return r.readable }
func (r *RegularFile) Writable() bool { return r.writable }

func (r *RegularFile) Read(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	if !r.readable {
		return 0, defs.EBADF
	}
	tmp := make([]byte, buf.Len())
	n := r.Inode.ReadAt(r.offset, tmp)
	r.offset += n
	if n == 0 {
		return 0, 0
	}
	wn, err := buf.WriteFrom(tmp[:n])
	return wn, err
}

func (r *RegularFile) Write(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	if !r.writable {
		return 0, defs.EBADF
	}
	tmp := make([]byte, buf.Len())
	rn, err := buf.ReadInto(tmp)
	if err != 0 {
		return 0, err
	}
	n := r.Inode.WriteAt(r.offset, tmp[:rn])
	r.offset += n
	return n, 0
}

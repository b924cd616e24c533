// Package defs holds the cross-cutting types shared by every kernel
// package: signed error codes and the opaque thread/task id.
package defs

// Err_t is a signed kernel error code. A zero value means success; an
// error is one of the positive constants below, which the syscall layer
// negates before placing it in x[10] as the raw return value.
type Err_t int

// Tid_t identifies the kernel thread executing a trap handler. On this
// uniprocessor kernel it is always the PID of the running task.
type Tid_t int

// Error codes returned by kernel operations. Values are the Linux errno
// numbers they mirror (ENOHEAP excepted) so a log line reads the same on
// this kernel as on Linux.
const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	EIO          Err_t = 5
	EBADF        Err_t = 9
	ENOMEM       Err_t = 12
	EFAULT       Err_t = 14
	EEXIST       Err_t = 17
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	EMFILE       Err_t = 24
	ENOSPC       Err_t = 28
	ENAMETOOLONG Err_t = 36
	ENOHEAP      Err_t = 100 // internal: resource bound tripped, not a real errno
)

// Ok reports whether err is the zero/success value.
func (err Err_t) Ok() bool {
	return err == 0
}

// Package pipe implements the anonymous pipe of spec.md §4.6: a
// fixed-size ring buffer shared by a read end and a write end, with EOF
// detected once every write end has closed.
//
// Grounded on original_source/os/src/fs/pipe.rs's PipeRingBuffer (32-byte
// ring, RingBufferStatus Full/Empty/Normal, a weak reference from the
// ring back to its write end for all_write_ends_closed), reworked into
// Go idiom: Rust's Weak<Mutex<Pipe>> becomes a count of live write ends
// kept inside the shared ring, since Go has no weak references and the
// ring only ever needs to ask "is the writer gone", not resurrect it.
package pipe

import (
	"sv39kernel/internal/defs"
	"sv39kernel/internal/upcell"
	"sv39kernel/internal/userbuf"
)

const ringSize = 32

type ringStatus int

const (
	statusFull ringStatus = iota
	statusEmpty
	statusNormal
)

type ring struct {
	buf              [ringSize]byte
	head, tail       int
	status           ringStatus
	writeEndsAlive   int
}

func newRing() ring {
	return ring{status: statusEmpty, writeEndsAlive: 0}
}

func (r *ring) availableRead() int {
	if r.status == statusEmpty {
		return 0
	}
	if r.tail > r.head {
		return r.tail - r.head
	}
	return r.tail - r.head + ringSize
}

func (r *ring) availableWrite() int {
	if r.status == statusFull {
		return 0
	}
	return ringSize - r.availableRead()
}

func (r *ring) readByte() byte {
	c := r.buf[r.head]
	r.head = (r.head + 1) % ringSize
	r.status = statusEmpty
	if r.head != r.tail {
		r.status = statusNormal
	}
	return c
}

func (r *ring) writeByte(c byte) {
	r.status = statusFull
	r.buf[r.tail] = c
	r.tail = (r.tail + 1) % ringSize
	if r.tail != r.head {
		r.status = statusNormal
	}
}

func (r *ring) allWriteEndsClosed() bool { return r.writeEndsAlive == 0 }

// Scheduler is the narrow suspend/resume capability a blocked pipe
// read/write needs to yield the CPU instead of busy-spinning with the
// lock held; internal/sched provides the real implementation, so pipe
// never imports sched directly (avoids an import cycle, same pattern as
// internal/signal's TrapContext interface).
type Scheduler interface {
	Yield()
}

// Pipe is one end (read or write) of a pipe pair; both ends share the
// same ring.
type Pipe struct {
	r        *upcell.Cell[ring]
	isWrite  bool
	sched    Scheduler
}

// MakePipe allocates a new pipe pair sharing one ring buffer.
func MakePipe(sched Scheduler) (readEnd, writeEnd *Pipe) {
	cell := upcell.New(newRing())
	upcell.With(cell, func(r *ring) struct{} {
		r.writeEndsAlive = 1
		return struct{}{}
	})
	readEnd = &Pipe{r: cell, isWrite: false, sched: sched}
	writeEnd = &Pipe{r: cell, isWrite: true, sched: sched}
	return
}

func (p *Pipe) Readable() bool { return !p.isWrite }
func (p *Pipe) Writable() bool { return p.isWrite }

// Close releases this end; once every write end is gone, blocked readers
// observe EOF instead of blocking forever.
func (p *Pipe) Close() {
	if !p.isWrite {
		return
	}
	upcell.With(p.r, func(r *ring) struct{} {
		if r.writeEndsAlive > 0 {
			r.writeEndsAlive--
		}
		return struct{}{}
	})
}

// Read copies bytes from the ring into buf, yielding whenever the ring
// is empty, until buf is full or the ring is empty with every write end
// closed (then it returns the bytes read so far), matching pipe.rs's
// read loop.
func (p *Pipe) Read(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	if p.isWrite {
		return 0, defs.EBADF
	}
	want := buf.Len()
	read := 0
	tmp := make([]byte, want)
	for read < want {
		gotEOF := false
		progressed := false
		upcell.With(p.r, func(r *ring) struct{} {
			n := r.availableRead()
			if n == 0 {
				gotEOF = r.allWriteEndsClosed()
				return struct{}{}
			}
			for n > 0 && read < want {
				tmp[read] = r.readByte()
				read++
				n--
				progressed = true
			}
			return struct{}{}
		})
		if gotEOF {
			break
		}
		if !progressed {
			p.sched.Yield()
		}
	}
	n, err := buf.WriteFrom(tmp[:read])
	return n, err
}

// Write pushes buf's contents into the ring, blocking (via Yield) while
// the ring is full, matching pipe.rs's write loop.
func (p *Pipe) Write(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	if !p.isWrite {
		return 0, defs.EBADF
	}
	want := buf.Len()
	tmp := make([]byte, want)
	n, err := buf.ReadInto(tmp)
	if err != 0 {
		return 0, err
	}
	written := 0
	for written < n {
		took := upcell.With(p.r, func(r *ring) int {
			avail := r.availableWrite()
			k := 0
			for k < avail && written+k < n {
				r.writeByte(tmp[written+k])
				k++
			}
			return k
		})
		written += took
		if written < n {
			p.sched.Yield()
		}
	}
	return written, 0
}

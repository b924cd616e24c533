package pipe

import (
	"testing"

	"sv39kernel/internal/mem"
	"sv39kernel/internal/pagetable"
	"sv39kernel/internal/userbuf"
)

// fakeScheduler counts Yield calls instead of actually switching tasks;
// a blocked call simply retries, so progress comes from the ring already
// holding (or having room for) the bytes, or from another goroutine.
type fakeScheduler struct{ yields int }

func (s *fakeScheduler) Yield() { s.yields++ }

// newSpace builds a userbuf.Space backed by a handful of freshly mapped,
// readable+writable user pages, reusing the same fixture idiom
// internal/addrspace's tests use (a bare mem.Allocator + mem.Backing).
func newSpace(t *testing.T, pages int) (userbuf.Space, uintptr) {
	t.Helper()
	backing := mem.NewBacking(0, pages+8)
	alloc := mem.NewAllocator(0, mem.PhysPageNum(pages+8), backing)
	pt := pagetable.New(alloc, backing)

	const base = uintptr(0x1000)
	for i := 0; i < pages; i++ {
		vpn := mem.VirtPageNumOf(base) + mem.VirtPageNum(i)
		frame := alloc.Alloc()
		if frame == nil {
			t.Fatal("out of frames setting up fixture")
		}
		pt.Map(vpn, frame.PPN, pagetable.FlagR|pagetable.FlagW)
	}
	return userbuf.Space{PT: pt, Backing: backing}, base
}

// TestPipeRoundTripSmallerThanRing exercises spec.md §8 property 6 for a
// write smaller than the 32-byte ring: everything written is read back
// in order without blocking.
func TestPipeRoundTripSmallerThanRing(t *testing.T) {
	sched := &fakeScheduler{}
	r, w := MakePipe(sched)

	space, base := newSpace(t, 2)
	msg := []byte("hello pipe")
	wbuf := userbuf.New(space, base, len(msg))
	if n, err := wbuf.WriteFrom(msg); err != 0 || n != len(msg) {
		t.Fatalf("seed write failed: n=%d err=%d", n, err)
	}

	n, err := w.Write(userbuf.New(space, base, len(msg)))
	if err != 0 || n != len(msg) {
		t.Fatalf("pipe write: n=%d err=%d", n, err)
	}

	readAt := base + 0x1000
	n, err = r.Read(userbuf.New(space, readAt, len(msg)))
	if err != 0 || n != len(msg) {
		t.Fatalf("pipe read: n=%d err=%d", n, err)
	}
	got := make([]byte, len(msg))
	if n, err := userbuf.New(space, readAt, len(msg)).ReadInto(got); err != 0 || n != len(msg) {
		t.Fatalf("readback: n=%d err=%d", n, err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}

// TestPipeRoundTripLargerThanRing exercises a byte stream several times
// the size of the 32-byte ring, forcing the writer to block (Yield) while
// the reader drains 16-byte chunks. The writer runs in its own goroutine
// and closes its end once done, so the final short chunk ends at EOF.
func TestPipeRoundTripLargerThanRing(t *testing.T) {
	sched := &fakeScheduler{}
	r, w := MakePipe(sched)

	total := ringSize*3 + 5
	msg := make([]byte, total)
	for i := range msg {
		msg[i] = byte(i % 251)
	}

	space, base := newSpace(t, 4)
	wbuf := userbuf.New(space, base, total)
	if n, err := wbuf.WriteFrom(msg); err != 0 || n != total {
		t.Fatalf("seed write failed: n=%d err=%d", n, err)
	}

	writeDone := make(chan struct{})
	var wN int
	go func() {
		n, _ := w.Write(userbuf.New(space, base, total))
		wN = n
		w.Close()
		close(writeDone)
	}()

	got := make([]byte, 0, total)
	readSpace, readBase := space, base+0x2000
	for len(got) < total {
		chunk := make([]byte, 16)
		n, err := r.Read(userbuf.New(readSpace, readBase, len(chunk)))
		if err != 0 {
			t.Fatalf("pipe read error: %d", err)
		}
		if n == 0 {
			continue
		}
		if m, err := userbuf.New(readSpace, readBase, n).ReadInto(chunk[:n]); err != 0 || m != n {
			t.Fatalf("readback: n=%d err=%d", m, err)
		}
		got = append(got, chunk[:n]...)
	}
	<-writeDone
	if wN != total {
		t.Fatalf("write returned %d, want %d", wN, total)
	}
	if string(got) != string(msg) {
		t.Fatal("round-tripped bytes do not match what was written")
	}
}

// TestPipeEOFAfterWriteEndClosed exercises the "EOF once every write end
// is closed" half of spec.md §4.6: a blocked reader observes a short (or
// zero) read rather than blocking forever once Close is called.
func TestPipeEOFAfterWriteEndClosed(t *testing.T) {
	sched := &fakeScheduler{}
	r, w := MakePipe(sched)
	w.Close()

	space, base := newSpace(t, 1)
	n, err := r.Read(userbuf.New(space, base, 8))
	if err != 0 {
		t.Fatalf("read after EOF should not error, got %d", err)
	}
	if n != 0 {
		t.Fatalf("read after every write end closed should return 0, got %d", n)
	}
}

// TestPipeEndsRejectWrongDirection checks Read on the write end and Write
// on the read end both fail with EBADF rather than silently doing
// nothing.
func TestPipeEndsRejectWrongDirection(t *testing.T) {
	sched := &fakeScheduler{}
	r, w := MakePipe(sched)
	space, base := newSpace(t, 1)

	if _, err := w.Read(userbuf.New(space, base, 4)); err == 0 {
		t.Fatal("write end should refuse Read")
	}
	if _, err := r.Write(userbuf.New(space, base, 4)); err == 0 {
		t.Fatal("read end should refuse Write")
	}
}

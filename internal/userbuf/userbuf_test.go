package userbuf

import (
	"bytes"
	"testing"

	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/pagetable"
)

func newTestSpace(t *testing.T, pages int) (Space, *mem.Allocator) {
	t.Helper()
	backing := mem.NewBacking(0, pages)
	alloc := mem.NewAllocator(0, mem.PhysPageNum(pages), backing)
	pt := pagetable.New(alloc, backing)
	return Space{PT: pt, Backing: backing}, alloc
}

// TestCrossPageReadWrite exercises a buffer spanning two pages, checking
// that the per-page split logic translates each page on its own.
func TestCrossPageReadWrite(t *testing.T) {
	space, alloc := newTestSpace(t, 16)
	pt := space.PT.(*pagetable.PageTable)

	f0 := alloc.Alloc()
	f1 := alloc.Alloc()
	// map two consecutive VPNs to these frames (whose PPNs here happen
	// to be consecutive too)
	vpn0 := mem.VirtPageNum(5)
	vpn1 := mem.VirtPageNum(6)
	pt.Map(vpn0, f0.PPN, pagetable.FlagR|pagetable.FlagW)
	pt.Map(vpn1, f1.PPN, pagetable.FlagR|pagetable.FlagW)

	va := vpn0.VirtAddr() + kconfig.PageSize - 4 // last 4 bytes of page 0
	n := 8                                        // spills 4 bytes into page 1
	ub := New(space, va, n)

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	written, err := ub.WriteFrom(src)
	if err != 0 || written != n {
		t.Fatalf("write failed: n=%d err=%d", written, err)
	}

	ub2 := New(space, va, n)
	dst := make([]byte, n)
	read, err := ub2.ReadInto(dst)
	if err != 0 || read != n {
		t.Fatalf("read failed: n=%d err=%d", read, err)
	}
	if !bytes.Equal(src, dst) {
		t.Fatalf("roundtrip mismatch: got %v want %v", dst, src)
	}
}

func TestReadWriteScalar(t *testing.T) {
	space, alloc := newTestSpace(t, 4)
	pt := space.PT.(*pagetable.PageTable)
	f := alloc.Alloc()
	vpn := mem.VirtPageNum(1)
	pt.Map(vpn, f.PPN, pagetable.FlagR|pagetable.FlagW)

	va := vpn.VirtAddr() + 10
	if err := WriteScalar(space, va, 4, 0xdeadbeef&0x7fffffff); err != 0 {
		t.Fatalf("write scalar failed: %d", err)
	}
	got, err := ReadScalar(space, va, 4)
	if err != 0 {
		t.Fatalf("read scalar failed: %d", err)
	}
	if got != 0xdeadbeef&0x7fffffff {
		t.Fatalf("got %x", got)
	}
}

func TestReadCStringStopsAtNul(t *testing.T) {
	space, alloc := newTestSpace(t, 4)
	pt := space.PT.(*pagetable.PageTable)
	f := alloc.Alloc()
	vpn := mem.VirtPageNum(2)
	pt.Map(vpn, f.PPN, pagetable.FlagR|pagetable.FlagW)

	va := vpn.VirtAddr()
	ub := New(space, va, 16)
	ub.WriteFrom([]byte("hi\x00garbage"))

	s, err := ReadCString(space, va, 100)
	if err != 0 {
		t.Fatalf("unexpected err %d", err)
	}
	if s != "hi" {
		t.Fatalf("got %q want %q", s, "hi")
	}
}

func TestTranslateFaultOnUnmapped(t *testing.T) {
	space, _ := newTestSpace(t, 4)
	ub := New(space, mem.VirtPageNum(100).VirtAddr(), 4)
	dst := make([]byte, 4)
	if _, err := ub.ReadInto(dst); err == 0 {
		t.Fatal("expected EFAULT on unmapped read")
	}
}

package fdtable

import (
	"testing"

	"sv39kernel/internal/defs"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/pagetable"
	"sv39kernel/internal/sbi"
	"sv39kernel/internal/userbuf"
)

// newBuf returns a one-page user buffer backed by a real page table,
// the same fixture shape internal/userbuf's own tests use.
func newBuf(t *testing.T, length int) *userbuf.UserBuffer {
	t.Helper()
	backing := mem.NewBacking(0, 4)
	alloc := mem.NewAllocator(0, 4, backing)
	pt := pagetable.New(alloc, backing)
	f := alloc.Alloc()
	vpn := mem.VirtPageNum(1)
	pt.Map(vpn, f.PPN, pagetable.FlagR|pagetable.FlagW)
	space := userbuf.Space{PT: pt, Backing: backing}
	return userbuf.New(space, vpn.VirtAddr(), length)
}

// TestAllocReusesLowestFreeSlot exercises spec.md §6's "dup reuses the
// lowest free descriptor" contract against Alloc/Close/Alloc.
func TestAllocReusesLowestFreeSlot(t *testing.T) {
	tbl := NewStdioTable(&Stdin{Firmware: sbi.NewHost(), Yield: func() {}}, &Stdout{Firmware: sbi.NewHost()})

	fd, err := tbl.Alloc(&Stdout{Firmware: sbi.NewHost()})
	if err != 0 || fd != 3 {
		t.Fatalf("Alloc on a full 3-slot table = (%d, %d), want (3, 0)", fd, err)
	}

	if err := tbl.Close(1); err != 0 {
		t.Fatalf("Close(1) failed: %d", err)
	}
	fd2, err := tbl.Alloc(&Stdout{Firmware: sbi.NewHost()})
	if err != 0 || fd2 != 1 {
		t.Fatalf("Alloc after freeing fd 1 = (%d, %d), want (1, 0)", fd2, err)
	}
}

func TestGetClosedOrOutOfRangeFails(t *testing.T) {
	tbl := NewStdioTable(&Stdin{Firmware: sbi.NewHost(), Yield: func() {}}, &Stdout{Firmware: sbi.NewHost()})
	if _, err := tbl.Get(99); err != defs.EBADF {
		t.Fatalf("Get(99) = %d, want EBADF", err)
	}
	tbl.Close(1)
	if _, err := tbl.Get(1); err != defs.EBADF {
		t.Fatalf("Get(closed fd) = %d, want EBADF", err)
	}
}

func TestDupAndDup2(t *testing.T) {
	tbl := NewStdioTable(&Stdin{Firmware: sbi.NewHost(), Yield: func() {}}, &Stdout{Firmware: sbi.NewHost()})

	dupFd, err := tbl.Dup(1)
	if err != 0 || dupFd != 3 {
		t.Fatalf("Dup(1) = (%d, %d), want (3, 0)", dupFd, err)
	}
	got, _ := tbl.Get(dupFd)
	want, _ := tbl.Get(1)
	if got != want {
		t.Fatal("Dup should share the same File reference as the original fd")
	}

	newFd, err := tbl.Dup2(1, 10)
	if err != 0 || newFd != 10 {
		t.Fatalf("Dup2(1, 10) = (%d, %d), want (10, 0)", newFd, err)
	}
	if g, _ := tbl.Get(10); g != want {
		t.Fatal("Dup2 should install the same File reference at the target fd")
	}
}

func TestCloneSharesUnderlyingFilesNotSlots(t *testing.T) {
	tbl := NewStdioTable(&Stdin{Firmware: sbi.NewHost(), Yield: func() {}}, &Stdout{Firmware: sbi.NewHost()})
	clone := tbl.Clone()

	clone.Close(1)
	if _, err := tbl.Get(1); err != 0 {
		t.Fatal("closing a fd in the clone must not affect the original table")
	}
	if _, err := clone.Get(1); err != defs.EBADF {
		t.Fatal("fd 1 should be closed in the clone")
	}
}

func TestCloseAllClearsEveryDescriptor(t *testing.T) {
	tbl := NewStdioTable(&Stdin{Firmware: sbi.NewHost(), Yield: func() {}}, &Stdout{Firmware: sbi.NewHost()})
	tbl.CloseAll()
	for fd := 0; fd < 3; fd++ {
		if _, err := tbl.Get(fd); err != defs.EBADF {
			t.Fatalf("fd %d should be closed after CloseAll", fd)
		}
	}
}

// TestStdoutWritesThroughToFirmwareConsole checks Stdout.Write forwards
// every byte to the underlying SBI console.
func TestStdoutWritesThroughToFirmwareConsole(t *testing.T) {
	fw := sbi.NewHost()
	out := &Stdout{Firmware: fw}

	msg := "hi console"
	buf := newBuf(t, len(msg))
	if n, err := buf.WriteFrom([]byte(msg)); err != 0 || n != len(msg) {
		t.Fatalf("seeding write buffer failed: n=%d err=%d", n, err)
	}

	n, err := out.Write(buf)
	if err != 0 || n != len(msg) {
		t.Fatalf("Stdout.Write = (%d, %d), want (%d, 0)", n, err, len(msg))
	}
	if string(fw.Out) != msg {
		t.Fatalf("firmware console got %q, want %q", fw.Out, msg)
	}
}

// TestStdinReadsOneByteAtATimeFromFirmware checks Stdin.Read spins via
// Yield until a character is available, then returns it.
func TestStdinReadsOneByteAtATimeFromFirmware(t *testing.T) {
	fw := sbi.NewHost()
	yields := 0
	in := &Stdin{Firmware: fw, Yield: func() {
		yields++
		if yields == 2 {
			fw.Feed([]byte{'Q'})
		}
	}}

	buf := newBuf(t, 1)
	n, err := in.Read(buf)
	if err != 0 || n != 1 {
		t.Fatalf("Stdin.Read = (%d, %d), want (1, 0)", n, err)
	}
	got := make([]byte, 1)
	buf.ReadInto(got)
	if got[0] != 'Q' {
		t.Fatalf("got %q, want 'Q'", got)
	}
	if yields < 2 {
		t.Fatal("Read should have spun via Yield until input was fed")
	}
}

package addrspace

import (
	"bytes"
	"testing"

	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/pagetable"
)

func newAlloc(t *testing.T, pages int) (*mem.Allocator, *mem.Backing) {
	t.Helper()
	backing := mem.NewBacking(0, pages)
	return mem.NewAllocator(0, mem.PhysPageNum(pages), backing), backing
}

// trampolinePage allocates a standalone frame to stand in for the
// kernel image's single shared trampoline page.
func trampolinePage(alloc *mem.Allocator) mem.PhysPageNum {
	f := alloc.Alloc()
	return f.PPN
}

func TestFromELFMapsSegmentsStackAndTrapContext(t *testing.T) {
	alloc, backing := newAlloc(t, 256)
	tramp := trampolinePage(alloc)

	text := []byte{0xde, 0xad, 0xbe, 0xef}
	segs := []ELFSegment{
		{VAddr: 0x1000, MemEnd: 0x2000, Data: text, Perm: pagetable.FlagR | pagetable.FlagX},
	}
	as, stackTop, entry := FromELF(alloc, backing, segs, 0x1000, tramp)
	if entry != 0x1000 {
		t.Fatalf("entry mismatch: %x", entry)
	}
	if stackTop <= mem.VirtPageNumCeil(0x2000).VirtAddr() {
		t.Fatal("stack should sit above the last segment")
	}

	pt := as.PageTable()
	pte, ok := pt.Translate(mem.VirtPageNumOf(0x1000))
	if !ok {
		t.Fatal("segment page not mapped")
	}
	got := backing.Bytes(pte.PPN())
	if !bytes.Equal(got[:len(text)], text) {
		t.Fatalf("segment bytes not copied: got %v want %v", got[:len(text)], text)
	}

	if _, ok := pt.Translate(mem.VirtPageNumOf(kconfig.TrapContext)); !ok {
		t.Fatal("trap context page not mapped")
	}
	if _, ok := pt.Translate(mem.VirtPageNumOf(kconfig.Trampoline)); !ok {
		t.Fatal("trampoline not mapped")
	}
}

// TestFromExistedUserTrueCopy exercises spec.md §8 property 3: after
// cloning, reading through the child returns what was written via the
// parent, and subsequent writes on either side diverge.
func TestFromExistedUserTrueCopy(t *testing.T) {
	alloc, backing := newAlloc(t, 256)
	tramp := trampolinePage(alloc)

	segs := []ELFSegment{
		{VAddr: 0x1000, MemEnd: 0x2000, Data: []byte{1, 2, 3}, Perm: pagetable.FlagR | pagetable.FlagW},
	}
	parent, _, _ := FromELF(alloc, backing, segs, 0x1000, tramp)
	child := FromExistedUser(alloc, backing, parent, tramp)

	parentPTE, _ := parent.PageTable().Translate(mem.VirtPageNumOf(0x1000))
	childPTE, _ := child.PageTable().Translate(mem.VirtPageNumOf(0x1000))
	if parentPTE.PPN() == childPTE.PPN() {
		t.Fatal("child should own a distinct physical frame, not alias the parent's")
	}

	parentBytes := backing.Bytes(parentPTE.PPN())
	childBytes := backing.Bytes(childPTE.PPN())
	if !bytes.Equal(parentBytes[:3], childBytes[:3]) {
		t.Fatal("child should start out byte-identical to parent")
	}

	parentBytes[0] = 0xff
	if childBytes[0] == 0xff {
		t.Fatal("writing through the parent must not be visible through the child")
	}
}

func TestRecycleDataPagesKeepsTrapContext(t *testing.T) {
	alloc, backing := newAlloc(t, 256)
	tramp := trampolinePage(alloc)
	segs := []ELFSegment{{VAddr: 0x1000, MemEnd: 0x2000, Data: nil, Perm: pagetable.FlagR | pagetable.FlagW}}
	as, _, _ := FromELF(alloc, backing, segs, 0x1000, tramp)

	as.RecycleDataPages()

	if _, ok := as.PageTable().Translate(mem.VirtPageNumOf(0x1000)); ok {
		t.Fatal("segment page should be unmapped after recycle")
	}
	if _, ok := as.PageTable().Translate(mem.VirtPageNumOf(kconfig.TrapContext)); !ok {
		t.Fatal("trap context must survive recycle for waitpid to translate into")
	}
	if _, ok := as.PageTable().Translate(mem.VirtPageNumOf(kconfig.Trampoline)); !ok {
		t.Fatal("trampoline must survive recycle")
	}
}

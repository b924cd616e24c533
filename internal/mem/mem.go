// Package mem implements physical page accounting: the PhysPageNum /
// VirtPageNum index types and the stack-based frame allocator (spec.md
// §4.1). Grounded on biscuit's mem/mem.go (Pa_t, PGSHIFT/PGSIZE, the
// Physmem_t singleton) simplified to this kernel's uniprocessor,
// non-refcounted ownership model: a FrameTracker is the sole owner of a
// physical page, not a refcounted COW page as in biscuit's x86-64 model.
package mem

import (
	"fmt"

	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/upcell"
)

// PhysPageNum is a 44-bit physical page index.
type PhysPageNum uint64

// VirtPageNum is a 27-bit virtual page index (SV39: 3*9 bits of index).
type VirtPageNum uint64

// PhysAddr returns the byte address at the start of this physical page.
func (p PhysPageNum) PhysAddr() uintptr {
	return uintptr(p) << kconfig.PageSizeBits
}

// VirtAddr returns the byte address at the start of this virtual page.
func (v VirtPageNum) VirtAddr() uintptr {
	return uintptr(v) << kconfig.PageSizeBits
}

// PhysPageNumOf floors a physical byte address to its page number.
func PhysPageNumOf(addr uintptr) PhysPageNum {
	return PhysPageNum(addr >> kconfig.PageSizeBits)
}

// VirtPageNumOf floors a virtual byte address to its page number.
func VirtPageNumOf(addr uintptr) VirtPageNum {
	return VirtPageNum(addr >> kconfig.PageSizeBits)
}

// VirtPageNumCeil rounds a virtual byte address up to its containing page.
func VirtPageNumCeil(addr uintptr) VirtPageNum {
	return VirtPageNum((addr + kconfig.PageSize - 1) >> kconfig.PageSizeBits)
}

// Page is the raw 4 KiB contents of one physical page.
type Page = [kconfig.PageSize]byte

// Backing abstracts the byte storage behind a physical page so tests can
// run without a real address space: in production this indexes into a
// big slab of bytes representing "all of physical memory"; the frame
// allocator only ever hands out pages that index into it.
type Backing struct {
	pages [][kconfig.PageSize]byte
	base  PhysPageNum
}

// NewBacking allocates host memory standing in for `count` physical
// pages starting at PhysPageNum base.
func NewBacking(base PhysPageNum, count int) *Backing {
	return &Backing{pages: make([][kconfig.PageSize]byte, count), base: base}
}

// Bytes returns the byte contents of physical page ppn.
func (b *Backing) Bytes(ppn PhysPageNum) *Page {
	idx := int(ppn - b.base)
	if idx < 0 || idx >= len(b.pages) {
		panic("mem.Backing: ppn out of range")
	}
	return &b.pages[idx]
}

// FrameTracker is the exclusive owner of one physical page. At most one
// tracker per physical page exists at a time (spec.md §3); releasing it
// returns the page to the free list.
type FrameTracker struct {
	PPN   PhysPageNum
	alloc *Allocator
	freed bool
}

// Free returns the frame to its allocator. Double-free is a fatal
// assertion, matching spec.md §7's "contract violation" category.
func (f *FrameTracker) Free() {
	if f.freed {
		panic("mem.FrameTracker: double free")
	}
	f.freed = true
	f.alloc.dealloc(f.PPN)
}

// Clear zeroes the frame's backing bytes.
func (f *FrameTracker) Clear() {
	b := f.alloc.backing.Bytes(f.PPN)
	for i := range b {
		b[i] = 0
	}
}

// Bytes returns the frame's backing byte page.
func (f *FrameTracker) Bytes() *Page {
	return f.alloc.backing.Bytes(f.PPN)
}

type allocatorState struct {
	current PhysPageNum
	end     PhysPageNum
	recycled []PhysPageNum
}

// Allocator is the stack-based frame allocator of spec.md §4.1: alloc
// returns the most recently recycled PPN if any, else advances the
// frontier, and zeroes the page before handing it out; dealloc pushes the
// page to the free list without touching its contents.
type Allocator struct {
	state   *upcell.Cell[allocatorState]
	backing *Backing
}

// NewAllocator seeds an allocator over the half-open PPN range
// [start, end) backed by b.
func NewAllocator(start, end PhysPageNum, b *Backing) *Allocator {
	return &Allocator{
		state:   upcell.New(allocatorState{current: start, end: end}),
		backing: b,
	}
}

// Alloc returns a fresh FrameTracker, or nil if physical memory is
// exhausted.
func (a *Allocator) Alloc() *FrameTracker {
	var ppn PhysPageNum
	ok := false
	upcell.With(a.state, func(s *allocatorState) struct{} {
		if n := len(s.recycled); n > 0 {
			ppn = s.recycled[n-1]
			s.recycled = s.recycled[:n-1]
			ok = true
		} else if s.current < s.end {
			ppn = s.current
			s.current++
			ok = true
		}
		return struct{}{}
	})
	if !ok {
		return nil
	}
	ft := &FrameTracker{PPN: ppn, alloc: a}
	ft.Clear()
	return ft
}

func (a *Allocator) dealloc(ppn PhysPageNum) {
	upcell.With(a.state, func(s *allocatorState) struct{} {
		if ppn >= s.current {
			panic(fmt.Sprintf("mem.Allocator: dealloc of never-allocated ppn %d", ppn))
		}
		for _, r := range s.recycled {
			if r == ppn {
				panic(fmt.Sprintf("mem.Allocator: double free of ppn %d", ppn))
			}
		}
		s.recycled = append(s.recycled, ppn)
		return struct{}{}
	})
}

// Free reports the number of pages still available to Alloc: the pages
// past the frontier plus the recycled ones.
func (a *Allocator) Free() int {
	var free int
	upcell.With(a.state, func(s *allocatorState) struct{} {
		free = int(s.end-s.current) + len(s.recycled)
		return struct{}{}
	})
	return free
}

// Package pagetable implements the SV39 three-level page table: PTE
// layout, map/unmap/translate, and the ownership of intermediate-level
// frames (spec.md §4.2).
//
// Grounded on biscuit's page-walk discipline in vm/as.go
// (pmap_walk/_page_insert: intermediate entries carry only the present
// bit, a leaf map asserts the slot was previously clear, unmap asserts it
// was valid) adapted from biscuit's 4-level amd64 PML4 format to SV39's
// 3-level, 9-bit-index format and its PTE flag bit positions.
package pagetable

import (
	"fmt"
	"unsafe"

	"sv39kernel/internal/mem"
)

// unsafePg reinterprets a physical page's raw bytes as 512 page-table
// entries. A page table page is nothing but an array of PTEs, so this is
// the same "view memory as a typed array" trick util.Pg2bytes uses in the
// other direction.
func unsafePg(p *mem.Page) unsafe.Pointer {
	return unsafe.Pointer(p)
}

// PTE flag bits (spec.md §3).
const (
	FlagV PTEFlags = 1 << 0 // Valid
	FlagR PTEFlags = 1 << 1 // Readable
	FlagW PTEFlags = 1 << 2 // Writable
	FlagX PTEFlags = 1 << 3 // Executable
	FlagU PTEFlags = 1 << 4 // User-accessible
	FlagG PTEFlags = 1 << 5 // Global
	FlagA PTEFlags = 1 << 6 // Accessed
	FlagD PTEFlags = 1 << 7 // Dirty
)

// PTEFlags is the low 8 bits of a page-table entry.
type PTEFlags uint8

// PTE is one 64-bit SV39 page-table entry: bits 10..53 hold the PPN,
// bits 0..7 hold the flags above.
type PTE uint64

func mkPTE(ppn mem.PhysPageNum, flags PTEFlags) PTE {
	return PTE(uint64(ppn)<<10 | uint64(flags))
}

// PPN extracts the physical page number this entry points at.
func (p PTE) PPN() mem.PhysPageNum {
	return mem.PhysPageNum(uint64(p) >> 10 & ((1 << 44) - 1))
}

// Flags extracts the low 8 flag bits.
func (p PTE) Flags() PTEFlags {
	return PTEFlags(p)
}

// IsValid reports whether the V bit is set.
func (p PTE) IsValid() bool { return p.Flags()&FlagV != 0 }

const entriesPerLevel = 512 // 2^9
const levelBits = 9

// indices splits a VirtPageNum into its three 9-bit SV39 level indices,
// most significant first (L2, L1, L0).
func indices(vpn mem.VirtPageNum) [3]int {
	v := uint64(vpn)
	return [3]int{
		int((v >> (2 * levelBits)) & (entriesPerLevel - 1)),
		int((v >> levelBits) & (entriesPerLevel - 1)),
		int(v & (entriesPerLevel - 1)),
	}
}

// node is one 4 KiB page-table-page's worth of 512 PTEs.
type node = [entriesPerLevel]PTE

// PageTable owns the root page-table frame plus every intermediate-level
// frame it has allocated. Unmap does not free intermediate levels
// (spec.md §4.2); they are released only when the whole PageTable is
// dropped by Destroy, because tearing down the address space frees the
// entire table at once.
type PageTable struct {
	root    *mem.FrameTracker
	frames  []*mem.FrameTracker // every intermediate/leaf frame this table allocated
	alloc   *mem.Allocator
	backing *mem.Backing
}

// New allocates a fresh, empty page table.
func New(alloc *mem.Allocator, backing *mem.Backing) *PageTable {
	root := alloc.Alloc()
	if root == nil {
		panic("pagetable.New: out of physical memory for root")
	}
	return &PageTable{root: root, frames: []*mem.FrameTracker{root}, alloc: alloc, backing: backing}
}

// FromToken constructs a read-only borrow rooted at the given satp value.
// It must not be used to mutate the table (there is no owning Allocator
// to serve further frame requests, and no frame list to release later).
func FromToken(token uint64, backing *mem.Backing) *PageTable {
	ppn := mem.PhysPageNum(token & ((1 << 44) - 1))
	return &PageTable{root: &mem.FrameTracker{PPN: ppn}, backing: backing}
}

func (pt *PageTable) nodeAt(ppn mem.PhysPageNum) *node {
	return (*node)(unsafePg(pt.backing.Bytes(ppn)))
}

// Token returns the SV39 satp value for this table: mode 8 (Sv39) in the
// top 4 bits, root PPN in the low 44.
func (pt *PageTable) Token() uint64 {
	return uint64(8)<<60 | uint64(pt.root.PPN)
}

// RootPPN returns the physical page number of the root table.
func (pt *PageTable) RootPPN() mem.PhysPageNum {
	return pt.root.PPN
}

// findPTE walks the three levels, returning the leaf PTE slot. If create
// is true, missing intermediate levels are allocated on demand (set
// V-only, per spec.md §4.2); if false, a missing intermediate level means
// no mapping exists and (nil, false) is returned.
func (pt *PageTable) findPTE(vpn mem.VirtPageNum, create bool) (*PTE, bool) {
	idx := indices(vpn)
	ppn := pt.root.PPN
	for level := 0; level < 3; level++ {
		n := pt.nodeAt(ppn)
		entry := &n[idx[level]]
		if level == 2 {
			return entry, true
		}
		if !entry.IsValid() {
			if !create {
				return nil, false
			}
			frame := pt.alloc.Alloc()
			if frame == nil {
				return nil, false
			}
			pt.frames = append(pt.frames, frame)
			*entry = mkPTE(frame.PPN, FlagV)
		}
		ppn = entry.PPN()
	}
	panic("unreachable")
}

// Map installs vpn -> ppn with the given leaf flags (V is added
// automatically). It asserts the leaf was previously clear — mapping an
// already-mapped vpn is a contract violation (spec.md §7).
func (pt *PageTable) Map(vpn mem.VirtPageNum, ppn mem.PhysPageNum, flags PTEFlags) {
	pte, ok := pt.findPTE(vpn, true)
	if !ok {
		panic("pagetable.Map: out of physical memory for intermediate level")
	}
	if pte.IsValid() {
		panic(fmt.Sprintf("pagetable.Map: vpn %d already mapped", vpn))
	}
	*pte = mkPTE(ppn, flags|FlagV)
}

// Unmap clears the leaf mapping for vpn. It asserts the leaf was valid.
func (pt *PageTable) Unmap(vpn mem.VirtPageNum) {
	pte, ok := pt.findPTE(vpn, false)
	if !ok || !pte.IsValid() {
		panic(fmt.Sprintf("pagetable.Unmap: vpn %d not mapped", vpn))
	}
	*pte = 0
}

// Translate returns the leaf PTE for vpn, or (0, false) if none is
// mapped.
func (pt *PageTable) Translate(vpn mem.VirtPageNum) (PTE, bool) {
	pte, ok := pt.findPTE(vpn, false)
	if !ok || !pte.IsValid() {
		return 0, false
	}
	return *pte, true
}

// TranslateVA translates a full virtual address to its physical address,
// used by the kernel-side copy helpers in internal/userbuf.
func (pt *PageTable) TranslateVA(va uintptr) (uintptr, bool) {
	vpn := mem.VirtPageNumOf(va)
	pte, ok := pt.Translate(vpn)
	if !ok {
		return 0, false
	}
	off := va & ((1 << 12) - 1)
	return pte.PPN().PhysAddr() | off, true
}

// Destroy releases every frame this table owns (root and all
// intermediate levels). Only call this once the owning address space is
// being torn down; it must not be called on a FromToken borrow.
func (pt *PageTable) Destroy() {
	if pt.alloc == nil {
		panic("pagetable.Destroy: called on a FromToken borrow")
	}
	for _, f := range pt.frames {
		f.Free()
	}
	pt.frames = nil
}

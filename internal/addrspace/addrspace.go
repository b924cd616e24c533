// Package addrspace implements the per-process (and singleton kernel)
// address space: a page table plus the ordered list of map areas that
// own its framed pages (spec.md §3, §4.3).
//
// Grounded on biscuit's vm.Vm_t (a page table plus a Vmregion_t region
// list, one mutex protecting both) generalized from biscuit's
// demand-paged, COW-capable region model to this spec's simpler
// "everything mapped up front, fork is a true copy" model — the original
// rCore-Tutorial's MemorySet/MapArea split (referenced by spec.md §3's
// own terminology) is the structural template for the constructors
// below, since biscuit has no from_elf/from_existed_user equivalent of
// its own (its loader and fork paths are spread across several files and
// rely on demand paging this kernel does not have).
package addrspace

import (
	"fmt"

	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/pagetable"
	"sv39kernel/internal/upcell"
)

// MapKind distinguishes an identity-mapped kernel region (VPN == PPN)
// from a framed region whose pages are individually allocated and owned.
type MapKind int

const (
	Identical MapKind = iota
	Framed
)

// MapArea is a half-open VPN range mapped with one permission set. A
// Framed area owns a FrameTracker per covered page; an Identical area
// owns none (the backing pages are assumed to outlive the area, e.g.
// kernel text or RAM identity-mapped once at boot).
type MapArea struct {
	startVPN, endVPN mem.VirtPageNum
	kind             MapKind
	perm             pagetable.PTEFlags
	frames           map[mem.VirtPageNum]*mem.FrameTracker
}

func newMapArea(start, end mem.VirtPageNum, kind MapKind, perm pagetable.PTEFlags) *MapArea {
	a := &MapArea{startVPN: start, endVPN: end, kind: kind, perm: perm}
	if kind == Framed {
		a.frames = make(map[mem.VirtPageNum]*mem.FrameTracker)
	}
	return a
}

func (a *MapArea) mapOne(pt *pagetable.PageTable, alloc *mem.Allocator, vpn mem.VirtPageNum) {
	var ppn mem.PhysPageNum
	switch a.kind {
	case Identical:
		ppn = mem.PhysPageNum(vpn)
	case Framed:
		f := alloc.Alloc()
		if f == nil {
			panic("addrspace: out of physical memory mapping framed area")
		}
		a.frames[vpn] = f
		ppn = f.PPN
	}
	pt.Map(vpn, ppn, a.perm)
}

func (a *MapArea) mapAll(pt *pagetable.PageTable, alloc *mem.Allocator) {
	for vpn := a.startVPN; vpn < a.endVPN; vpn++ {
		a.mapOne(pt, alloc, vpn)
	}
}

func (a *MapArea) unmapAll(pt *pagetable.PageTable) {
	for vpn := a.startVPN; vpn < a.endVPN; vpn++ {
		pt.Unmap(vpn)
		if a.kind == Framed {
			if f, ok := a.frames[vpn]; ok {
				f.Free()
				delete(a.frames, vpn)
			}
		}
	}
}

// copyDataFrom copies every page's bytes from src (at the same VPNs) into
// this area's own frames, for the from_existed_user true-copy clone.
func (a *MapArea) copyDataFrom(backing *mem.Backing, src *MapArea) {
	for vpn := a.startVPN; vpn < a.endVPN; vpn++ {
		dst := a.frames[vpn].Bytes()
		srcF, ok := src.frames[vpn]
		if !ok {
			panic("addrspace: source area missing frame during clone")
		}
		copy(dst[:], srcF.Bytes()[:])
	}
}

// AddressSpace is a page table plus the ordered map areas that own its
// framed pages. Every space also carries the shared trampoline mapping
// and a private trap-context mapping (spec.md §3).
type AddressSpace struct {
	pt      *pagetable.PageTable
	areas   []*MapArea
	alloc   *mem.Allocator
	backing *mem.Backing
}

// PageTable exposes the underlying translator, e.g. for internal/userbuf.
func (as *AddressSpace) PageTable() *pagetable.PageTable { return as.pt }

// Token returns the satp value for this address space.
func (as *AddressSpace) Token() uint64 { return as.pt.Token() }

// empty constructs an AddressSpace with a fresh, empty page table.
func empty(alloc *mem.Allocator, backing *mem.Backing) *AddressSpace {
	return &AddressSpace{pt: pagetable.New(alloc, backing), alloc: alloc, backing: backing}
}

func (as *AddressSpace) pushIdentical(start, end uintptr, perm pagetable.PTEFlags) {
	area := newMapArea(mem.VirtPageNumOf(start), mem.VirtPageNumCeil(end), Identical, perm)
	area.mapAll(as.pt, as.alloc)
	as.areas = append(as.areas, area)
}

func (as *AddressSpace) pushFramed(start, end uintptr, perm pagetable.PTEFlags) *MapArea {
	area := newMapArea(mem.VirtPageNumOf(start), mem.VirtPageNumCeil(end), Framed, perm)
	area.mapAll(as.pt, as.alloc)
	as.areas = append(as.areas, area)
	return area
}

// mapTrampoline maps the single shared trampoline physical page (owned
// by the kernel image, not by any FrameTracker) identically into every
// space at the fixed high VA.
func (as *AddressSpace) mapTrampoline(trampolinePPN mem.PhysPageNum) {
	vpn := mem.VirtPageNumOf(kconfig.Trampoline)
	as.pt.Map(vpn, trampolinePPN, pagetable.FlagR|pagetable.FlagX)
}

// KernelSection describes one identity-mapped range of the kernel image
// or an MMIO window, used by NewKernel.
type KernelSection struct {
	Start, End uintptr
	Perm       pagetable.PTEFlags
}

// NewKernel builds the singleton kernel address space: identity maps for
// each kernel image section and MMIO window, identity map of
// [ekernel, memoryEnd), and the trampoline.
func NewKernel(alloc *mem.Allocator, backing *mem.Backing, sections []KernelSection, ekernel, memoryEnd uintptr, mmio []KernelSection, trampolinePPN mem.PhysPageNum) *AddressSpace {
	as := empty(alloc, backing)
	for _, s := range sections {
		as.pushIdentical(s.Start, s.End, s.Perm)
	}
	as.pushIdentical(ekernel, memoryEnd, pagetable.FlagR|pagetable.FlagW)
	for _, w := range mmio {
		as.pushIdentical(w.Start, w.End, pagetable.FlagR|pagetable.FlagW)
	}
	as.mapTrampoline(trampolinePPN)
	return as
}

// ELFSegment is one PT_LOAD segment: its destination VA range, the raw
// bytes it should be initialized with, and its permission flags.
type ELFSegment struct {
	VAddr, MemEnd uintptr
	Data          []byte
	Perm          pagetable.PTEFlags
}

const userStackGuardPages = 1
const userStackPages = 2 // matches rCore-tutorial's USER_STACK_SIZE of two pages

// FromELF builds a fresh user address space from parsed ELF segments: a
// framed area per PT_LOAD segment, a guard-separated user stack above
// the highest segment, a private trap-context page, and the trampoline.
// Returns the space, the user stack's initial top, and the entry PC.
func FromELF(alloc *mem.Allocator, backing *mem.Backing, segments []ELFSegment, entry uintptr, trampolinePPN mem.PhysPageNum) (*AddressSpace, uintptr, uintptr) {
	as := empty(alloc, backing)

	var maxEnd uintptr
	for _, seg := range segments {
		area := as.pushFramed(seg.VAddr, seg.MemEnd, seg.Perm|pagetable.FlagU)
		writeSegmentData(as.pt, backing, area, seg)
		if seg.MemEnd > maxEnd {
			maxEnd = seg.MemEnd
		}
	}

	userStackBottom := mem.VirtPageNumCeil(maxEnd).VirtAddr() + userStackGuardPages*kconfig.PageSize
	userStackTop := userStackBottom + userStackPages*kconfig.PageSize
	as.pushFramed(userStackBottom, userStackTop, pagetable.FlagR|pagetable.FlagW|pagetable.FlagU)

	as.pushFramed(kconfig.TrapContext, kconfig.Trampoline, pagetable.FlagR|pagetable.FlagW)

	as.mapTrampoline(trampolinePPN)
	return as, userStackTop, entry
}

func writeSegmentData(pt *pagetable.PageTable, backing *mem.Backing, area *MapArea, seg ELFSegment) {
	off := 0
	for vpn := area.startVPN; vpn < area.endVPN && off < len(seg.Data); vpn++ {
		f := area.frames[vpn]
		page := f.Bytes()
		pageVA := vpn.VirtAddr()
		dstOff := 0
		if vpn == area.startVPN {
			dstOff = int(seg.VAddr - pageVA)
		}
		n := copy(page[dstOff:], seg.Data[off:])
		off += n
	}
}

// InsertFramed maps a freshly framed region into an already-built
// address space, used to add a per-task kernel stack to the singleton
// kernel space after boot (spec.md §4.8's kernel-stack placement).
func (as *AddressSpace) InsertFramed(start, end uintptr, perm pagetable.PTEFlags) {
	as.pushFramed(start, end, perm)
}

// RemoveArea unmaps and frees the framed area exactly spanning
// [start, end), used to reclaim a task's kernel stack once it is reaped.
func (as *AddressSpace) RemoveArea(start, end uintptr) {
	startVPN := mem.VirtPageNumOf(start)
	endVPN := mem.VirtPageNumCeil(end)
	for i, area := range as.areas {
		if area.startVPN == startVPN && area.endVPN == endVPN {
			area.unmapAll(as.pt)
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			return
		}
	}
	panic("addrspace: RemoveArea: no matching area")
}

// TrapContextPPN returns the physical page backing this space's private
// trap-context page, used to obtain a kernel-side pointer to it.
func (as *AddressSpace) TrapContextPPN() mem.PhysPageNum {
	vpn := mem.VirtPageNumOf(kconfig.TrapContext)
	pte, ok := as.pt.Translate(vpn)
	if !ok {
		panic("addrspace: trap context not mapped")
	}
	return pte.PPN()
}

// FromExistedUser clones src into a fresh address space: same map areas
// at the same VPNs, but with the child's own frames, byte-for-byte
// copied from the parent (true copy, never copy-on-write, per spec.md
// §4.3).
func FromExistedUser(alloc *mem.Allocator, backing *mem.Backing, src *AddressSpace, trampolinePPN mem.PhysPageNum) *AddressSpace {
	as := empty(alloc, backing)
	for _, srcArea := range src.areas {
		childArea := newMapArea(srcArea.startVPN, srcArea.endVPN, srcArea.kind, srcArea.perm)
		if srcArea.kind == Framed {
			childArea.mapAll(as.pt, as.alloc)
			childArea.copyDataFrom(backing, srcArea)
		} else {
			childArea.mapAll(as.pt, as.alloc)
		}
		as.areas = append(as.areas, childArea)
	}
	as.mapTrampoline(trampolinePPN)
	return as
}

// activation is the uniprocessor cell guarding "is this the currently
// active address space" bookkeeping; biscuit protects the equivalent
// state (the hart's loaded Pmap) the same way via Vm_t's own mutex.
var activation = upcell.New(struct{}{})

// Activate reports the satp value to load. Writing the `satp` CSR and
// issuing `sfence.vma` is done by the caller (the riscv64 trap/boot
// assembly) since this package has no access to privileged instructions
// from portable Go.
func (as *AddressSpace) Activate() uint64 {
	return upcell.With(activation, func(*struct{}) uint64 {
		return as.Token()
	})
}

// RecycleDataPages drops every map area (returning all Framed frames to
// the allocator) but leaves the trampoline and trap-context mappings in
// the page table intact, so a zombie task's address space can still
// translate a waitpid output pointer (spec.md §4.3).
func (as *AddressSpace) RecycleDataPages() {
	for _, area := range as.areas {
		if area.startVPN == mem.VirtPageNumOf(kconfig.TrapContext) {
			continue
		}
		area.unmapAll(as.pt)
	}
	as.areas = nil
}

// Destroy tears down the page table itself, including the trampoline and
// trap-context mappings. Call only once nothing will ever translate
// through this space again (the TCB is being reaped by waitpid).
func (as *AddressSpace) Destroy() {
	as.pt.Destroy()
}

func (as *AddressSpace) String() string {
	return fmt.Sprintf("AddressSpace{token=%#x, areas=%d}", as.Token(), len(as.areas))
}

// Package userbuf implements the kernel-side helpers that copy bytes,
// scalars, and NUL-terminated strings across the user/kernel boundary
// (spec.md §4.3's UserBuffer, Ttranslated_byte_buffer/translated_str
// family).
//
// Grounded on biscuit's vm/userbuf.go (Userbuf_t._tx: walk the user
// virtual range one leaf page at a time, because nothing guarantees two
// consecutive user pages are contiguous in physical memory) and
// vm/as.go's Userreadn/Userwriten (assemble/disassemble a scalar across
// page boundaries with Readn/Writen). This kernel has no demand paging
// (spec.md Non-goals), so unlike biscuit's Userdmap8_inner there is no
// page-fault-and-retry path: a translation miss is always a hard error.
package userbuf

import (
	"sv39kernel/internal/defs"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/pagetable"
	"sv39kernel/internal/util"
)

// Translator is the subset of *pagetable.PageTable a buffer needs. A
// narrow interface keeps this package from depending on how the page
// table is produced (owned table vs FromToken borrow).
type Translator interface {
	Translate(vpn mem.VirtPageNum) (pagetable.PTE, bool)
}

// Space pairs a translator with the physical-memory backing it points
// into, letting userbuf turn a PTE's PPN into an actual byte slice.
type Space struct {
	PT      Translator
	Backing *mem.Backing
}

// byteBuffer splits the user virtual range [va, va+n) into one []byte
// slice per physical page it touches, in order. It is the Go analogue of
// translated_byte_buffer / Userbuf_t's per-page walk.
func (s Space) byteBuffer(va uintptr, n int, write bool) ([][]byte, defs.Err_t) {
	if n < 0 {
		panic("userbuf: negative length")
	}
	var out [][]byte
	end := va + uintptr(n)
	for va < end {
		vpn := mem.VirtPageNumOf(va)
		pte, ok := s.PT.Translate(vpn)
		if !ok {
			return nil, defs.EFAULT
		}
		if write && pte.Flags()&pagetable.FlagW == 0 {
			return nil, defs.EFAULT
		}
		if !write && pte.Flags()&pagetable.FlagR == 0 {
			return nil, defs.EFAULT
		}
		page := s.Backing.Bytes(pte.PPN())
		pageStart := vpn.VirtAddr()
		off := int(va - pageStart)
		pageEnd := pageStart + kconfig.PageSize
		stop := pageEnd
		if stop > end {
			stop = end
		}
		out = append(out, page[off:off+int(stop-va)])
		va = stop
	}
	return out, 0
}

// UserBuffer is a cursor over a contiguous user virtual range, read or
// written a chunk (one physical page) at a time.
type UserBuffer struct {
	space Space
	va    uintptr
	total int
}

// New builds a buffer over the user virtual range [va, va+length).
func New(space Space, va uintptr, length int) *UserBuffer {
	return &UserBuffer{space: space, va: va, total: length}
}

// Len returns the buffer's total length.
func (u *UserBuffer) Len() int { return u.total }

// ReadInto copies min(len(dst), u.total) bytes from user memory into dst.
func (u *UserBuffer) ReadInto(dst []byte) (int, defs.Err_t) {
	n := len(dst)
	if n > u.total {
		n = u.total
	}
	chunks, err := u.space.byteBuffer(u.va, n, false)
	if err != 0 {
		return 0, err
	}
	copied := 0
	for _, c := range chunks {
		copied += copy(dst[copied:], c)
	}
	return copied, 0
}

// WriteFrom copies min(len(src), u.total) bytes from src into user
// memory.
func (u *UserBuffer) WriteFrom(src []byte) (int, defs.Err_t) {
	n := len(src)
	if n > u.total {
		n = u.total
	}
	chunks, err := u.space.byteBuffer(u.va, n, true)
	if err != 0 {
		return 0, err
	}
	copied := 0
	for _, c := range chunks {
		copied += copy(c, src[copied:])
	}
	return copied, 0
}

// ReadScalar reads an n-byte (n <= 8) little-endian integer at va,
// matching Vm_t.Userreadn.
func ReadScalar(space Space, va uintptr, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("userbuf: large n")
	}
	chunks, err := space.byteBuffer(va, n, false)
	if err != 0 {
		return 0, err
	}
	var buf [8]byte
	off := 0
	for _, c := range chunks {
		off += copy(buf[off:], c)
	}
	return util.Readn(buf[:], n, 0), 0
}

// WriteScalar writes an n-byte (n <= 8) little-endian integer to va,
// matching Vm_t.Userwriten.
func WriteScalar(space Space, va uintptr, n int, val int) defs.Err_t {
	if n > 8 {
		panic("userbuf: large n")
	}
	var buf [8]byte
	util.Writen(buf[:], n, 0, val)
	chunks, err := space.byteBuffer(va, n, true)
	if err != 0 {
		return err
	}
	off := 0
	for _, c := range chunks {
		off += copy(c, buf[off:off+len(c)])
	}
	return 0
}

// ReadCString copies a NUL-terminated string from user memory starting
// at va, stopping at the first NUL or after lenmax bytes, whichever
// comes first. Matches Vm_t.Userstr.
func ReadCString(space Space, va uintptr, lenmax int) (string, defs.Err_t) {
	if lenmax < 0 {
		return "", 0
	}
	out := make([]byte, 0, 32)
	for len(out) < lenmax {
		// walk one page-aligned run at a time, stopping early at the
		// first NUL found within it
		vpn := mem.VirtPageNumOf(va)
		pte, ok := space.PT.Translate(vpn)
		if !ok {
			return string(out), defs.EFAULT
		}
		page := space.Backing.Bytes(pte.PPN())
		pageStart := vpn.VirtAddr()
		off := int(va - pageStart)
		for ; off < kconfig.PageSize && len(out) < lenmax; off++ {
			c := page[off]
			if c == 0 {
				return string(out), 0
			}
			out = append(out, c)
		}
		va = pageStart + kconfig.PageSize
	}
	return string(out), 0
}

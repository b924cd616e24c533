// Package elf parses a RISC-V ELF64 executable into the PT_LOAD segment
// list and entry PC internal/addrspace.FromELF needs. The entry PC is
// the header's e_entry field; no symbol table is consulted.
//
// Grounded on biscuit's cmd/chentry (kernel/chentry.go), the one place
// in the teacher that reads an ELF file directly via the standard
// library's debug/elf package, generalized from x86-64 (EM_X86_64) to
// riscv64 (EM_RISCV) and from header-patching to full PT_LOAD extraction.
// No pack example carries a third-party ELF library, so this stays on
// debug/elf: it is the one piece of "ambient stack" for which the
// ecosystem's answer and the standard library's answer are the same
// package.
package elf

import (
	"debug/elf"
	"fmt"

	"sv39kernel/internal/addrspace"
	"sv39kernel/internal/mem"
	"sv39kernel/internal/pagetable"
)

// Image is a parsed user executable: its loadable segments and entry PC.
type Image struct {
	Segments []addrspace.ELFSegment
	Entry    uintptr
}

// Parse validates the ELF header (64-bit, little-endian, executable,
// riscv64) and extracts every PT_LOAD segment.
func Parse(raw []byte) (*Image, error) {
	f, err := elf.NewFile(byteReaderAt(raw))
	if err != nil {
		return nil, fmt.Errorf("elf: %w", err)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elf: not a 64-bit executable")
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("elf: not little-endian")
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("elf: not ET_EXEC")
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("elf: not a riscv64 executable")
	}

	img := &Image{Entry: uintptr(f.Entry)}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("elf: reading PT_LOAD segment: %w", err)
		}
		img.Segments = append(img.Segments, addrspace.ELFSegment{
			VAddr:  uintptr(prog.Vaddr),
			MemEnd: uintptr(prog.Vaddr + prog.Memsz),
			Data:   data,
			Perm:   segPerm(prog.Flags),
		})
	}
	return img, nil
}

func segPerm(flags elf.ProgFlag) pagetable.PTEFlags {
	var p pagetable.PTEFlags
	if flags&elf.PF_R != 0 {
		p |= pagetable.FlagR
	}
	if flags&elf.PF_W != 0 {
		p |= pagetable.FlagW
	}
	if flags&elf.PF_X != 0 {
		p |= pagetable.FlagX
	}
	return p
}

// Load is the pure function the task-creation path consumes: raw ELF
// bytes in, (address space, user stack top, entry PC) out, matching
// spec.md's "ELF loader is consumed as a pure function" framing exactly.
func Load(raw []byte, alloc *mem.Allocator, backing *mem.Backing, trampolinePPN mem.PhysPageNum) (*addrspace.AddressSpace, uintptr, uintptr, error) {
	img, err := Parse(raw)
	if err != nil {
		return nil, 0, 0, err
	}
	space, stackTop, entry := addrspace.FromELF(alloc, backing, img.Segments, img.Entry, trampolinePPN)
	return space, stackTop, entry, nil
}

// byteReaderAt adapts a plain byte slice to io.ReaderAt, since a user
// program's ELF bytes arrive as an in-memory blob (read from the
// filesystem) rather than an *os.File.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, fmt.Errorf("elf: read past end of image")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("elf: short read")
	}
	return n, nil
}

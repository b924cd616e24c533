// Package vfs implements the in-memory Inode handle spec.md §4.6 wraps
// around a disk inode: read/write with auto-grow, directory find/create/
// ls/mkdir, and the open_file free function the syscall surface calls
// through. Every mutating operation takes the filesystem-wide lock
// (fsdisk.Lock) before touching the block cache, per spec.md §4.6 and
// §5.
//
// Grounded on original_source/easy-fs (vfs.rs is not present in the
// filtered snapshot, so the read/write-at-offset loop and directory
// entry scan follow spec.md §4.5/§4.6's prose directly) combined with
// biscuit's ufs/ufs.go for the free-function open/create/mkdir shape
// (Ufs_t.Fs_open/Fs_mkdir: a flags bitset against a root lookup) and
// fs/blk.go's pattern of a cheap per-call value type wrapping
// (block, offset, device) rather than a long-lived handle.
package vfs

import (
	"sv39kernel/internal/bcache"
	"sv39kernel/internal/defs"
	"sv39kernel/internal/fsdisk"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/ustr"
)

// Inode is a cheap, copyable in-memory handle binding an inode number to
// the filesystem that owns it (spec.md §3: "multiple Inode objects may
// refer to the same disk inode").
type Inode struct {
	Inum uint32
	fs   *fsdisk.Filesystem
}

// Root returns a handle to the filesystem's root directory inode.
func Root(fs *fsdisk.Filesystem) Inode {
	return Inode{Inum: fsdisk.RootInode, fs: fs}
}

// blockRW adapts the filesystem's block cache to fsdisk.BlockRW for
// IncreaseSize/Clear's indirect-header accesses.
type blockRW struct{ fs *fsdisk.Filesystem }

func (r blockRW) Get(blockNum uint32) [128]uint32 {
	h := r.fs.Cache().Get(int(blockNum))
	defer h.Release()
	var out [128]uint32
	bcache.Read(h.Entry(), 0, func(w *[128]uint32) struct{} { out = *w; return struct{}{} })
	return out
}

func (r blockRW) Set(blockNum uint32, words [128]uint32) {
	h := r.fs.Cache().Get(int(blockNum))
	defer h.Release()
	bcache.Modify(h.Entry(), 0, func(w *[128]uint32) struct{} { *w = words; return struct{}{} })
}

func (in Inode) access(blockNum uint32) [128]uint32 {
	return blockRW{fs: in.fs}.Get(blockNum)
}

// Size returns the inode's current byte size.
func (in Inode) Size() int {
	var sz int
	in.fs.ReadDiskInode(in.Inum, func(d *fsdisk.DiskInode) { sz = int(d.Size) })
	return sz
}

// IsDir reports whether the inode is a directory.
func (in Inode) IsDir() bool {
	var dir bool
	in.fs.ReadDiskInode(in.Inum, func(d *fsdisk.DiskInode) { dir = d.IsDirectory() })
	return dir
}

// blockOf returns the nth 512-byte block's absolute number.
func (in Inode) blockOf(d *fsdisk.DiskInode, innerID int) uint32 {
	return d.BlockIDAt(innerID, in.access)
}

// ReadAt reads into buf starting at offset, truncated to the inode's
// current size, returning the number of bytes actually copied (spec.md
// §4.5's "Returns bytes actually transferred (truncated at size for
// reads)").
func (in Inode) ReadAt(offset int, buf []byte) int {
	return fsdisk.Lock(in.fs, func() int {
		var size int
		in.fs.ReadDiskInode(in.Inum, func(d *fsdisk.DiskInode) { size = int(d.Size) })
		end := offset + len(buf)
		if end > size {
			end = size
		}
		if end <= offset {
			return 0
		}
		total := 0
		var d fsdisk.DiskInode
		in.fs.ReadDiskInode(in.Inum, func(dd *fsdisk.DiskInode) { d = *dd })
		for pos := offset; pos < end; {
			blockIdx := pos / kconfig.BlockSize
			within := pos % kconfig.BlockSize
			n := kconfig.BlockSize - within
			if pos+n > end {
				n = end - pos
			}
			blockNum := in.blockOf(&d, blockIdx)
			h := in.fs.Cache().Get(int(blockNum))
			var tmp [kconfig.BlockSize]byte
			bcache.Read(h.Entry(), 0, func(b *[kconfig.BlockSize]byte) struct{} { tmp = *b; return struct{}{} })
			h.Release()
			copy(buf[pos-offset:pos-offset+n], tmp[within:within+n])
			total += n
			pos += n
		}
		return total
	})
}

// WriteAt writes buf at offset, growing the file first if the write
// extends past the current size (spec.md §4.5: "Writing past current
// size triggers growth outside the inode (at the VFS layer, under the FS
// mutex)"). Returns the number of bytes written.
func (in Inode) WriteAt(offset int, buf []byte) int {
	return fsdisk.Lock(in.fs, func() int {
		end := offset + len(buf)
		var d fsdisk.DiskInode
		in.fs.ReadDiskInode(in.Inum, func(dd *fsdisk.DiskInode) { d = *dd })
		if uint32(end) > d.Size {
			in.growLocked(&d, uint32(end))
		}
		for pos := offset; pos < end; {
			blockIdx := pos / kconfig.BlockSize
			within := pos % kconfig.BlockSize
			n := kconfig.BlockSize - within
			if pos+n > end {
				n = end - pos
			}
			blockNum := in.blockOf(&d, blockIdx)
			h := in.fs.Cache().Get(int(blockNum))
			bcache.Modify(h.Entry(), within, func(chunk *[kconfig.BlockSize]byte) struct{} {
				copy(chunk[:n], buf[pos-offset:pos-offset+n])
				return struct{}{}
			})
			h.Release()
			pos += n
		}
		return len(buf)
	})
}

// growLocked pre-allocates the data/indirect blocks IncreaseSize needs
// and writes the grown inode back to disk. Must be called with the
// filesystem lock already held.
func (in Inode) growLocked(d *fsdisk.DiskInode, newSize uint32) {
	need := fsdisk.TotalBlocks(newSize) - fsdisk.TotalBlocks(d.Size)
	blocks := make([]uint32, need)
	for i := range blocks {
		blocks[i] = in.fs.AllocDataBlock()
	}
	d.IncreaseSize(newSize, blocks, blockRW{fs: in.fs})
	in.fs.ModifyDiskInode(in.Inum, func(dd *fsdisk.DiskInode) struct{} { *dd = *d; return struct{}{} })
}

// Clear truncates the inode to zero length, freeing every data and
// indirect block it owned back to the data bitmap.
func (in Inode) Clear() {
	fsdisk.Lock(in.fs, func() struct{} {
		var d fsdisk.DiskInode
		in.fs.ReadDiskInode(in.Inum, func(dd *fsdisk.DiskInode) { d = *dd })
		freed := d.Clear(blockRW{fs: in.fs})
		in.fs.ModifyDiskInode(in.Inum, func(dd *fsdisk.DiskInode) struct{} { *dd = d; return struct{}{} })
		for _, b := range freed {
			in.fs.DeallocDataBlock(b)
		}
		return struct{}{}
	})
}

func (in Inode) dirEntryCount(d *fsdisk.DiskInode) int {
	return int(d.Size) / fsdisk.DirEntrySize
}

// Find looks up name as a direct child of in, which must be a
// directory. Returns the matching inode and true, or the zero value and
// false (spec.md §4.5 find: "linearly scans").
func (in Inode) Find(name string) (Inode, bool) {
	var found Inode
	ok := fsdisk.Lock(in.fs, func() bool {
		var d fsdisk.DiskInode
		in.fs.ReadDiskInode(in.Inum, func(dd *fsdisk.DiskInode) { d = *dd })
		count := in.dirEntryCount(&d)
		var entry fsdisk.DirEntry
		for i := 0; i < count; i++ {
			in.readEntryLocked(&d, i, &entry)
			if entry.NameString() == name {
				found = Inode{Inum: entry.Inum, fs: in.fs}
				return true
			}
		}
		return false
	})
	return found, ok
}

// Ls returns every name directly under in, which must be a directory
// (spec.md §4.5: "ls returns all names").
func (in Inode) Ls() []string {
	return fsdisk.Lock(in.fs, func() []string {
		var d fsdisk.DiskInode
		in.fs.ReadDiskInode(in.Inum, func(dd *fsdisk.DiskInode) { d = *dd })
		count := in.dirEntryCount(&d)
		names := make([]string, 0, count)
		var entry fsdisk.DirEntry
		for i := 0; i < count; i++ {
			in.readEntryLocked(&d, i, &entry)
			names = append(names, entry.NameString())
		}
		return names
	})
}

func (in Inode) readEntryLocked(d *fsdisk.DiskInode, index int, out *fsdisk.DirEntry) {
	off := index * fsdisk.DirEntrySize
	blockIdx := off / kconfig.BlockSize
	within := off % kconfig.BlockSize
	blockNum := in.blockOf(d, blockIdx)
	h := in.fs.Cache().Get(int(blockNum))
	bcache.Read(h.Entry(), within, func(e *fsdisk.DirEntry) struct{} { *out = *e; return struct{}{} })
	h.Release()
}

func (in Inode) appendEntryLocked(d *fsdisk.DiskInode, entry fsdisk.DirEntry) {
	off := int(d.Size)
	if uint32(off+fsdisk.DirEntrySize) > d.Size {
		in.growLocked(d, uint32(off+fsdisk.DirEntrySize))
	}
	blockIdx := off / kconfig.BlockSize
	within := off % kconfig.BlockSize
	blockNum := in.blockOf(d, blockIdx)
	h := in.fs.Cache().Get(int(blockNum))
	bcache.Modify(h.Entry(), within, func(e *fsdisk.DirEntry) struct{} { *e = entry; return struct{}{} })
	h.Release()
}

// Create makes a new regular-file child named name under in, failing
// (returning false) if the name already exists (spec.md §4.5: "create(
// name) fails if the name exists").
func (in Inode) Create(name string) (Inode, bool) {
	var created Inode
	ok := fsdisk.Lock(in.fs, func() bool {
		var d fsdisk.DiskInode
		in.fs.ReadDiskInode(in.Inum, func(dd *fsdisk.DiskInode) { d = *dd })
		count := in.dirEntryCount(&d)
		var entry fsdisk.DirEntry
		for i := 0; i < count; i++ {
			in.readEntryLocked(&d, i, &entry)
			if entry.NameString() == name {
				return false
			}
		}
		newInum := in.fs.AllocInode()
		in.fs.ModifyDiskInode(newInum, func(nd *fsdisk.DiskInode) struct{} { nd.Initialize(fsdisk.TypeFile); return struct{}{} })
		in.appendEntryLocked(&d, fsdisk.NewDirEntry(name, newInum))
		in.fs.ModifyDiskInode(in.Inum, func(dd *fsdisk.DiskInode) struct{} { *dd = d; return struct{}{} })
		created = Inode{Inum: newInum, fs: in.fs}
		return true
	})
	return created, ok
}

// Mkdir makes a new directory child named name under in, the SPEC_FULL
// addition wiring the on-disk directory-type machinery (spec.md §3,
// §4.5) to a syscall (§5 of SPEC_FULL.md).
func (in Inode) Mkdir(name string) (Inode, bool) {
	var created Inode
	ok := fsdisk.Lock(in.fs, func() bool {
		var d fsdisk.DiskInode
		in.fs.ReadDiskInode(in.Inum, func(dd *fsdisk.DiskInode) { d = *dd })
		count := in.dirEntryCount(&d)
		var entry fsdisk.DirEntry
		for i := 0; i < count; i++ {
			in.readEntryLocked(&d, i, &entry)
			if entry.NameString() == name {
				return false
			}
		}
		newInum := in.fs.AllocInode()
		in.fs.ModifyDiskInode(newInum, func(nd *fsdisk.DiskInode) struct{} { nd.Initialize(fsdisk.TypeDirectory); return struct{}{} })
		in.appendEntryLocked(&d, fsdisk.NewDirEntry(name, newInum))
		in.fs.ModifyDiskInode(in.Inum, func(dd *fsdisk.DiskInode) struct{} { *dd = d; return struct{}{} })
		created = Inode{Inum: newInum, fs: in.fs}
		return true
	})
	return created, ok
}

// Open flags, matching spec.md §4.6's bitset.
const (
	RDONLY = 0x0
	WRONLY = 0x1
	RDWR   = 0x2
	CREATE = 0x200
	TRUNC  = 0x400
)

// OpenFile resolves name against root with the given flag bitset: on
// CREATE, an existing file is truncated and a missing one is created;
// otherwise a missing name is ENOENT (spec.md §4.6 open_file).
func OpenFile(root Inode, name string, flags int) (Inode, defs.Err_t) {
	path := ustr.MkUstrSlice([]byte(name))
	dir := root
	comps := path.Components()
	if len(comps) == 0 {
		return root, 0
	}
	for _, c := range comps[:len(comps)-1] {
		next, ok := dir.Find(c.String())
		if !ok || !next.IsDir() {
			return Inode{}, defs.ENOENT
		}
		dir = next
	}
	leaf := comps[len(comps)-1].String()

	found, ok := dir.Find(leaf)
	if ok {
		if flags&(CREATE|TRUNC) != 0 {
			found.Clear()
		}
		return found, 0
	}
	if flags&CREATE == 0 {
		return Inode{}, defs.ENOENT
	}
	created, ok := dir.Create(leaf)
	if !ok {
		return Inode{}, defs.ENOENT
	}
	return created, 0
}

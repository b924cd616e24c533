// Filesystem ties the super-block, the two bitmaps, and the block cache
// together into the single mutual-exclusion boundary spec.md §4.6 says
// every mutating VFS operation serializes through. Grounded on
// biscuit's fs/super.go (Superblock_t: a plain accessor struct read
// once at mount and otherwise immutable) combined with
// original_source/easy-fs/src/layout.rs's EasyFileSystem::create (the
// geometry/zero/root-inode sequence ComputeGeometry's doc comment
// already describes).
package fsdisk

import (
	"fmt"

	"sv39kernel/internal/bcache"
	"sv39kernel/internal/blockdev"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/upcell"
)

// RootInode is the inode number of the filesystem root directory,
// allocated first by Create (spec.md §4.5).
const RootInode = 0

// Filesystem is the mounted on-disk layout: super-block fields, region
// geometry, and the block cache backing every region access. All
// mutating operations run through the single `mu` cell (spec.md §4.6,
// §5: "all mutating ops serialize through the single filesystem mutex").
type Filesystem struct {
	sb    SuperBlock
	geo   Geometry
	cache *bcache.Manager
	mu    *upcell.Cell[struct{}]
}

// Create formats a fresh filesystem over totalBlocks blocks of dev, with
// inodeBitmapBlocks blocks reserved for the inode bitmap (spec.md §4.5):
// computes the geometry, zeroes every block, writes the super-block, and
// allocates inode 0 as the root directory.
func Create(dev blockdev.BlockDevice, totalBlocks, inodeBitmapBlocks uint32, maxInFlight int64) *Filesystem {
	geo := ComputeGeometry(totalBlocks, inodeBitmapBlocks)
	cache := bcache.NewManager(dev, maxInFlight)

	for i := uint32(0); i < totalBlocks; i++ {
		h := cache.Get(int(i))
		bcache.Modify(h.Entry(), 0, func(b *[kconfig.BlockSize]byte) struct{} {
			for j := range b {
				b[j] = 0
			}
			return struct{}{}
		})
		h.Release()
	}

	fs := &Filesystem{geo: geo, cache: cache, mu: upcell.New(struct{}{})}
	fs.sb.Initialize(totalBlocks, geo.InodeBitmapBlocks, geo.InodeAreaBlocks, geo.DataBitmapBlocks, geo.DataAreaBlocks)

	h := cache.Get(0)
	bcache.Modify(h.Entry(), 0, func(sb *SuperBlock) struct{} {
		*sb = fs.sb
		return struct{}{}
	})
	h.Release()

	inum := fs.allocInodeLocked()
	if inum != RootInode {
		panic(fmt.Sprintf("fsdisk: root inode expected at %d, got %d", RootInode, inum))
	}
	fs.ModifyDiskInode(RootInode, func(d *DiskInode) struct{} {
		d.Initialize(TypeDirectory)
		return struct{}{}
	})

	cache.SyncAll()
	return fs
}

// Open mounts an already-formatted filesystem: reads and validates the
// super-block, rebuilds the geometry from its stored fields.
func Open(dev blockdev.BlockDevice, maxInFlight int64) (*Filesystem, error) {
	cache := bcache.NewManager(dev, maxInFlight)
	var sb SuperBlock
	h := cache.Get(0)
	bcache.Read(h.Entry(), 0, func(s *SuperBlock) struct{} {
		sb = *s
		return struct{}{}
	})
	h.Release()
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	geo := Geometry{
		InodeBitmapStart: 1, InodeBitmapBlocks: sb.InodeBitmapBlocks,
		InodeAreaStart: 1 + sb.InodeBitmapBlocks, InodeAreaBlocks: sb.InodeAreaBlocks,
	}
	geo.DataBitmapStart = geo.InodeAreaStart + geo.InodeAreaBlocks
	geo.DataBitmapBlocks = sb.DataBitmapBlocks
	geo.DataAreaStart = geo.DataBitmapStart + geo.DataBitmapBlocks
	geo.DataAreaBlocks = sb.DataAreaBlocks
	return &Filesystem{sb: sb, geo: geo, cache: cache, mu: upcell.New(struct{}{})}, nil
}

// SyncAll flushes every cached block to the backing device; the only
// flush operation the filesystem exposes (spec.md §5's "sync_all is the
// only flush").
func (fs *Filesystem) SyncAll() {
	fs.cache.SyncAll()
}

// Cache exposes the block cache manager for internal/vfs's data-block
// accesses, which need typed views at arbitrary block numbers beyond the
// inode/bitmap regions this package manages directly.
func (fs *Filesystem) Cache() *bcache.Manager { return fs.cache }

// Lock runs fn with the filesystem-wide mutual exclusion held, the
// boundary every mutating VFS inode operation must acquire before
// touching the block cache (spec.md §4.6).
func Lock[R any](fs *Filesystem, fn func() R) R {
	return upcell.With(fs.mu, func(*struct{}) R { return fn() })
}

func (fs *Filesystem) inodeBlockAndOffset(inum uint32) (block int, offset int) {
	block = int(fs.geo.InodeAreaStart) + int(inum)*inodeSize/kconfig.BlockSize
	offset = int(inum) * inodeSize % kconfig.BlockSize
	return
}

// ReadDiskInode runs fn against a read-only view of inode inum's
// on-disk record.
func (fs *Filesystem) ReadDiskInode(inum uint32, fn func(*DiskInode)) {
	block, off := fs.inodeBlockAndOffset(inum)
	h := fs.cache.Get(block)
	defer h.Release()
	bcache.Read(h.Entry(), off, func(d *DiskInode) struct{} { fn(d); return struct{}{} })
}

// ModifyDiskInode runs fn against a mutable view of inode inum's on-disk
// record, marking the block dirty.
func (fs *Filesystem) ModifyDiskInode(inum uint32, fn func(*DiskInode) struct{}) {
	block, off := fs.inodeBlockAndOffset(inum)
	h := fs.cache.Get(block)
	defer h.Release()
	bcache.Modify(h.Entry(), off, fn)
}

func (fs *Filesystem) allocInodeLocked() uint32 {
	bm := NewBitmap(fs.geo.InodeBitmapStart, fs.geo.InodeBitmapBlocks)
	pos := bm.Alloc(fs.cache)
	if pos < 0 {
		panic("fsdisk: inode bitmap exhausted")
	}
	return uint32(pos)
}

// AllocInode allocates a fresh inode number under the filesystem lock,
// panicking if the inode bitmap has no free bit. The VFS layer's Create
// and Mkdir call it without checking for a free inode first; no code
// path turns a full inode bitmap into ENOSPC.
func (fs *Filesystem) AllocInode() uint32 {
	return Lock(fs, fs.allocInodeLocked)
}

// DeallocInode returns inum to the inode bitmap.
func (fs *Filesystem) DeallocInode(inum uint32) {
	Lock(fs, func() struct{} {
		bm := NewBitmap(fs.geo.InodeBitmapStart, fs.geo.InodeBitmapBlocks)
		bm.Dealloc(fs.cache, int(inum))
		return struct{}{}
	})
}

// AllocDataBlock allocates one data block, returning its absolute block
// number (data-area-relative bit position plus DataAreaStart).
func (fs *Filesystem) AllocDataBlock() uint32 {
	return Lock(fs, func() uint32 {
		bm := NewBitmap(fs.geo.DataBitmapStart, fs.geo.DataBitmapBlocks)
		pos := bm.Alloc(fs.cache)
		if pos < 0 {
			panic("fsdisk: data bitmap exhausted")
		}
		return fs.geo.DataAreaStart + uint32(pos)
	})
}

// DeallocDataBlock returns a previously allocated absolute data block
// number to the bitmap, zeroing its contents first (matching
// original_source's dealloc_data, which clears the block before
// returning it so a later reader of the same block number from a new
// file never sees stale bytes).
func (fs *Filesystem) DeallocDataBlock(blockNum uint32) {
	Lock(fs, func() struct{} {
		h := fs.cache.Get(int(blockNum))
		bcache.Modify(h.Entry(), 0, func(b *[kconfig.BlockSize]byte) struct{} {
			for i := range b {
				b[i] = 0
			}
			return struct{}{}
		})
		h.Release()
		bm := NewBitmap(fs.geo.DataBitmapStart, fs.geo.DataBitmapBlocks)
		bm.Dealloc(fs.cache, int(blockNum-fs.geo.DataAreaStart))
		return struct{}{}
	})
}

// Package fsdisk implements the on-disk filesystem layout and the
// DiskInode block-addressing algorithms (spec.md §4.5): the super-block,
// bitmap allocator, direct/indirect1/indirect2 block addressing, growth,
// shrink, and directory entry encoding.
//
// Grounded on original_source/easy-fs/src/layout.rs for the super-block
// fields and magic number (0x3b800001); the bitmap and DiskInode
// algorithms are not present in the filtered original_source (this lab
// snapshot stops before bitmap.rs/vfs.rs), so they follow spec.md §4.5
// directly, in biscuit's naming and struct-method style (fs/super.go's
// plain accessor methods on a fixed-layout struct).
package fsdisk

import (
	"fmt"

	"golang.org/x/mod/semver"

	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/util"
)

// Magic is the super-block sanity-check value.
const Magic uint32 = 0x3b800001

// FormatVersion is the on-disk format version this build writes and
// expects to read; bumped whenever the layout changes incompatibly.
// Stored as a semver string so Validate can compare major versions with
// semver.Major instead of hand-rolled parsing (SPEC_FULL.md §3).
const FormatVersion = "v1.0.0"

const superBlockVersionFieldLen = 12 // fixed-width NUL-padded semver string

// SuperBlock is the first block of the filesystem.
type SuperBlock struct {
	Magic             uint32
	Version           [superBlockVersionFieldLen]byte
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

// Initialize fills in sb's fields for a freshly created filesystem.
func (sb *SuperBlock) Initialize(total, inodeBitmap, inodeArea, dataBitmap, dataArea uint32) {
	sb.Magic = Magic
	copy(sb.Version[:], FormatVersion)
	sb.TotalBlocks = total
	sb.InodeBitmapBlocks = inodeBitmap
	sb.InodeAreaBlocks = inodeArea
	sb.DataBitmapBlocks = dataBitmap
	sb.DataAreaBlocks = dataArea
}

// VersionString returns the NUL-terminated semver string stored on disk.
func (sb *SuperBlock) VersionString() string {
	n := 0
	for n < len(sb.Version) && sb.Version[n] != 0 {
		n++
	}
	return string(sb.Version[:n])
}

// Validate checks the magic number and that the on-disk format version
// is compatible with FormatVersion (same major version).
func (sb *SuperBlock) Validate() error {
	if sb.Magic != Magic {
		return fmt.Errorf("fsdisk: bad super-block magic %#x", sb.Magic)
	}
	diskVer := sb.VersionString()
	if !semver.IsValid(diskVer) {
		return fmt.Errorf("fsdisk: unparseable on-disk format version %q", diskVer)
	}
	if semver.Major(diskVer) != semver.Major(FormatVersion) {
		return fmt.Errorf("fsdisk: incompatible format version %q (kernel expects %q)", diskVer, FormatVersion)
	}
	return nil
}

// Geometry bundles the block-region layout computed by Create, used by
// the Filesystem type to know where each region starts.
type Geometry struct {
	InodeBitmapStart, InodeBitmapBlocks uint32
	InodeAreaStart, InodeAreaBlocks     uint32
	DataBitmapStart, DataBitmapBlocks   uint32
	DataAreaStart, DataAreaBlocks       uint32
}

const (
	inodeSize       = 4 + 4*(inodeDirectCount+2) + 4 // size + direct[28] + indirect1 + indirect2 + type tag, see DiskInode
	bitsPerBlock    = kconfig.BlockSize * 8
	inodesPerBlock  = kconfig.BlockSize / inodeSize
)

// ComputeGeometry lays out the filesystem per spec.md §4.5: inode count
// is inodeBitmapBlocks*4096 bits, inode area is sized to hold them, and
// the remainder is split between the data bitmap and data area in ratio
// 1:4096 (one bitmap block addresses 4096 data blocks, so one data-bitmap
// block "costs" 4097 blocks of space together with the data it covers).
func ComputeGeometry(totalBlocks, inodeBitmapBlocks uint32) Geometry {
	inodeCount := inodeBitmapBlocks * bitsPerBlock
	inodeAreaBlocks := util.Roundup(inodeCount, uint32(inodesPerBlock)) / uint32(inodesPerBlock)

	used := 1 + inodeBitmapBlocks + inodeAreaBlocks
	remaining := totalBlocks - used
	dataBitmapBlocks := util.Roundup(remaining, uint32(bitsPerBlock+1)) / uint32(bitsPerBlock+1)
	if dataBitmapBlocks == 0 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := remaining - dataBitmapBlocks

	g := Geometry{
		InodeBitmapStart: 1, InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaStart: 1 + inodeBitmapBlocks, InodeAreaBlocks: inodeAreaBlocks,
	}
	g.DataBitmapStart = g.InodeAreaStart + g.InodeAreaBlocks
	g.DataBitmapBlocks = dataBitmapBlocks
	g.DataAreaStart = g.DataBitmapStart + g.DataBitmapBlocks
	g.DataAreaBlocks = dataAreaBlocks
	return g
}

// --- DiskInode ---

const (
	inodeDirectCount   = 28
	nameLengthLimit    = 27
	indirect1Count     = kconfig.BlockSize / 4 // 128
	indirect2Count     = indirect1Count * indirect1Count
	directBound        = inodeDirectCount
	indirect1Bound     = directBound + indirect1Count
)

// InodeType distinguishes a regular file from a directory.
type InodeType uint32

const (
	TypeFile InodeType = iota
	TypeDirectory
)

// DiskInode is the fixed-layout on-disk inode record (spec.md §3).
type DiskInode struct {
	Size      uint32
	Direct    [inodeDirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType
}

// Initialize resets an inode to an empty file/directory of the given
// type, all block pointers cleared.
func (d *DiskInode) Initialize(t InodeType) {
	d.Size = 0
	d.Direct = [inodeDirectCount]uint32{}
	d.Indirect1 = 0
	d.Indirect2 = 0
	d.Type = t
}

func (d *DiskInode) IsDirectory() bool { return d.Type == TypeDirectory }
func (d *DiskInode) IsFile() bool      { return d.Type == TypeFile }

// DataBlocks returns the number of data blocks needed to hold `size`
// bytes.
func DataBlocks(size uint32) uint32 {
	return util.Roundup(size, uint32(kconfig.BlockSize)) / kconfig.BlockSize
}

// TotalBlocks returns the number of blocks (data plus indirect headers)
// an inode of `size` bytes occupies, used by increase_size's caller to
// know how many blocks to pre-allocate.
func TotalBlocks(size uint32) uint32 {
	data := DataBlocks(size)
	total := data
	if data > directBound {
		total++ // indirect1 header block
	}
	if data > indirect1Bound {
		// indirect2 header plus one indirect1 header per 128 blocks
		// beyond indirect1Bound
		extra := data - indirect1Bound
		total++
		total += util.Roundup(extra, uint32(indirect1Count)) / indirect1Count
	}
	return total
}

// BlockIDAt resolves the file-relative block index innerID to a disk
// block number, fetching indirect1/indirect2 blocks through access.
// access(blockNum) must return a live, read-only view of that block's
// 128 uint32 entries.
func (d *DiskInode) BlockIDAt(innerID int, access func(blockNum uint32) [indirect1Count]uint32) uint32 {
	switch {
	case innerID < inodeDirectCount:
		return d.Direct[innerID]
	case innerID < indirect1Bound:
		entries := access(d.Indirect1)
		return entries[innerID-inodeDirectCount]
	default:
		k := innerID - indirect1Bound
		outer := access(d.Indirect2)
		inner := access(outer[k/indirect1Count])
		return inner[k%indirect1Count]
	}
}

// DirEntrySize is the fixed size of one directory entry record: 27 name
// bytes plus their NUL terminator (28 bytes) plus the 4-byte inode
// index, 32 bytes total (spec.md §3).
const DirEntrySize = nameLengthLimit + 1 + 4 // name + NUL + inode index

// DirEntry is one 32-byte directory entry: a NUL-padded name and an
// inode index.
type DirEntry struct {
	Name [nameLengthLimit + 1]byte
	Inum uint32
}

// NewDirEntry builds a directory entry for name -> inum. Panics if name
// is too long to fit (spec.md's ENAMETOOLONG boundary is enforced by the
// VFS layer before this is called).
func NewDirEntry(name string, inum uint32) DirEntry {
	if len(name) > nameLengthLimit {
		panic(fmt.Sprintf("fsdisk: name %q exceeds %d bytes", name, nameLengthLimit))
	}
	var e DirEntry
	copy(e.Name[:], name)
	e.Inum = inum
	return e
}

// NameString returns the NUL-terminated name stored in this entry.
func (e DirEntry) NameString() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

var _ = util.Writen32 // keep util's 32-bit helpers linked; fsdisk itself has no call site for them

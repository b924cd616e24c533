// Package blockdev implements the BlockDevice capability spec.md §1
// names as the filesystem's sole outbound dependency, plus a host-file
// backed implementation for running against a plain disk image file and
// an in-memory one for tests.
//
// Grounded on biscuit's fs/blk.go (Disk_i: Start/Stats, and
// Bdev_block_t.Read/Write's seek-then-transfer shape) and
// ufs/driver.go's ahci_disk_t, adapted from biscuit's async
// request/channel disk protocol (BDEV_READ/BDEV_WRITE submitted through
// Bdev_req_t.AckCh) to the spec's synchronous two-method interface,
// since this kernel models the block device as the opaque external
// collaborator spec.md §1 describes rather than reimplementing a virtio
// queue. The host-file implementation uses golang.org/x/sys/unix's
// Pread/Pwrite instead of Seek+Read/Write so concurrent block-cache
// fetches don't race on the file's read/write offset.
package blockdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"sv39kernel/internal/kconfig"
)

// BlockDevice is the capability the filesystem needs from whatever
// backs it: read or write one fixed-size block by number.
type BlockDevice interface {
	ReadBlock(id int, buf []byte)
	WriteBlock(id int, buf []byte)
}

// FileBacked implements BlockDevice against a single host file (a disk
// image).
type FileBacked struct {
	f *os.File
}

// Open opens path for positioned reads and writes. The file must already
// exist and be at least as large as the filesystem addresses.
func Open(path string) (*FileBacked, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	return &FileBacked{f: f}, nil
}

// Create opens (creating if necessary) a disk image of exactly size
// bytes.
func Create(path string, size int64) (*FileBacked, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}
	return &FileBacked{f: f}, nil
}

func (d *FileBacked) Close() error { return d.f.Close() }

// ReadBlock reads kconfig.BlockSize bytes at block id into buf.
func (d *FileBacked) ReadBlock(id int, buf []byte) {
	if len(buf) != kconfig.BlockSize {
		panic(fmt.Sprintf("blockdev: ReadBlock buffer size %d != %d", len(buf), kconfig.BlockSize))
	}
	off := int64(id) * kconfig.BlockSize
	n, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		panic(fmt.Sprintf("blockdev: pread block %d: %v", id, err))
	}
	if n != len(buf) {
		panic(fmt.Sprintf("blockdev: short pread on block %d: got %d want %d", id, n, len(buf)))
	}
}

// WriteBlock writes kconfig.BlockSize bytes from buf to block id.
func (d *FileBacked) WriteBlock(id int, buf []byte) {
	if len(buf) != kconfig.BlockSize {
		panic(fmt.Sprintf("blockdev: WriteBlock buffer size %d != %d", len(buf), kconfig.BlockSize))
	}
	off := int64(id) * kconfig.BlockSize
	n, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		panic(fmt.Sprintf("blockdev: pwrite block %d: %v", id, err))
	}
	if n != len(buf) {
		panic(fmt.Sprintf("blockdev: short pwrite on block %d: got %d want %d", id, n, len(buf)))
	}
}

// Memory is an in-RAM BlockDevice, used by filesystem unit tests that
// shouldn't depend on the host filesystem at all.
type Memory struct {
	blocks map[int]*[kconfig.BlockSize]byte
}

// NewMemory creates an empty in-memory block device; blocks read before
// being written come back zeroed, matching a freshly truncated file.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[int]*[kconfig.BlockSize]byte)}
}

func (m *Memory) block(id int) *[kconfig.BlockSize]byte {
	b, ok := m.blocks[id]
	if !ok {
		b = &[kconfig.BlockSize]byte{}
		m.blocks[id] = b
	}
	return b
}

func (m *Memory) ReadBlock(id int, buf []byte) {
	copy(buf, m.block(id)[:])
}

func (m *Memory) WriteBlock(id int, buf []byte) {
	copy(m.block(id)[:], buf)
}

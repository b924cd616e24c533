// Command mkfs is the packer CLI spec.md §6 describes only by its
// interface ("reads a directory of user ELF images and writes a 16 MiB
// disk image at a configured path"): it formats a fresh on-disk
// filesystem (internal/fsdisk) and copies every regular file in a host
// directory into the image's root directory via internal/vfs, so the
// resulting image can be handed straight to internal/blockdev.Open at
// boot.
//
// Adapted from biscuit's cmd/mkfs (mkfs.go's addfiles/copydata walk),
// generalized from biscuit's bootloader+kernel+skeleton three-input
// layout (this kernel has no on-disk bootloader stage to pack) down to
// a single skeleton directory of already-built riscv64 ELF binaries, one
// level deep (no subdirectories, matching spec.md §6's "a directory of
// user ELF images"). The image file itself is mmap'd with
// golang.org/x/sys/unix rather than opened through internal/blockdev's
// positioned-I/O path, per SPEC_FULL.md §3: a packer tool writes every
// block of a fixed-size image exactly once, and a single mmap'd view
// serves that sequential-fill access pattern more directly than
// per-block Pwrite syscalls (which internal/blockdev.FileBacked still
// uses for the runtime random-access path bcache.Manager drives).
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"sv39kernel/internal/fsdisk"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/vfs"
)

// imageSizeBytes is the fixed disk image size spec.md §6 names.
const imageSizeBytes = 16 * 1024 * 1024

// totalBlocks / inodeBitmapBlocks pick a geometry sized for a handful of
// small user ELF binaries: one inode-bitmap block covers 4096 inodes,
// far more than this image will ever hold, but matches the ratio
// internal/fsdisk.ComputeGeometry expects (spec.md §4.5).
const (
	totalBlocks       = imageSizeBytes / kconfig.BlockSize
	inodeBitmapBlocks = 1
	maxInFlightFetch  = 4
)

// mmapDevice implements blockdev.BlockDevice directly against an mmap'd
// byte slice, used only by this tool. internal/bcache.Manager is
// agnostic to how its BlockDevice is backed, so this wiring exercises
// the same cache/filesystem code path real boot does, just with mmap
// standing in for virtio-blk.
type mmapDevice struct {
	data []byte
}

func (m *mmapDevice) ReadBlock(id int, buf []byte) {
	off := id * kconfig.BlockSize
	copy(buf, m.data[off:off+kconfig.BlockSize])
}

func (m *mmapDevice) WriteBlock(id int, buf []byte) {
	off := id * kconfig.BlockSize
	copy(m.data[off:off+kconfig.BlockSize], buf)
}

func usage(me string) {
	fmt.Printf("%s <output image> <skeleton dir>\n\nPack every regular file under <skeleton dir> into a fresh %d MiB disk image at <output image>.\n",
		me, imageSizeBytes/(1024*1024))
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	imagePath := os.Args[1]
	skelDir := os.Args[2]

	f, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		log.Fatalf("mkfs: create %s: %v", imagePath, err)
	}
	defer f.Close()
	if err := f.Truncate(imageSizeBytes); err != nil {
		log.Fatalf("mkfs: truncate %s: %v", imagePath, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, imageSizeBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		log.Fatalf("mkfs: mmap %s: %v", imagePath, err)
	}
	defer func() {
		if err := unix.Munmap(data); err != nil {
			log.Printf("mkfs: munmap %s: %v", imagePath, err)
		}
	}()

	dev := &mmapDevice{data: data}
	fs := fsdisk.Create(dev, totalBlocks, inodeBitmapBlocks, maxInFlightFetch)
	root := vfs.Root(fs)

	entries, err := os.ReadDir(skelDir)
	if err != nil {
		log.Fatalf("mkfs: read skeleton dir %s: %v", skelDir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			fmt.Printf("mkfs: skipping subdirectory %s (flat skeleton only)\n", ent.Name())
			continue
		}
		packFile(root, skelDir, ent.Name())
	}

	fs.SyncAll()
	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		log.Fatalf("mkfs: msync %s: %v", imagePath, err)
	}
}

// packFile copies the host file skelDir/name into a newly created
// regular-file inode named name under root, in one WriteAt since packed
// user ELF images are small enough to hold in memory at once (unlike
// biscuit's cmd/mkfs, which streams through a fixed fs.BSIZE buffer to
// support arbitrarily large skeleton files).
func packFile(root vfs.Inode, skelDir, name string) {
	src := filepath.Join(skelDir, name)
	data, err := os.ReadFile(src)
	if err != nil {
		log.Fatalf("mkfs: read %s: %v", src, err)
	}
	inode, ok := root.Create(name)
	if !ok {
		log.Fatalf("mkfs: duplicate name %q in skeleton", name)
	}
	n := inode.WriteAt(0, data)
	if n != len(data) {
		log.Fatalf("mkfs: short write for %s: wrote %d of %d bytes", name, n, len(data))
	}
	fmt.Printf("mkfs: packed %s (%d bytes)\n", name, len(data))
}

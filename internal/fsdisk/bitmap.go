// Bitmap allocation for the inode and data-block regions (spec.md §3,
// §4.5): each bit represents one inode/block in the corresponding area;
// allocation scans for the first clear bit, deallocation asserts the bit
// was set. Grounded on spec.md's prose directly — the filtered
// original_source/ snapshot stops before easy-fs/src/bitmap.rs, so there
// is no Rust source to adapt here, only the bit-twiddling algorithm the
// spec names.
package fsdisk

import (
	"fmt"

	"sv39kernel/internal/bcache"
	"sv39kernel/internal/kconfig"
)

const wordsPerBlock = kconfig.BlockSize / 8
const bitsPerWord = 64

// bitmapBlock is one block's worth of bitmap bits, 64 uint64 words.
type bitmapBlock = [wordsPerBlock]uint64

// Bitmap is a contiguous run of bitmap blocks starting at startBlock,
// covering `blocks*bitsPerBlock` bits.
type Bitmap struct {
	startBlock uint32
	blocks     uint32
}

// NewBitmap describes a bitmap region of `blocks` blocks starting at
// block number start.
func NewBitmap(start, blocks uint32) Bitmap {
	return Bitmap{startBlock: start, blocks: blocks}
}

// Alloc scans for the first clear bit across the whole region, setting
// it and returning its 0-based position. Returns -1 if the region is
// full.
func (b Bitmap) Alloc(cache *bcache.Manager) int {
	for blk := uint32(0); blk < b.blocks; blk++ {
		h := cache.Get(int(b.startBlock + blk))
		pos := -1
		bcache.Modify(h.Entry(), 0, func(bb *bitmapBlock) struct{} {
			for w := 0; w < wordsPerBlock; w++ {
				if bb[w] == ^uint64(0) {
					continue
				}
				for bit := 0; bit < bitsPerWord; bit++ {
					if bb[w]&(1<<uint(bit)) == 0 {
						bb[w] |= 1 << uint(bit)
						pos = int(blk)*bitsPerBlock + w*bitsPerWord + bit
						return struct{}{}
					}
				}
			}
			return struct{}{}
		})
		h.Release()
		if pos >= 0 {
			return pos
		}
	}
	return -1
}

// Dealloc clears bit `pos`. It asserts the bit was set, matching spec.md
// §3's "deallocation asserts the bit was set".
func (b Bitmap) Dealloc(cache *bcache.Manager, pos int) {
	blk := uint32(pos / bitsPerBlock)
	within := pos % bitsPerBlock
	w, bit := within/bitsPerWord, within%bitsPerWord
	h := cache.Get(int(b.startBlock + blk))
	defer h.Release()
	bcache.Modify(h.Entry(), 0, func(bb *bitmapBlock) struct{} {
		if bb[w]&(1<<uint(bit)) == 0 {
			panic(fmt.Sprintf("fsdisk: dealloc of already-clear bit %d", pos))
		}
		bb[w] &^= 1 << uint(bit)
		return struct{}{}
	})
}

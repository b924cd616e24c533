package fsdisk

import "testing"

// fakeBlocks is a minimal in-memory BlockRW fixture for exercising
// IncreaseSize/Clear without a real block cache, matching the teacher's
// hand-rolled fixture style (no mocking library).
type fakeBlocks struct {
	blocks map[uint32][indirect1Count]uint32
}

func newFakeBlocks() *fakeBlocks {
	return &fakeBlocks{blocks: map[uint32][indirect1Count]uint32{}}
}

func (f *fakeBlocks) Get(blockNum uint32) [indirect1Count]uint32 {
	return f.blocks[blockNum]
}

func (f *fakeBlocks) Set(blockNum uint32, words [indirect1Count]uint32) {
	f.blocks[blockNum] = words
}

// nextBlockNum hands out block numbers above any a test might plausibly
// overlap with direct pointers, standing in for the data-bitmap
// allocator the VFS layer would normally consult.
type blockSource struct{ next uint32 }

func (s *blockSource) take(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		s.next++
		out[i] = s.next
	}
	return out
}

// TestTotalBlocksGrowthAccounting exercises spec.md §8 property 5:
// TotalBlocks(new) - TotalBlocks(old) equals the number of blocks
// IncreaseSize actually consumes, for sizes spanning direct-only,
// indirect1, and indirect2 territory.
func TestTotalBlocksGrowthAccounting(t *testing.T) {
	sizes := []uint32{0, 512, 28 * 512, 28*512 + 1, 156 * 512, 200 * 512, 16384 * 512}
	var d DiskInode
	d.Initialize(TypeFile)
	src := &blockSource{}
	rw := newFakeBlocks()
	for i := 1; i < len(sizes); i++ {
		old, new := sizes[i-1], sizes[i]

		need := TotalBlocks(new) - TotalBlocks(old)
		blocks := src.take(int(need))
		d.IncreaseSize(new, blocks, rw)

		if d.Size != new {
			t.Fatalf("size not updated: got %d want %d", d.Size, new)
		}
	}
}

// TestIncreaseSizeConsumesExactBlockCount verifies IncreaseSize never
// under- or over-consumes the caller-supplied block list: every block
// handed in ends up referenced somewhere in the inode's own pointers
// (direct, indirect1's slots, or indirect2's nested headers/slots).
func TestIncreaseSizeConsumesExactBlockCount(t *testing.T) {
	var d DiskInode
	d.Initialize(TypeFile)
	newSize := uint32(300 * 512) // spans direct, indirect1, indirect2
	need := TotalBlocks(newSize) - TotalBlocks(0)

	src := &blockSource{}
	rw := newFakeBlocks()
	blocks := src.take(int(need))
	d.IncreaseSize(newSize, blocks, rw)

	seen := map[uint32]bool{}
	access := func(b uint32) [indirect1Count]uint32 { return rw.Get(b) }
	dataBlocks := DataBlocks(newSize)
	for i := 0; i < int(dataBlocks); i++ {
		seen[d.BlockIDAt(i, access)] = true
	}
	if d.Indirect1 != 0 {
		seen[d.Indirect1] = true
	}
	if d.Indirect2 != 0 {
		seen[d.Indirect2] = true
		outer := rw.Get(d.Indirect2)
		for _, b := range outer {
			if b != 0 {
				seen[b] = true
			}
		}
	}
	for _, b := range blocks {
		if !seen[b] {
			t.Fatalf("block %d supplied to IncreaseSize was never wired into the inode", b)
		}
	}
}

// TestClearFreesEveryBlockIncreaseSizeAllocated exercises the
// grow-then-shrink roundtrip: Clear must return exactly the set of
// blocks IncreaseSize consumed.
func TestClearFreesEveryBlockIncreaseSizeAllocated(t *testing.T) {
	var d DiskInode
	d.Initialize(TypeFile)
	newSize := uint32(200 * 512)
	need := TotalBlocks(newSize) - TotalBlocks(0)

	src := &blockSource{}
	rw := newFakeBlocks()
	blocks := src.take(int(need))
	d.IncreaseSize(newSize, blocks, rw)

	freed := d.Clear(rw)
	if len(freed) != len(blocks) {
		t.Fatalf("freed %d blocks, expected %d", len(freed), len(blocks))
	}
	if d.Size != 0 || d.Indirect1 != 0 || d.Indirect2 != 0 {
		t.Fatal("clear should reset size and indirect pointers to zero")
	}
}

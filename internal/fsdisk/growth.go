// DiskInode growth and shrink (spec.md §4.5 "Growth"/"Shrink"). The
// source's DiskInode::increase_size is explicitly left unimplemented
// (spec.md §9's Open Question); this reconstructs it from the index
// math BlockIDAt already encodes, consuming pre-allocated block numbers
// in the order spec.md names: direct slots, then the indirect1 header,
// then indirect1's own slots, then the indirect2 header, then each
// indirect1 header nested under indirect2 (allocated on demand) and its
// slots.
package fsdisk

// BlockRW is the narrow read/write-whole-block capability IncreaseSize
// and Clear need for indirect header blocks; internal/vfs implements it
// against the block cache so this package stays free of bcache/blockdev
// knowledge, matching internal/pagetable's split from internal/mem.
type BlockRW interface {
	Get(blockNum uint32) [indirect1Count]uint32
	Set(blockNum uint32, words [indirect1Count]uint32)
}

// IncreaseSize grows d to newSize bytes, consuming newBlocks (exactly
// TotalBlocks(newSize)-TotalBlocks(oldSize) of them, per spec.md §4.5)
// in order. size is updated last, after every pointer is wired in.
func (d *DiskInode) IncreaseSize(newSize uint32, newBlocks []uint32, rw BlockRW) {
	next := 0
	take := func() uint32 {
		b := newBlocks[next]
		next++
		return b
	}

	cur := DataBlocks(d.Size)
	target := DataBlocks(newSize)

	for ; cur < target && cur < inodeDirectCount; cur++ {
		d.Direct[cur] = take()
	}
	if cur >= target {
		d.Size = newSize
		return
	}

	if d.Indirect1 == 0 {
		d.Indirect1 = take()
	}
	ind1 := rw.Get(d.Indirect1)
	for ; cur < target && cur < indirect1Bound; cur++ {
		ind1[cur-inodeDirectCount] = take()
	}
	rw.Set(d.Indirect1, ind1)
	if cur >= target {
		d.Size = newSize
		return
	}

	if d.Indirect2 == 0 {
		d.Indirect2 = take()
	}
	ind2 := rw.Get(d.Indirect2)
	for cur < target {
		k := cur - indirect1Bound
		outer := k / indirect1Count
		inner := k % indirect1Count
		if ind2[outer] == 0 {
			ind2[outer] = take()
		}
		headerBlocks := rw.Get(ind2[outer])
		for ; inner < indirect1Count && cur < target; inner, cur = inner+1, cur+1 {
			headerBlocks[inner] = take()
		}
		rw.Set(ind2[outer], headerBlocks)
	}
	rw.Set(d.Indirect2, ind2)
	d.Size = newSize
}

// Clear returns every data and indirect block d owns and resets it to an
// empty inode of size 0. The caller is responsible for freeing the
// returned block numbers in the data bitmap (spec.md §4.5: "caller frees
// in the data bitmap").
func (d *DiskInode) Clear(rw BlockRW) []uint32 {
	var freed []uint32
	target := DataBlocks(d.Size)
	cur := uint32(0)

	for ; cur < target && cur < inodeDirectCount; cur++ {
		freed = append(freed, d.Direct[cur])
		d.Direct[cur] = 0
	}

	if d.Indirect1 != 0 {
		ind1 := rw.Get(d.Indirect1)
		for i := uint32(0); cur < target && cur < indirect1Bound; i, cur = i+1, cur+1 {
			freed = append(freed, ind1[i])
		}
		freed = append(freed, d.Indirect1)
		d.Indirect1 = 0
	}

	if d.Indirect2 != 0 {
		ind2 := rw.Get(d.Indirect2)
		for cur < target {
			k := cur - indirect1Bound
			outer := k / indirect1Count
			startInner := k % indirect1Count
			remain := indirect1Count - startInner
			if remain > target-cur {
				remain = target - cur
			}
			if ind2[outer] != 0 {
				headerBlocks := rw.Get(ind2[outer])
				for i := uint32(0); i < remain; i++ {
					freed = append(freed, headerBlocks[startInner+i])
				}
				freed = append(freed, ind2[outer])
			}
			cur += remain
		}
		freed = append(freed, d.Indirect2)
		d.Indirect2 = 0
	}

	d.Size = 0
	return freed
}

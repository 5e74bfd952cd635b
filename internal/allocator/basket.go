package allocator

import "unsafe"

// basket holds every superblock of a single size class owned by one heap,
// split between partial (not full) and full superblocks. bytesAllocated and
// bytesUsed are bookkept by the Allocator's allocate/deallocate paths rather
// than recomputed here, mirroring how the original allocator's Basket fields
// are mutated directly by its Allocator methods.
type basket struct {
	sizeClass uintptr

	partial []*superblock
	full    []*superblock

	bytesAllocated uintptr
	bytesUsed      uintptr
}

func newBasket(sizeClass uintptr) *basket {
	return &basket{sizeClass: sizeClass}
}

// takeBlock removes the last partial superblock, takes one block from it,
// and returns both without re-filing the superblock: the caller must call
// addSuperblock once it has accounted for the new allocation, since the
// superblock's fullness may have just changed.
func (b *basket) takeBlock() (*superblock, unsafe.Pointer) {
	if len(b.partial) == 0 {
		return nil, nil
	}

	sb := b.partial[len(b.partial)-1]
	b.partial = b.partial[:len(b.partial)-1]

	raw, ok := sb.allocateBlock()
	if !ok {
		// A superblock in the partial list must have freeCount > 0;
		// re-file it untouched and report a miss rather than corrupt state.
		b.addSuperblock(sb)
		return nil, nil
	}

	return sb, raw
}

// takePartialSuperblock removes and returns an entire partial superblock
// without allocating from it, for migration between heaps.
func (b *basket) takePartialSuperblock() *superblock {
	if len(b.partial) == 0 {
		return nil
	}

	sb := b.partial[len(b.partial)-1]
	b.partial = b.partial[:len(b.partial)-1]

	return sb
}

// addSuperblock files sb into partial or full according to its current
// fullness.
func (b *basket) addSuperblock(sb *superblock) {
	if sb.isFull() {
		b.full = append(b.full, sb)
	} else {
		b.partial = append(b.partial, sb)
	}
}

// releaseBlock returns a block to sb and moves sb from full to partial if
// freeing made room. It never removes sb from the basket.
func (b *basket) releaseBlock(sb *superblock, raw unsafe.Pointer) {
	wasFull := sb.isFull()
	sb.freeBlock(raw)

	if wasFull {
		b.moveFullToPartial(sb)
	}
}

func (b *basket) moveFullToPartial(sb *superblock) {
	for i, candidate := range b.full {
		if candidate == sb {
			b.full[i] = b.full[len(b.full)-1]
			b.full = b.full[:len(b.full)-1]
			b.partial = append(b.partial, sb)

			return
		}
	}
}

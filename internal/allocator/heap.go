package allocator

import "sync"

// heap is an ordered sequence of baskets indexed by size class, guarded by
// one mutex covering every basket mutation and every mutation of a
// superblock currently owned by this heap. No operation on a heap blocks on
// another heap.
type heap struct {
	mu sync.Mutex

	id      int32
	baskets []*basket // baskets[i] has size class minBlockSize * 2^i.

	minBlockSize uintptr
	maxBlockSize uintptr // largest size class, at most SuperblockSize/2.
}

func newHeap(id int32, minBlockSize, superblockSize uintptr) *heap {
	maxClass := superblockSize / 2

	var baskets []*basket
	var largest uintptr
	for sizeClass := minBlockSize; sizeClass <= maxClass; sizeClass *= 2 {
		baskets = append(baskets, newBasket(sizeClass))
		largest = sizeClass
	}

	return &heap{
		id:           id,
		baskets:      baskets,
		minBlockSize: minBlockSize,
		maxBlockSize: largest,
	}
}

// basketFor returns the basket whose size class is the smallest power of
// two >= size, or false if size exceeds the largest size class (the large
// path should have handled it already).
func (h *heap) basketFor(size uintptr) (*basket, bool) {
	if size > h.maxBlockSize {
		return nil, false
	}

	sizeClass := h.minBlockSize
	idx := 0

	for sizeClass < size {
		sizeClass *= 2
		idx++
	}

	return h.baskets[idx], true
}

// snapshot takes a read-only copy of every basket's counters under the
// heap's mutex, for Allocator.Stats.
func (h *heap) snapshot() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	baskets := make([]BasketStats, len(h.baskets))
	for i, b := range h.baskets {
		baskets[i] = BasketStats{
			SizeClass:      b.sizeClass,
			PartialCount:   len(b.partial),
			FullCount:      len(b.full),
			BytesAllocated: b.bytesAllocated,
			BytesUsed:      b.bytesUsed,
		}
	}

	return HeapStats{ID: h.id, Baskets: baskets}
}

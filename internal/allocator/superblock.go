package allocator

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// superblock is a fixed-size contiguous region partitioned into equal-sized
// blocks of one size class, with a free list over its own blocks. Every
// mutation of a superblock's fields other than owner must happen while the
// current owning heap's mutex is held; owner itself is read lock-free by the
// deallocation race loop and so is an atomic.
type superblock struct {
	base      unsafe.Pointer
	region    []byte // keeps the fallback-path backing array reachable; nil under mmap.
	blockSize uintptr
	capacity  uintptr

	// offsets is a bounded stack of free block offsets: the first
	// freeCount entries (indices [0, freeCount)) are currently free, the
	// rest are handed out. A stack of offsets, not a linked list through
	// the blocks, so a block never needs a pre-written link word.
	offsets   []uintptr
	freeCount uintptr
	usedBytes uintptr

	owner atomic.Int32
}

// newSuperblock reserves a fresh SuperblockSize region from the system
// allocator and partitions it into capacity = SuperblockSize/blockSize
// equal blocks, all initially free. blockSize must already be at least
// headerSize+1; callers (the Allocator) are responsible for that invariant.
func newSuperblock(blockSize, superblockSize uintptr) (*superblock, error) {
	region, err := mapSuperblockRegion(superblockSize)
	if err != nil {
		return nil, fmt.Errorf("new superblock: %w", err)
	}

	capacity := superblockSize / blockSize
	offsets := make([]uintptr, capacity)

	for i := uintptr(0); i < capacity; i++ {
		offsets[i] = i * blockSize
	}

	return &superblock{
		base:      region.base,
		region:    region.slice,
		blockSize: blockSize,
		capacity:  capacity,
		offsets:   offsets,
		freeCount: capacity,
	}, nil
}

// allocateBlock hands out the most recently freed block (LIFO over the free
// list), or reports false if the superblock is full.
func (s *superblock) allocateBlock() (unsafe.Pointer, bool) {
	if s.freeCount == 0 {
		return nil, false
	}

	s.freeCount--
	off := s.offsets[s.freeCount]

	return unsafe.Pointer(uintptr(s.base) + off), true
}

// freeBlock returns a previously allocated block to the free list. The
// caller must ensure raw was produced by this superblock and is currently
// allocated; there is no validity check.
func (s *superblock) freeBlock(raw unsafe.Pointer) {
	off := uintptr(raw) - uintptr(s.base)
	s.offsets[s.freeCount] = off
	s.freeCount++
}

func (s *superblock) isFull() bool {
	return s.freeCount == 0
}

func (s *superblock) ownerHeapID() int32 {
	return s.owner.Load()
}

func (s *superblock) setOwnerHeapID(id int32) {
	s.owner.Store(id)
}

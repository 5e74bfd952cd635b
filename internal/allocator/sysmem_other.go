//go:build !unix

package allocator

import (
	"fmt"
	"unsafe"
)

// mapSuperblockRegion backs a superblock with a pinned Go allocation on
// platforms without a unix mmap. The region's slice field anchors the
// backing array for the superblock's entire lifetime, matching the
// teacher's systemAlloc/runtime.KeepAlive pattern in allocator.go.
func mapSuperblockRegion(size uintptr) (region *memoryRegion, err error) {
	defer func() {
		if r := recover(); r != nil {
			region, err = nil, fmt.Errorf("allocate %d bytes: %v", size, r)
		}
	}()

	buf := make([]byte, size)

	return &memoryRegion{base: unsafe.Pointer(&buf[0]), slice: buf}, nil
}

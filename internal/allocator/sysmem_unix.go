//go:build unix

package allocator

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapSuperblockRegion reserves a page-aligned region directly from
// the kernel via mmap, the same way the original allocator's SuperBlock
// constructor reserves its backing region via malloc(SUPERBLOCK_SIZE):
// memory the allocator owns and manages itself, outside the host runtime's GC.
func mapSuperblockRegion(size uintptr) (*memoryRegion, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return &memoryRegion{base: unsafe.Pointer(&buf[0])}, nil
}

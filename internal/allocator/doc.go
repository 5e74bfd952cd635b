// Package allocator implements a Hoard-style, multi-threaded general-purpose
// memory allocator: per-goroutine heaps backed by size-classed baskets of
// fixed-size superblocks, with a shared global heap acting as the
// overflow/reclamation tier between them.
package allocator

package allocator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// headerSize is the sidecar word prefixed to every user allocation: either
// the address of the owning superblock, or nil for a large allocation owned
// directly by the system allocator.
var headerSize = unsafe.Sizeof(uintptr(0))

// Allocator owns HeapCount thread-affine heaps plus one global heap, routes
// allocate/deallocate requests between them, and enforces the
// migration-to-global fullness policy.
type Allocator struct {
	cfg *Config

	heaps        []*heap
	global       *heap
	globalHeapID int32

	// largeThreshold is SuperblockSize/2: requests whose total size
	// (payload + header) reach it bypass the size-class system entirely.
	largeThreshold uintptr

	nextHeap atomic.Uint64

	defaultOnce   sync.Once
	defaultClient *Client
}

// New constructs an Allocator. The zero value is not usable; always go
// through New so HeapCount, SuperblockSize and MinBlockSize are validated
// together.
func New(options ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}

	if cfg.HeapCount <= 0 {
		return nil, fmt.Errorf("allocator: heap count must be positive, got %d", cfg.HeapCount)
	}

	if cfg.SuperblockSize == 0 || cfg.SuperblockSize%2 != 0 {
		return nil, fmt.Errorf("allocator: superblock size must be a positive even number of bytes, got %d", cfg.SuperblockSize)
	}

	if cfg.MinBlockSize < uintptr(headerSize)+1 {
		return nil, fmt.Errorf("allocator: min block size %d must exceed header size %d", cfg.MinBlockSize, headerSize)
	}

	if cfg.EmptinessRatio <= 0 || cfg.EmptinessRatio >= 1 {
		return nil, fmt.Errorf("allocator: emptiness ratio must be in (0,1), got %f", cfg.EmptinessRatio)
	}

	a := &Allocator{
		cfg:            cfg,
		globalHeapID:   int32(cfg.HeapCount),
		largeThreshold: cfg.SuperblockSize / 2,
	}

	a.heaps = make([]*heap, cfg.HeapCount)
	for i := range a.heaps {
		a.heaps[i] = newHeap(int32(i), cfg.MinBlockSize, cfg.SuperblockSize)
	}

	a.global = newHeap(a.globalHeapID, cfg.MinBlockSize, cfg.SuperblockSize)

	return a, nil
}

func (a *Allocator) heapByID(id int32) *heap {
	if id == a.globalHeapID {
		return a.global
	}

	return a.heaps[id]
}

// Client is a caller-held handle bound to one thread-affine heap for its
// entire lifetime: a goroutine has no stable OS-thread identity to hash the
// way a native thread_local index would, so affinity is instead captured
// explicitly, once, by whoever calls NewClient (normally once per worker
// goroutine). See DESIGN.md for the full rationale.
type Client struct {
	a    *Allocator
	heap *heap
}

// NewClient assigns the next heap round-robin and returns a Client bound to
// it for its entire lifetime.
func (a *Allocator) NewClient() *Client {
	idx := int(a.nextHeap.Add(1)-1) % len(a.heaps)
	return &Client{a: a, heap: a.heaps[idx]}
}

// Allocate requests n writable bytes through this client's heap.
func (c *Client) Allocate(n uintptr) unsafe.Pointer {
	return c.a.allocate(c.heap, n)
}

// Deallocate frees p, which must have come from any Client or Allocator
// method on the same Allocator. Freeing is never client-affine: the owning
// superblock is recovered from the pointer's own sidecar header.
func (c *Client) Deallocate(p unsafe.Pointer) {
	c.a.Deallocate(p)
}

// defaultClientHandle lazily creates a single default Client for callers
// that use the Allocator directly rather than through a Client, giving
// repeated calls from the same caller stable heap affinity (and therefore
// LIFO block reuse) without requiring every caller to manage a Client.
func (a *Allocator) defaultClientHandle() *Client {
	a.defaultOnce.Do(func() {
		a.defaultClient = a.NewClient()
	})

	return a.defaultClient
}

// Allocate returns a non-null pointer to at least n writable bytes aligned
// to pointer alignment, or nil on out-of-memory. n == 0 may return a unique
// non-null pointer; callers must not rely on a specific choice.
func (a *Allocator) Allocate(n uintptr) unsafe.Pointer {
	return a.defaultClientHandle().Allocate(n)
}

// allocate takes the large path for oversized requests, otherwise routing
// through h's baskets with global-heap refill on miss.
func (a *Allocator) allocate(h *heap, n uintptr) unsafe.Pointer {
	total := n + uintptr(headerSize)
	if total >= a.largeThreshold {
		return a.allocateLarge(total)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	basket, ok := h.basketFor(total)
	if !ok {
		// Reached only when SuperblockSize/2 is not itself a size class:
		// a total between the largest class and largeThreshold is served
		// by the large path.
		return a.allocateLarge(total)
	}

	sizeClass := basket.sizeClass

	sb, raw := basket.takeBlock()
	if sb == nil {
		var err error

		sb, raw, err = a.refillFromGlobal(h, basket, sizeClass)
		if err != nil {
			return nil
		}
	}

	a.writeHeader(raw, unsafe.Pointer(sb))

	sb.usedBytes += sizeClass
	basket.bytesUsed += sizeClass
	basket.addSuperblock(sb)

	return userPointer(raw)
}

// refillFromGlobal pulls a partial superblock from the global heap's
// matching basket, or creates a fresh one if the global heap has none. Lock
// order is thread-heap (already held by the caller) then global, always.
func (a *Allocator) refillFromGlobal(h *heap, basket *basket, sizeClass uintptr) (*superblock, unsafe.Pointer, error) {
	a.global.mu.Lock()

	gbasket, _ := a.global.basketFor(sizeClass)
	if migrated := gbasket.takePartialSuperblock(); migrated != nil {
		gbasket.bytesAllocated -= a.cfg.SuperblockSize
		basket.bytesAllocated += a.cfg.SuperblockSize
		gbasket.bytesUsed -= migrated.usedBytes
		basket.bytesUsed += migrated.usedBytes
		migrated.setOwnerHeapID(h.id)

		a.global.mu.Unlock()

		raw, ok := migrated.allocateBlock()
		if !ok {
			return nil, nil, fmt.Errorf("allocator: migrated superblock unexpectedly full")
		}

		return migrated, raw, nil
	}

	a.global.mu.Unlock()

	fresh, err := newSuperblock(sizeClass, a.cfg.SuperblockSize)
	if err != nil {
		// System-allocator failure during superblock creation is an
		// ordinary allocation failure; bookkeeping is left untouched.
		return nil, nil, err
	}

	fresh.setOwnerHeapID(h.id)
	basket.bytesAllocated += a.cfg.SuperblockSize

	raw, _ := fresh.allocateBlock()

	return fresh, raw, nil
}

// allocateLarge services requests at or above the large-path threshold
// directly through the system allocator; it takes no heap lock itself.
func (a *Allocator) allocateLarge(total uintptr) unsafe.Pointer {
	region, err := mapLargeRegion(total)
	if err != nil {
		return nil
	}

	a.writeHeader(region.base, nil)

	return userPointer(region.base)
}

func (a *Allocator) writeHeader(raw unsafe.Pointer, owner unsafe.Pointer) {
	*(*unsafe.Pointer)(raw) = owner
}

func userPointer(raw unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(raw) + uintptr(headerSize))
}

func rawPointer(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) - uintptr(headerSize))
}

// Deallocate frees p. p must have been returned by a previous Allocate (or
// Client.Allocate) on this Allocator and not already deallocated; p == nil
// is a precondition violation.
func (a *Allocator) Deallocate(p unsafe.Pointer) {
	if p == nil {
		panic("allocator: deallocate of nil pointer")
	}

	raw := rawPointer(p)

	owner := *(*unsafe.Pointer)(raw)
	if owner == nil {
		releaseLargeRegion(raw)
		return
	}

	sb := (*superblock)(owner)
	a.deallocateSmall(sb, raw)
}

// deallocateSmall locates the heap that currently owns sb (racing with
// migration), returns the block, and evaluates the emptiness predicate.
func (a *Allocator) deallocateSmall(sb *superblock, raw unsafe.Pointer) {
	h := a.lockOwningHeap(sb)

	basket, ok := h.basketFor(sb.blockSize)
	if !ok {
		h.mu.Unlock()
		panic("allocator: corrupt superblock header")
	}

	sb.usedBytes -= sb.blockSize
	basket.bytesUsed -= sb.blockSize
	basket.releaseBlock(sb, raw)

	if h.id == a.globalHeapID {
		h.mu.Unlock()
		return
	}

	a.maybeEvictToGlobal(basket)
	h.mu.Unlock()
}

// lockOwningHeap is the owner-heap identification race loop: read owner,
// lock the indicated heap, re-read, and retry until the id is confirmed
// stable under the lock just taken.
func (a *Allocator) lockOwningHeap(sb *superblock) *heap {
	id := sb.ownerHeapID()
	h := a.heapByID(id)
	h.mu.Lock()

	for {
		cur := sb.ownerHeapID()
		if cur == id {
			return h
		}

		h.mu.Unlock()
		id = cur
		h = a.heapByID(id)
		h.mu.Lock()
	}
}

// maybeEvictToGlobal applies the Hoard fullness threshold (K =
// EmptinessSlack): a basket may retain K superblocks' worth of slack, but
// once it also drops below EmptinessRatio used, one superblock is migrated
// to the global heap. Caller must hold the owning heap's lock.
//
// The owner id is only ever rewritten while global.mu is held, symmetric
// with refillFromGlobal's global->thread handoff: otherwise a concurrent
// Deallocate could observe owner == global, win the race for global.mu
// ahead of this function, and operate on a superblock the global basket
// does not hold yet.
func (a *Allocator) maybeEvictToGlobal(basket *basket) {
	slack := a.cfg.EmptinessSlack * a.cfg.SuperblockSize

	underSlack := basket.bytesAllocated >= slack && basket.bytesUsed < basket.bytesAllocated-slack
	belowRatio := float64(basket.bytesUsed) < a.cfg.EmptinessRatio*float64(basket.bytesAllocated)

	if !underSlack || !belowRatio {
		return
	}

	evicted := basket.takePartialSuperblock()
	if evicted == nil {
		return
	}

	basket.bytesAllocated -= a.cfg.SuperblockSize
	basket.bytesUsed -= evicted.usedBytes

	a.global.mu.Lock()
	evicted.setOwnerHeapID(a.globalHeapID)
	gbasket, _ := a.global.basketFor(evicted.blockSize)
	gbasket.bytesAllocated += a.cfg.SuperblockSize
	gbasket.bytesUsed += evicted.usedBytes
	gbasket.addSuperblock(evicted)
	a.global.mu.Unlock()
}

// BasketStats is a read-only snapshot of one basket's counters.
type BasketStats struct {
	SizeClass      uintptr
	PartialCount   int
	FullCount      int
	BytesAllocated uintptr
	BytesUsed      uintptr
}

// HeapStats is a read-only snapshot of one heap's baskets.
type HeapStats struct {
	ID      int32
	Baskets []BasketStats
}

// AllocatorStats is a read-only snapshot of every heap's counters.
type AllocatorStats struct {
	Heaps  []HeapStats
	Global HeapStats
}

// Stats returns a snapshot of every heap's and the global heap's basket
// counters, taken one heap at a time under that heap's own mutex.
func (a *Allocator) Stats() AllocatorStats {
	stats := AllocatorStats{Heaps: make([]HeapStats, len(a.heaps))}

	for i, h := range a.heaps {
		stats.Heaps[i] = h.snapshot()
	}

	stats.Global = a.global.snapshot()

	return stats
}

// Global convenience functions wrapping a package-level default Allocator.

var defaultAllocator *Allocator

// Initialize sets up the package-level default Allocator.
func Initialize(options ...Option) error {
	a, err := New(options...)
	if err != nil {
		return err
	}

	defaultAllocator = a

	return nil
}

// Allocate allocates memory using the package-level default Allocator.
func Allocate(n uintptr) unsafe.Pointer {
	if defaultAllocator == nil {
		panic("allocator: package not initialized, call Initialize first")
	}

	return defaultAllocator.Allocate(n)
}

// Deallocate frees memory using the package-level default Allocator.
func Deallocate(p unsafe.Pointer) {
	if defaultAllocator == nil {
		panic("allocator: package not initialized, call Initialize first")
	}

	defaultAllocator.Deallocate(p)
}

// Stats returns package-level default Allocator statistics.
func Stats() AllocatorStats {
	if defaultAllocator == nil {
		return AllocatorStats{}
	}

	return defaultAllocator.Stats()
}

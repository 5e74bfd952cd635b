package allocator

import (
	"testing"
	"unsafe"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()

	a, err := New(WithHeapCount(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return a
}

// TestSingleThreadLIFOReuse checks that allocate, write, free, allocate
// again of the same size reuses the same address.
func TestSingleThreadLIFOReuse(t *testing.T) {
	a := newTestAllocator(t)
	client := a.NewClient()

	p := client.Allocate(32)
	if p == nil {
		t.Fatal("Allocate(32) returned nil")
	}

	view := (*[32]byte)(p)
	for i := range view {
		view[i] = 0xAB
	}

	for i, b := range view {
		if b != 0xAB {
			t.Fatalf("byte %d = %#x before free, want 0xAB", i, b)
		}
	}

	client.Deallocate(p)

	q := client.Allocate(32)
	if q != p {
		t.Fatalf("expected LIFO reuse: q=%p p=%p", q, p)
	}
}

// TestLargeAllocationPath exercises the oversized-request bypass: the
// header carries a nil sentinel instead of a superblock address.
func TestLargeAllocationPath(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(DefaultSuperblockSize)
	if p == nil {
		t.Fatal("large Allocate returned nil")
	}

	raw := rawPointer(p)
	header := *(*unsafe.Pointer)(raw)
	if header != nil {
		t.Fatalf("large allocation header = %p, want nil sentinel", header)
	}

	view := (*[DefaultSuperblockSize]byte)(p)
	view[0] = 0x42
	view[DefaultSuperblockSize-1] = 0x43

	a.Deallocate(p)
}

// TestCrossClientFree checks that one client can allocate and a different
// client (standing in for a different goroutine/thread) can free the
// result without corrupting basket counters.
func TestCrossClientFree(t *testing.T) {
	a := newTestAllocator(t)
	producer := a.NewClient()
	consumer := a.NewClient()

	before := a.Stats()

	p := producer.Allocate(32)
	if p == nil {
		t.Fatal("Allocate(32) returned nil")
	}

	consumer.Deallocate(p)

	after := a.Stats()

	totalUsed := func(s AllocatorStats) uintptr {
		var total uintptr
		for _, h := range s.Heaps {
			for _, b := range h.Baskets {
				total += b.BytesUsed
			}
		}

		for _, b := range s.Global.Baskets {
			total += b.BytesUsed
		}

		return total
	}

	if got, want := totalUsed(after), totalUsed(before); got != want {
		t.Fatalf("bytes used after round trip = %d, want %d (baseline)", got, want)
	}
}

// TestZeroByteAllocation exercises the n == 0 edge case: either nil or a
// unique non-null pointer is acceptable, and whichever is chosen must
// round-trip cleanly through Deallocate.
func TestZeroByteAllocation(t *testing.T) {
	a := newTestAllocator(t)
	client := a.NewClient()

	p := client.Allocate(0)
	if p != nil {
		client.Deallocate(p)
	}
}

// TestDisjointAllocations checks the disjointness invariant across many
// concurrent-size-class allocations from one client.
func TestDisjointAllocations(t *testing.T) {
	a := newTestAllocator(t)
	client := a.NewClient()

	sizes := []uintptr{16, 32, 64, 128, 256, 512, 1024}

	type region struct {
		ptr unsafe.Pointer
		n   uintptr
	}

	var regions []region

	for round := 0; round < 20; round++ {
		for _, n := range sizes {
			p := client.Allocate(n)
			if p == nil {
				t.Fatalf("Allocate(%d) returned nil", n)
			}

			regions = append(regions, region{ptr: p, n: n})
		}
	}

	for i, r := range regions {
		start := uintptr(r.ptr)
		end := start + r.n

		for j, other := range regions {
			if i == j {
				continue
			}

			oStart := uintptr(other.ptr)
			oEnd := oStart + other.n

			if start < oEnd && oStart < end {
				t.Fatalf("region %d [%#x,%#x) overlaps region %d [%#x,%#x)", i, start, end, j, oStart, oEnd)
			}
		}
	}

	for _, r := range regions {
		client.Deallocate(r.ptr)
	}
}

// TestDeallocateNilPanics exercises the precondition-violation fail-fast
// behavior: freeing nil is a programmer error, not a recoverable failure.
func TestDeallocateNilPanics(t *testing.T) {
	a := newTestAllocator(t)

	defer func() {
		if recover() == nil {
			t.Fatal("Deallocate(nil) should panic")
		}
	}()

	a.Deallocate(nil)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{"ZeroHeapCount", []Option{WithHeapCount(0)}},
		{"OddSuperblockSize", []Option{WithSuperblockSize(8193)}},
		{"TinyMinBlockSize", []Option{WithMinBlockSize(1)}},
		{"RatioOutOfRange", []Option{WithEmptinessRatio(1.5)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts...); err == nil {
				t.Fatal("expected New to reject invalid config")
			}
		})
	}
}

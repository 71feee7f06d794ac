package texel

import (
	"testing"

	"github.com/gogpu/shaderval/gpu/noop"
)

func newTestAllocator(t *testing.T, initialBits uint64) *Allocator {
	t.Helper()
	a, err := New(noop.New(), Config{InitialBits: initialBits, GrowthFactor: 2.0, MaxBits: 1 << 16})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestAllocateReservesDistinctSpans(t *testing.T) {
	a := newTestAllocator(t, 1024)

	b1, err := a.Allocate(ResourceInfo{TexelCount: 64})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if b1.BaseBlockIndex != 0 {
		t.Fatalf("first block base = %d, want 0", b1.BaseBlockIndex)
	}

	b2, err := a.Allocate(ResourceInfo{TexelCount: 32})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if b2.BaseBlockIndex != 64 {
		t.Fatalf("second block base = %d, want 64", b2.BaseBlockIndex)
	}
}

func TestAllocateZeroTexelCountReservesOneBit(t *testing.T) {
	a := newTestAllocator(t, 1024)

	b, err := a.Allocate(ResourceInfo{})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if b.BitCount != 1 {
		t.Fatalf("BitCount = %d, want 1", b.BitCount)
	}
}

func TestAllocateGrowsWhenNoSpanFits(t *testing.T) {
	a := newTestAllocator(t, 128)

	if _, err := a.Allocate(ResourceInfo{TexelCount: 100}); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	b, err := a.Allocate(ResourceInfo{TexelCount: 100})
	if err != nil {
		t.Fatalf("Allocate() after growth error = %v", err)
	}
	if b.BaseBlockIndex != 128 {
		t.Fatalf("grown allocation base = %d, want 128", b.BaseBlockIndex)
	}

	stats := a.Stats()
	if stats.CapacityBits <= 128 {
		t.Fatalf("CapacityBits = %d, want > 128 after growth", stats.CapacityBits)
	}
}

func TestInitializeZeroesBitsAndRecordsFailureCode(t *testing.T) {
	a := newTestAllocator(t, 1024)
	b, err := a.Allocate(ResourceInfo{TexelCount: 64})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	buf := a.Buffer()
	view, err := buf.MapRange(0, 8)
	if err != nil {
		t.Fatalf("MapRange() error = %v", err)
	}
	for i := range view {
		view[i] = 0xff
	}
	buf.Unmap()

	if err := a.Initialize(b, 42); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	view, err = buf.MapRange(0, 8)
	if err != nil {
		t.Fatalf("MapRange() error = %v", err)
	}
	for i, byteVal := range view {
		if byteVal != 0 {
			t.Fatalf("byte %d = %#x, want 0 after Initialize", i, byteVal)
		}
	}
	buf.Unmap()
}

func TestFreeCoalescesAdjacentSpans(t *testing.T) {
	a := newTestAllocator(t, 1024)

	b1, _ := a.Allocate(ResourceInfo{TexelCount: 64})
	b2, _ := a.Allocate(ResourceInfo{TexelCount: 64})

	if err := a.Free(b1); err != nil {
		t.Fatalf("Free(b1) error = %v", err)
	}
	if err := a.Free(b2); err != nil {
		t.Fatalf("Free(b2) error = %v", err)
	}

	stats := a.Stats()
	if stats.FreeSpans != 1 {
		t.Fatalf("FreeSpans = %d, want 1 (coalesced back into a single span)", stats.FreeSpans)
	}
	if stats.LiveBlocks != 0 {
		t.Fatalf("LiveBlocks = %d, want 0", stats.LiveBlocks)
	}
}

func TestFreeUnknownBlockReturnsInvalidBlock(t *testing.T) {
	a := newTestAllocator(t, 1024)
	b, _ := a.Allocate(ResourceInfo{TexelCount: 64})
	if err := a.Free(b); err != nil {
		t.Fatalf("first Free() error = %v", err)
	}
	if err := a.Free(b); err != ErrInvalidBlock {
		t.Fatalf("second Free() error = %v, want ErrInvalidBlock", err)
	}
}

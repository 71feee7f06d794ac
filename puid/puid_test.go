package puid

import "testing"

func TestAllocatorNeverReuses(t *testing.T) {
	a := NewAllocator()

	ids := make([]PUID, 0, 8)
	for i := 0; i < 8; i++ {
		id, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc() error = %v", err)
		}
		if !id.IsValid() {
			t.Fatalf("Alloc() returned invalid id")
		}
		ids = append(ids, id)
	}

	a.Release(ids[3])
	a.Release(ids[5])

	next, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	for _, old := range ids {
		if next == old {
			t.Fatalf("Alloc() reused retired PUID %v", next)
		}
	}

	stats := a.Stats()
	if stats.Live != uint64(len(ids))-2+1 {
		t.Fatalf("Stats().Live = %d, want %d", stats.Live, uint64(len(ids))-2+1)
	}
	if stats.Highest != uint32(next) {
		t.Fatalf("Stats().Highest = %d, want %d", stats.Highest, next)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := &Allocator{next: Max}

	id, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if id != PUID(Max) {
		t.Fatalf("Alloc() = %v, want %v", id, Max)
	}

	if _, err := a.Alloc(); err != ErrExhausted {
		t.Fatalf("Alloc() error = %v, want ErrExhausted", err)
	}
}

func TestZeroPUIDInvalid(t *testing.T) {
	var id PUID
	if id.IsValid() {
		t.Fatalf("zero PUID reported valid")
	}
}

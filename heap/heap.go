// Package heap implements the Heap Allocator: a sorted-record-list
// suballocator for GPU-visible and host-visible memory, with a sticky
// RebindRequest defragmentation protocol.
//
// A buddy allocator cannot represent "mark the record following this gap
// with a pending rebind; suppress any allocation spanning it" — a buddy
// tree has no notion of a movable record boundary. heap.Heap is therefore
// a sorted-record allocator (mutex guarding structural mutation,
// Config/DefaultConfig, sentinel errors, stats struct) rather than a
// buddy tree.
package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/shaderval/config"
	"github.com/gogpu/shaderval/internal/logging"
)

// Type distinguishes the memory-type class a Heap suballocates from.
type Type int

// Memory-type classes named in spec.md §4.1.
const (
	TypeDeviceLocal Type = iota
	TypeHostVisible
)

func (t Type) String() string {
	switch t {
	case TypeDeviceLocal:
		return "device-local"
	case TypeHostVisible:
		return "host-visible"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by Manager/Heap operations.
var (
	// ErrOutOfMemory is returned when no heap of the requested type has
	// room and a dedicated heap could not be created. Recoverable: the
	// caller retries after Defragment or surfaces it to the analyzer.
	ErrOutOfMemory = errors.New("heap: out of memory")
	// ErrInvalidBinding is returned when a Binding does not belong to the
	// heap it is presented to, or has already been freed.
	ErrInvalidBinding = errors.New("heap: invalid binding")
	// ErrNoPendingRebind is returned by CommitRebind when the record has
	// no outstanding RebindRequest.
	ErrNoPendingRebind = errors.New("heap: no pending rebind")
	// ErrInconsistentRequirements is the fatal error raised when the API
	// reports different size/alignment for what should be identical
	// allocation parameters on rebind. Per spec.md §7 this kills the
	// device session; it is never retried.
	ErrInconsistentRequirements = errors.New("heap: inconsistent allocation requirements")
)

// RebindRequest is a sticky marker on a record: once Requested is true, no
// new allocation may span the record until the owner calls CommitRebind
// and the request clears.
type RebindRequest struct {
	Requested    bool
	TargetOffset uint64
}

// record is one live suballocation, ordered within a Heap by Offset.
type record struct {
	offset    uint64
	alignment uint64
	size      uint64
	rebind    RebindRequest
}

// Binding identifies one live suballocation returned by Allocate.
type Binding struct {
	heapID uint64
	offset uint64
	size   uint64
}

// Offset returns the binding's current byte offset within its heap.
func (b Binding) Offset() uint64 { return b.offset }

// Size returns the binding's size in bytes.
func (b Binding) Size() uint64 { return b.size }

// onRebindFunc is the callback a binding's owner supplies so the heap
// never rewrites records behind the owner's back (spec.md §9,
// "Defragmentation coupling").
type onRebindFunc func(b Binding, targetOffset uint64) error

// heapInstance is one chunk-backed heap of a given Type.
type heapInstance struct {
	id       uint64
	typ      Type
	capacity uint64
	records  []record // sorted by offset
	onRebind map[uint64]onRebindFunc
}

// Stats reports Manager-wide occupancy for diagnostics and tests.
type Stats struct {
	HeapCount       int
	TotalCapacity   uint64
	LiveAllocations uint64
	LiveBytes       uint64
}

// Manager owns every Heap instance of both memory-type classes and
// dispenses Bindings against them.
//
// Thread-safe for concurrent use; the structural mutex is held only
// around list mutation, not around the memory operations themselves.
type Manager struct {
	mu      sync.Mutex
	cfg     config.Config
	nextID  uint64
	heaps   map[Type][]*heapInstance
	liveBytes uint64
	liveCount uint64
}

// NewManager creates a Manager using cfg for chunk sizing.
func NewManager(cfg config.Config) *Manager {
	return &Manager{
		cfg:   cfg,
		heaps: make(map[Type][]*heapInstance),
	}
}

func alignUp(v, alignment uint64) uint64 {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

// Allocate finds or creates a heap of typ with room for size bytes at the
// given alignment and returns a Binding into it. Sizes greater than the
// configured chunk size force a dedicated heap sized exactly to the
// request.
func (m *Manager) Allocate(typ Type, alignment, size uint64) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alignment == 0 {
		alignment = 1
	}

	for _, h := range m.heaps[typ] {
		if b, ok := tryAllocInHeap(h, alignment, size); ok {
			m.liveBytes += size
			m.liveCount++
			return b, nil
		}
	}

	capacity := m.cfg.ChunkedWorkingSetBytes
	if size > capacity {
		capacity = size
	}

	h := &heapInstance{
		id:       m.nextID,
		typ:      typ,
		capacity: capacity,
		onRebind: make(map[uint64]onRebindFunc),
	}
	m.nextID++
	m.heaps[typ] = append(m.heaps[typ], h)

	b, ok := tryAllocInHeap(h, alignment, size)
	if !ok {
		return Binding{}, fmt.Errorf("%w: fresh heap of %d bytes could not fit %d-byte allocation", ErrOutOfMemory, capacity, size)
	}
	m.liveBytes += size
	m.liveCount++
	return b, nil
}

func committedHighWater(h *heapInstance) uint64 {
	if len(h.records) == 0 {
		return 0
	}
	last := h.records[len(h.records)-1]
	return last.offset + last.size
}

// tryAllocInHeap implements the allocation search policy: end-point first
// (bump-allocate after the last record), then scan the gap list
// front-to-back, skipping any gap whose neighbor has a pending rebind.
func tryAllocInHeap(h *heapInstance, alignment, size uint64) (Binding, bool) {
	// End-point first.
	end := committedHighWater(h)
	offset := alignUp(end, alignment)
	if offset+size <= h.capacity {
		h.records = append(h.records, record{offset: offset, alignment: alignment, size: size})
		return Binding{heapID: h.id, offset: offset, size: size}, true
	}

	// Gap scan, front-to-back.
	prevEnd := uint64(0)
	prevRebind := false
	for i := range h.records {
		r := &h.records[i]
		if r.rebind.Requested {
			// Skip the gap before this record: it is this iteration's
			// gap test, which we never run for a pending-rebind r.
			prevEnd = r.offset + r.size
			prevRebind = true
			continue
		}
		gapStart := alignUp(prevEnd, alignment)
		// prevRebind disqualifies the gap after the pending-rebind record
		// just iterated, symmetric with the skip above for the gap before
		// it — a request may not land adjacent to a record on either side.
		if !prevRebind && gapStart+size <= r.offset {
			h.records = append(h.records, record{})
			copy(h.records[i+1:], h.records[i:])
			h.records[i] = record{offset: gapStart, alignment: alignment, size: size}
			return Binding{heapID: h.id, offset: gapStart, size: size}, true
		}
		prevEnd = r.offset + r.size
		prevRebind = false
	}

	return Binding{}, false
}

// Free removes b's record. It does not coalesce eagerly; Defragment
// reclaims large empty spans later.
func (m *Manager) Free(typ Type, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.findHeap(typ, b.heapID)
	if h == nil {
		return ErrInvalidBinding
	}

	for i := range h.records {
		if h.records[i].offset == b.offset {
			h.records = append(h.records[:i], h.records[i+1:]...)
			delete(h.onRebind, b.offset)
			if m.liveBytes >= b.size {
				m.liveBytes -= b.size
			}
			if m.liveCount > 0 {
				m.liveCount--
			}
			return nil
		}
	}
	return ErrInvalidBinding
}

func (m *Manager) findHeap(typ Type, id uint64) *heapInstance {
	for _, h := range m.heaps[typ] {
		if h.id == id {
			return h
		}
	}
	return nil
}

// SetRebindCallback registers the callback invoked when the owner of b
// should perform a rebind (spec.md §9's on_rebind_requested). Registering
// with a binding from a different heap/offset is a no-op.
func (m *Manager) SetRebindCallback(typ Type, b Binding, fn onRebindFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.findHeap(typ, b.heapID)
	if h == nil {
		return
	}
	h.onRebind[b.offset] = fn
}

// Defragment scans every heap of typ and, for the single largest empty
// span between two stable (non-rebinding) records, marks the record
// following that span with a RebindRequest. Gaps bordering a record that
// already has a pending rebind are not candidates, so no record carries
// two requests; the largest remaining gap of that heap is marked instead.
func (m *Manager) Defragment(typ Type) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.heaps[typ] {
		defragmentHeap(h)
	}
}

func defragmentHeap(h *heapInstance) {
	if len(h.records) < 2 {
		return
	}

	bestGap := uint64(0)
	bestIdx := -1
	prevEnd := uint64(0)
	for i := range h.records {
		r := &h.records[i]
		if i > 0 {
			prev := &h.records[i-1]
			if prev.rebind.Requested || r.rebind.Requested {
				prevEnd = r.offset + r.size
				continue
			}
			gap := r.offset - prevEnd
			if gap > bestGap {
				bestGap = gap
				bestIdx = i
			}
		}
		prevEnd = r.offset + r.size
	}

	if bestIdx < 0 || bestGap == 0 {
		return
	}

	target := alignUp(h.records[bestIdx-1].offset+h.records[bestIdx-1].size, h.records[bestIdx].alignment)
	h.records[bestIdx].rebind = RebindRequest{Requested: true, TargetOffset: target}

	logging.Logger().Debug("heap: marked record for rebind",
		"heap_id", h.id, "offset", h.records[bestIdx].offset, "target_offset", target)
}

// CommitRebind is called by the owner of b once it can recreate the
// underlying API object at the requested offset. It moves the record to
// its target offset, clears the pending request, and re-sorts the record
// list by offset.
func (m *Manager) CommitRebind(typ Type, b Binding, actualSize uint64) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.findHeap(typ, b.heapID)
	if h == nil {
		return Binding{}, ErrInvalidBinding
	}

	idx := -1
	for i := range h.records {
		if h.records[i].offset == b.offset {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Binding{}, ErrInvalidBinding
	}

	r := &h.records[idx]
	if !r.rebind.Requested {
		return Binding{}, ErrNoPendingRebind
	}
	if actualSize != r.size {
		return Binding{}, fmt.Errorf("%w: record %d reported size %d at rebind, had %d",
			ErrInconsistentRequirements, b.offset, actualSize, r.size)
	}

	newOffset := r.rebind.TargetOffset
	r.offset = newOffset
	r.rebind = RebindRequest{}

	sort.Slice(h.records, func(i, j int) bool { return h.records[i].offset < h.records[j].offset })

	if cb, ok := h.onRebind[b.offset]; ok {
		delete(h.onRebind, b.offset)
		h.onRebind[newOffset] = cb
	}

	return Binding{heapID: h.id, offset: newOffset, size: actualSize}, nil
}

// Stats returns a snapshot of Manager-wide occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{LiveAllocations: m.liveCount, LiveBytes: m.liveBytes}
	for _, heaps := range m.heaps {
		for _, h := range heaps {
			s.HeapCount++
			s.TotalCapacity += h.capacity
		}
	}
	return s
}

// checkInvariants validates the spec.md §8 heap invariants: adjacent
// records never overlap and no record extends past capacity. It returns
// the first violation as an error rather than panicking, and logs
// nothing itself. It runs only when CheckInvariants is called; Allocate,
// Free and CommitRebind do not invoke it.
func (m *Manager) checkInvariants(typ Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.heaps[typ] {
		for i := range h.records {
			r := &h.records[i]
			if r.offset+r.size > h.capacity {
				return fmt.Errorf("heap %d: record at %d size %d extends past capacity %d",
					h.id, r.offset, r.size, h.capacity)
			}
			if i+1 < len(h.records) {
				next := &h.records[i+1]
				if r.offset+r.size > next.offset {
					return fmt.Errorf("heap %d: record at %d overlaps record at %d",
						h.id, r.offset, next.offset)
				}
			}
		}
	}
	return nil
}

// CheckInvariants exposes checkInvariants for use by tests and callers
// that want to assert heap consistency explicitly.
func (m *Manager) CheckInvariants(typ Type) error {
	return m.checkInvariants(typ)
}

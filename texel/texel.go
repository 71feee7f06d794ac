// Package texel implements the Texel Memory Allocator: a free-list
// suballocator over a global GPU-side bitset buffer, used by
// feature/initialization (and any other feature that needs per-resource,
// per-bit GPU-visible metadata).
//
// Grounded on heap.Manager's sorted-record free list (spec.md §4.7
// describes the same allocate/initialize/free shape as §4.1's heap, one
// level down: bits instead of bytes), adapted here to bit-granular spans
// over one contiguous backing buffer rather than byte-granular spans over
// many heaps.
package texel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/shaderval/gpu"
	"github.com/gogpu/shaderval/internal/logging"
)

// ErrOutOfBits is returned when no free span of the requested width
// exists and the backing buffer cannot be grown further.
var ErrOutOfBits = errors.New("texel: bitset exhausted")

// ErrInvalidBlock is returned when a Block does not belong to this
// Allocator, or has already been freed.
var ErrInvalidBlock = errors.New("texel: invalid block")

// ResourceInfo describes the GPU resource a Block is reserved for.
type ResourceInfo struct {
	// TexelCount is the number of individually trackable texels (or
	// buffer elements) the resource has.
	TexelCount uint64
	// Tiled resources reduce every dimension not independently tracked
	// to 1, per spec.md §4.7; TexelCount is expected to already reflect
	// that reduction when Tiled is true. Tiled is carried on Block for
	// diagnostics and update_residency.
	Tiled bool
}

// Block identifies one reserved bitset span. BaseBlockIndex is the bit
// offset where the span's bits begin in the global buffer — the value a
// PUID→base-block map (feature/initialization) records per resource.
type Block struct {
	id             uint64
	BaseBlockIndex uint64
	BitCount       uint64
	FailureCode    uint32
	tiled          bool
}

// span is one free or live region of the bitset, in bit units.
type span struct {
	start uint64
	bits  uint64
}

// Config sizes the Allocator's backing buffer.
type Config struct {
	// InitialBits is the bitset's starting capacity in bits.
	InitialBits uint64
	// GrowthFactor scales the backing buffer when no free span is large
	// enough, mirroring DescriptorAllocator's geometric pool growth.
	GrowthFactor float64
	// MaxBits caps how large the backing buffer may grow.
	MaxBits uint64
}

// DefaultConfig returns the Texel Memory Allocator's baseline sizing.
func DefaultConfig() Config {
	return Config{
		InitialBits:  1 << 20, // 1 Mib of tracking bits
		GrowthFactor: 2.0,
		MaxBits:      1 << 27,
	}
}

// Allocator owns the global texel bitset buffer and hands out Blocks
// against it.
//
// Thread-safe for concurrent use; the mutex guards structural mutation
// of the free list and the backing buffer, matching heap.Manager's lock
// scope.
type Allocator struct {
	mu       sync.Mutex
	device   gpu.Device
	cfg      Config
	buffer   gpu.Buffer
	capacity uint64
	free     []span // sorted by start; Free coalesces, growth appends unmerged
	nextID   uint64
	live     map[uint64]Block
}

// New creates an Allocator backed by a host-visible buffer of
// cfg.InitialBits bits, created via device.
func New(device gpu.Device, cfg Config) (*Allocator, error) {
	if cfg.InitialBits == 0 {
		cfg = DefaultConfig()
	}
	buf, err := device.CreateBuffer(bytesForBits(cfg.InitialBits), true)
	if err != nil {
		return nil, fmt.Errorf("texel: create backing buffer: %w", err)
	}
	return &Allocator{
		device:   device,
		cfg:      cfg,
		buffer:   buf,
		capacity: cfg.InitialBits,
		free:     []span{{start: 0, bits: cfg.InitialBits}},
		nextID:   1,
		live:     make(map[uint64]Block),
	}, nil
}

// Buffer returns the backing GPU buffer every live Block's bits live in.
func (a *Allocator) Buffer() gpu.Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffer
}

func bytesForBits(bits uint64) uint64 {
	return (bits + 7) / 8
}

// Allocate reserves a bitset span sized for info's texel count and
// returns the Block identifying it.
func (a *Allocator) Allocate(info ResourceInfo) (Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := info.TexelCount
	if need == 0 {
		need = 1
	}

	idx, ok := a.findSpanLocked(need)
	if !ok {
		if err := a.growLocked(need); err != nil {
			return Block{}, err
		}
		idx, ok = a.findSpanLocked(need)
		if !ok {
			return Block{}, fmt.Errorf("%w: no span of %d bits after growth", ErrOutOfBits, need)
		}
	}

	s := a.free[idx]
	base := s.start
	if s.bits == need {
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	} else {
		a.free[idx] = span{start: s.start + need, bits: s.bits - need}
	}

	b := Block{id: a.nextID, BaseBlockIndex: base, BitCount: need, tiled: info.Tiled}
	a.live[b.id] = b
	a.nextID++
	return b, nil
}

// findSpanLocked returns the index of the first free span with room for
// need bits, first-fit.
func (a *Allocator) findSpanLocked(need uint64) (int, bool) {
	for i, s := range a.free {
		if s.bits >= need {
			return i, true
		}
	}
	return 0, false
}

// growLocked doubles (per GrowthFactor) the backing buffer until it can
// satisfy need bits, capped at MaxBits, recreating the GPU buffer and
// appending the new capacity as one trailing free span.
func (a *Allocator) growLocked(need uint64) error {
	growth := a.cfg.GrowthFactor
	if growth <= 1.0 {
		growth = 2.0
	}

	newCapacity := a.capacity
	for {
		grown := uint64(float64(newCapacity) * growth)
		if grown <= newCapacity {
			grown = newCapacity + need
		}
		newCapacity = grown
		if newCapacity-a.capacity >= need || newCapacity >= a.cfg.MaxBits {
			break
		}
	}
	if a.cfg.MaxBits > 0 && newCapacity > a.cfg.MaxBits {
		newCapacity = a.cfg.MaxBits
	}
	if newCapacity-a.capacity < need {
		return fmt.Errorf("%w: capped at %d bits, need %d more", ErrOutOfBits, a.cfg.MaxBits, need)
	}

	newBuf, err := a.device.CreateBuffer(bytesForBits(newCapacity), true)
	if err != nil {
		return fmt.Errorf("texel: grow backing buffer: %w", err)
	}
	old := a.buffer
	if oldBytes, err := old.MapRange(0, bytesForBits(a.capacity)); err == nil {
		if newBytes, err := newBuf.MapRange(0, bytesForBits(a.capacity)); err == nil {
			copy(newBytes, oldBytes)
			newBuf.Unmap()
		}
		old.Unmap()
	}
	a.device.DestroyBuffer(old)

	added := newCapacity - a.capacity
	a.free = append(a.free, span{start: a.capacity, bits: added})
	a.capacity = newCapacity
	a.buffer = newBuf

	logging.Logger().Debug("texel: grew backing buffer", "capacity_bits", a.capacity)
	return nil
}

// Initialize zeroes block's bits and records failureCode so an
// uninitialized read of this span reports failureCode rather than a
// generic diagnostic.
func (a *Allocator) Initialize(block Block, failureCode uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	live, ok := a.live[block.id]
	if !ok {
		return ErrInvalidBlock
	}
	live.FailureCode = failureCode
	a.live[block.id] = live

	startByte := live.BaseBlockIndex / 8
	endByte := (live.BaseBlockIndex + live.BitCount + 7) / 8
	view, err := a.buffer.MapRange(startByte, endByte-startByte)
	if err != nil {
		return fmt.Errorf("texel: map for initialize: %w", err)
	}
	for i := range view {
		view[i] = 0
	}
	a.buffer.Unmap()
	return nil
}

// UpdateResidency emits the residency transitions needed for the
// backing buffer on platforms with sparse/tiled virtual memory. The
// noop/validated-system boundary means this is a hook point only: a
// real backend wires its own sparse-binding call here.
func (a *Allocator) UpdateResidency(queue gpu.Queue) error {
	return nil
}

// Free releases block's span back to the free list, coalescing with
// adjacent free spans.
func (a *Allocator) Free(block Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[block.id]; !ok {
		return ErrInvalidBlock
	}
	delete(a.live, block.id)

	s := span{start: block.BaseBlockIndex, bits: block.BitCount}
	i := 0
	for ; i < len(a.free); i++ {
		if a.free[i].start > s.start {
			break
		}
	}
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s
	a.coalesceLocked()
	return nil
}

func (a *Allocator) coalesceLocked() {
	merged := a.free[:0]
	for _, s := range a.free {
		if n := len(merged); n > 0 && merged[n-1].start+merged[n-1].bits == s.start {
			merged[n-1].bits += s.bits
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}

// Stats reports allocator occupancy for diagnostics and tests.
type Stats struct {
	CapacityBits uint64
	LiveBlocks   int
	FreeSpans    int
}

// Stats returns a snapshot of allocator occupancy.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{CapacityBits: a.capacity, LiveBlocks: len(a.live), FreeSpans: len(a.free)}
}

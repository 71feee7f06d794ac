package descriptor

import (
	"fmt"

	"github.com/gogpu/shaderval/gpu"
	"github.com/gogpu/shaderval/stream"
)

// BindSlot identifies a descriptor-set binding point in a pipeline
// layout's slot range.
type BindSlot uint32

// LayoutHash identifies a pipeline's set-layout-compatibility class; two
// pipelines sharing a LayoutHash need no descriptor-restore on a
// Bind-Pipeline between them.
type LayoutHash uint64

// HeapType distinguishes D3D12 descriptor-heap kinds for
// Set-Descriptor-Heap invalidation; unused on Vulkan targets.
type HeapType uint8

// HeapType values.
const (
	HeapTypeCbvSrvUav HeapType = iota
	HeapTypeSampler
)

// Recorder re-issues the device-specific descriptor-set binds and
// push-constant writes the streamer's state machine decides are needed.
// The GPU API passthrough that implements command recording is out of
// this package's scope; Recorder is the seam.
type Recorder interface {
	BindDescriptorSet(slot BindSlot, set gpu.DescriptorSet, dynamicOffsets []uint32)
	BindDiagnosticSegment(slot BindSlot, segment gpu.DescriptorSet)
	PushConstants(offset uint32, data []byte)
}

// Config holds the streamer's fixed layout knowledge: where the
// diagnostic segment lives, the layout its descriptor set is allocated
// from, and how big the push-constant shadow is.
type Config struct {
	DiagnosticSlot                  BindSlot
	DiagnosticLayout                gpu.DescriptorSetLayout
	PushConstantShadowSize           uint32
	DynamicOffsetPushConstantOffset  uint32
}

// DefaultConfig returns the streamer's baseline layout configuration,
// excluding DiagnosticLayout which callers must set to a real layout.
func DefaultConfig() Config {
	return Config{
		DiagnosticSlot:                  0,
		PushConstantShadowSize:          256,
		DynamicOffsetPushConstantOffset: 0,
	}
}

type boundSet struct {
	set            gpu.DescriptorSet
	dynamicOffsets []uint32
	heapType       HeapType
}

// Streamer is the Descriptor Set Streamer: one instance per command
// buffer, implementing the Open/Bind-Pipeline/Bind-Descriptor-Set/
// Set-Descriptor-Heap/Push-Constants/commit/Close state machine from
// spec.md §4.4.
type Streamer struct {
	cfg      Config
	device   gpu.Device
	pool     *ChunkPool
	recorder Recorder

	layout      LayoutHash
	layoutValid bool
	shadow      map[BindSlot]boundSet
	overwritten map[BindSlot]bool
	userRange   [2]BindSlot

	pushConstants []byte

	diagChunk *chunk
	diagSet   gpu.DescriptorSet
	diagOff   uint32
	rolled    bool

	alloc *stream.Allocation
}

// NewStreamer creates a Streamer drawing descriptor-data chunks from
// pool and the diagnostic segment's descriptor set from device, and
// dispatching binds through recorder.
func NewStreamer(cfg Config, device gpu.Device, pool *ChunkPool, recorder Recorder) *Streamer {
	return &Streamer{
		cfg:           cfg,
		device:        device,
		pool:          pool,
		recorder:      recorder,
		shadow:        make(map[BindSlot]boundSet),
		overwritten:   make(map[BindSlot]bool),
		pushConstants: make([]byte, cfg.PushConstantShadowSize),
	}
}

// Open begins a command buffer: the initial diagnostic segment is
// allocated, all bind-point shadow state is cleared, the push-constant
// shadow is zeroed, and diag points at alloc's Diagnostic Allocation.
func (s *Streamer) Open(alloc *stream.Allocation) error {
	for k := range s.shadow {
		delete(s.shadow, k)
	}
	for k := range s.overwritten {
		delete(s.overwritten, k)
	}
	for i := range s.pushConstants {
		s.pushConstants[i] = 0
	}
	s.layout = 0
	s.layoutValid = false
	s.alloc = alloc
	return s.allocateDiagnosticSegment()
}

func (s *Streamer) allocateDiagnosticSegment() error {
	c, err := s.pool.Acquire()
	if err != nil {
		return fmt.Errorf("descriptor: allocate diagnostic segment: %w", err)
	}
	var set gpu.DescriptorSet
	if s.cfg.DiagnosticLayout != nil {
		set, err = s.device.CreateDescriptorSet(s.cfg.DiagnosticLayout)
		if err != nil {
			s.pool.Release(c)
			return fmt.Errorf("descriptor: allocate diagnostic descriptor set: %w", err)
		}
	}
	if s.diagChunk != nil {
		s.pool.Release(s.diagChunk)
	}
	if s.diagSet != nil {
		s.device.DestroyDescriptorSet(s.diagSet)
	}
	s.diagChunk = c
	s.diagSet = set
	s.diagOff = 0
	s.rolled = true
	return nil
}

// BindPipeline implements the descriptor-restore protocol: when the new
// pipeline's layout-compatibility hash differs from the shadow, every
// shadowed set within userRange is re-issued, then the diagnostic
// segment is rebound.
func (s *Streamer) BindPipeline(layout LayoutHash, userRange [2]BindSlot) {
	s.userRange = userRange
	if s.layoutValid && layout == s.layout {
		return
	}

	for slot := userRange[0]; slot <= userRange[1]; slot++ {
		if bound, ok := s.shadow[slot]; ok {
			s.recorder.BindDescriptorSet(slot, bound.set, bound.dynamicOffsets)
		}
	}
	s.recorder.BindDiagnosticSegment(s.cfg.DiagnosticSlot, s.diagSet)

	for k := range s.overwritten {
		delete(s.overwritten, k)
	}
	s.layout = layout
	s.layoutValid = true
}

// BindDescriptorSet updates the shadow for slot, marks it overwritten if
// it falls within the pipeline's user-bound range, and pushes the set's
// PRMT offset/length into the descriptor-data chunk.
func (s *Streamer) BindDescriptorSet(slot BindSlot, set gpu.DescriptorSet, dynamicOffsets []uint32, prmtOffset uint64, prmtLength uint32) error {
	s.shadow[slot] = boundSet{set: set, dynamicOffsets: dynamicOffsets}
	if slot >= s.userRange[0] && slot <= s.userRange[1] {
		s.overwritten[slot] = true
	}
	return s.pushPRMT(packPRMT(prmtOffset, prmtLength))
}

// SetDescriptorHeap implements the D3D12-only Set-Descriptor-Heap event:
// every shadowed set whose recorded heap type equals heapType is dropped
// from the shadow and a fresh diagnostic segment is allocated.
// BindDescriptorSet records every set with the zero heap type
// (HeapTypeCbvSrvUav), so a HeapTypeCbvSrvUav change drops all shadowed
// sets and a HeapTypeSampler change drops none. Vulkan targets never
// call this.
func (s *Streamer) SetDescriptorHeap(heapType HeapType) error {
	for slot, bound := range s.shadow {
		if bound.heapType == heapType {
			delete(s.shadow, slot)
		}
	}
	return s.allocateDiagnosticSegment()
}

// PushConstants mirrors data into the persistent push-constant shadow at
// offset and forwards the write to the recorder. BindPipeline does not
// replay the shadow: a descriptor restore re-issues only the shadowed
// descriptor sets and the diagnostic segment.
func (s *Streamer) PushConstants(offset uint32, data []byte) {
	copy(s.pushConstants[offset:], data)
	s.recorder.PushConstants(offset, data)
}

func (s *Streamer) pushPRMT(value uint64) error {
	if s.diagOff >= s.diagChunk.slots {
		old := s.diagChunk
		c, err := s.pool.Acquire()
		if err != nil {
			return fmt.Errorf("descriptor: chunk roll: %w", err)
		}
		s.pool.Release(old)
		s.diagChunk = c
		s.diagOff = 0
		s.rolled = true
	}
	if err := writeSlot(s.diagChunk, s.diagOff, value); err != nil {
		return fmt.Errorf("descriptor: write PRMT slot: %w", err)
	}
	s.diagOff++
	return nil
}

// Commit runs at every draw/dispatch: if the descriptor-data chunk
// rolled since the last commit, the new segment is rebound and the
// updated dynamic offset is pushed as a constant.
func (s *Streamer) Commit() {
	if !s.rolled {
		return
	}
	s.recorder.BindDiagnosticSegment(s.cfg.DiagnosticSlot, s.diagSet)
	offset := make([]byte, 4)
	offset[0] = byte(s.diagOff)
	offset[1] = byte(s.diagOff >> 8)
	offset[2] = byte(s.diagOff >> 16)
	offset[3] = byte(s.diagOff >> 24)
	s.recorder.PushConstants(s.cfg.DynamicOffsetPushConstantOffset, offset)
	s.rolled = false
}

// Close releases the streamer's dynamic-offset pool entry and transfers
// ownership of its Diagnostic Allocation back to the caller, which hands
// it to the Diagnostic Stream Pool for reaping.
func (s *Streamer) Close() *stream.Allocation {
	if s.diagChunk != nil {
		s.pool.Release(s.diagChunk)
		s.diagChunk = nil
	}
	if s.diagSet != nil {
		s.device.DestroyDescriptorSet(s.diagSet)
		s.diagSet = nil
	}
	alloc := s.alloc
	s.alloc = nil
	return alloc
}

// packPRMT packs a 48-bit byte offset and 16-bit length into one PRMT
// slot value.
func packPRMT(offset uint64, length uint32) uint64 {
	return (offset & 0x0000FFFFFFFFFFFF) | (uint64(uint16(length)) << 48)
}

// unpackPRMT reverses packPRMT, used by tests to assert round-tripping.
func unpackPRMT(value uint64) (offset uint64, length uint32) {
	return value & 0x0000FFFFFFFFFFFF, uint32(value >> 48)
}

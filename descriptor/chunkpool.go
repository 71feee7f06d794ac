// Package descriptor implements the Descriptor Set Streamer: the
// per-command-buffer state machine that keeps the instrumented shader's
// extra descriptor slot valid and fresh across every bind-pipeline,
// bind-descriptor-set, and draw/dispatch commit.
package descriptor

import (
	"errors"
	"sync"

	"github.com/gogpu/shaderval/gpu"
)

// ErrChunkPoolExhausted is returned when a chunk pool has reached
// MaxChunks and every existing chunk is checked out.
var ErrChunkPoolExhausted = errors.New("descriptor: chunk pool exhausted")

// ChunkConfig configures a ChunkPool's pre-allocated chunk sizing and
// on-demand growth, following DescriptorAllocatorConfig's
// InitialPoolSize/MaxPoolSize/GrowthFactor shape.
type ChunkConfig struct {
	// SlotsPerChunk is the number of 8-byte PRMT entries a chunk holds.
	SlotsPerChunk uint32
	// InitialChunks is how many chunks the pool starts with.
	InitialChunks uint32
	// MaxChunks caps the pool's total chunk count.
	MaxChunks uint32
	// GrowthFactor multiplies the grow-batch size each time the pool
	// exhausts its free list.
	GrowthFactor uint32
}

// DefaultChunkConfig returns sensible defaults for the descriptor-data
// chunk pool.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		SlotsPerChunk: 256,
		InitialChunks: 4,
		MaxChunks:     1024,
		GrowthFactor:  2,
	}
}

// chunk is one fixed-size descriptor-data chunk: a host-visible buffer
// holding SlotsPerChunk packed PRMT entries.
type chunk struct {
	buffer gpu.Buffer
	slots  uint32
}

// ChunkPool is the backing store for descriptor-data chunks: an
// on-demand-growth free list of fixed-size buffers, generalized from
// descriptor-pool allocation ("pool exhaustion creates a new pool")
// to raw PRMT chunk allocation, growing the free list by GrowthFactor.
type ChunkPool struct {
	mu     sync.Mutex
	device gpu.Device
	cfg    ChunkConfig

	free      []*chunk
	total     uint32
	nextBatch uint32
}

// NewChunkPool creates a ChunkPool backed by device, pre-allocating
// cfg.InitialChunks chunks.
func NewChunkPool(device gpu.Device, cfg ChunkConfig) (*ChunkPool, error) {
	if cfg.SlotsPerChunk == 0 {
		cfg.SlotsPerChunk = 256
	}
	if cfg.InitialChunks == 0 {
		cfg.InitialChunks = 4
	}
	if cfg.MaxChunks == 0 {
		cfg.MaxChunks = 1024
	}
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = 2
	}

	p := &ChunkPool{device: device, cfg: cfg, nextBatch: cfg.InitialChunks}
	if err := p.growLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ChunkPool) growLocked() error {
	if p.total >= p.cfg.MaxChunks {
		return ErrChunkPoolExhausted
	}
	batch := p.nextBatch
	if p.total+batch > p.cfg.MaxChunks {
		batch = p.cfg.MaxChunks - p.total
	}
	for i := uint32(0); i < batch; i++ {
		buf, err := p.device.CreateBuffer(uint64(p.cfg.SlotsPerChunk)*8, true)
		if err != nil {
			return err
		}
		p.free = append(p.free, &chunk{buffer: buf, slots: p.cfg.SlotsPerChunk})
	}
	p.total += batch
	p.nextBatch *= p.cfg.GrowthFactor
	return nil
}

// Acquire removes a chunk from the free list, growing the pool first if
// the free list is empty.
func (p *ChunkPool) Acquire() (*chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if err := p.growLocked(); err != nil {
			return nil, err
		}
	}
	if len(p.free) == 0 {
		return nil, ErrChunkPoolExhausted
	}

	n := len(p.free) - 1
	c := p.free[n]
	p.free = p.free[:n]
	return c, nil
}

// Release returns a chunk to the free list. Per spec.md §4.4 the chunk's
// true lifetime is tied to its owning Diagnostic Allocation; this model
// returns it as soon as the streamer stops referencing it, which is safe
// because nothing else holds a pointer to a released chunk's slots.
func (p *ChunkPool) Release(c *chunk) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, c)
}

func writeSlot(c *chunk, index uint32, value uint64) error {
	view, err := c.buffer.MapRange(0, uint64(c.slots)*8)
	if err != nil {
		return err
	}
	defer c.buffer.Unmap()
	off := index * 8
	for i := 0; i < 8; i++ {
		view[off+uint32(i)] = byte(value >> (8 * i))
	}
	return nil
}

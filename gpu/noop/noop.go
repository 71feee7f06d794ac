// Package noop implements gpu.Device with in-memory stand-ins, used by
// tests and the demo binary in place of a real Vulkan/D3D12 backend.
// Every operation is satisfied without touching a GPU, and fences are a
// simple atomic counter.
package noop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/shaderval/gpu"
)

// ErrNotHostVisible is returned by MapRange on a buffer created without
// the hostVisible flag.
var ErrNotHostVisible = errors.New("noop: buffer is not host-visible")

// Buffer is an in-memory gpu.Buffer.
type Buffer struct {
	mu          sync.Mutex
	size        uint64
	hostVisible bool
	data        []byte
	mapped      bool
}

// Size returns the buffer's size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// MapRange returns a slice view over [offset, offset+size) of the
// buffer's backing array.
func (b *Buffer) MapRange(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hostVisible {
		return nil, ErrNotHostVisible
	}
	if offset+size > uint64(len(b.data)) {
		return nil, errors.New("noop: MapRange out of bounds")
	}
	b.mapped = true
	return b.data[offset : offset+size], nil
}

// Unmap marks the buffer as no longer mapped.
func (b *Buffer) Unmap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mapped = false
}

// Fence is an atomic monotonic counter standing in for a GPU fence.
type Fence struct {
	value atomic.Uint64
}

// Value returns the highest signaled value.
func (f *Fence) Value() uint64 { return f.value.Load() }

// Signal advances the fence to value if it is higher than the current one.
func (f *Fence) Signal(value uint64) {
	for {
		cur := f.value.Load()
		if value <= cur {
			return
		}
		if f.value.CompareAndSwap(cur, value) {
			return
		}
	}
}

// DescriptorSetLayout is an identity-only layout handle.
type DescriptorSetLayout struct {
	hash uint64
}

// NewDescriptorSetLayout creates a layout identified by hash.
func NewDescriptorSetLayout(hash uint64) *DescriptorSetLayout {
	return &DescriptorSetLayout{hash: hash}
}

// Hash returns the layout's identity.
func (l *DescriptorSetLayout) Hash() uint64 { return l.hash }

// DescriptorSet is an in-memory descriptor set bound to a layout.
type DescriptorSet struct {
	layout gpu.DescriptorSetLayout
}

// Layout returns the set's layout.
func (s *DescriptorSet) Layout() gpu.DescriptorSetLayout { return s.layout }

// CommandBuffer is an identity-only command buffer handle.
type CommandBuffer struct {
	handle uint64
}

// Handle returns the command buffer's identity.
func (c *CommandBuffer) Handle() uint64 { return c.handle }

// Device implements gpu.Device without touching real hardware.
type Device struct {
	mu     sync.Mutex
	nextCB uint64
}

// New creates a noop device.
func New() *Device {
	return &Device{}
}

// CreateBuffer allocates an in-memory buffer, backing it with a byte
// slice when hostVisible is requested.
func (d *Device) CreateBuffer(size uint64, hostVisible bool) (gpu.Buffer, error) {
	b := &Buffer{size: size, hostVisible: hostVisible}
	if hostVisible {
		b.data = make([]byte, size)
	}
	return b, nil
}

// DestroyBuffer is a no-op.
func (d *Device) DestroyBuffer(_ gpu.Buffer) {}

// CreateFence creates a fence starting at value 0.
func (d *Device) CreateFence() (gpu.Fence, error) {
	return &Fence{}, nil
}

// DestroyFence is a no-op.
func (d *Device) DestroyFence(_ gpu.Fence) {}

// Wait blocks briefly, polling the fence until it reaches value or the
// timeout elapses.
func (d *Device) Wait(f gpu.Fence, value uint64, timeout time.Duration) (bool, error) {
	nf, ok := f.(*Fence)
	if !ok {
		return true, nil
	}
	if nf.Value() >= value {
		return true, nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if nf.Value() >= value {
			return true, nil
		}
		time.Sleep(time.Millisecond)
	}
	return nf.Value() >= value, nil
}

// FenceStatus reports whether fence has reached value without blocking.
func (d *Device) FenceStatus(f gpu.Fence, value uint64) (bool, error) {
	nf, ok := f.(*Fence)
	if !ok {
		return true, nil
	}
	return nf.Value() >= value, nil
}

// CreateDescriptorSet allocates an in-memory descriptor set for layout.
func (d *Device) CreateDescriptorSet(layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	return &DescriptorSet{layout: layout}, nil
}

// DestroyDescriptorSet is a no-op.
func (d *Device) DestroyDescriptorSet(_ gpu.DescriptorSet) {}

// NewCommandBuffer mints a fresh command buffer handle. Not part of
// gpu.Device: the real passthrough owns command-buffer allocation, so
// this exists only to drive the noop device end to end in tests/demo.
func (d *Device) NewCommandBuffer() *CommandBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCB++
	return &CommandBuffer{handle: d.nextCB}
}

// Queue implements gpu.Queue by signaling the fence synchronously: the
// noop backend has no GPU, so "submission" completes immediately.
type Queue struct{}

// NewQueue creates a noop queue.
func NewQueue() *Queue { return &Queue{} }

// Submit signals fence at fenceValue immediately.
func (q *Queue) Submit(_ gpu.CommandBuffer, fence gpu.Fence, fenceValue uint64) error {
	if nf, ok := fence.(*Fence); ok {
		nf.Signal(fenceValue)
	}
	return nil
}

// Package gpu narrows the GPU API surface down to the handful of
// interfaces the validation runtime depends on but never implements
// against a real driver — the native passthrough itself is out of
// scope. A Device/Queue/Fence split lets gpu/noop stand in for a real
// Vulkan/D3D12 backend in tests and the demo binary.
package gpu

import "time"

// Buffer is an opaque GPU buffer handle. The validation runtime never
// inspects its contents directly except through MapRange on a
// host-visible Buffer.
type Buffer interface {
	// Size returns the buffer's size in bytes.
	Size() uint64
	// MapRange exposes a host-visible view of [offset, offset+size) for
	// the lifetime of the Diagnostic Allocation's mirror. Returns an
	// error (ErrMapFailed-shaped) when the underlying memory is not
	// host-coherent or the map itself fails.
	MapRange(offset, size uint64) ([]byte, error)
	// Unmap releases a prior MapRange view.
	Unmap()
}

// DescriptorSetLayout is an opaque handle to a descriptor/bind-group
// layout, used only for identity comparison (layout-compatibility hash)
// by the Descriptor Set Streamer.
type DescriptorSetLayout interface {
	// Hash returns a stable identity for layout-compatibility comparisons.
	Hash() uint64
}

// DescriptorSet is an opaque descriptor/bind-group set handle.
type DescriptorSet interface {
	Layout() DescriptorSetLayout
}

// Fence is a monotonic GPU/CPU synchronization primitive: each submission
// signals a strictly increasing value, and waiters block on a target
// value rather than a binary signaled/unsignaled state.
type Fence interface {
	// Value returns the highest submission value known to be complete.
	Value() uint64
}

// CommandBuffer is an opaque, externally-synchronized recording target.
type CommandBuffer interface {
	// Handle returns an identity usable as a map/registry key.
	Handle() uint64
}

// Queue submits recorded command buffers and signals fences on
// completion.
type Queue interface {
	// Submit submits cmd for execution, signaling fence at fenceValue on
	// completion if fence is non-nil.
	Submit(cmd CommandBuffer, fence Fence, fenceValue uint64) error
}

// Device creates the resources the runtime needs to build Diagnostic
// Allocations and descriptor segments: buffers, descriptor sets, and
// fences.
type Device interface {
	// CreateBuffer allocates a GPU buffer of size bytes. hostVisible
	// requests a buffer whose memory can be mapped via Buffer.MapRange.
	CreateBuffer(size uint64, hostVisible bool) (Buffer, error)
	// DestroyBuffer releases a buffer created by CreateBuffer.
	DestroyBuffer(b Buffer)

	// CreateFence creates a fence starting at value 0.
	CreateFence() (Fence, error)
	// DestroyFence releases a fence created by CreateFence.
	DestroyFence(f Fence)
	// Wait blocks until fence reaches value or timeout elapses, returning
	// false on timeout.
	Wait(f Fence, value uint64, timeout time.Duration) (bool, error)
	// FenceStatus reports whether fence has reached value without
	// blocking.
	FenceStatus(f Fence, value uint64) (bool, error)

	// CreateDescriptorSet allocates a descriptor set compatible with
	// layout.
	CreateDescriptorSet(layout DescriptorSetLayout) (DescriptorSet, error)
	// DestroyDescriptorSet releases a descriptor set.
	DestroyDescriptorSet(s DescriptorSet)
}

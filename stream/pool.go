package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/shaderval/config"
	"github.com/gogpu/shaderval/gpu"
	"github.com/gogpu/shaderval/internal/logging"
)

// parkedEntry is one Allocation awaiting fence completion, the intrusive
// free-list role played by Vec<Handle> + indexing per spec.md §9
// ("Intrusive free-lists").
type parkedEntry struct {
	alloc      *Allocation
	fence      gpu.Fence
	fenceValue uint64
}

// Pool is the Diagnostic Stream Pool: it hands out ready-to-use
// Diagnostic Allocations sized from per-tag history, recycles them on
// fence completion, and feeds filled mirrors to a Drain.
//
// Thread-safe for concurrent use from multiple application threads
// recording distinct command buffers (spec.md §5's "Pending-allocation
// list — guarded by its own mutex with a condvar for the Drain Worker").
type Pool struct {
	mu sync.Mutex

	cfg    config.Config
	device gpu.Device
	layout gpu.DescriptorSetLayout
	drain  *Drain

	nextID uint64
	tags   map[uint64]*tagStats

	free   []*Allocation
	parked []parkedEntry

	lastOverflowLog map[uint64]time.Time
}

// NewPool creates a Pool backed by device, using layout for the
// allocation's diagnostic descriptor set, draining completed mirrors into
// drain.
func NewPool(cfg config.Config, device gpu.Device, layout gpu.DescriptorSetLayout, drain *Drain) *Pool {
	p := &Pool{
		cfg:             cfg,
		device:          device,
		layout:          layout,
		drain:           drain,
		tags:            make(map[uint64]*tagStats),
		lastOverflowLog: make(map[uint64]time.Time),
	}
	if drain != nil {
		drain.mu.Lock()
		drain.pool = p
		drain.mu.Unlock()
	}
	return p
}

func (p *Pool) statsFor(tag uint64) *tagStats {
	s, ok := p.tags[tag]
	if !ok {
		s = &tagStats{}
		p.tags[tag] = s
	}
	return s
}

// Acquire returns a ready-to-use Diagnostic Allocation for tag, sized
// from an estimate derived from the tag's prior behavior. It first calls
// Reap to recycle any allocation whose fence has completed.
func (p *Pool) Acquire(tag uint64) (*Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reapLocked()

	stats := p.statsFor(tag)
	requested := stats.requestedCapacity(p.cfg.CommandBufferMessageCountDefault, p.cfg.CommandBufferMessageCountLimit)

	if a := p.takeViableLocked(requested); a != nil {
		a.tag = tag
		return a, nil
	}

	return p.createAllocationLocked(tag, requested)
}

// takeViableLocked removes and returns a free allocation satisfying the
// viability guard: capacity >= requested AND capacity/requested <=
// AllocationViabilityLimitThreshold. Without this guard a one-time spike
// would inflate all future allocations (spec.md §4.2).
func (p *Pool) takeViableLocked(requested uint32) *Allocation {
	for i, a := range p.free {
		if a.capacity < requested {
			continue
		}
		ratio := float64(a.capacity) / float64(requested)
		if ratio > p.cfg.AllocationViabilityLimitThreshold {
			continue
		}
		p.free = append(p.free[:i], p.free[i+1:]...)
		return a
	}
	return nil
}

func (p *Pool) createAllocationLocked(tag uint64, capacity uint32) (*Allocation, error) {
	size := bufferSize(capacity)

	deviceBuf, err := p.device.CreateBuffer(size, false)
	if err != nil {
		return nil, fmt.Errorf("stream: create device buffer: %w", err)
	}
	mirrorBuf, err := p.device.CreateBuffer(size, true)
	if err != nil {
		p.device.DestroyBuffer(deviceBuf)
		return nil, fmt.Errorf("stream: create mirror buffer: %w", err)
	}

	var descriptor gpu.DescriptorSet
	if p.layout != nil {
		descriptor, err = p.device.CreateDescriptorSet(p.layout)
		if err != nil {
			p.device.DestroyBuffer(deviceBuf)
			p.device.DestroyBuffer(mirrorBuf)
			return nil, fmt.Errorf("stream: create descriptor set: %w", err)
		}
	}

	p.nextID++
	return &Allocation{
		id:           p.nextID,
		deviceBuffer: deviceBuf,
		mirrorBuffer: mirrorBuf,
		descriptor:   descriptor,
		capacity:     capacity,
		tag:          tag,
		header:       Header{Capacity: capacity},
	}, nil
}

// Release parks da awaiting completion of fence at fenceValue. Exactly
// one command buffer owns a Diagnostic Allocation between its Reset and
// its fence completion (spec.md §3).
func (p *Pool) Release(da *Allocation, fence gpu.Fence, fenceValue uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	da.fence = fence
	da.fenceValue = fenceValue
	p.parked = append(p.parked, parkedEntry{alloc: da, fence: fence, fenceValue: fenceValue})
}

// Reap scans parked allocations for fence completion. Completed
// allocations run the messaging filter pre-pass: their header is read
// back, overflow is accounted, and the mirror is either handed to the
// Drain (if it holds any newly-visible messages) or recycled directly
// (spec.md §4.2's "Messaging filter pre-pass").
func (p *Pool) Reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()
}

func (p *Pool) reapLocked() {
	remaining := p.parked[:0]
	for _, entry := range p.parked {
		done, err := p.device.FenceStatus(entry.fence, entry.fenceValue)
		if err != nil || !done {
			remaining = append(remaining, entry)
			continue
		}
		p.completeLocked(entry.alloc)
	}
	p.parked = remaining
	for i := range p.parked {
		p.parked[i].alloc.age++
	}
	if p.drain != nil {
		p.drain.Age()
	}
}

func (p *Pool) completeLocked(a *Allocation) {
	a.age = 0

	view, err := a.mirrorBuffer.MapRange(0, bufferSize(a.capacity))
	if err != nil {
		a.dead = true
		a.header = Header{}
		p.free = append(p.free, a)
		return
	}
	defer a.mirrorBuffer.Unmap()

	header := decodeHeader(view)
	a.header = header

	overflowed := header.WrittenCount > header.Capacity
	if overflowed {
		p.logOverflowLocked(a.tag, header.WrittenCount)
		p.statsFor(a.tag).growAfterOverflow(header.WrittenCount, p.cfg.StreamGrowthFactor)
	}

	visibleCount := header.TransferredCount
	if header.WrittenCount < visibleCount {
		visibleCount = header.WrittenCount
	}
	if visibleCount > header.Capacity {
		visibleCount = header.Capacity
	}

	stats := p.statsFor(a.tag)
	avg := stats.updateEWMA(visibleCount)
	isSyncPoint := avg > 0 && float64(visibleCount)/avg > p.cfg.TransferSyncPointThreshold

	if visibleCount > 0 {
		messages := make([]Message, visibleCount)
		for i := range messages {
			messages[i] = decodeMessage(view, i)
		}
		p.drain.enqueue(drainEntry{
			alloc:       a,
			header:      header,
			messages:    messages,
			isSyncPoint: isSyncPoint,
		})
		return
	}

	// Nothing new to drain: recycle the mirror directly.
	p.free = append(p.free, a)
}

func (p *Pool) logOverflowLocked(tag uint64, writtenCount uint32) {
	last, seen := p.lastOverflowLog[tag]
	if seen && time.Since(last) < p.cfg.OverflowLogCooldown {
		return
	}
	p.lastOverflowLog[tag] = time.Now()
	logging.Logger().Warn("stream: diagnostic allocation overflowed",
		"tag", tag, "written_count", writtenCount)
}

// recycle returns a drained allocation to the free list; called by Drain
// once it has processed an allocation's messages.
func (p *Pool) recycle(a *Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, a)
}

// UpdateHeader zeroes written_count/transferred_count on da's device
// buffer ahead of command-buffer execution (spec.md §4.2,
// "update_header"). In this software model there is no separate device
// buffer content distinct from the mirror, so the reset is applied
// directly; a real backend would record a clear-and-barrier pair here.
func (p *Pool) UpdateHeader(da *Allocation) error {
	view, err := da.mirrorBuffer.MapRange(0, bufferSize(da.capacity))
	if err != nil {
		return fmt.Errorf("stream: update_header map: %w", err)
	}
	defer da.mirrorBuffer.Unmap()

	da.header.WrittenCount = 0
	da.header.TransferredCount = 0
	da.header.Capacity = da.capacity
	encodeHeader(da.header, view)
	return nil
}

// BeginTransfer emits the queue-family ownership-transfer barrier for an
// async-transfer readback. When LatentTransfers is enabled it also writes
// a consistent header snapshot so the mirror reflects a point-in-time
// view even though the producing queue may still be appending
// (SUPPLEMENTED FEATURES, "Latent-transfer snapshot consistency").
func (p *Pool) BeginTransfer(da *Allocation) error {
	if !p.cfg.LatentTransfers {
		return nil
	}
	view, err := da.mirrorBuffer.MapRange(0, bufferSize(da.capacity))
	if err != nil {
		return fmt.Errorf("stream: begin_transfer map: %w", err)
	}
	defer da.mirrorBuffer.Unmap()

	header := decodeHeader(view)
	header.TransferredCount = header.WrittenCount
	encodeHeader(header, view)
	da.header = header
	return nil
}

// EndTransfer completes the ownership transfer started by BeginTransfer.
// It is a barrier point only; the header snapshot was already taken.
func (p *Pool) EndTransfer(da *Allocation) error {
	return nil
}

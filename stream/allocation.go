// Package stream implements the Diagnostic Stream Pool and Drain Worker:
// the per-command-buffer message channel between instrumented GPU shaders
// and the host-side feature handlers.
package stream

import "github.com/gogpu/shaderval/gpu"

// DebugCookie marks whether a Diagnostic Allocation's buffers are at
// their originally-bound address or have been relocated by a heap
// defragmentation rebind.
type DebugCookie uint32

// DebugCookie values (spec.md §3, "debug_cookie ∈ {DEFAULT, MOVED}").
const (
	CookieDefault DebugCookie = iota
	CookieMoved
)

// Header mirrors the GPU-resident layout shared by both the device buffer
// and its host mirror: Header{written_count, capacity, debug_cookie,
// transferred_count} :: Message[N].
type Header struct {
	WrittenCount     uint32
	Capacity         uint32
	DebugCookie      DebugCookie
	TransferredCount uint32
}

// Message is a 64-bit packed record: high bits carry a message-type UID,
// low bits carry a message-type-specific payload. The runtime treats the
// payload as opaque; feature handlers (see the feature package) decode it.
type Message uint64

// TypeUID extracts the message-type UID from the high 16 bits.
func (m Message) TypeUID() uint16 { return uint16(m >> 48) }

// Payload extracts the low 48 bits of message-specific payload.
func (m Message) Payload() uint64 { return uint64(m) & 0x0000FFFFFFFFFFFF }

// NewMessage packs a type UID and payload into a Message.
func NewMessage(typeUID uint16, payload uint64) Message {
	return Message(uint64(typeUID)<<48 | (payload & 0x0000FFFFFFFFFFFF))
}

// Message type UIDs for the built-in Feature Plug-ins (spec.md §4.6).
// A feature's shader-rewrite pass packs its own TypeUID into every
// message it appends to the diagnostic stream; the host drain handler
// reads TypeUID back out to decide which registered feature.Feature
// owns a given Message (see feature.Feature.HandleMessage).
const (
	MessageTypeUninitializedResource uint16 = 1
	MessageTypeOutOfBounds           uint16 = 2
	MessageTypeUnboundDescriptor     uint16 = 3
)

// Allocation is a Diagnostic Allocation: a (device buffer, mirror buffer,
// descriptor set) triple with message capacity N. Exactly one command
// buffer owns an Allocation between its Reset and its fence completion
// (spec.md §3).
type Allocation struct {
	id uint64

	deviceBuffer gpu.Buffer
	mirrorBuffer gpu.Buffer
	descriptor   gpu.DescriptorSet

	capacity uint32
	tag      uint64

	// header is the host's last-observed copy of the mirror's header,
	// refreshed by the messaging filter pre-pass on acquire.
	header Header

	// fence/fenceValue identify the submission this allocation is parked
	// against between release and reap.
	fence      gpu.Fence
	fenceValue uint64

	// age counts pending-push ticks since this allocation's mirror was
	// last enqueued to the Drain Worker, used by Apply-Throttling.
	age uint32

	// dead marks an allocation whose backing map failed; its payload is
	// zeroed and it is never reused for a live command buffer.
	dead bool
}

// ID returns a stable identity for the allocation, usable as a map key.
func (a *Allocation) ID() uint64 { return a.id }

// Capacity returns the allocation's message capacity N.
func (a *Allocation) Capacity() uint32 { return a.capacity }

// Tag returns the opaque tag (typically a pipeline or draw-call identity)
// the allocation was acquired for.
func (a *Allocation) Tag() uint64 { return a.tag }

// Header returns the allocation's last-observed header snapshot.
func (a *Allocation) Header() Header { return a.header }

// IsDead reports whether a map failure marked this allocation unusable.
func (a *Allocation) IsDead() bool { return a.dead }

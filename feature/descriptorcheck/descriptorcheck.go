// Package descriptorcheck implements a lightweight feature.Feature that
// flags shader accesses through a descriptor slot the application never
// bound (a stale or out-of-range PRMT entry). Like feature/boundscheck,
// it supplements spec.md's single canonical feature with a second,
// simpler plug-in exercising the same feature.Feature contract.
package descriptorcheck

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/shaderval/instrument"
	"github.com/gogpu/shaderval/rewrite"
	"github.com/gogpu/shaderval/stream"
)

// UnboundDescriptorMessage is the diagnostic a descriptor-check failure
// reports.
type UnboundDescriptorMessage struct {
	ShaderUID  uint32
	BindSlot   uint32
	PRMTOffset uint32
}

// wire packing: the 48-bit Message payload splits unevenly across this
// message's three fields — ShaderUID gets 24 bits, BindSlot and
// PRMTOffset 12 each — since this lightweight plug-in's diagnostics
// need the shader identity precisely but only a narrow bind-slot/PRMT
// range.
const (
	shaderUIDBits  = 24
	bindSlotBits   = 12
	prmtOffsetBits = 12
	bindSlotMask   = 1<<bindSlotBits - 1
	prmtOffsetMask = 1<<prmtOffsetBits - 1
	shaderUIDMask  = 1<<shaderUIDBits - 1
)

func encodeUnboundDescriptorMessage(msg UnboundDescriptorMessage) stream.Message {
	payload := (uint64(msg.ShaderUID)&shaderUIDMask)<<(bindSlotBits+prmtOffsetBits) |
		(uint64(msg.BindSlot)&bindSlotMask)<<prmtOffsetBits |
		(uint64(msg.PRMTOffset) & prmtOffsetMask)
	return stream.NewMessage(stream.MessageTypeUnboundDescriptor, payload)
}

func decodeUnboundDescriptorPayload(payload uint64) UnboundDescriptorMessage {
	return UnboundDescriptorMessage{
		ShaderUID:  uint32(payload >> (bindSlotBits + prmtOffsetBits)),
		BindSlot:   uint32(payload>>prmtOffsetBits) & bindSlotMask,
		PRMTOffset: uint32(payload & prmtOffsetMask),
	}
}

// Feature tracks, per shader, which descriptor slots were actually
// bound at the last Commit so the shader-side check has something to
// compare the PRMT entry's liveness bit against.
type Feature struct {
	mu          sync.Mutex
	boundSlots  map[uint32]map[uint32]bool // shader UID -> bind slot -> bound
	unboundHits atomic.Uint64
}

// New creates an empty descriptor-check Feature.
func New() *Feature {
	return &Feature{boundSlots: make(map[uint32]map[uint32]bool)}
}

// Name identifies this feature to the Instrumentation Controller.
func (f *Feature) Name() string { return "descriptor-check" }

// MarkBound records that shaderUID's bindSlot is currently bound.
func (f *Feature) MarkBound(shaderUID, bindSlot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slots, ok := f.boundSlots[shaderUID]
	if !ok {
		slots = make(map[uint32]bool)
		f.boundSlots[shaderUID] = slots
	}
	slots[bindSlot] = true
}

// MarkUnbound forgets shaderUID's bindSlot, e.g. on unbind or pipeline
// teardown.
func (f *Feature) MarkUnbound(shaderUID, bindSlot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.boundSlots[shaderUID], bindSlot)
}

// IsBound reports whether shaderUID's bindSlot is currently bound.
func (f *Feature) IsBound(shaderUID, bindSlot uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boundSlots[shaderUID][bindSlot]
}

// ReportViolation records a host-visible unbound-descriptor-access
// report.
func (f *Feature) ReportViolation(msg UnboundDescriptorMessage) {
	f.unboundHits.Add(1)
}

// Violations returns the number of unbound-descriptor reports seen so
// far.
func (f *Feature) Violations() uint64 { return f.unboundHits.Load() }

// descriptorCheckPrologue declares the PRMT liveness-check primitive
// described in spec.md §4.6. The instruction-level walk that finds
// every descriptor-indexed access this guards is parser-internals
// territory and out of scope here, as with the other features; this
// function is the primitive that walk would call.
const descriptorCheckPrologue = `
@group(%d) @binding(%d) var<storage, read_write> shaderval_desc_diag_counter: atomic<u32>;
@group(%d) @binding(%d) var<storage, read_write> shaderval_desc_diag_messages: array<vec2<u32>>;

fn shaderval_descriptor_check(shader_uid: u32, bind_slot: u32, prmt_offset: u32, prmt_live: bool) -> bool {
    if (!prmt_live) {
        let slot = atomicAdd(&shaderval_desc_diag_counter, 1u);
        if (slot < arrayLength(&shaderval_desc_diag_messages)) {
            shaderval_desc_diag_messages[slot] = vec2<u32>(((shader_uid & 0xffu) << 24u) | ((bind_slot & 0xfffu) << 12u) | (prmt_offset & 0xfffu), (%du << 16u) | ((shader_uid >> 8u) & 0xffffu));
        }
    }
    return prmt_live;
}

`

// diagnosticGroup and diagnosticBaseBinding place this feature's
// injected bindings at a fixed bind-group slot, distinct from the other
// built-in features' — the real slot and binding layout is a
// deployment-time fact (spec.md's "shader-visible binding schema") this
// package-local rewrite has no way to learn.
const (
	diagnosticGroup       = 5
	diagnosticBaseBinding = 0
)

// RewritePass returns the shader-rewrite pass this feature contributes:
// gated on bit, it prepends the PRMT-entry liveness check helper and its
// diagnostic bindings to the shader's WGSL source. It does not insert
// calls to the helper at individual descriptor-indexed accesses.
func (f *Feature) RewritePass(bit instrument.FeatureBits) rewrite.Pass {
	return rewrite.InjectionPass{
		FeatureBit: bit,
		PassName:   "descriptor-check",
		Inject:     injectSource,
	}
}

func injectSource(source string) (string, error) {
	prologue := fmt.Sprintf(descriptorCheckPrologue,
		diagnosticGroup, diagnosticBaseBinding,
		diagnosticGroup, diagnosticBaseBinding+1,
		stream.MessageTypeUnboundDescriptor,
	)
	return prologue + source, nil
}

// HandleMessage decodes msg if its TypeUID identifies an
// UnboundDescriptorMessage and records the violation. It reports
// whether it claimed msg.
func (f *Feature) HandleMessage(msg stream.Message) bool {
	if msg.TypeUID() != stream.MessageTypeUnboundDescriptor {
		return false
	}
	f.ReportViolation(decodeUnboundDescriptorPayload(msg.Payload()))
	return true
}

// OnActivation is a no-op: descriptor-check carries no GPU-side
// resources that need allocating or releasing across activation
// stages.
func (f *Feature) OnActivation(stage instrument.ActivationStage) error {
	return nil
}

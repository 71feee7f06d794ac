// Package boundscheck implements a lightweight feature.Feature that
// flags out-of-range buffer/texture accesses. It exercises the same
// feature.Feature contract as feature/initialization without
// duplicating its GPU-side bitset bookkeeping: the Instrumentation
// Controller and feature.Registry treat every feature identically, so a
// second, simpler plug-in is useful evidence the contract generalizes
// (spec.md §4.6's "Feature Plug-ins" row, "each feature ... contributes
// a rewrite pass plus host-side book-keeping").
package boundscheck

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/shaderval/instrument"
	"github.com/gogpu/shaderval/rewrite"
	"github.com/gogpu/shaderval/stream"
)

// OutOfBoundsMessage is the diagnostic a bounds-check failure reports,
// mirroring spec.md §6's "out-of-bounds" egress message.
type OutOfBoundsMessage struct {
	ResourceID uint32
	Offset     uint64
	Bound      uint64
}

// wire packing: ResourceID and Offset are the only fields carried over
// the 48-bit Message payload (Bound is host-known from SetBound and
// looked back up by ResourceID on receipt); each gets 24 bits, which
// this lightweight plug-in's diagnostics do not need more precision
// than.
const (
	resourceIDBits = 24
	offsetMask     = 1<<resourceIDBits - 1
)

func encodeOutOfBoundsMessage(resourceID uint32, offset uint64) stream.Message {
	payload := ((uint64(resourceID) & offsetMask) << resourceIDBits) | (offset & offsetMask)
	return stream.NewMessage(stream.MessageTypeOutOfBounds, payload)
}

func decodeOutOfBoundsPayload(payload uint64) (resourceID uint32, offset uint64) {
	return uint32(payload >> resourceIDBits), payload & offsetMask
}

// Feature tracks per-resource bounds and counts violations reported by
// the instrumented shader path.
type Feature struct {
	mu         sync.Mutex
	bounds     map[uint32]uint64 // resource ID -> byte bound
	violations atomic.Uint64
}

// New creates an empty bounds-check Feature.
func New() *Feature {
	return &Feature{bounds: make(map[uint32]uint64)}
}

// Name identifies this feature to the Instrumentation Controller.
func (f *Feature) Name() string { return "bounds-check" }

// SetBound records resourceID's byte bound, used by the rewrite pass's
// shader-side check.
func (f *Feature) SetBound(resourceID uint32, bound uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bounds[resourceID] = bound
}

// ClearBound forgets resourceID, e.g. on resource destruction.
func (f *Feature) ClearBound(resourceID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bounds, resourceID)
}

// ReportViolation records a host-visible out-of-bounds report, e.g.
// surfaced from a drained diagnostic message.
func (f *Feature) ReportViolation(msg OutOfBoundsMessage) {
	f.violations.Add(1)
}

// Violations returns the number of out-of-bounds reports seen so far.
func (f *Feature) Violations() uint64 { return f.violations.Load() }

// boundsCheckPrologue declares the per-resource bound table and the
// access-offset-against-bound compare described in spec.md §4.6. As
// with feature/initialization, finding every load/store call site this
// guards is naga's own instruction-level pass-manager's job (parser
// internals, out of scope here); this function is the primitive that
// job calls.
const boundsCheckPrologue = `
@group(%d) @binding(%d) var<storage, read_write> shaderval_bounds_diag_counter: atomic<u32>;
@group(%d) @binding(%d) var<storage, read_write> shaderval_bounds_diag_messages: array<vec2<u32>>;

fn shaderval_bounds_check(resource_id: u32, offset: u32, bound: u32) -> bool {
    let in_bounds = offset < bound;
    if (!in_bounds) {
        let slot = atomicAdd(&shaderval_bounds_diag_counter, 1u);
        if (slot < arrayLength(&shaderval_bounds_diag_messages)) {
            shaderval_bounds_diag_messages[slot] = vec2<u32>(((resource_id & 0xffu) << 24u) | (offset & 0xffffffu), (%du << 16u) | ((resource_id >> 8u) & 0xffffu));
        }
    }
    return in_bounds;
}

`

// diagnosticGroup and diagnosticBaseBinding place this feature's
// injected bindings at a fixed bind-group slot, distinct from
// feature/initialization's — the real slot and binding layout is a
// deployment-time fact (spec.md's "shader-visible binding schema") this
// package-local rewrite has no way to learn.
const (
	diagnosticGroup       = 4
	diagnosticBaseBinding = 0
)

// RewritePass returns the shader-rewrite pass this feature contributes:
// gated on bit, it prepends the access-offset-against-bound check helper
// and its diagnostic bindings to the shader's WGSL source. It does not
// insert calls to the helper at individual load and store sites.
func (f *Feature) RewritePass(bit instrument.FeatureBits) rewrite.Pass {
	return rewrite.InjectionPass{
		FeatureBit: bit,
		PassName:   "bounds-check",
		Inject:     injectSource,
	}
}

func injectSource(source string) (string, error) {
	prologue := fmt.Sprintf(boundsCheckPrologue,
		diagnosticGroup, diagnosticBaseBinding,
		diagnosticGroup, diagnosticBaseBinding+1,
		stream.MessageTypeOutOfBounds,
	)
	return prologue + source, nil
}

// HandleMessage decodes msg if its TypeUID identifies an
// OutOfBoundsMessage, looks up the resource's currently-recorded bound,
// and records the violation. It reports whether it claimed msg.
func (f *Feature) HandleMessage(msg stream.Message) bool {
	if msg.TypeUID() != stream.MessageTypeOutOfBounds {
		return false
	}
	resourceID, offset := decodeOutOfBoundsPayload(msg.Payload())
	f.mu.Lock()
	bound := f.bounds[resourceID]
	f.mu.Unlock()
	f.ReportViolation(OutOfBoundsMessage{ResourceID: resourceID, Offset: offset, Bound: bound})
	return true
}

// OnActivation is a no-op: bounds-check carries no GPU-side resources
// that need allocating or releasing across activation stages.
func (f *Feature) OnActivation(stage instrument.ActivationStage) error {
	return nil
}

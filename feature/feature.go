// Package feature defines the plug-in contract every validation feature
// implements (spec.md §4.6's "Feature Plug-ins" row: "each feature ...
// contributes a rewrite pass plus host-side book-keeping"), and a
// Registry that assigns each registered feature a stable bit in
// instrument.FeatureBits and dispatches the Instrumentation Controller's
// three-stage activation events to it.
//
// feature/initialization is the canonical, fully-worked example named in
// spec.md §4.6; feature/boundscheck and feature/descriptorcheck are
// lighter plug-ins exercising the same contract.
package feature

import (
	"fmt"
	"sync"

	"github.com/gogpu/shaderval/instrument"
	"github.com/gogpu/shaderval/rewrite"
	"github.com/gogpu/shaderval/stream"
)

// Feature is one validation capability: a bit in the device-wide feature
// set, a shader rewrite pass gated on that bit, and lifecycle hooks for
// the three activation stages the Instrumentation Controller drives.
type Feature interface {
	// Name identifies the feature in diagnostics and filter matching.
	Name() string
	// RewritePass returns the shader-rewrite Pass this feature
	// contributes to the compile pipeline. The pass itself is gated on
	// the feature's bit (see rewrite.InjectionPass); the Registry passes
	// that bit in once the feature is registered.
	RewritePass(bit instrument.FeatureBits) rewrite.Pass
	// OnActivation is called as the feature's bit crosses an activation
	// stage boundary in the device-wide active set (spec.md §4.5,
	// "Activation events").
	OnActivation(stage instrument.ActivationStage) error
	// HandleMessage decodes msg if it recognizes msg.TypeUID() as its own
	// and applies the message's host-side effect (spec.md §4.6's "the
	// host drains messages and feeds them to the owning feature's
	// book-keeping"). It reports whether it claimed the message; the
	// Registry stops routing at the first Feature that returns true.
	HandleMessage(msg stream.Message) bool
}

// Registry assigns a stable FeatureBits bit to each registered Feature,
// in registration order, and dispatches ActivationHandler callbacks to
// the owning Feature.
//
// Thread-safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	bits  []instrument.FeatureBits // bits[i] is features[i]'s assigned bit
	features []Feature
	byBit map[instrument.FeatureBits]Feature
	next  uint
}

// NewRegistry creates an empty feature Registry.
func NewRegistry() *Registry {
	return &Registry{byBit: make(map[instrument.FeatureBits]Feature)}
}

// Register assigns f the next free bit (0..63) and returns it. Register
// is not safe to call concurrently with Dispatch/Passes/Lookup in a way
// that changes bit assignment after compilation has started — features
// are expected to be registered once, at startup, before any shader
// compiles.
func (r *Registry) Register(f Feature) (instrument.FeatureBits, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= 64 {
		return 0, fmt.Errorf("feature: registry exhausted 64 feature bits registering %q", f.Name())
	}
	bit := instrument.FeatureBits(1) << r.next
	r.next++
	r.features = append(r.features, f)
	r.bits = append(r.bits, bit)
	r.byBit[bit] = f
	return bit, nil
}

// Passes returns every registered feature's rewrite pass, in
// registration order, suitable for rewrite.NewCompiler.
func (r *Registry) Passes() []rewrite.Pass {
	r.mu.Lock()
	defer r.mu.Unlock()

	passes := make([]rewrite.Pass, len(r.features))
	for i, f := range r.features {
		passes[i] = f.RewritePass(r.bits[i])
	}
	return passes
}

// Lookup returns the Feature registered at exactly bit, if any.
func (r *Registry) Lookup(bit instrument.FeatureBits) (Feature, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byBit[bit]
	return f, ok
}

// HandleMessage routes msg to whichever registered feature recognizes
// its TypeUID, trying features in registration order and stopping at
// the first one that claims it. It reports whether any feature claimed
// msg.
func (r *Registry) HandleMessage(msg stream.Message) bool {
	r.mu.Lock()
	features := append([]Feature(nil), r.features...)
	r.mu.Unlock()

	for _, f := range features {
		if f.HandleMessage(msg) {
			return true
		}
	}
	return false
}

// Dispatch is an instrument.ActivationHandler: it fires OnActivation on
// every registered feature whose bit is present in mask.
func (r *Registry) Dispatch(mask instrument.FeatureBits, stage instrument.ActivationStage) {
	r.mu.Lock()
	var targets []Feature
	for bit, f := range r.byBit {
		if mask&bit != 0 {
			targets = append(targets, f)
		}
	}
	r.mu.Unlock()

	for _, f := range targets {
		if err := f.OnActivation(stage); err != nil {
			// Activation errors are host-side bookkeeping failures (for
			// example a texel allocator running out of bits); they are
			// logged by the feature itself and never abort the batch,
			// matching spec.md §7's "recoverable conditions surface as
			// diagnostics, not aborted operations" posture.
			_ = err
		}
	}
}

// Package rewrite implements the shader IR rewrite pipeline: running
// each active feature's injection pass over WGSL source text ahead of
// naga's own parse/lower/compile pipeline, then emitting backend source
// for the instrumented variant.
package rewrite

import (
	"github.com/gogpu/shaderval/instrument"
)

// Pass is one feature's shader-rewrite injection: given the shader's
// WGSL source text and the InstrumentationKey driving this compile, it
// returns the source with the feature's declarations and checks spliced
// in (spec.md §4.6, "Shader rewrite"). Passes run before naga.Parse, so
// a feature never walks naga's own IR types: the per-access data-flow
// instrumentation a reimplementation would otherwise drive from naga's
// pass manager is parser-internals territory and stays out of scope
// here (spec.md's Non-goals, "SPIR-V/DXIL parser internals").
type Pass interface {
	Name() string
	Apply(source string, key instrument.InstrumentationKey) (string, error)
}

// InjectionPass adapts a plain source-rewrite function into a Pass gated
// on a feature bit: Inject runs only when FeatureBit is present in the
// compiling key's SuperFeatures, so a feature's pass leaves the source
// untouched on any shader compiled without that feature active.
type InjectionPass struct {
	FeatureBit instrument.FeatureBits
	PassName   string
	Inject     func(source string) (string, error)
}

// Name returns the pass's name, used in compile-error wrapping.
func (p InjectionPass) Name() string { return p.PassName }

// Apply runs Inject against source if FeatureBit is set in key's
// SuperFeatures, otherwise returns source unchanged.
func (p InjectionPass) Apply(source string, key instrument.InstrumentationKey) (string, error) {
	if key.SuperFeatures&p.FeatureBit == 0 {
		return source, nil
	}
	return p.Inject(source)
}

// Package instrument implements the Instrumentation Controller: the
// component that tracks which shaders and pipelines must run with which
// validation features enabled, and drives the shader/pipeline
// recompilation batches that bring the device to that state.
package instrument

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/shaderval/registry"
)

// FeatureBits is a bitset over validation feature identifiers; each
// feature registered with feature.Registry is assigned one bit by
// Register.
type FeatureBits uint64

// ShaderMarker distinguishes shader-record IDs.
type ShaderMarker struct{}

func (ShaderMarker) marker() {}

// PipelineMarker distinguishes pipeline-record IDs.
type PipelineMarker struct{}

func (PipelineMarker) marker() {}

// Filter is a named rule matching pipelines by name substring and/or
// type, contributing Features and a Specialization blob to every
// pipeline it matches.
type Filter struct {
	GUID           uint64
	NameSubstring  string
	PipelineType   string
	Features       FeatureBits
	Specialization []byte
}

// InstrumentationKey identifies one compiled-shader variant: the
// superset of features active on it, a summary of the pipeline layout
// it will bind into, a hash of the concatenated specialization stream,
// and the layout's compatibility hash.
type InstrumentationKey struct {
	SuperFeatures      FeatureBits
	LayoutSummary      uint64
	SpecializationHash uint64
	LayoutHash         uint64
}

// ShaderRecord is one interned shader: its original bytecode plus a
// per-InstrumentationKey cache of already-compiled variants, guarded by
// a CAS-style reservation so two pipelines needing the same key never
// both enqueue a compile job for it.
type ShaderRecord struct {
	Bytecode []byte

	mu       sync.Mutex
	reserved map[InstrumentationKey]bool
	compiled map[InstrumentationKey][]byte
}

func (s *ShaderRecord) reserve(key InstrumentationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved == nil {
		s.reserved = make(map[InstrumentationKey]bool)
	}
	if s.reserved[key] {
		return false
	}
	s.reserved[key] = true
	return true
}

func (s *ShaderRecord) store(key InstrumentationKey, bytecode []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled == nil {
		s.compiled = make(map[InstrumentationKey][]byte)
	}
	s.compiled[key] = bytecode
}

func (s *ShaderRecord) lookup(key InstrumentationKey) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.compiled[key]
	return b, ok
}

// PipelineRecord is one interned pipeline: its layout identity, its
// shader stages, the feature set/specialization the Controller most
// recently computed for it, and the currently-live compiled pipeline.
type PipelineRecord struct {
	Name          string
	PipelineType  string
	LayoutHash    uint64
	LayoutSummary uint64
	Shaders       []registry.ID[ShaderMarker]

	effectiveFeatures  FeatureBits
	specializationHash uint64

	instrumented atomic.Pointer[CompiledPipeline]
}

// Instrumented returns the pipeline's currently-live compiled variant,
// or nil if it has never completed a compilation batch.
func (p *PipelineRecord) Instrumented() *CompiledPipeline {
	return p.instrumented.Load()
}

// CompiledPipeline is the result of a Pipelines-phase compile job: the
// native pipeline recreated with instrumented bytecode for every stage.
type CompiledPipeline struct {
	Native []byte
}

// ShaderCompiler runs a shader's feature rewrite passes for one
// InstrumentationKey. Implemented by the rewrite package.
type ShaderCompiler interface {
	CompileShader(bytecode []byte, key InstrumentationKey) ([]byte, error)
}

// PipelineCompiler recreates a native pipeline from its stages' compiled
// bytecode, keyed by shader ID.
type PipelineCompiler interface {
	CompilePipeline(stageResults map[registry.ID[ShaderMarker]][]byte, pipeline *PipelineRecord) (*CompiledPipeline, error)
}

// ActivationStage is one of the three stages a feature bit passes
// through as it transitions on or off the device-wide active set.
type ActivationStage int

// ActivationStage values (spec.md §4.5, "Activation events").
const (
	StageInstrumentation ActivationStage = iota
	StageCommit
	StageDeactivate
)

// ActivationHandler is notified when feature crosses an activation
// stage boundary.
type ActivationHandler func(feature FeatureBits, stage ActivationStage)

// CompileReport accumulates batch and pass/fail counts across completed
// compilation batches. It records no compile durations.
type CompileReport struct {
	mu sync.Mutex

	Batches           int
	ShadersCompiled   int
	ShadersFailed     int
	PipelinesCompiled int
	PipelinesFailed   int
}

func (r *CompileReport) record(shadersOK, shadersFail, pipelinesOK, pipelinesFail int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Batches++
	r.ShadersCompiled += shadersOK
	r.ShadersFailed += shadersFail
	r.PipelinesCompiled += pipelinesOK
	r.PipelinesFailed += pipelinesFail
}

// Snapshot returns a copy of the report's current totals.
func (r *CompileReport) Snapshot() CompileReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CompileReport{
		Batches:           r.Batches,
		ShadersCompiled:   r.ShadersCompiled,
		ShadersFailed:     r.ShadersFailed,
		PipelinesCompiled: r.PipelinesCompiled,
		PipelinesFailed:   r.PipelinesFailed,
	}
}

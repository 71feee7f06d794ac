package instrument

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gogpu/shaderval/internal/thread"
	"github.com/gogpu/shaderval/registry"
)

type fakeShaderCompiler struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeShaderCompiler) CompileShader(bytecode []byte, key InstrumentationKey) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := append([]byte{}, bytecode...)
	out = append(out, byte(key.SuperFeatures))
	return out, nil
}

type fakePipelineCompiler struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePipelineCompiler) CompilePipeline(stages map[registry.ID[ShaderMarker]][]byte, p *PipelineRecord) (*CompiledPipeline, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	var total int
	for _, b := range stages {
		total += len(b)
	}
	return &CompiledPipeline{Native: []byte(fmt.Sprintf("native:%d", total))}, nil
}

func newTestController(t *testing.T) (*Controller, *fakeShaderCompiler, *fakePipelineCompiler) {
	t.Helper()
	th := thread.New()
	t.Cleanup(th.Stop)
	sc := &fakeShaderCompiler{}
	pc := &fakePipelineCompiler{}
	return NewController(th, sc, pc, nil), sc, pc
}

func TestPropagateComputesEffectiveFeatures(t *testing.T) {
	c, _, _ := newTestController(t)
	shader := c.RegisterShader([]byte("bytecode"))
	pipeline := c.RegisterPipeline("draw-opaque", "graphics", 1, 1, []registry.ID[ShaderMarker]{shader})

	c.SetGlobalFeatures(FeatureBits(0x1), nil)
	c.WaitForCompletion()

	rec, err := c.Pipeline(pipeline)
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if rec.effectiveFeatures&0x1 == 0 {
		t.Fatalf("effectiveFeatures = %#x, want bit 0x1 set", rec.effectiveFeatures)
	}
	if rec.Instrumented() == nil {
		t.Fatal("pipeline was not compiled after SetGlobalFeatures + WaitForCompletion")
	}
}

func TestFilterMatchingByNameAndType(t *testing.T) {
	c, _, _ := newTestController(t)
	shader := c.RegisterShader([]byte("bytecode"))
	matching := c.RegisterPipeline("shadow-pass", "graphics", 1, 1, []registry.ID[ShaderMarker]{shader})
	other := c.RegisterPipeline("ui-blit", "graphics", 2, 2, []registry.ID[ShaderMarker]{shader})

	c.SetOrAddFilter(Filter{GUID: 1, NameSubstring: "shadow", Features: FeatureBits(0x2)})
	c.WaitForCompletion()

	matchingRec, _ := c.Pipeline(matching)
	otherRec, _ := c.Pipeline(other)

	if matchingRec.effectiveFeatures&0x2 == 0 {
		t.Fatalf("matching pipeline effectiveFeatures = %#x, want bit 0x2 set", matchingRec.effectiveFeatures)
	}
	if otherRec.effectiveFeatures&0x2 != 0 {
		t.Fatalf("non-matching pipeline effectiveFeatures = %#x, want bit 0x2 clear", otherRec.effectiveFeatures)
	}
}

func TestSetOrAddFilterReplacesInPlace(t *testing.T) {
	c, _, _ := newTestController(t)
	c.SetOrAddFilter(Filter{GUID: 7, Features: FeatureBits(0x1)})
	c.SetOrAddFilter(Filter{GUID: 3, Features: FeatureBits(0x2)})
	c.SetOrAddFilter(Filter{GUID: 7, Features: FeatureBits(0x4)})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) != 2 {
		t.Fatalf("filters length = %d, want 2 (replace in place, not append)", len(c.filters))
	}
	if c.filters[0].GUID != 7 || c.filters[0].Features != FeatureBits(0x4) {
		t.Fatalf("filters[0] = %+v, want GUID 7 updated to Features 0x4 in its original position", c.filters[0])
	}
}

func TestBatchDuringCompileDefersReplay(t *testing.T) {
	c, _, _ := newTestController(t)
	shader := c.RegisterShader([]byte("bytecode"))
	pipeline := c.RegisterPipeline("p", "graphics", 1, 1, []registry.ID[ShaderMarker]{shader})

	c.mu.Lock()
	c.compiling = true
	c.mu.Unlock()

	c.SetPipelineFeatures(pipeline, FeatureBits(0x8), nil)

	c.mu.Lock()
	pending := c.pendingBatch
	c.mu.Unlock()
	if !pending {
		t.Fatal("commitLocked() while compiling should set pendingBatch, not enqueue a second batch")
	}

	c.mu.Lock()
	c.compiling = false
	c.mu.Unlock()
}

func TestShaderCompileDeduplicatedAcrossPipelinesSharingKey(t *testing.T) {
	c, sc, _ := newTestController(t)
	shader := c.RegisterShader([]byte("shared"))
	c.RegisterPipeline("a", "graphics", 1, 1, []registry.ID[ShaderMarker]{shader})
	c.RegisterPipeline("b", "graphics", 1, 1, []registry.ID[ShaderMarker]{shader})

	c.SetGlobalFeatures(FeatureBits(0x1), nil)
	c.WaitForCompletion()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.calls != 1 {
		t.Fatalf("shader compiled %d times, want 1 (same InstrumentationKey should be reserved once)", sc.calls)
	}
}

func TestActivationFiresInstrumentationThenCommitThenDeactivate(t *testing.T) {
	var mu sync.Mutex
	var stages []ActivationStage
	record := func(_ FeatureBits, stage ActivationStage) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	}

	th := thread.New()
	defer th.Stop()
	c := NewController(th, &fakeShaderCompiler{}, &fakePipelineCompiler{}, record)

	shader := c.RegisterShader([]byte("bytecode"))
	c.RegisterPipeline("p", "graphics", 1, 1, []registry.ID[ShaderMarker]{shader})

	c.SetGlobalFeatures(FeatureBits(0x1), nil)
	c.WaitForCompletion()

	c.SetGlobalFeatures(FeatureBits(0), nil)
	c.WaitForCompletion()

	mu.Lock()
	defer mu.Unlock()
	if len(stages) < 3 {
		t.Fatalf("stages = %v, want at least Instrumentation, Commit, Deactivate", stages)
	}
	if stages[0] != StageInstrumentation {
		t.Fatalf("stages[0] = %v, want StageInstrumentation", stages[0])
	}
	foundCommit, foundDeactivate := false, false
	for _, s := range stages {
		if s == StageCommit {
			foundCommit = true
		}
		if s == StageDeactivate {
			foundDeactivate = true
		}
	}
	if !foundCommit || !foundDeactivate {
		t.Fatalf("stages = %v, want both StageCommit and StageDeactivate present", stages)
	}
}

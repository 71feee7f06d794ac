package instrument

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/gogpu/shaderval/internal/logging"
	"github.com/gogpu/shaderval/internal/thread"
	"github.com/gogpu/shaderval/registry"
)

// Controller is the Instrumentation Controller: it holds the
// global/per-shader/per-pipeline feature bit-sets and the named filter
// list, propagates their effect onto every pipeline's effective feature
// set, and drives chained shader/pipeline recompilation batches through
// a single dispatcher thread (spec.md §4.5).
type Controller struct {
	mu sync.Mutex

	shaders   *registry.Registry[*ShaderRecord, ShaderMarker]
	pipelines *registry.Registry[*PipelineRecord, PipelineMarker]

	globalFeatures       FeatureBits
	globalSpecialization []byte
	perShaderFeatures    map[registry.ID[ShaderMarker]]FeatureBits
	perPipelineFeatures  map[registry.ID[PipelineMarker]]FeatureBits
	perPipelineSpec      map[registry.ID[PipelineMarker]][]byte
	filters              []Filter

	dirtyPipelines map[registry.ID[PipelineMarker]]struct{}

	compiling      bool
	pendingBatch   bool
	headCounter    uint64
	completedEvent *sync.Cond

	activeFeatures    FeatureBits
	committedFeatures FeatureBits
	activation        ActivationHandler

	dispatcher       *thread.Thread
	shaderCompiler   ShaderCompiler
	pipelineCompiler PipelineCompiler

	report CompileReport
}

// NewController creates a Controller dispatching compile batches onto
// dispatcher, using shaderCompiler/pipelineCompiler for the two compile
// phases and activation for the three-stage activation protocol.
func NewController(dispatcher *thread.Thread, shaderCompiler ShaderCompiler, pipelineCompiler PipelineCompiler, activation ActivationHandler) *Controller {
	c := &Controller{
		shaders:             registry.New[*ShaderRecord, ShaderMarker](),
		pipelines:           registry.New[*PipelineRecord, PipelineMarker](),
		perShaderFeatures:   make(map[registry.ID[ShaderMarker]]FeatureBits),
		perPipelineFeatures: make(map[registry.ID[PipelineMarker]]FeatureBits),
		perPipelineSpec:     make(map[registry.ID[PipelineMarker]][]byte),
		dirtyPipelines:      make(map[registry.ID[PipelineMarker]]struct{}),
		dispatcher:          dispatcher,
		shaderCompiler:      shaderCompiler,
		pipelineCompiler:    pipelineCompiler,
		activation:          activation,
	}
	c.completedEvent = sync.NewCond(&c.mu)
	return c
}

// RegisterShader interns bytecode as a new shader record.
func (c *Controller) RegisterShader(bytecode []byte) registry.ID[ShaderMarker] {
	return c.shaders.Register(&ShaderRecord{Bytecode: bytecode})
}

// RegisterPipeline interns a new pipeline built from the given stages,
// marking it (and every stage) dirty for the next compilation batch.
func (c *Controller) RegisterPipeline(name, pipelineType string, layoutHash, layoutSummary uint64, stages []registry.ID[ShaderMarker]) registry.ID[PipelineMarker] {
	rec := &PipelineRecord{
		Name:          name,
		PipelineType:  pipelineType,
		LayoutHash:    layoutHash,
		LayoutSummary: layoutSummary,
		Shaders:       stages,
	}
	id := c.pipelines.Register(rec)

	c.mu.Lock()
	c.dirtyPipelines[id] = struct{}{}
	c.mu.Unlock()
	return id
}

// SetGlobalFeatures updates the global feature bit-set and
// specialization stream, propagating the change to every pipeline and
// committing a compile batch.
func (c *Controller) SetGlobalFeatures(features FeatureBits, specialization []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalFeatures = features
	c.globalSpecialization = specialization
	c.propagateLocked()
	c.commitLocked()
}

// SetShaderFeatures updates the per-shader-UID feature bit-set unioned
// into every InstrumentationKey derived for that shader.
func (c *Controller) SetShaderFeatures(shader registry.ID[ShaderMarker], features FeatureBits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perShaderFeatures[shader] = features
	c.propagateLocked()
	c.commitLocked()
}

// SetPipelineFeatures updates a pipeline's per-UID feature bit-set and
// specialization contribution.
func (c *Controller) SetPipelineFeatures(pipeline registry.ID[PipelineMarker], features FeatureBits, specialization []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perPipelineFeatures[pipeline] = features
	c.perPipelineSpec[pipeline] = specialization
	c.propagateLocked()
	c.commitLocked()
}

// SetOrAddFilter replaces the filter sharing f.GUID in place, preserving
// its position in the effective-order list, or appends f if no filter
// with that GUID exists yet. Filters are re-applied to every pipeline on
// every mutation, even one that changes nothing observable.
func (c *Controller) SetOrAddFilter(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replaced := false
	for i, existing := range c.filters {
		if existing.GUID == f.GUID {
			c.filters[i] = f
			replaced = true
			break
		}
	}
	if !replaced {
		c.filters = append(c.filters, f)
	}
	c.propagateLocked()
	c.commitLocked()
}

// RemoveFilter drops the filter identified by guid, if any, then
// re-applies the remaining filters to every pipeline.
func (c *Controller) RemoveFilter(guid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.filters {
		if f.GUID == guid {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			break
		}
	}
	c.propagateLocked()
	c.commitLocked()
}

func filterMatches(f Filter, p *PipelineRecord) bool {
	if f.NameSubstring != "" && !strings.Contains(p.Name, f.NameSubstring) {
		return false
	}
	if f.PipelineType != "" && f.PipelineType != p.PipelineType {
		return false
	}
	return true
}

func specializationHash(parts ...[]byte) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// propagateLocked recomputes every pipeline's effective feature set and
// specialization hash as global ∪ per_uid ∪ union(matching filters), and
// accumulates the device-wide active feature set for the activation
// protocol (spec.md §4.5, protocol step 2: "Propagate").
func (c *Controller) propagateLocked() {
	deviceActive := c.globalFeatures

	c.pipelines.ForEach(func(id registry.ID[PipelineMarker], p *PipelineRecord) bool {
		effective := c.globalFeatures
		if pf, ok := c.perPipelineFeatures[id]; ok {
			effective |= pf
		}
		specParts := [][]byte{c.globalSpecialization, c.perPipelineSpec[id]}

		for _, f := range c.filters {
			if filterMatches(f, p) {
				effective |= f.Features
				specParts = append(specParts, f.Specialization)
			}
		}

		specHash := specializationHash(specParts...)
		if effective != p.effectiveFeatures || specHash != p.specializationHash {
			p.effectiveFeatures = effective
			p.specializationHash = specHash
			c.dirtyPipelines[id] = struct{}{}
		}
		deviceActive |= effective
		return true
	})

	c.updateActivationLocked(deviceActive)
}

func (c *Controller) updateActivationLocked(newActive FeatureBits) {
	added := newActive &^ c.activeFeatures
	removed := c.activeFeatures &^ newActive
	for bit := FeatureBits(1); added != 0 || removed != 0; bit <<= 1 {
		if added&bit != 0 {
			c.fireStage(bit, StageInstrumentation)
			added &^= bit
		}
		if removed&bit != 0 {
			c.fireStage(bit, StageDeactivate)
			c.committedFeatures &^= bit
			removed &^= bit
		}
		if bit == 0 {
			break
		}
	}
	c.activeFeatures = newActive
}

func (c *Controller) markCommittedLocked(features FeatureBits) {
	newly := features &^ c.committedFeatures
	for bit := FeatureBits(1); newly != 0; bit <<= 1 {
		if newly&bit != 0 {
			c.fireStage(bit, StageCommit)
		}
		newly &^= bit
	}
	c.committedFeatures |= features
}

func (c *Controller) fireStage(feature FeatureBits, stage ActivationStage) {
	if c.activation != nil {
		c.activation(feature, stage)
	}
}

// commitLocked implements protocol step 3: if a batch is already
// compiling, the mutation is deferred to replay once it finishes;
// otherwise the dirty pipeline set is drained into a batch and enqueued
// on the dispatcher.
func (c *Controller) commitLocked() {
	if len(c.dirtyPipelines) == 0 {
		return
	}
	if c.compiling {
		c.pendingBatch = true
		return
	}

	pipelineIDs := make([]registry.ID[PipelineMarker], 0, len(c.dirtyPipelines))
	for id := range c.dirtyPipelines {
		pipelineIDs = append(pipelineIDs, id)
		delete(c.dirtyPipelines, id)
	}
	c.compiling = true
	c.dispatcher.CallAsync(func() { c.runBatch(pipelineIDs) })
}

type shaderJob struct {
	shaderID registry.ID[ShaderMarker]
	key      InstrumentationKey
}

// runBatch executes the three chained compilation phases for
// pipelineIDs: Shaders, Pipelines, Commit (spec.md §4.5).
func (c *Controller) runBatch(pipelineIDs []registry.ID[PipelineMarker]) {
	pipelineShaders := make(map[registry.ID[PipelineMarker]][]registry.ID[ShaderMarker], len(pipelineIDs))
	var jobs []shaderJob

	for _, pid := range pipelineIDs {
		p, err := c.pipelines.Get(pid)
		if err != nil {
			continue
		}
		c.mu.Lock()
		shaderFeatureSuperset := c.combinedShaderFeatures(p)
		c.mu.Unlock()

		for _, sid := range p.Shaders {
			key := InstrumentationKey{
				SuperFeatures:      p.effectiveFeatures | shaderFeatureSuperset[sid],
				LayoutSummary:      p.LayoutSummary,
				SpecializationHash: p.specializationHash,
				LayoutHash:         p.LayoutHash,
			}
			jobs = append(jobs, shaderJob{shaderID: sid, key: key})
			pipelineShaders[pid] = append(pipelineShaders[pid], sid)
		}
	}

	var shadersOK, shadersFail int
	for _, j := range jobs {
		srec, err := c.shaders.Get(j.shaderID)
		if err != nil {
			continue
		}
		if !srec.reserve(j.key) {
			continue
		}
		out, err := c.shaderCompiler.CompileShader(srec.Bytecode, j.key)
		if err != nil {
			shadersFail++
			logging.Logger().Warn("instrument: shader compile failed", "shader", j.shaderID.String(), "error", err)
			continue
		}
		srec.store(j.key, out)
		shadersOK++
	}

	var pipelinesOK, pipelinesFail int
	for _, pid := range pipelineIDs {
		p, err := c.pipelines.Get(pid)
		if err != nil {
			continue
		}

		stageIDs := pipelineShaders[pid]
		c.mu.Lock()
		shaderFeatureSuperset := c.combinedShaderFeatures(p)
		c.mu.Unlock()

		results := make(map[registry.ID[ShaderMarker]][]byte, len(stageIDs))
		complete := true
		for _, sid := range stageIDs {
			srec, err := c.shaders.Get(sid)
			if err != nil {
				complete = false
				break
			}
			key := InstrumentationKey{
				SuperFeatures:      p.effectiveFeatures | shaderFeatureSuperset[sid],
				LayoutSummary:      p.LayoutSummary,
				SpecializationHash: p.specializationHash,
				LayoutHash:         p.LayoutHash,
			}
			bytecode, found := srec.lookup(key)
			if !found {
				complete = false
				break
			}
			results[sid] = bytecode
		}
		if !complete {
			pipelinesFail++
			continue
		}

		compiled, err := c.pipelineCompiler.CompilePipeline(results, p)
		if err != nil {
			pipelinesFail++
			logging.Logger().Warn("instrument: pipeline compile failed", "pipeline", pid.String(), "error", err)
			continue
		}
		p.instrumented.Store(compiled)
		pipelinesOK++

		c.mu.Lock()
		c.markCommittedLocked(p.effectiveFeatures)
		c.mu.Unlock()
	}

	c.report.record(shadersOK, shadersFail, pipelinesOK, pipelinesFail)

	c.mu.Lock()
	c.compiling = false
	c.headCounter++
	c.completedEvent.Broadcast()
	replay := c.pendingBatch
	c.pendingBatch = false
	if replay {
		c.commitLocked()
	}
	c.mu.Unlock()
}

// combinedShaderFeatures returns the per-shader-UID feature bits for
// every stage of p, read under c.mu.
func (c *Controller) combinedShaderFeatures(p *PipelineRecord) map[registry.ID[ShaderMarker]]FeatureBits {
	out := make(map[registry.ID[ShaderMarker]]FeatureBits, len(p.Shaders))
	for _, sid := range p.Shaders {
		out[sid] = c.perShaderFeatures[sid]
	}
	return out
}

// WaitForCompletion snaps the current head counter and blocks until a
// batch completes past it, or returns immediately if nothing is
// compiling and nothing is pending (spec.md §4.5, "Synchronization").
func (c *Controller) WaitForCompletion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.compiling && !c.pendingBatch {
		return
	}
	target := c.headCounter
	for c.headCounter == target {
		c.completedEvent.Wait()
	}
}

// Report returns a snapshot of the controller's accumulated compile
// totals.
func (c *Controller) Report() CompileReport {
	return c.report.Snapshot()
}

// Pipeline returns the pipeline record for id, for inspection by tests
// and the runtime facade.
func (c *Controller) Pipeline(id registry.ID[PipelineMarker]) (*PipelineRecord, error) {
	return c.pipelines.Get(id)
}

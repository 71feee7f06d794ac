// Package runtime is the shader validation runtime's top-level facade:
// it wires the Heap Allocator, Texel Memory Allocator, canonical
// Initialization Feature (plus the supplemented bounds-check and
// descriptor-check plug-ins), the Instrumentation Controller, the
// Diagnostic Stream Pool/Drain Worker, and the Descriptor Set Streamer
// behind the small set of operations an embedding application actually
// calls: Begin a command buffer, bind a pipeline/descriptor set, commit
// a draw/dispatch, submit, and close — one struct an application holds,
// forwarding to the right subsystem rather than exposing each one
// directly.
package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/shaderval/config"
	"github.com/gogpu/shaderval/descriptor"
	"github.com/gogpu/shaderval/feature"
	"github.com/gogpu/shaderval/feature/boundscheck"
	"github.com/gogpu/shaderval/feature/descriptorcheck"
	"github.com/gogpu/shaderval/feature/initialization"
	"github.com/gogpu/shaderval/gpu"
	"github.com/gogpu/shaderval/heap"
	"github.com/gogpu/shaderval/instrument"
	"github.com/gogpu/shaderval/internal/logging"
	"github.com/gogpu/shaderval/internal/thread"
	"github.com/gogpu/shaderval/puid"
	"github.com/gogpu/shaderval/registry"
	"github.com/gogpu/shaderval/rewrite"
	"github.com/gogpu/shaderval/stream"
	"github.com/gogpu/shaderval/texel"
)

// Options bundles the external, embedding-application-owned resources a
// Runtime needs: the device and its transfer/compute queues, and the
// descriptor set layout the diagnostic segment is allocated from.
type Options struct {
	Device           gpu.Device
	TransferQueue    gpu.Queue
	ComputeQueue     gpu.Queue
	DiagnosticLayout gpu.DescriptorSetLayout
	Backend          rewrite.Backend
	Config           config.Config
}

// Runtime is the wired shader validation engine.
type Runtime struct {
	cfg    config.Config
	device gpu.Device

	heap       *heap.Manager
	texelAlloc *texel.Allocator
	puidAlloc  *puid.Allocator

	features        *feature.Registry
	Init            *initialization.Feature
	Bounds          *boundscheck.Feature
	DescriptorCheck *descriptorcheck.Feature

	// InitBit, BoundsBit, and DescriptorCheckBit are the instrument.FeatureBits
	// the three built-in plug-ins were assigned at registration, for use
	// with Controller().SetGlobalFeatures/SetShaderFeatures/SetPipelineFeatures.
	InitBit            instrument.FeatureBits
	BoundsBit          instrument.FeatureBits
	DescriptorCheckBit instrument.FeatureBits

	dispatcher *thread.Thread
	controller *instrument.Controller

	drain         *stream.Drain
	streamPool    *stream.Pool
	chunkPool     *descriptor.ChunkPool
	descriptorCfg descriptor.Config

	mu            sync.Mutex
	nextContextID uint64
}

// nativePipelineCompiler implements instrument.PipelineCompiler by
// concatenating each stage's instrumented bytecode in pipeline order.
// Recreating the real native pipeline object from that bytecode is GPU
// API passthrough, out of scope here (spec.md §1) the same way the real
// backend driver is out of scope for rewrite.Compiler; this is the
// compile-graph's placeholder for that step.
type nativePipelineCompiler struct{}

func (nativePipelineCompiler) CompilePipeline(stageResults map[registry.ID[instrument.ShaderMarker]][]byte, pipeline *instrument.PipelineRecord) (*instrument.CompiledPipeline, error) {
	var native []byte
	for _, stage := range pipeline.Shaders {
		native = append(native, stageResults[stage]...)
	}
	return &instrument.CompiledPipeline{Native: native}, nil
}

// New builds a Runtime from opts. An unset opts.Config falls back to
// config.Default().
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if (cfg == config.Config{}) {
		cfg = config.Default()
	}
	device := opts.Device

	texelAlloc, err := texel.New(device, texel.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("runtime: texel allocator: %w", err)
	}
	puidAlloc := puid.NewAllocator()

	initFeature, err := initialization.New(device, opts.TransferQueue, opts.ComputeQueue, texelAlloc, puidAlloc, initialization.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("runtime: initialization feature: %w", err)
	}
	boundsFeature := boundscheck.New()
	descCheckFeature := descriptorcheck.New()

	features := feature.NewRegistry()
	initBit, err := features.Register(initFeature)
	if err != nil {
		return nil, fmt.Errorf("runtime: register initialization feature: %w", err)
	}
	boundsBit, err := features.Register(boundsFeature)
	if err != nil {
		return nil, fmt.Errorf("runtime: register bounds-check feature: %w", err)
	}
	descCheckBit, err := features.Register(descCheckFeature)
	if err != nil {
		return nil, fmt.Errorf("runtime: register descriptor-check feature: %w", err)
	}

	compiler := rewrite.NewCompiler(opts.Backend, features.Passes()...)
	dispatcher := thread.New()
	controller := instrument.NewController(dispatcher, compiler, nativePipelineCompiler{}, features.Dispatch)

	handler := func(tag uint64, header stream.Header, messages []stream.Message) {
		unclaimed := 0
		for _, msg := range messages {
			if !features.HandleMessage(msg) {
				unclaimed++
			}
		}
		logging.Logger().Debug("runtime: drained diagnostic stream",
			"tag", tag, "written", header.WrittenCount, "messages", len(messages), "unclaimed", unclaimed)
		if unclaimed > 0 {
			logging.Logger().Warn("runtime: diagnostic messages matched no registered feature",
				"tag", tag, "unclaimed", unclaimed)
		}
	}
	drain := stream.NewDrain(cfg, handler)
	streamPool := stream.NewPool(cfg, device, opts.DiagnosticLayout, drain)

	chunkPool, err := descriptor.NewChunkPool(device, descriptor.DefaultChunkConfig())
	if err != nil {
		return nil, fmt.Errorf("runtime: descriptor chunk pool: %w", err)
	}
	descriptorCfg := descriptor.DefaultConfig()
	descriptorCfg.DiagnosticLayout = opts.DiagnosticLayout

	return &Runtime{
		cfg:                cfg,
		device:             device,
		heap:               heap.NewManager(cfg),
		texelAlloc:         texelAlloc,
		puidAlloc:          puidAlloc,
		features:           features,
		Init:               initFeature,
		Bounds:             boundsFeature,
		DescriptorCheck:    descCheckFeature,
		InitBit:            initBit,
		BoundsBit:          boundsBit,
		DescriptorCheckBit: descCheckBit,
		dispatcher:         dispatcher,
		controller:         controller,
		drain:              drain,
		streamPool:         streamPool,
		chunkPool:          chunkPool,
		descriptorCfg:      descriptorCfg,
	}, nil
}

// Heap returns the runtime's Heap Allocator, for an embedding
// application to suballocate its own GPU-visible or host-visible memory
// from the same pool the diagnostic/descriptor subsystems use.
func (r *Runtime) Heap() *heap.Manager { return r.heap }

// Controller returns the Instrumentation Controller, for registering
// shaders/pipelines and driving feature activation.
func (r *Runtime) Controller() *instrument.Controller { return r.controller }

// TrackResource registers a GPU resource with the Initialization
// Feature, allocating it a PUID and a texel bitset span (spec.md §4.6).
func (r *Runtime) TrackResource(info texel.ResourceInfo, requiresClear bool) (puid.PUID, error) {
	return r.Init.TrackResource(info, requiresClear)
}

// UntrackResource releases a resource previously registered with
// TrackResource.
func (r *Runtime) UntrackResource(id puid.PUID) error {
	return r.Init.UntrackResource(id)
}

// CommandBufferContext is one in-flight command buffer's runtime state:
// its Diagnostic Allocation, its Descriptor Set Streamer, and the
// initialization commit head it accumulates resources into.
type CommandBufferContext struct {
	id       uint64
	tag      uint64
	alloc    *stream.Allocation
	streamer *descriptor.Streamer
}

// Begin opens a new command buffer: if the runtime is configured for
// synchronous recording, it first blocks on the Instrumentation
// Controller's completion event (spec.md §5's Begin-Command-Buffer
// suspension point), then acquires a Diagnostic Allocation for tag and
// opens a Descriptor Set Streamer over it, recording binds through
// recorder.
func (r *Runtime) Begin(tag uint64, recorder descriptor.Recorder) (*CommandBufferContext, error) {
	if r.cfg.SynchronousRecording {
		r.controller.WaitForCompletion()
	}

	alloc, err := r.streamPool.Acquire(tag)
	if err != nil {
		return nil, fmt.Errorf("runtime: acquire diagnostic allocation: %w", err)
	}
	if err := r.streamPool.UpdateHeader(alloc); err != nil {
		return nil, fmt.Errorf("runtime: update diagnostic header: %w", err)
	}

	streamer := descriptor.NewStreamer(r.descriptorCfg, r.device, r.chunkPool, recorder)
	if err := streamer.Open(alloc); err != nil {
		return nil, fmt.Errorf("runtime: open descriptor streamer: %w", err)
	}

	r.mu.Lock()
	r.nextContextID++
	id := r.nextContextID
	r.mu.Unlock()

	return &CommandBufferContext{id: id, tag: tag, alloc: alloc, streamer: streamer}, nil
}

// BindPipeline looks up pipeline's current compiled layout hash and
// drives the streamer's descriptor-restore protocol across it.
func (r *Runtime) BindPipeline(ctx *CommandBufferContext, pipeline registry.ID[instrument.PipelineMarker], userRange [2]descriptor.BindSlot) error {
	rec, err := r.controller.Pipeline(pipeline)
	if err != nil {
		return fmt.Errorf("runtime: bind pipeline: %w", err)
	}
	ctx.streamer.BindPipeline(descriptor.LayoutHash(rec.LayoutHash), userRange)
	return nil
}

// BindDescriptorSet forwards to the context's streamer.
func (r *Runtime) BindDescriptorSet(ctx *CommandBufferContext, slot descriptor.BindSlot, set gpu.DescriptorSet, dynamicOffsets []uint32, prmtOffset uint64, prmtLength uint32) error {
	return ctx.streamer.BindDescriptorSet(slot, set, dynamicOffsets, prmtOffset, prmtLength)
}

// SetDescriptorHeap forwards to the context's streamer (D3D12 targets
// only; see descriptor.Streamer.SetDescriptorHeap).
func (r *Runtime) SetDescriptorHeap(ctx *CommandBufferContext, heapType descriptor.HeapType) error {
	return ctx.streamer.SetDescriptorHeap(heapType)
}

// PushConstants forwards to the context's streamer.
func (r *Runtime) PushConstants(ctx *CommandBufferContext, offset uint32, data []byte) {
	ctx.streamer.PushConstants(offset, data)
}

// Commit runs at every draw/dispatch, re-binding the diagnostic segment
// if it rolled over since the last commit.
func (r *Runtime) Commit(ctx *CommandBufferContext) {
	ctx.streamer.Commit()
}

// RecordResourceTouch appends resources touched by ctx's command buffer
// to its initialization commit head, to be promoted to
// known-initialized once Submit's fence completes.
func (r *Runtime) RecordResourceTouch(ctx *CommandBufferContext, resources ...puid.PUID) {
	r.Init.RecordCommit(ctx.id, resources...)
}

// Reset clears ctx's diagnostic header so the same Diagnostic Allocation
// can back a fresh recording on command buffer reuse, without a full
// Begin/Close round trip.
func (r *Runtime) Reset(ctx *CommandBufferContext) error {
	return r.streamPool.UpdateHeader(ctx.alloc)
}

// Close ends recording: it releases the streamer's diagnostic segment,
// records the ownership-transfer barrier pair that makes the
// allocation's written messages visible to the eventual reap (spec.md
// §4.2's submission-time contract — BeginTransfer/EndTransfer bracket
// the point recording stops, not the point the fence completes), and
// hands the context's Diagnostic Allocation to the Diagnostic Stream
// Pool to be reaped once fence reaches fenceValue.
func (r *Runtime) Close(ctx *CommandBufferContext, fence gpu.Fence, fenceValue uint64) error {
	alloc := ctx.streamer.Close()
	if err := r.streamPool.BeginTransfer(alloc); err != nil {
		return fmt.Errorf("runtime: begin transfer: %w", err)
	}
	if err := r.streamPool.EndTransfer(alloc); err != nil {
		return fmt.Errorf("runtime: end transfer: %w", err)
	}
	r.streamPool.Release(alloc, fence, fenceValue)
	return nil
}

// Submit runs the submission-time half of the initialization protocol
// (spec.md §4.6): it drains pending PUID→base-block mappings to the
// transfer queue and, if any requires-clear resource was pending,
// discards it on the compute queue. It then blocks on both signals (the
// Apply-Submission-Barriers suspension point) before submitting cmd to
// queue, and finally promotes ctx's commit head into the
// known-initialized set.
func (r *Runtime) Submit(ctx *CommandBufferContext, cmd gpu.CommandBuffer, queue gpu.Queue, fence gpu.Fence, fenceValue uint64, timeout time.Duration) error {
	transferValue, computeValue, needsCompute, err := r.Init.BeginSubmission(cmd)
	if err != nil {
		return fmt.Errorf("runtime: begin submission: %w", err)
	}

	ok, err := r.Init.WaitForBarriers(transferValue, computeValue, needsCompute, timeout)
	if err != nil {
		return fmt.Errorf("runtime: wait for submission barriers: %w", err)
	}
	if !ok {
		return fmt.Errorf("runtime: submission barriers timed out after %s", timeout)
	}

	if err := queue.Submit(cmd, fence, fenceValue); err != nil {
		return fmt.Errorf("runtime: queue submit: %w", err)
	}
	r.Init.CompleteSubmission(ctx.id)
	return nil
}

// Reap drives the Diagnostic Stream Pool's lifecycle sweep: completed
// transfers are drained to the Drain Worker, and allocations idle past
// DeadAllocationThreshold are retired. An embedding application calls
// this periodically (e.g. once per frame).
func (r *Runtime) Reap() {
	r.streamPool.Reap()
}

// Shutdown stops the Drain Worker and the Instrumentation Controller's
// dispatcher thread.
func (r *Runtime) Shutdown() {
	r.drain.Shutdown()
	r.dispatcher.Stop()
}

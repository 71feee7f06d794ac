package initialization

import (
	"strings"
	"testing"
	"time"

	"github.com/gogpu/shaderval/gpu/noop"
	"github.com/gogpu/shaderval/instrument"
	"github.com/gogpu/shaderval/puid"
	"github.com/gogpu/shaderval/stream"
	"github.com/gogpu/shaderval/texel"
)

func newTestFeature(t *testing.T) *Feature {
	t.Helper()
	device := noop.New()
	texelAlloc, err := texel.New(device, texel.Config{InitialBits: 1024, GrowthFactor: 2.0, MaxBits: 1 << 16})
	if err != nil {
		t.Fatalf("texel.New() error = %v", err)
	}
	f, err := New(device, noop.NewQueue(), noop.NewQueue(), texelAlloc, puid.NewAllocator(), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func TestTrackResourceAllocatesPUIDAndBlock(t *testing.T) {
	f := newTestFeature(t)

	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 64}, false)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}
	if !id.IsValid() {
		t.Fatal("TrackResource() returned an invalid PUID")
	}

	f.mu.Lock()
	_, ok := f.allocations[id]
	pending := len(f.pendingMappings)
	f.mu.Unlock()
	if !ok {
		t.Fatal("allocations map missing the tracked resource")
	}
	if pending != 1 {
		t.Fatalf("pendingMappings length = %d, want 1", pending)
	}
}

func TestUntrackResourceFreesBlock(t *testing.T) {
	f := newTestFeature(t)
	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 64}, false)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}

	if err := f.UntrackResource(id); err != nil {
		t.Fatalf("UntrackResource() error = %v", err)
	}
	if err := f.UntrackResource(id); err != ErrUnknownResource {
		t.Fatalf("second UntrackResource() error = %v, want ErrUnknownResource", err)
	}
}

func TestMaskBlitSetsAllBits(t *testing.T) {
	f := newTestFeature(t)
	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, true)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}

	if err := f.MaskBlit(id); err != nil {
		t.Fatalf("MaskBlit() error = %v", err)
	}

	f.mu.Lock()
	alloc := f.allocations[id]
	f.mu.Unlock()
	if alloc.PendingWholeBlit {
		t.Fatal("PendingWholeBlit should be cleared after MaskBlit")
	}

	buf := f.texelAlloc.Buffer()
	view, err := buf.MapRange(alloc.Memory.BaseBlockIndex/8, 2)
	if err != nil {
		t.Fatalf("MapRange() error = %v", err)
	}
	defer buf.Unmap()
	for i, b := range view {
		if b != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff after MaskBlit", i, b)
		}
	}
}

func TestMaskCopyRangeCopiesBits(t *testing.T) {
	f := newTestFeature(t)
	src, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, false)
	if err != nil {
		t.Fatalf("TrackResource(src) error = %v", err)
	}
	dst, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, false)
	if err != nil {
		t.Fatalf("TrackResource(dst) error = %v", err)
	}

	if err := f.MaskBlit(src); err != nil {
		t.Fatalf("MaskBlit(src) error = %v", err)
	}
	if err := f.MaskCopyRange(src, dst, CopyTexel, 0, 0, 16); err != nil {
		t.Fatalf("MaskCopyRange() error = %v", err)
	}

	f.mu.Lock()
	dstAlloc := f.allocations[dst]
	f.mu.Unlock()
	buf := f.texelAlloc.Buffer()
	v, err := readBit(buf, dstAlloc.Memory.BaseBlockIndex)
	if err != nil {
		t.Fatalf("readBit() error = %v", err)
	}
	if !v {
		t.Fatal("MaskCopyRange() did not propagate the set bit into dst")
	}
}

func TestBeginSubmissionDrainsMappingsAndSignalsVT(t *testing.T) {
	f := newTestFeature(t)
	if _, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, false); err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}

	cmd := noop.New().NewCommandBuffer()
	vt, vc, needsCompute, err := f.BeginSubmission(cmd)
	if err != nil {
		t.Fatalf("BeginSubmission() error = %v", err)
	}
	if vt == 0 {
		t.Fatal("BeginSubmission() returned V_T = 0, want a signaled value")
	}
	if needsCompute || vc != 0 {
		t.Fatalf("BeginSubmission() with no requires-clear resources reported needsCompute=%v vc=%d", needsCompute, vc)
	}

	f.mu.Lock()
	pending := len(f.pendingMappings)
	f.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pendingMappings length = %d after BeginSubmission, want 0", pending)
	}
}

func TestBeginSubmissionSignalsVCForRequiresClear(t *testing.T) {
	f := newTestFeature(t)
	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, true)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}

	cmd := noop.New().NewCommandBuffer()
	_, vc, needsCompute, err := f.BeginSubmission(cmd)
	if err != nil {
		t.Fatalf("BeginSubmission() error = %v", err)
	}
	if !needsCompute || vc == 0 {
		t.Fatalf("BeginSubmission() with a requires-clear resource reported needsCompute=%v vc=%d", needsCompute, vc)
	}

	f.mu.Lock()
	stillPending := f.allocations[id].PendingWholeBlit
	f.mu.Unlock()
	if stillPending {
		t.Fatal("requires-clear resource should have been mask-blitted during BeginSubmission")
	}
}

func TestCompleteSubmissionPromotesCommitHead(t *testing.T) {
	f := newTestFeature(t)
	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, false)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}

	f.RecordCommit(1, id)
	if f.IsKnownInitialized(id) {
		t.Fatal("resource should not be known-initialized before CompleteSubmission")
	}

	f.CompleteSubmission(1)
	if !f.IsKnownInitialized(id) {
		t.Fatal("resource should be known-initialized after CompleteSubmission")
	}
}

func TestWaitForBarriersReturnsAfterNoopSubmit(t *testing.T) {
	f := newTestFeature(t)
	if _, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, true); err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}

	cmd := noop.New().NewCommandBuffer()
	vt, vc, needsCompute, err := f.BeginSubmission(cmd)
	if err != nil {
		t.Fatalf("BeginSubmission() error = %v", err)
	}

	ok, err := f.WaitForBarriers(vt, vc, needsCompute, time.Second)
	if err != nil {
		t.Fatalf("WaitForBarriers() error = %v", err)
	}
	if !ok {
		t.Fatal("WaitForBarriers() = false, want true (noop queues signal immediately)")
	}
}

func TestOnActivationDeactivateClearsKnownInitialized(t *testing.T) {
	f := newTestFeature(t)
	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, false)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}
	f.RecordCommit(1, id)
	f.CompleteSubmission(1)

	if err := f.OnActivation(instrument.StageDeactivate); err != nil {
		t.Fatalf("OnActivation() error = %v", err)
	}
	if f.IsKnownInitialized(id) {
		t.Fatal("Deactivate should clear the known-initialized set")
	}
}

func TestInjectSourcePrependsPrologue(t *testing.T) {
	out, err := injectSource("fn main() {}")
	if err != nil {
		t.Fatalf("injectSource() error = %v", err)
	}
	if !strings.HasSuffix(out, "fn main() {}") {
		t.Fatalf("injectSource() = %q, want original source preserved at the end", out)
	}
	if !strings.Contains(out, "shaderval_init_check") || !strings.Contains(out, "shaderval_init_mark") {
		t.Fatal("injectSource() did not splice in the bitset read-check/write-mark primitives")
	}
	if !strings.Contains(out, "@group(3)") {
		t.Fatalf("injectSource() = %q, want bindings at diagnosticGroup 3", out)
	}
}

// TestReadBeforeWriteReportsExactlyOneViolation simulates spec.md §8's
// "read-before-write" scenario: a shader's injected shaderval_init_check
// observes the tracked resource's bit still clear at offset 0 and emits a
// single UninitializedResourceMessage, which HandleMessage must claim and
// record.
func TestReadBeforeWriteReportsExactlyOneViolation(t *testing.T) {
	f := newTestFeature(t)
	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, false)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}

	msg := encodeUninitializedResourceMessage(UninitializedResourceMessage{Resource: id, Offset: 0})
	if !f.HandleMessage(msg) {
		t.Fatal("HandleMessage() = false, want true for a MessageTypeUninitializedResource message")
	}

	if got := f.Violations(); got != 1 {
		t.Fatalf("Violations() = %d, want 1", got)
	}
	if last := f.LastViolation(); last.Resource != id || last.Offset != 0 {
		t.Fatalf("LastViolation() = %+v, want {Resource:%d Offset:0}", last, id)
	}
}

// TestWriteThenReadReportsNoViolation simulates spec.md §8's
// "write-then-read" scenario: once a resource is mask-blitted (marking
// every texel initialized) no shaderval_init_check failure is ever
// produced, so the feature's violation count stays at zero.
func TestWriteThenReadReportsNoViolation(t *testing.T) {
	f := newTestFeature(t)
	id, err := f.TrackResource(texel.ResourceInfo{TexelCount: 16}, false)
	if err != nil {
		t.Fatalf("TrackResource() error = %v", err)
	}
	if err := f.MaskBlit(id); err != nil {
		t.Fatalf("MaskBlit() error = %v", err)
	}

	if got := f.Violations(); got != 0 {
		t.Fatalf("Violations() = %d, want 0 after a full mask blit with no reported messages", got)
	}

	other := stream.NewMessage(stream.MessageTypeOutOfBounds, 0)
	if f.HandleMessage(other) {
		t.Fatal("HandleMessage() = true, want false for a message of another feature's type")
	}
	if got := f.Violations(); got != 0 {
		t.Fatalf("Violations() = %d, want 0 (unclaimed message must not be recorded)", got)
	}
}

func TestEncodeDecodeUninitializedResourceRoundTrips(t *testing.T) {
	id, err := puid.NewAllocator().Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	msg := encodeUninitializedResourceMessage(UninitializedResourceMessage{Resource: id, Offset: 12})
	if msg.TypeUID() != stream.MessageTypeUninitializedResource {
		t.Fatalf("TypeUID() = %d, want %d", msg.TypeUID(), stream.MessageTypeUninitializedResource)
	}
	decoded := decodeUninitializedResourceMessage(msg)
	if decoded.Resource != id || decoded.Offset != 12 {
		t.Fatalf("decodeUninitializedResourceMessage() = %+v, want {Resource:%d Offset:12}", decoded, id)
	}
}

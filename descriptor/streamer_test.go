package descriptor

import (
	"testing"

	"github.com/gogpu/shaderval/config"
	"github.com/gogpu/shaderval/gpu"
	"github.com/gogpu/shaderval/gpu/noop"
	"github.com/gogpu/shaderval/stream"
)

type recordedBind struct {
	slot    BindSlot
	set     gpu.DescriptorSet
	offsets []uint32
}

type fakeRecorder struct {
	binds           []recordedBind
	diagnosticBinds int
	pushConstants   [][]byte
}

func (f *fakeRecorder) BindDescriptorSet(slot BindSlot, set gpu.DescriptorSet, dynamicOffsets []uint32) {
	f.binds = append(f.binds, recordedBind{slot: slot, set: set, offsets: dynamicOffsets})
}

func (f *fakeRecorder) BindDiagnosticSegment(slot BindSlot, segment gpu.DescriptorSet) {
	f.diagnosticBinds++
}

func (f *fakeRecorder) PushConstants(offset uint32, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.pushConstants = append(f.pushConstants, cp)
}

func newTestStreamer(t *testing.T) (*Streamer, *fakeRecorder, *stream.Allocation) {
	t.Helper()
	dev := noop.New()

	pool, err := NewChunkPool(dev, DefaultChunkConfig())
	if err != nil {
		t.Fatalf("NewChunkPool() error = %v", err)
	}
	rec := &fakeRecorder{}
	streamer := NewStreamer(DefaultConfig(), dev, pool, rec)

	drain := stream.NewDrain(config.Default(), func(uint64, stream.Header, []stream.Message) {})
	t.Cleanup(drain.Shutdown)
	streamPool := stream.NewPool(config.Default(), dev, nil, drain)
	alloc, err := streamPool.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	return streamer, rec, alloc
}

func TestOpenAllocatesDiagnosticSegment(t *testing.T) {
	s, _, alloc := newTestStreamer(t)
	if err := s.Open(alloc); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.diagChunk == nil {
		t.Fatal("Open() left diagChunk nil")
	}
	if !s.rolled {
		t.Fatal("Open() should mark the segment rolled so the first Commit binds it")
	}
}

func TestBindPipelineSameLayoutSkipsRestore(t *testing.T) {
	s, rec, alloc := newTestStreamer(t)
	if err := s.Open(alloc); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	dev := noop.New()
	layout := noop.NewDescriptorSetLayout(1)
	set, _ := dev.CreateDescriptorSet(layout)
	if err := s.BindDescriptorSet(3, set, nil, 0, 16); err != nil {
		t.Fatalf("BindDescriptorSet() error = %v", err)
	}

	s.BindPipeline(LayoutHash(42), [2]BindSlot{0, 8})
	firstBinds := len(rec.binds)
	firstDiag := rec.diagnosticBinds

	s.BindPipeline(LayoutHash(42), [2]BindSlot{0, 8})
	if len(rec.binds) != firstBinds || rec.diagnosticBinds != firstDiag {
		t.Fatalf("BindPipeline() with unchanged layout re-issued restore: binds %d->%d, diag %d->%d",
			firstBinds, len(rec.binds), firstDiag, rec.diagnosticBinds)
	}
}

func TestBindPipelineLayoutChangeRestoresShadow(t *testing.T) {
	s, rec, alloc := newTestStreamer(t)
	if err := s.Open(alloc); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	dev := noop.New()
	layout := noop.NewDescriptorSetLayout(1)
	set, _ := dev.CreateDescriptorSet(layout)
	if err := s.BindDescriptorSet(3, set, []uint32{64}, 0, 16); err != nil {
		t.Fatalf("BindDescriptorSet() error = %v", err)
	}
	s.BindPipeline(LayoutHash(1), [2]BindSlot{0, 8})

	rec.binds = nil
	rec.diagnosticBinds = 0
	s.BindPipeline(LayoutHash(2), [2]BindSlot{0, 8})

	if len(rec.binds) != 1 || rec.binds[0].slot != 3 {
		t.Fatalf("BindPipeline() with a new layout did not restore shadowed slot 3: %+v", rec.binds)
	}
	if rec.diagnosticBinds != 1 {
		t.Fatalf("BindPipeline() diagnosticBinds = %d, want 1", rec.diagnosticBinds)
	}
}

func TestChunkRollTriggersCommitRebind(t *testing.T) {
	cfg := DefaultChunkConfig()
	cfg.SlotsPerChunk = 2
	dev := noop.New()
	pool, err := NewChunkPool(dev, cfg)
	if err != nil {
		t.Fatalf("NewChunkPool() error = %v", err)
	}
	rec := &fakeRecorder{}
	s := NewStreamer(DefaultConfig(), dev, pool, rec)

	drain := stream.NewDrain(config.Default(), func(uint64, stream.Header, []stream.Message) {})
	defer drain.Shutdown()
	streamPool := stream.NewPool(config.Default(), dev, nil, drain)
	alloc, err := streamPool.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := s.Open(alloc); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Commit()
	diagAfterOpen := rec.diagnosticBinds

	dsLayout := noop.NewDescriptorSetLayout(1)
	set, _ := dev.CreateDescriptorSet(dsLayout)
	for i := 0; i < 3; i++ {
		if err := s.BindDescriptorSet(BindSlot(i), set, nil, uint64(i*8), 8); err != nil {
			t.Fatalf("BindDescriptorSet(%d) error = %v", i, err)
		}
	}

	if !s.rolled {
		t.Fatal("writing past SlotsPerChunk should mark the segment rolled")
	}
	s.Commit()
	if rec.diagnosticBinds <= diagAfterOpen {
		t.Fatalf("Commit() after a chunk roll did not rebind the diagnostic segment")
	}
}

func TestPackUnpackPRMT(t *testing.T) {
	offset, length := unpackPRMT(packPRMT(12345, 678))
	if offset != 12345 || length != 678 {
		t.Fatalf("packPRMT/unpackPRMT round trip = (%d, %d), want (12345, 678)", offset, length)
	}
}

func TestCloseReturnsAllocationAndReleasesChunk(t *testing.T) {
	s, _, alloc := newTestStreamer(t)
	if err := s.Open(alloc); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got := s.Close()
	if got != alloc {
		t.Fatalf("Close() returned %v, want the opened allocation", got)
	}
	if s.diagChunk != nil {
		t.Fatal("Close() should clear diagChunk")
	}
}

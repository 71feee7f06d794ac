package descriptorcheck

import (
	"strings"
	"testing"

	"github.com/gogpu/shaderval/stream"
)

func TestMarkBoundAndUnbound(t *testing.T) {
	f := New()
	if f.IsBound(1, 2) {
		t.Fatal("slot should start unbound")
	}

	f.MarkBound(1, 2)
	if !f.IsBound(1, 2) {
		t.Fatal("MarkBound() did not mark the slot bound")
	}

	f.MarkUnbound(1, 2)
	if f.IsBound(1, 2) {
		t.Fatal("MarkUnbound() did not clear the slot")
	}
}

func TestReportViolationIncrementsCounter(t *testing.T) {
	f := New()
	f.ReportViolation(UnboundDescriptorMessage{ShaderUID: 1, BindSlot: 2, PRMTOffset: 3})

	if got := f.Violations(); got != 1 {
		t.Fatalf("Violations() = %d, want 1", got)
	}
}

func TestRewritePassName(t *testing.T) {
	f := New()
	pass := f.RewritePass(0x1)
	if pass.Name() != "descriptor-check" {
		t.Fatalf("Name() = %q, want %q", pass.Name(), "descriptor-check")
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
	if !strings.Contains(out, "shaderval_descriptor_check") {
		t.Fatal("injectSource() did not splice in the descriptor-check primitive")
	}
	if !strings.Contains(out, "@group(5)") {
		t.Fatalf("injectSource() = %q, want bindings at diagnosticGroup 5", out)
	}
}

func TestEncodeDecodeUnboundDescriptorRoundTrips(t *testing.T) {
	msg := encodeUnboundDescriptorMessage(UnboundDescriptorMessage{ShaderUID: 9, BindSlot: 2, PRMTOffset: 5})
	if msg.TypeUID() != stream.MessageTypeUnboundDescriptor {
		t.Fatalf("TypeUID() = %d, want %d", msg.TypeUID(), stream.MessageTypeUnboundDescriptor)
	}
	decoded := decodeUnboundDescriptorPayload(msg.Payload())
	if decoded != (UnboundDescriptorMessage{ShaderUID: 9, BindSlot: 2, PRMTOffset: 5}) {
		t.Fatalf("decodeUnboundDescriptorPayload() = %+v, want {9 2 5}", decoded)
	}
}

func TestHandleMessageClaimsUnboundDescriptor(t *testing.T) {
	f := New()
	msg := encodeUnboundDescriptorMessage(UnboundDescriptorMessage{ShaderUID: 9, BindSlot: 2, PRMTOffset: 5})
	if !f.HandleMessage(msg) {
		t.Fatal("HandleMessage() = false, want true for a MessageTypeUnboundDescriptor message")
	}
	if got := f.Violations(); got != 1 {
		t.Fatalf("Violations() = %d, want 1", got)
	}

	other := stream.NewMessage(stream.MessageTypeOutOfBounds, 0)
	if f.HandleMessage(other) {
		t.Fatal("HandleMessage() = true, want false for a message of another feature's type")
	}
}

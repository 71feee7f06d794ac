package analyzer

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Header:  Header{MessageUID: UIDSetGlobalInstrumentation, ChunkMask: 0x3, Version: 7},
		Payload: []byte("hello"),
	}

	dst := make([]byte, EncodedSize(f))
	n, err := Encode(f, dst)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if n != len(dst) {
		t.Fatalf("Encode() wrote %d bytes, want %d", n, len(dst))
	}

	decoded, consumed, err := Decode(dst)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if consumed != n {
		t.Fatalf("Decode() consumed %d bytes, want %d", consumed, n)
	}
	if decoded.Header.MessageUID != f.Header.MessageUID {
		t.Fatalf("MessageUID = %d, want %d", decoded.Header.MessageUID, f.Header.MessageUID)
	}
	if decoded.Header.ChunkMask != f.Header.ChunkMask {
		t.Fatalf("ChunkMask = %#x, want %#x", decoded.Header.ChunkMask, f.Header.ChunkMask)
	}
	if decoded.Header.Version != f.Header.Version {
		t.Fatalf("Version = %d, want %d", decoded.Header.Version, f.Header.Version)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Fatalf("Payload = %q, want %q", decoded.Payload, f.Payload)
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}); err != ErrFrameTooShort {
		t.Fatalf("Decode() error = %v, want ErrFrameTooShort", err)
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	dst := make([]byte, headerSize)
	packed, _ := packSizeAndMask(100, 0)
	f := Frame{Header: Header{MessageUID: UIDPause}}
	if _, err := Encode(f, dst); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Overwrite the size field to claim a payload that isn't there.
	dst[4] = byte(packed)
	dst[5] = byte(packed >> 8)
	dst[6] = byte(packed >> 16)
	dst[7] = byte(packed >> 24)

	if _, _, err := Decode(dst); err == nil {
		t.Fatal("Decode() should fail when the declared size exceeds the buffer")
	}
}

func TestPackSizeOverflow(t *testing.T) {
	if _, err := packSizeAndMask(maxPayloadSize+1, 0); err == nil {
		t.Fatal("packSizeAndMask() should reject a size exceeding 28 bits")
	}
}

func TestSetGlobalInstrumentationRoundTrip(t *testing.T) {
	m := SetGlobalInstrumentationMessage{Features: 0xdeadbeef, Specialization: []byte{1, 2, 3}}
	decoded, err := DecodeSetGlobalInstrumentationMessage(m.Encode())
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if decoded.Features != m.Features || !bytes.Equal(decoded.Specialization, m.Specialization) {
		t.Fatalf("decoded = %+v, want %+v", decoded, m)
	}
}

func TestSetFilterRoundTrip(t *testing.T) {
	m := SetFilterMessage{
		GUID:           42,
		NameSubstring:  "shadow",
		PipelineType:   "graphics",
		Features:       0x7,
		Specialization: []byte{9, 9},
	}
	decoded, err := DecodeSetFilterMessage(m.Encode())
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if decoded.GUID != m.GUID || decoded.NameSubstring != m.NameSubstring ||
		decoded.PipelineType != m.PipelineType || decoded.Features != m.Features ||
		!bytes.Equal(decoded.Specialization, m.Specialization) {
		t.Fatalf("decoded = %+v, want %+v", decoded, m)
	}
}

func TestCompilationDiagnosticRoundTrip(t *testing.T) {
	m := CompilationDiagnosticMessage{ShadersCompiled: 3, ShadersFailed: 1, PipelinesCompiled: 2, PipelinesFailed: 0, DurationMicros: 1500}
	decoded, err := DecodeCompilationDiagnosticMessage(m.Encode())
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if decoded != m {
		t.Fatalf("decoded = %+v, want %+v", decoded, m)
	}
}

func TestFeatureReportRoundTrip(t *testing.T) {
	m := FeatureReportMessage{FeatureName: "initialization", Detail: []byte{1, 2, 3, 4}}
	decoded, err := DecodeFeatureReportMessage(m.Encode())
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if decoded.FeatureName != m.FeatureName || !bytes.Equal(decoded.Detail, m.Detail) {
		t.Fatalf("decoded = %+v, want %+v", decoded, m)
	}
}

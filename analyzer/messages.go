package analyzer

import "encoding/binary"

// SetGlobalInstrumentationMessage is the ingress payload for
// UIDSetGlobalInstrumentation: replace the device-wide global feature
// bit-set (spec.md §4.5).
type SetGlobalInstrumentationMessage struct {
	Features       uint64
	Specialization []byte
}

// Encode serializes m's fixed fields followed by its variable-length
// specialization blob.
func (m SetGlobalInstrumentationMessage) Encode() []byte {
	out := make([]byte, 8+len(m.Specialization))
	binary.LittleEndian.PutUint64(out[0:8], m.Features)
	copy(out[8:], m.Specialization)
	return out
}

// DecodeSetGlobalInstrumentationMessage parses a payload encoded by
// SetGlobalInstrumentationMessage.Encode.
func DecodeSetGlobalInstrumentationMessage(payload []byte) (SetGlobalInstrumentationMessage, error) {
	if len(payload) < 8 {
		return SetGlobalInstrumentationMessage{}, ErrFrameTooShort
	}
	spec := append([]byte{}, payload[8:]...)
	return SetGlobalInstrumentationMessage{
		Features:       binary.LittleEndian.Uint64(payload[0:8]),
		Specialization: spec,
	}, nil
}

// SetShaderInstrumentationMessage is the ingress payload for
// UIDSetShaderInstrumentation: set a per-shader-UID feature bit-set.
type SetShaderInstrumentationMessage struct {
	ShaderUID uint64
	Features  uint64
}

// Encode serializes m into its fixed 16-byte wire form.
func (m SetShaderInstrumentationMessage) Encode() []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], m.ShaderUID)
	binary.LittleEndian.PutUint64(out[8:16], m.Features)
	return out
}

// DecodeSetShaderInstrumentationMessage parses a payload encoded by
// SetShaderInstrumentationMessage.Encode.
func DecodeSetShaderInstrumentationMessage(payload []byte) (SetShaderInstrumentationMessage, error) {
	if len(payload) < 16 {
		return SetShaderInstrumentationMessage{}, ErrFrameTooShort
	}
	return SetShaderInstrumentationMessage{
		ShaderUID: binary.LittleEndian.Uint64(payload[0:8]),
		Features:  binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}

// SetPipelineInstrumentationMessage is the ingress payload for
// UIDSetPipelineInstrumentation: set a per-pipeline-UID feature bit-set.
type SetPipelineInstrumentationMessage struct {
	PipelineUID uint64
	Features    uint64
}

// Encode serializes m into its fixed 16-byte wire form.
func (m SetPipelineInstrumentationMessage) Encode() []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], m.PipelineUID)
	binary.LittleEndian.PutUint64(out[8:16], m.Features)
	return out
}

// DecodeSetPipelineInstrumentationMessage parses a payload encoded by
// SetPipelineInstrumentationMessage.Encode.
func DecodeSetPipelineInstrumentationMessage(payload []byte) (SetPipelineInstrumentationMessage, error) {
	if len(payload) < 16 {
		return SetPipelineInstrumentationMessage{}, ErrFrameTooShort
	}
	return SetPipelineInstrumentationMessage{
		PipelineUID: binary.LittleEndian.Uint64(payload[0:8]),
		Features:    binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}

// SetFilterMessage is the ingress payload for UIDSetFilter: add or
// replace-in-place a named filter (instrument.Filter's wire form).
type SetFilterMessage struct {
	GUID           uint64
	NameSubstring  string
	PipelineType   string
	Features       uint64
	Specialization []byte
}

// Encode serializes m: GUID, Features, then three length-prefixed
// variable-length fields in order (name substring, pipeline type,
// specialization).
func (m SetFilterMessage) Encode() []byte {
	name := []byte(m.NameSubstring)
	ptype := []byte(m.PipelineType)

	size := 8 + 8 + 4 + len(name) + 4 + len(ptype) + 4 + len(m.Specialization)
	out := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(out[off:off+8], m.GUID)
	off += 8
	binary.LittleEndian.PutUint64(out[off:off+8], m.Features)
	off += 8
	off = putLengthPrefixed(out, off, name)
	off = putLengthPrefixed(out, off, ptype)
	putLengthPrefixed(out, off, m.Specialization)
	return out
}

func putLengthPrefixed(dst []byte, off int, field []byte) int {
	binary.LittleEndian.PutUint32(dst[off:off+4], uint32(len(field)))
	off += 4
	copy(dst[off:], field)
	return off + len(field)
}

func getLengthPrefixed(src []byte, off int) ([]byte, int, error) {
	if off+4 > len(src) {
		return nil, 0, ErrFrameTooShort
	}
	n := int(binary.LittleEndian.Uint32(src[off : off+4]))
	off += 4
	if off+n > len(src) {
		return nil, 0, ErrFrameTooShort
	}
	return src[off : off+n], off + n, nil
}

// DecodeSetFilterMessage parses a payload encoded by
// SetFilterMessage.Encode.
func DecodeSetFilterMessage(payload []byte) (SetFilterMessage, error) {
	if len(payload) < 16 {
		return SetFilterMessage{}, ErrFrameTooShort
	}
	guid := binary.LittleEndian.Uint64(payload[0:8])
	features := binary.LittleEndian.Uint64(payload[8:16])
	off := 16

	name, off, err := getLengthPrefixed(payload, off)
	if err != nil {
		return SetFilterMessage{}, err
	}
	ptype, off, err := getLengthPrefixed(payload, off)
	if err != nil {
		return SetFilterMessage{}, err
	}
	spec, _, err := getLengthPrefixed(payload, off)
	if err != nil {
		return SetFilterMessage{}, err
	}

	return SetFilterMessage{
		GUID:           guid,
		NameSubstring:  string(name),
		PipelineType:   string(ptype),
		Features:       features,
		Specialization: append([]byte{}, spec...),
	}, nil
}

// RemoveFilterMessage is the ingress payload for UIDRemoveFilter.
type RemoveFilterMessage struct {
	GUID uint64
}

// Encode serializes m into its fixed 8-byte wire form.
func (m RemoveFilterMessage) Encode() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, m.GUID)
	return out
}

// DecodeRemoveFilterMessage parses a payload encoded by
// RemoveFilterMessage.Encode.
func DecodeRemoveFilterMessage(payload []byte) (RemoveFilterMessage, error) {
	if len(payload) < 8 {
		return RemoveFilterMessage{}, ErrFrameTooShort
	}
	return RemoveFilterMessage{GUID: binary.LittleEndian.Uint64(payload[0:8])}, nil
}

// JobDiagnosticMessage is the egress payload for UIDJobDiagnostic:
// per-command-buffer drain/throttle summary.
type JobDiagnosticMessage struct {
	CommandBufferHandle uint64
	MessagesDrained     uint32
	Overflowed          bool
}

// Encode serializes m into its fixed 13-byte wire form.
func (m JobDiagnosticMessage) Encode() []byte {
	out := make([]byte, 13)
	binary.LittleEndian.PutUint64(out[0:8], m.CommandBufferHandle)
	binary.LittleEndian.PutUint32(out[8:12], m.MessagesDrained)
	if m.Overflowed {
		out[12] = 1
	}
	return out
}

// DecodeJobDiagnosticMessage parses a payload encoded by
// JobDiagnosticMessage.Encode.
func DecodeJobDiagnosticMessage(payload []byte) (JobDiagnosticMessage, error) {
	if len(payload) < 13 {
		return JobDiagnosticMessage{}, ErrFrameTooShort
	}
	return JobDiagnosticMessage{
		CommandBufferHandle: binary.LittleEndian.Uint64(payload[0:8]),
		MessagesDrained:     binary.LittleEndian.Uint32(payload[8:12]),
		Overflowed:          payload[12] != 0,
	}, nil
}

// CompilationDiagnosticMessage is the egress payload for
// UIDCompilationDiagnostic: pass/fail counts and duration for one
// completed compilation batch (instrument.CompileReport's wire form).
type CompilationDiagnosticMessage struct {
	ShadersCompiled   uint32
	ShadersFailed     uint32
	PipelinesCompiled uint32
	PipelinesFailed   uint32
	DurationMicros    uint64
}

// Encode serializes m into its fixed 24-byte wire form.
func (m CompilationDiagnosticMessage) Encode() []byte {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint32(out[0:4], m.ShadersCompiled)
	binary.LittleEndian.PutUint32(out[4:8], m.ShadersFailed)
	binary.LittleEndian.PutUint32(out[8:12], m.PipelinesCompiled)
	binary.LittleEndian.PutUint32(out[12:16], m.PipelinesFailed)
	binary.LittleEndian.PutUint64(out[16:24], m.DurationMicros)
	return out
}

// DecodeCompilationDiagnosticMessage parses a payload encoded by
// CompilationDiagnosticMessage.Encode.
func DecodeCompilationDiagnosticMessage(payload []byte) (CompilationDiagnosticMessage, error) {
	if len(payload) < 24 {
		return CompilationDiagnosticMessage{}, ErrFrameTooShort
	}
	return CompilationDiagnosticMessage{
		ShadersCompiled:   binary.LittleEndian.Uint32(payload[0:4]),
		ShadersFailed:     binary.LittleEndian.Uint32(payload[4:8]),
		PipelinesCompiled: binary.LittleEndian.Uint32(payload[8:12]),
		PipelinesFailed:   binary.LittleEndian.Uint32(payload[12:16]),
		DurationMicros:    binary.LittleEndian.Uint64(payload[16:24]),
	}, nil
}

// FeatureReportMessage is the egress payload for UIDFeatureReport: a
// generic envelope for per-feature diagnostics (uninitialized-resource,
// out-of-bounds, unbound-descriptor, ...), distinguished by FeatureName
// and carrying the feature's own encoded detail blob.
type FeatureReportMessage struct {
	FeatureName string
	Detail      []byte
}

// Encode serializes m as a length-prefixed feature name followed by the
// raw detail blob.
func (m FeatureReportMessage) Encode() []byte {
	name := []byte(m.FeatureName)
	out := make([]byte, 4+len(name)+len(m.Detail))
	putLengthPrefixed(out, 0, name)
	copy(out[4+len(name):], m.Detail)
	return out
}

// DecodeFeatureReportMessage parses a payload encoded by
// FeatureReportMessage.Encode.
func DecodeFeatureReportMessage(payload []byte) (FeatureReportMessage, error) {
	name, off, err := getLengthPrefixed(payload, 0)
	if err != nil {
		return FeatureReportMessage{}, err
	}
	return FeatureReportMessage{
		FeatureName: string(name),
		Detail:      append([]byte{}, payload[off:]...),
	}, nil
}

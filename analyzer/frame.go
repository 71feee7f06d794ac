// Package analyzer defines the egress/ingress message catalogue and
// wire framing for the host↔analyzer protocol (spec.md §6): a
// length-prefixed bidirectional stream whose headers carry a 32-bit UID,
// a 28-bit size, and a 4-bit chunk bitmask. It supplies the message
// shapes and the framing codec; the transport itself (the socket/pipe
// carrying these frames) is out of scope (spec.md §1 Non-goals,
// "host↔analyzer wire framing transport").
//
// Framing follows the same fixed-width little-endian encode/decode
// idiom as stream/codec.go.
package analyzer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// UID identifies one message type. Ingress and egress UIDs share one
// namespace; see the ingress and egress UID constants below.
type UID uint32

// Ingress message UIDs (analyzer → runtime), spec.md §6.
const (
	UIDSetGlobalInstrumentation UID = iota + 1
	UIDSetShaderInstrumentation
	UIDSetPipelineInstrumentation
	UIDSetFilter
	UIDRemoveFilter
	UIDPause
	UIDSetAppConfig
	UIDVirtualFeatureRedirect
	UIDGetState
)

// Egress message UIDs (runtime → analyzer), spec.md §6.
const (
	UIDJobDiagnostic UID = iota + 0x1000
	UIDInstrumentationDiagnostic
	UIDCompilationDiagnostic
	UIDFeatureReport
)

// ErrFrameTooShort is returned when decoding a buffer shorter than the
// fixed header size.
var ErrFrameTooShort = errors.New("analyzer: frame shorter than header")

// ErrSizeMismatch is returned when a decoded header's size field does
// not match the payload actually present.
var ErrSizeMismatch = errors.New("analyzer: header size does not match payload length")

// headerSize is the encoded byte size of Header (UID uint32, packed
// size/chunk-mask uint32, version uint32).
const headerSize = 12

// maxPayloadSize is the largest payload a single chunk's 28-bit size
// field can represent.
const maxPayloadSize = 1<<28 - 1

// Header is one frame's fixed-size prefix: a message UID, a 28-bit
// payload size packed with a 4-bit chunk bitmask, and a version ID
// analyzers use to correlate reports with the instrumentation revision
// that produced them (spec.md §6, "All messages carry a version ID").
type Header struct {
	MessageUID UID
	Size       uint32 // payload byte length; must fit in 28 bits
	ChunkMask  uint8  // 4-bit chunk bitmask; chunked messages carry optional trailers
	Version    uint32
}

// ErrSizeOverflow is returned when Size exceeds the 28-bit field width.
var ErrSizeOverflow = errors.New("analyzer: payload size exceeds 28-bit frame field")

// Frame is one complete message: its Header plus payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

func packSizeAndMask(size uint32, mask uint8) (uint32, error) {
	if size > maxPayloadSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrSizeOverflow, size, maxPayloadSize)
	}
	return size | (uint32(mask&0xf) << 28), nil
}

func unpackSizeAndMask(packed uint32) (size uint32, mask uint8) {
	return packed & maxPayloadSize, uint8(packed >> 28)
}

// Encode writes f's header and payload into dst, which must be at least
// EncodedSize(f) bytes. It returns the number of bytes written.
func Encode(f Frame, dst []byte) (int, error) {
	packed, err := packSizeAndMask(uint32(len(f.Payload)), f.Header.ChunkMask)
	if err != nil {
		return 0, err
	}
	total := headerSize + len(f.Payload)
	if len(dst) < total {
		return 0, fmt.Errorf("analyzer: dst has %d bytes, frame needs %d", len(dst), total)
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(f.Header.MessageUID))
	binary.LittleEndian.PutUint32(dst[4:8], packed)
	binary.LittleEndian.PutUint32(dst[8:12], f.Header.Version)
	copy(dst[headerSize:total], f.Payload)
	return total, nil
}

// EncodedSize returns the total wire size f.Encode would produce.
func EncodedSize(f Frame) int {
	return headerSize + len(f.Payload)
}

// Decode reads one Frame from the front of src. It returns the frame
// and the number of bytes consumed.
func Decode(src []byte) (Frame, int, error) {
	if len(src) < headerSize {
		return Frame{}, 0, ErrFrameTooShort
	}
	uid := UID(binary.LittleEndian.Uint32(src[0:4]))
	packed := binary.LittleEndian.Uint32(src[4:8])
	version := binary.LittleEndian.Uint32(src[8:12])
	size, mask := unpackSizeAndMask(packed)

	total := headerSize + int(size)
	if len(src) < total {
		return Frame{}, 0, fmt.Errorf("%w: have %d bytes, header declares %d", ErrSizeMismatch, len(src), total)
	}

	payload := make([]byte, size)
	copy(payload, src[headerSize:total])
	return Frame{
		Header:  Header{MessageUID: uid, Size: size, ChunkMask: mask, Version: version},
		Payload: payload,
	}, total, nil
}

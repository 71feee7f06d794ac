package stream

import "encoding/binary"

// headerSize is the encoded byte size of Header (4 x uint32, little-endian,
// matching Header{written_count, capacity, debug_cookie, transferred_count}).
const headerSize = 16

func encodeHeader(h Header, dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.WrittenCount)
	binary.LittleEndian.PutUint32(dst[4:8], h.Capacity)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.DebugCookie))
	binary.LittleEndian.PutUint32(dst[12:16], h.TransferredCount)
}

func decodeHeader(src []byte) Header {
	return Header{
		WrittenCount:     binary.LittleEndian.Uint32(src[0:4]),
		Capacity:         binary.LittleEndian.Uint32(src[4:8]),
		DebugCookie:      DebugCookie(binary.LittleEndian.Uint32(src[8:12])),
		TransferredCount: binary.LittleEndian.Uint32(src[12:16]),
	}
}

// messageOffset returns the byte offset of message index i within a
// mirror buffer, following Header :: Message[N].
func messageOffset(i int) int {
	return headerSize + i*8
}

func decodeMessage(src []byte, i int) Message {
	off := messageOffset(i)
	return Message(binary.LittleEndian.Uint64(src[off : off+8]))
}

func encodeMessage(dst []byte, i int, m Message) {
	off := messageOffset(i)
	binary.LittleEndian.PutUint64(dst[off:off+8], uint64(m))
}

// bufferSize returns the total mirror/device buffer size for a stream of
// the given message capacity.
func bufferSize(capacity uint32) uint64 {
	return uint64(headerSize) + uint64(capacity)*8
}

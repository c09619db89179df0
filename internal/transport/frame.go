// Package transport implements the two message-queue hops between
// components: the bounded capture→asr audio stream and the fan-out
// asr→router event stream, both on Kafka.
package transport

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/strix/internal/event"
)

// Audio messages are multipart: part 0 is the segment meta JSON, part 1 the
// PCM payload, optional part 2 a far-end reference PCM. The frame packs the
// parts into one Kafka message value:
//
//	u8 part count, then per part: u32 BE length + bytes
const (
	maxFrameParts = 8
	partHeaderLen = 4
)

// EncodeFrame packs the given parts into a single buffer.
func EncodeFrame(parts ...[]byte) ([]byte, error) {
	if len(parts) == 0 || len(parts) > maxFrameParts {
		return nil, fmt.Errorf("%w: %d parts", event.ErrFrameParts, len(parts))
	}
	size := 1
	for _, p := range parts {
		size += partHeaderLen + len(p)
	}
	buf := make([]byte, size)
	buf[0] = byte(len(parts))
	off := 1
	for _, p := range parts {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(p)))
		off += partHeaderLen
		off += copy(buf[off:], p)
	}
	return buf, nil
}

// DecodeFrame unpacks a buffer produced by EncodeFrame.
// Part slices alias the input buffer; callers must not retain them past
// the lifetime of data.
func DecodeFrame(data []byte) ([][]byte, error) {
	if len(data) < 1 {
		return nil, event.ErrFrameTruncated
	}
	count := int(data[0])
	if count == 0 || count > maxFrameParts {
		return nil, fmt.Errorf("%w: %d parts", event.ErrFrameParts, count)
	}
	parts := make([][]byte, 0, count)
	off := 1
	for i := 0; i < count; i++ {
		if len(data)-off < partHeaderLen {
			return nil, event.ErrFrameTruncated
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += partHeaderLen
		if len(data)-off < n {
			return nil, event.ErrFrameTruncated
		}
		parts = append(parts, data[off:off+n])
		off += n
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", event.ErrFrameTruncated, len(data)-off)
	}
	return parts, nil
}

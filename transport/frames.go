package transport

import (
	"encoding/binary"
	"github.com/lyager/rpcz/common"
	"github.com/pkg/errors"
)

type FramingVersion uint16

const (
	FramingV1 FramingVersion = 1

	messageHeaderSize = 4 + 2 + 8 + 4
	maxFrameCount     = 1 << 20
)

/*
EncodeMessage formats one message. Requests and replies share the format:

 1. message length - int, 4 bytes, big endian (excludes itself)
 2. framing version - int, 2 bytes, big endian
 3. correlation id - int, 8 bytes, big endian
 4. frame count - int, 4 bytes, big endian
 5. for each frame: frame length - int, 4 bytes, big endian - then the frame bytes

The payload frames are opaque to the transport.
*/
func EncodeMessage(correlationID uint64, frames [][]byte) []byte {
	length := messageHeaderSize
	for _, frame := range frames {
		length += 4 + len(frame)
	}
	buff := make([]byte, length)
	binary.BigEndian.PutUint32(buff, uint32(length-4))
	binary.BigEndian.PutUint16(buff[4:], uint16(FramingV1))
	binary.BigEndian.PutUint64(buff[6:], correlationID)
	binary.BigEndian.PutUint32(buff[14:], uint32(len(frames)))
	off := messageHeaderSize
	for _, frame := range frames {
		binary.BigEndian.PutUint32(buff[off:], uint32(len(frame)))
		off += 4
		copy(buff[off:], frame)
		off += len(frame)
	}
	return buff
}

// DecodeMessage decodes a message body, i.e. everything after the length
// prefix. Frames are copied out as the read loop reuses its buffer.
func DecodeMessage(buff []byte) (uint64, [][]byte, error) {
	if len(buff) < messageHeaderSize-4 {
		return 0, nil, errors.Errorf("message truncated: %d bytes", len(buff))
	}
	version := FramingVersion(binary.BigEndian.Uint16(buff))
	if version != FramingV1 {
		return 0, nil, errors.Errorf("invalid framing version: %d - only version %d supported", version, FramingV1)
	}
	correlationID := binary.BigEndian.Uint64(buff[2:])
	frameCount := binary.BigEndian.Uint32(buff[10:])
	if frameCount > maxFrameCount {
		return 0, nil, errors.Errorf("frame count %d exceeds maximum %d", frameCount, maxFrameCount)
	}
	frames := make([][]byte, frameCount)
	off := 14
	for i := uint32(0); i < frameCount; i++ {
		if off+4 > len(buff) {
			return 0, nil, errors.Errorf("message truncated in frame %d header", i)
		}
		frameLen := int(binary.BigEndian.Uint32(buff[off:]))
		off += 4
		if off+frameLen > len(buff) {
			return 0, nil, errors.Errorf("message truncated in frame %d body", i)
		}
		frames[i] = common.ByteSliceCopy(buff[off : off+frameLen])
		off += frameLen
	}
	return correlationID, frames, nil
}

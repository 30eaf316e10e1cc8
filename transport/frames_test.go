package transport

import (
	"encoding/binary"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestEncodeDecodeMessage(t *testing.T) {
	frames := [][]byte{[]byte("first frame"), {}, []byte("third")}
	buff := EncodeMessage(777, frames)

	// length prefix covers everything after itself
	require.Equal(t, uint32(len(buff)-4), binary.BigEndian.Uint32(buff))

	correlationID, decoded, err := DecodeMessage(buff[4:])
	require.NoError(t, err)
	require.Equal(t, uint64(777), correlationID)
	require.Equal(t, len(frames), len(decoded))
	for i := range frames {
		require.Equal(t, string(frames[i]), string(decoded[i]))
	}
}

func TestDecodeCopiesFrames(t *testing.T) {
	buff := EncodeMessage(1, [][]byte{[]byte("payload")})
	_, decoded, err := DecodeMessage(buff[4:])
	require.NoError(t, err)
	// mutating the wire buffer must not change decoded frames, read loops reuse it
	for i := range buff {
		buff[i] = 0xff
	}
	require.Equal(t, "payload", string(decoded[0]))
}

func TestDecodeInvalidVersion(t *testing.T) {
	buff := EncodeMessage(1, [][]byte{[]byte("x")})
	binary.BigEndian.PutUint16(buff[4:], 999)
	_, _, err := DecodeMessage(buff[4:])
	require.Error(t, err)
}

func TestDecodeTruncated(t *testing.T) {
	buff := EncodeMessage(1, [][]byte{[]byte("a longer frame body")})
	body := buff[4:]
	for _, cut := range []int{0, 5, 13, len(body) - 1} {
		_, _, err := DecodeMessage(body[:cut])
		require.Error(t, err, "expected decode of %d byte prefix to fail", cut)
	}
}

func TestDecodeLyingFrameCount(t *testing.T) {
	buff := EncodeMessage(1, nil)
	// claim a huge frame count with no bytes behind it
	binary.BigEndian.PutUint32(buff[14:], 1<<30)
	_, _, err := DecodeMessage(buff[4:])
	require.Error(t, err)
}

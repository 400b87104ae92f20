package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"simpletunnel/tunnelerr"
)

// MaxFrameLength is the largest permitted value of the inclusive length
// prefix.
const MaxFrameLength = 128 * 1024

// lengthPrefixSize is the width of the frame's length field.
const lengthPrefixSize = 4

// Encode serializes msg into a self-contained frame: a 4-byte little-endian
// length (inclusive of itself) followed by a gob-encoded payload. gob is
// the standard library's self-describing binary codec; both endpoints only
// need to agree on the payload serialization, and every endpoint here is
// this module.
func Encode(msg Message) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(msg); err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.BadFrame, fmt.Errorf("encode message: %w", err))
	}

	frameLen := lengthPrefixSize + payload.Len()
	if frameLen > MaxFrameLength {
		return nil, tunnelerr.Wrap(tunnelerr.BadFrame, fmt.Errorf("encoded frame of %d bytes exceeds max %d", frameLen, MaxFrameLength))
	}

	frame := make([]byte, frameLen)
	binary.LittleEndian.PutUint32(frame[:lengthPrefixSize], uint32(frameLen))
	copy(frame[lengthPrefixSize:], payload.Bytes())
	return frame, nil
}

// Decode reads exactly one frame from r: 4 length bytes, then length-4
// payload bytes, then gob-decodes the payload into a Message. Any framing
// or deserialization failure, or a missing/unknown command, is reported as
// a tunnelerr.BadFrame error.
func Decode(r io.Reader) (Message, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.BadFrame, fmt.Errorf("read frame length: %w", err))
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen < lengthPrefixSize || frameLen > MaxFrameLength {
		return nil, tunnelerr.Wrap(tunnelerr.BadFrame, fmt.Errorf("frame length %d out of range [%d, %d]", frameLen, lengthPrefixSize, MaxFrameLength))
	}

	payload := make([]byte, frameLen-lengthPrefixSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.BadFrame, fmt.Errorf("read frame payload: %w", err))
	}

	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.BadFrame, fmt.Errorf("decode message: %w", err))
	}

	if _, ok := msg.Command(); !ok {
		return nil, tunnelerr.Wrap(tunnelerr.BadFrame, fmt.Errorf("message missing or has unknown command"))
	}
	return msg, nil
}

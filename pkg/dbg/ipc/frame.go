// Package ipc implements the length-prefixed binary frame channel between
// the debuggee core and the external adapter. Each frame is a version byte,
// a big-endian uint32 payload length, and that many bytes of UTF-8 JSON.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameVersion is the only frame version currently defined.
const FrameVersion byte = 1

// MaxFrameSize bounds a frame payload so a corrupt length prefix cannot make
// the reader allocate unbounded memory.
const MaxFrameSize = 16 << 20

// ErrBadVersion is returned for frames with an unknown version byte.
var ErrBadVersion = errors.New("unknown frame version")

// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// PackFrame encodes a payload into a wire frame.
func PackFrame(version byte, payload []byte) []byte {
	frame := make([]byte, 1+4+len(payload))
	frame[0] = version
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[5:], payload)
	return frame
}

// ReadFrame reads one frame from the reader and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if header[0] != FrameVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, header[0])
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

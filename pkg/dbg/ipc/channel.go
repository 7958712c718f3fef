package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrChannelClosed is returned by sends after the channel is closed.
var ErrChannelClosed = errors.New("ipc channel is closed")

// Channel is a bidirectional JSON-over-frames connection. Writes are
// serialized by a lock so concurrent event emissions from different debuggee
// threads interleave whole frames, never bytes; a frame write is a single
// buffered write and does not block on the remote reading.
type Channel struct {
	writeMu sync.Mutex
	w       io.Writer
	r       io.Reader
	closer  io.Closer
	closed  atomic.Bool
}

// NewChannel wraps a read/write pair into a channel. closer may be nil.
func NewChannel(r io.Reader, w io.Writer, closer io.Closer) *Channel {
	return &Channel{w: w, r: r, closer: closer}
}

// Send marshals a message and writes it as one frame.
func (c *Channel) Send(msg any) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding ipc message: %w", err)
	}
	frame := PackFrame(FrameVersion, payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("writing ipc frame: %w", err)
	}
	return nil
}

// Receive reads one frame and unmarshals it into a raw JSON object.
func (c *Channel) Receive() (map[string]json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	payload, err := ReadFrame(c.r)
	if err != nil {
		return nil, err
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decoding ipc message: %w", err)
	}
	return msg, nil
}

// Close closes the underlying connection. Idempotent.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

package mllp

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D

	// DefaultMaxFrameSize bounds a single partial frame held in the decoder
	DefaultMaxFrameSize = 1 << 20
)

var endMarker = []byte{EndBlock, CarriageReturn}

// ErrFrameTooLarge is returned by Decoder.Feed when buffered bytes exceed the limit
// without a complete frame.
var ErrFrameTooLarge = errors.New("mllp: frame exceeds maximum size")

// Wrap adds the MLLP wrapper to a payload
func Wrap(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, payload...)
	return append(frame, EndBlock, CarriageReturn)
}

// Unwrap extracts the first complete frame from buf. Bytes before the start block
// are discarded. When no complete frame is present ok is false and rest is buf.
func Unwrap(buf []byte) (payload, rest []byte, ok bool) {
	start := bytes.IndexByte(buf, StartBlock)
	if start == -1 {
		return nil, buf, false
	}

	end := bytes.Index(buf[start+1:], endMarker)
	if end == -1 {
		return nil, buf, false
	}
	end += start + 1

	return buf[start+1 : end], buf[end+len(endMarker):], true
}

// Decoder accumulates stream bytes and yields complete frame payloads.
type Decoder struct {
	buf     []byte
	maxSize int
}

func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends p to the internal buffer.
func (d *Decoder) Feed(p []byte) error {
	d.buf = append(d.buf, p...)
	if len(d.buf) > d.maxSize {
		// A complete frame may still be sitting in front of the overflow
		if _, _, ok := Unwrap(d.buf); !ok {
			size := len(d.buf)
			d.buf = nil
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
	}
	return nil
}

// Next returns the next complete payload. The returned slice is a copy and stays
// valid after further calls to Feed.
func (d *Decoder) Next() ([]byte, bool) {
	payload, rest, ok := Unwrap(d.buf)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(payload))
	copy(out, payload)

	// Compact so the backing array does not grow without bound
	d.buf = append(d.buf[:0], rest...)
	return out, true
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any buffered bytes, used when a connection is torn down.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

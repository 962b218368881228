// Package codec implements the length-prefixed frame wire format: a 4-byte
// big-endian length header followed by that many payload octets, and the
// per-(flow, direction) streaming decoder that turns a byte buffer into a
// sequence of frame.Frame values.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/achetronic/frameloom/buffer"
	"github.com/achetronic/frameloom/frame"
)

// HeaderSize is the number of octets occupied by the length prefix.
const HeaderSize = 4

// Encode produces the wire form of payload: a 4-byte big-endian length
// followed by the payload itself.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// Decoder accumulates bytes for one (flow, direction) pair and pops complete
// frames off the front as they become available. The zero value is usable
// with no declared frame-size cap; use NewDecoder to set one.
type Decoder struct {
	buf          buffer.Buffer
	maxFrameSize uint32 // 0 means unbounded
}

// NewDecoder returns a Decoder that rejects any frame whose declared length
// exceeds maxFrameSize. A maxFrameSize of 0 means unbounded.
func NewDecoder(maxFrameSize uint32) *Decoder {
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Push appends newly-read bytes to the decoder's internal buffer.
func (d *Decoder) Push(b []byte) {
	d.buf.Append(b)
}

// HasFrame reports whether a complete frame (header + full payload) is
// currently buffered. err is non-nil only when the buffered header declares a
// length exceeding the decoder's configured cap; in that case the decoder
// should be discarded and the flow closed.
func (d *Decoder) HasFrame() (bool, error) {
	length, ok := d.buf.PeekUint32BE()
	if !ok {
		return false, nil
	}
	if d.maxFrameSize != 0 && length > d.maxFrameSize {
		return false, fmt.Errorf("codec: declared frame length %d exceeds max %d", length, d.maxFrameSize)
	}
	return d.buf.CanRead(HeaderSize + int(length)), nil
}

// Pop consumes one complete frame and returns it. The caller must have
// observed HasFrame() == true, nil immediately beforehand.
func (d *Decoder) Pop(ts int64, flowID uint32, dir frame.Direction) frame.Frame {
	length, _ := d.buf.PeekUint32BE()
	d.buf.Consume(HeaderSize)
	payload := d.buf.Take(int(length))
	return frame.Frame{
		TimestampNs: ts,
		FlowID:      flowID,
		Dir:         dir,
		Payload:     payload,
	}
}

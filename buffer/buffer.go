// Package buffer implements the FIFO byte accumulator each peer's read path
// appends to and the frame codec peeks/consumes from. It carries no framing
// knowledge of its own.
package buffer

import "encoding/binary"

// Buffer is an ordered sequence of octets with FIFO semantics. The zero value
// is an empty, ready-to-use buffer.
type Buffer struct {
	data []byte
}

// Append copies b onto the tail of the buffer.
func (buf *Buffer) Append(b []byte) {
	buf.data = append(buf.data, b...)
}

// Len reports the number of buffered octets.
func (buf *Buffer) Len() int {
	return len(buf.data)
}

// CanRead reports whether at least n octets are currently buffered.
func (buf *Buffer) CanRead(n int) bool {
	return len(buf.data) >= n
}

// PeekUint32BE reads the first four octets as a big-endian unsigned 32-bit
// integer without consuming them. ok is false if fewer than four octets are
// buffered.
func (buf *Buffer) PeekUint32BE() (v uint32, ok bool) {
	if len(buf.data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf.data[:4]), true
}

// Consume drops the first n octets from the head of the buffer. The caller
// must have checked CanRead(n); Consume does not re-validate it.
func (buf *Buffer) Consume(n int) {
	buf.data = buf.data[n:]
}

// Take consumes and returns the first n octets from the head of the buffer.
// The caller must have checked CanRead(n); Take does not re-validate it.
func (buf *Buffer) Take(n int) []byte {
	out := make([]byte, n)
	copy(out, buf.data[:n])
	buf.Consume(n)
	return out
}

package lib

import (
	"github.com/pkg/errors"
)

// DataBuffer is a fixed-capacity byte queue. Bytes are appended at the
// tail and consumed from the head; Pull shifts the remainder down so that
// offsets handed out by Add stay relative to the current head.
type DataBuffer struct {
	data []byte
	used int
}

func NewDataBuffer(capacity int) *DataBuffer {
	return &DataBuffer{data: make([]byte, capacity)}
}

// Add appends p and returns the offset it was written at.
func (b *DataBuffer) Add(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, errors.Wrapf(ErrBufferFull, "add %d bytes, %d free", len(p), b.Free())
	}
	off := b.used
	copy(b.data[off:], p)
	b.used += len(p)
	return off, nil
}

// Pull discards the first n bytes.
func (b *DataBuffer) Pull(n int) {
	if n <= 0 {
		return
	}
	if n >= b.used {
		b.used = 0
		return
	}
	copy(b.data, b.data[n:b.used])
	b.used -= n
}

// Read copies up to n bytes from the head into dst and consumes them.
func (b *DataBuffer) Read(dst []byte, n int) int {
	if n > len(dst) {
		n = len(dst)
	}
	if n > b.used {
		n = b.used
	}
	copy(dst, b.data[:n])
	b.Pull(n)
	return n
}

// Bytes returns a view of n bytes starting at off. The view is only valid
// until the next Add or Pull.
func (b *DataBuffer) Bytes(off, n int) []byte {
	if off < 0 || off+n > b.used {
		return nil
	}
	return b.data[off : off+n]
}

func (b *DataBuffer) Used() int { return b.used }
func (b *DataBuffer) Free() int { return len(b.data) - b.used }
func (b *DataBuffer) Cap() int  { return len(b.data) }

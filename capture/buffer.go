// Package capture provides a bounded ring buffer that retains only the most
// recent bytes written to it. It is used to keep a per-worker tail of stdout
// and stderr so a representative snippet can be attached to failure records
// without retaining entire process logs in memory.
package capture

import "sync"

// DefaultMaxBytes is the tail size used when no explicit limit is configured.
const DefaultMaxBytes = 64 * 1024

// Buffer is a fixed-ceiling ring buffer. Storage starts small and grows in
// powers of two up to the configured maximum; once the maximum is reached
// further writes wrap around and overwrite the oldest retained bytes.
//
// Buffer implements io.Writer so process pipes can be copied into it
// directly. Writers and readers may run on different goroutines.
type Buffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	cursor  int
	wrapped bool
	total   int64
}

const initialCapacity = 8

// NewBuffer creates a buffer retaining at most maxBytes bytes. The limit is
// rounded up to a multiple of 8; non-positive values fall back to
// DefaultMaxBytes.
func NewBuffer(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	maxBytes = (maxBytes + 7) &^ 7

	initial := initialCapacity
	if initial > maxBytes {
		initial = maxBytes
	}
	return &Buffer{
		max: maxBytes,
		buf: make([]byte, initial),
	}
}

// Write appends p, discarding the oldest bytes once the retention limit is
// exceeded. It never fails; the error return satisfies io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n == 0 {
		return 0, nil
	}
	b.total += int64(n)

	// A single write at or above the limit replaces everything; only the
	// last max bytes are relevant.
	if n >= b.max {
		if len(b.buf) < b.max {
			b.buf = make([]byte, b.max)
		}
		copy(b.buf, p[n-b.max:])
		b.cursor = 0
		b.wrapped = true
		return n, nil
	}

	if len(b.buf) < b.max && b.cursor+n > len(b.buf) {
		b.grow(b.cursor + n)
	}

	if len(b.buf) == b.max {
		w := copy(b.buf[b.cursor:], p)
		if w < n {
			copy(b.buf, p[w:])
			b.wrapped = true
		}
		b.cursor = (b.cursor + n) % b.max
		if b.cursor == 0 {
			b.wrapped = true
		}
	} else {
		copy(b.buf[b.cursor:], p)
		b.cursor += n
	}
	return n, nil
}

// grow resizes storage to the next power of two that fits need, capped at the
// retention limit, preserving the linear content written so far.
func (b *Buffer) grow(need int) {
	capacity := len(b.buf)
	for capacity < need {
		capacity <<= 1
	}
	if capacity > b.max {
		capacity = b.max
	}
	next := make([]byte, capacity)
	copy(next, b.buf[:b.cursor])
	b.buf = next
}

// Bytes returns the retained content in chronological order. The result is a
// copy and never exceeds the retention limit.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.wrapped {
		out := make([]byte, b.cursor)
		copy(out, b.buf[:b.cursor])
		return out
	}
	out := make([]byte, 0, len(b.buf))
	out = append(out, b.buf[b.cursor:]...)
	out = append(out, b.buf[:b.cursor]...)
	return out
}

// String returns the retained content as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len reports how many bytes are currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wrapped {
		return len(b.buf)
	}
	return b.cursor
}

// TotalBytes reports how many bytes were written over the buffer's lifetime,
// including bytes that have since been overwritten.
func (b *Buffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Truncated reports whether older bytes have been discarded.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wrapped || int64(b.cursor) < b.total
}

// Reset discards the retained content without releasing storage.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = 0
	b.wrapped = false
	b.total = 0
}

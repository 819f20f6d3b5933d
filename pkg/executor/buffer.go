package executor

import "sync"

// OutputBuffer is a bounded byte buffer for subprocess output. When full, the
// oldest bytes are evicted so the most recent output is retained; a runaway
// process can never grow memory past the cap.
type OutputBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	dropped int64
}

// NewOutputBuffer creates a buffer with the given maximum capacity in bytes.
func NewOutputBuffer(capacity int) *OutputBuffer {
	return &OutputBuffer{
		buf: make([]byte, 0, capacity),
		cap: capacity,
	}
}

// Write implements io.Writer. It never fails; excess bytes evict the oldest.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.cap {
		// The chunk alone fills the buffer; keep its tail.
		b.dropped += int64(len(b.buf)) + int64(n-b.cap)
		b.buf = append(b.buf[:0], p[n-b.cap:]...)
		return n, nil
	}

	overflow := len(b.buf) + n - b.cap
	if overflow > 0 {
		b.dropped += int64(overflow)
		copy(b.buf, b.buf[overflow:])
		b.buf = b.buf[:len(b.buf)-overflow]
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// Bytes returns a copy of the buffered output.
func (b *OutputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Dropped returns the number of bytes evicted so far.
func (b *OutputBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len returns the number of buffered bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

package process

import (
	"io"
	"sync"
)

// defaultOutputRetention bounds how much recent merged output is kept
// per process for the logs operation
const defaultOutputRetention = 256 * 1024

// outputBuffer retains the tail of a process's merged stdout/stderr.
// One writer (the drain goroutine), any number of concurrent readers;
// each reader follows the stream independently and sees EOF once the
// stream is closed and fully consumed. Old output beyond the retention
// limit is discarded from the front.
type outputBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	data    []byte
	dropped int64 // absolute stream offset of data[0]
	max     int
	closed  bool
}

func newOutputBuffer(max int) *outputBuffer {
	if max <= 0 {
		max = defaultOutputRetention
	}
	b := &outputBuffer{max: max}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if overflow := len(b.data) - b.max; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
		b.dropped += int64(overflow)
	}
	b.cond.Broadcast()
	return len(p), nil
}

// Close marks the stream ended; blocked readers drain and see EOF
func (b *outputBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// NewReader returns an independent reader starting at the oldest
// retained byte. It blocks for new output while the stream is open;
// closing a reader never affects the process or other readers.
func (b *outputBuffer) NewReader() io.ReadCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &outputReader{buffer: b, offset: b.dropped}
}

type outputReader struct {
	buffer *outputBuffer
	offset int64
	closed bool
}

func (r *outputReader) Read(p []byte) (int, error) {
	b := r.buffer
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if r.closed {
			return 0, io.ErrClosedPipe
		}
		if r.offset < b.dropped {
			// fell behind the retention window, skip to the oldest
			// retained byte
			r.offset = b.dropped
		}
		if available := b.dropped + int64(len(b.data)) - r.offset; available > 0 {
			start := int(r.offset - b.dropped)
			n := copy(p, b.data[start:])
			r.offset += int64(n)
			return n, nil
		}
		if b.closed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

func (r *outputReader) Close() error {
	b := r.buffer
	b.mu.Lock()
	defer b.mu.Unlock()
	r.closed = true
	b.cond.Broadcast()
	return nil
}

package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that holds early Printf
// output; enough for a standard 80x25 text-mode screen. It must be a power
// of 2.
const ringBufferSize = 2048

// ringBuffer is a fixed-size FIFO byte queue. When full, new writes
// overwrite the oldest buffered bytes.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start is the index of the oldest byte and count the number of
	// buffered bytes.
	start, count int
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read drains up to len(p) bytes from the buffer into p. It returns io.EOF
// when the buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := len(p)
	if n > rb.count {
		n = rb.count
	}

	// Copy in at most two chunks: up to the end of the backing array and
	// then from its beginning.
	first := copy(p[:n], rb.buffer[rb.start:])
	if first < n {
		copy(p[first:n], rb.buffer[:n-first])
	}

	rb.start = (rb.start + n) & (ringBufferSize - 1)
	rb.count -= n
	return n, nil
}

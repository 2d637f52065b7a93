// Package ringbuffer implements the fixed-capacity sample ring buffer that
// sits between the worklet transport and the block-level analysis stages.
package ringbuffer

import (
	"sync"

	"github.com/pitchkit/core/internal/errors"
)

// ChunkSize is the atomic unit the audio thread writes in. It is a hard
// invariant of the hosting audio API and must not change.
const ChunkSize = 128

// RingBuffer is a fixed-capacity circular buffer of float32 samples.
// Capacity must be a positive multiple of ChunkSize. Writes happen in
// whole chunks; reads happen in whole blocks whose length is itself a
// multiple of ChunkSize. When full, AppendChunk overwrites the oldest
// samples and records an overflow.
//
// RingBuffer is owned by the analysis thread. Every method takes an
// internal mutex, so calls from other goroutines are also safe.
type RingBuffer struct {
	mu sync.Mutex

	data     []float32
	capacity int
	head     int // next write position
	tail     int // next read position
	length   int // samples currently buffered

	totalWritten  uint64
	totalRead     uint64
	overflowCount uint64
}

// New creates a RingBuffer with the given capacity, which must be a
// positive multiple of ChunkSize.
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 || capacity%ChunkSize != 0 {
		return nil, errors.Newf("ring buffer capacity must be a positive multiple of %d, got %d", ChunkSize, capacity).
			Component("ringbuffer").
			Category(errors.CategoryValidation).
			Context("capacity", capacity).
			Build()
	}

	return &RingBuffer{
		data:     make([]float32, capacity),
		capacity: capacity,
	}, nil
}

// AppendChunk copies a 128-sample chunk into the buffer. If the buffer is
// full, the oldest chunk is evicted (tail advances by ChunkSize) before the
// write and an overflow is recorded.
func (rb *RingBuffer) AppendChunk(chunk []float32) error {
	if len(chunk) != ChunkSize {
		return errors.Newf("chunk must be exactly %d samples, got %d", ChunkSize, len(chunk)).
			Component("ringbuffer").
			Category(errors.CategoryValidation).
			Build()
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.length+ChunkSize > rb.capacity {
		rb.tail = (rb.tail + ChunkSize) % rb.capacity
		rb.length -= ChunkSize
		rb.overflowCount++
	}

	for i := 0; i < ChunkSize; i++ {
		rb.data[(rb.head+i)%rb.capacity] = chunk[i]
	}
	rb.head = (rb.head + ChunkSize) % rb.capacity
	rb.length += ChunkSize
	rb.totalWritten += ChunkSize

	return nil
}

// ReadBlock copies the oldest len(out) samples into out and advances the
// tail, returning true. If fewer than len(out) samples are buffered it
// returns false without mutating the buffer or out.
func (rb *RingBuffer) ReadBlock(out []float32) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(out)
	if rb.length < n {
		return false
	}

	for i := 0; i < n; i++ {
		out[i] = rb.data[(rb.tail+i)%rb.capacity]
	}
	rb.tail = (rb.tail + n) % rb.capacity
	rb.length -= n
	rb.totalRead += uint64(n)

	return true
}

// PeekBlock copies N=len(out) samples starting offset samples past the
// current tail, without advancing the tail. It returns the number of
// samples actually copied; fewer than len(out) means not enough data is
// buffered at that offset. Used by the sliding-window block reader.
func (rb *RingBuffer) PeekBlock(offset int, out []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if offset < 0 || offset+len(out) > rb.length {
		if offset >= rb.length {
			return 0
		}
		available := rb.length - offset
		if available > len(out) {
			available = len(out)
		}
		for i := 0; i < available; i++ {
			out[i] = rb.data[(rb.tail+offset+i)%rb.capacity]
		}
		return available
	}

	for i := range out {
		out[i] = rb.data[(rb.tail+offset+i)%rb.capacity]
	}
	return len(out)
}

// Advance drops n samples from the tail without copying them out; used
// after a sliding-window peek to move the hop forward.
func (rb *RingBuffer) Advance(n int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.length {
		n = rb.length
	}
	rb.tail = (rb.tail + n) % rb.capacity
	rb.length -= n
	rb.totalRead += uint64(n)
}

// Len returns the number of samples currently buffered.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Capacity returns the buffer's fixed capacity.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// CanReadWindow reports whether a block of n samples is available starting
// offset samples past the current tail.
func (rb *RingBuffer) CanReadWindow(offset, n int) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return offset+n <= rb.length
}

// OverflowCount returns the number of chunk writes that evicted unread
// samples since construction or the last Reset.
func (rb *RingBuffer) OverflowCount() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.overflowCount
}

// Stats is a snapshot of the ring buffer's bookkeeping counters, useful for
// the invariant check: totalWritten - totalRead - overflowCount*ChunkSize == length.
type Stats struct {
	Length        int
	Capacity      int
	TotalWritten  uint64
	TotalRead     uint64
	OverflowCount uint64
}

// Stats returns a snapshot of the buffer's counters.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Stats{
		Length:        rb.length,
		Capacity:      rb.capacity,
		TotalWritten:  rb.totalWritten,
		TotalRead:     rb.totalRead,
		OverflowCount: rb.overflowCount,
	}
}

// Reset empties the buffer and clears its counters, zeroing the backing
// array for the same reason the teacher's CircularBuffer does on Reset:
// stale samples should never be readable after a reset.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.data {
		rb.data[i] = 0
	}
	rb.head = 0
	rb.tail = 0
	rb.length = 0
	rb.totalWritten = 0
	rb.totalRead = 0
	rb.overflowCount = 0
}

package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkOf(value float32) []float32 {
	c := make([]float32, ChunkSize)
	for i := range c {
		c[i] = value
	}
	return c
}

func TestNewValidatesCapacity(t *testing.T) {
	t.Run("RejectsNonMultiple", func(t *testing.T) {
		_, err := New(100)
		require.Error(t, err)
	})

	t.Run("RejectsZero", func(t *testing.T) {
		_, err := New(0)
		require.Error(t, err)
	})

	t.Run("AcceptsMultiple", func(t *testing.T) {
		rb, err := New(1024)
		require.NoError(t, err)
		assert.Equal(t, 1024, rb.Capacity())
	})
}

func TestAppendChunkRejectsWrongSize(t *testing.T) {
	rb, err := New(256)
	require.NoError(t, err)

	err = rb.AppendChunk(make([]float32, 64))
	require.Error(t, err)
}

func TestReadBlockRoundTrip(t *testing.T) {
	rb, err := New(1024)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, rb.AppendChunk(chunkOf(float32(i))))
	}
	assert.Equal(t, 1024, rb.Len())

	out := make([]float32, 256)
	ok := rb.ReadBlock(out)
	require.True(t, ok)
	assert.Equal(t, float32(0), out[0])
	assert.Equal(t, float32(1), out[ChunkSize])
	assert.Equal(t, 1024-256, rb.Len())
}

func TestReadBlockInsufficientDataDoesNotMutate(t *testing.T) {
	rb, err := New(1024)
	require.NoError(t, err)
	require.NoError(t, rb.AppendChunk(chunkOf(1)))

	out := make([]float32, 256)
	ok := rb.ReadBlock(out)
	assert.False(t, ok)
	assert.Equal(t, ChunkSize, rb.Len())
}

func TestOverflowEvictsOldestAndCounts(t *testing.T) {
	rb, err := New(256) // 2 chunks
	require.NoError(t, err)

	require.NoError(t, rb.AppendChunk(chunkOf(1)))
	require.NoError(t, rb.AppendChunk(chunkOf(2)))
	assert.Equal(t, uint64(0), rb.OverflowCount())

	require.NoError(t, rb.AppendChunk(chunkOf(3)))
	assert.Equal(t, uint64(1), rb.OverflowCount())
	assert.Equal(t, 256, rb.Len())

	out := make([]float32, 256)
	require.True(t, rb.ReadBlock(out))
	assert.Equal(t, float32(2), out[0])
	assert.Equal(t, float32(3), out[ChunkSize])
}

func TestPeekBlockDoesNotAdvance(t *testing.T) {
	rb, err := New(1024)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, rb.AppendChunk(chunkOf(float32(i))))
	}

	out := make([]float32, 256)
	n := rb.PeekBlock(0, out)
	assert.Equal(t, 256, n)
	assert.Equal(t, 512, rb.Len())

	n = rb.PeekBlock(128, out)
	assert.Equal(t, 256, n)
	assert.Equal(t, float32(1), out[0])
	assert.Equal(t, float32(2), out[128])
}

func TestPeekBlockPartialAtTail(t *testing.T) {
	rb, err := New(1024)
	require.NoError(t, err)
	require.NoError(t, rb.AppendChunk(chunkOf(1)))

	out := make([]float32, 256)
	n := rb.PeekBlock(0, out)
	assert.Equal(t, ChunkSize, n)
}

func TestAdvanceConsumesWithoutCopy(t *testing.T) {
	rb, err := New(1024)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, rb.AppendChunk(chunkOf(float32(i))))
	}

	rb.Advance(128)
	assert.Equal(t, 384, rb.Len())
}

func TestCanReadWindow(t *testing.T) {
	rb, err := New(1024)
	require.NoError(t, err)
	require.NoError(t, rb.AppendChunk(chunkOf(1)))
	require.NoError(t, rb.AppendChunk(chunkOf(2)))

	assert.True(t, rb.CanReadWindow(0, 256))
	assert.False(t, rb.CanReadWindow(0, 384))
	assert.False(t, rb.CanReadWindow(128, 256))
}

func TestStatsInvariant(t *testing.T) {
	rb, err := New(256)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, rb.AppendChunk(chunkOf(float32(i))))
	}
	out := make([]float32, 128)
	rb.ReadBlock(out)

	s := rb.Stats()
	assert.Equal(t, uint64(s.Length), s.TotalWritten-s.TotalRead-s.OverflowCount*ChunkSize)
}

func TestResetClearsState(t *testing.T) {
	rb, err := New(256)
	require.NoError(t, err)
	require.NoError(t, rb.AppendChunk(chunkOf(1)))

	rb.Reset()
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, uint64(0), rb.OverflowCount())
}

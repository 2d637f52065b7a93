package blockreader

import (
	"testing"

	"github.com/pitchkit/core/internal/audiocore/ringbuffer"
	"github.com/pitchkit/core/internal/audiocore/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillChunks(t *testing.T, rb *ringbuffer.RingBuffer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		chunk := make([]float32, ringbuffer.ChunkSize)
		for j := range chunk {
			chunk[j] = 1
		}
		require.NoError(t, rb.AppendChunk(chunk))
	}
}

func TestNewRejectsBadBlockSize(t *testing.T) {
	rb, err := ringbuffer.New(1024)
	require.NoError(t, err)

	_, err = New(rb, Config{BlockSize: 100, Mode: Sequential, WindowFn: window.Rectangular})
	require.Error(t, err)
}

func TestSequentialModeRequiresFullBlock(t *testing.T) {
	rb, err := ringbuffer.New(2048)
	require.NoError(t, err)
	br, err := New(rb, Config{BlockSize: 256, Mode: Sequential, WindowFn: window.Rectangular})
	require.NoError(t, err)

	out := make([]float32, 256)
	assert.False(t, br.Next(out))

	fillChunks(t, rb, 2)
	assert.True(t, br.Next(out))
	assert.Equal(t, 0, rb.Len())
}

func TestSequentialAppliesWindow(t *testing.T) {
	rb, err := ringbuffer.New(1024)
	require.NoError(t, err)
	br, err := New(rb, Config{BlockSize: 256, Mode: Sequential, WindowFn: window.Hamming})
	require.NoError(t, err)

	fillChunks(t, rb, 2)
	out := make([]float32, 256)
	require.True(t, br.Next(out))
	assert.InDelta(t, 0.08, out[0], 1e-6)
}

func TestSlidingModeHopSmallerThanBlock(t *testing.T) {
	rb, err := ringbuffer.New(4096)
	require.NoError(t, err)
	br, err := New(rb, Config{BlockSize: 1024, Mode: Sliding, WindowFn: window.Rectangular, OverlapRatio: 0.5})
	require.NoError(t, err)

	assert.Greater(t, br.Hop(), 0)
	assert.Less(t, br.Hop(), br.BlockSize())
	assert.Equal(t, 0, br.Hop()%ringbuffer.ChunkSize)
}

func TestSlidingModeRejectsBadOverlap(t *testing.T) {
	rb, err := ringbuffer.New(4096)
	require.NoError(t, err)

	_, err = New(rb, Config{BlockSize: 1024, Mode: Sliding, WindowFn: window.Rectangular, OverlapRatio: 1.0})
	require.Error(t, err)

	_, err = New(rb, Config{BlockSize: 1024, Mode: Sliding, WindowFn: window.Rectangular, OverlapRatio: -0.1})
	require.Error(t, err)
}

func TestSlidingModeProducesOverlappingBlocks(t *testing.T) {
	rb, err := ringbuffer.New(4096)
	require.NoError(t, err)
	br, err := New(rb, Config{BlockSize: 256, Mode: Sliding, WindowFn: window.Rectangular, OverlapRatio: 0.5})
	require.NoError(t, err)

	fillChunks(t, rb, 4)
	out1 := make([]float32, 256)
	require.True(t, br.Next(out1))
	lenBefore := rb.Len()

	out2 := make([]float32, 256)
	ok := br.Next(out2)
	if ok {
		assert.Equal(t, lenBefore-br.Hop(), rb.Len())
	}
}

func TestComputeHopFallsBackToPowerOfTwo(t *testing.T) {
	// overlap ratio close to 1 makes the ideal hop tiny; rounding to a
	// ChunkSize multiple may hit zero, forcing the power-of-two fallback.
	h := computeHop(1024, 0.999)
	assert.Greater(t, h, 0)
	assert.Less(t, h, 1024)
}

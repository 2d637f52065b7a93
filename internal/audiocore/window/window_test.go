package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRejectsNonPositiveSize(t *testing.T) {
	_, err := Get(Hamming, 0)
	require.Error(t, err)
}

func TestRectangularIsAllOnes(t *testing.T) {
	tbl, err := Get(Rectangular, 256)
	require.NoError(t, err)
	for _, c := range tbl.Coeffs {
		assert.Equal(t, float32(1), c)
	}
}

func TestHammingEndpointsNearZeroSixZero8(t *testing.T) {
	tbl, err := Get(Hamming, 1024)
	require.NoError(t, err)
	assert.InDelta(t, 0.08, tbl.Coeffs[0], 1e-6)
	assert.InDelta(t, 0.08, tbl.Coeffs[len(tbl.Coeffs)-1], 1e-6)
	mid := tbl.Coeffs[len(tbl.Coeffs)/2]
	assert.Greater(t, mid, float32(0.9))
}

func TestBlackmanEndpointsNearZero(t *testing.T) {
	tbl, err := Get(Blackman, 1024)
	require.NoError(t, err)
	assert.InDelta(t, 0, tbl.Coeffs[0], 1e-3)
	assert.InDelta(t, 0, tbl.Coeffs[len(tbl.Coeffs)-1], 1e-3)
}

func TestGetCachesBySizeAndFunction(t *testing.T) {
	a, err := Get(Hamming, 512)
	require.NoError(t, err)
	b, err := Get(Hamming, 512)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := Get(Blackman, 512)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestApplyMultipliesInPlace(t *testing.T) {
	tbl, err := Get(Hamming, 4)
	require.NoError(t, err)

	samples := []float32{1, 1, 1, 1}
	tbl.Apply(samples)
	for i, s := range samples {
		assert.InDelta(t, tbl.Coeffs[i], s, 1e-6)
	}
}

func TestApplyRectangularIsNoop(t *testing.T) {
	tbl, err := Get(Rectangular, 4)
	require.NoError(t, err)

	samples := []float32{0.1, 0.2, 0.3, 0.4}
	tbl.Apply(samples)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, samples)
}

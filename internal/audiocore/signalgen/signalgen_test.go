package signalgen

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{Enabled: true, FrequencyHz: 440, Amplitude: 0.8, Waveform: Sine, SampleRate: 48000}
}

func TestNewRejectsInvalidFrequency(t *testing.T) {
	cfg := baseConfig()
	cfg.FrequencyHz = 0
	_, err := New(cfg, BackgroundNoiseConfig{}, 1)
	require.Error(t, err)

	cfg.FrequencyHz = 30000
	_, err = New(cfg, BackgroundNoiseConfig{}, 1)
	require.Error(t, err)
}

func TestNewRejectsInvalidAmplitude(t *testing.T) {
	cfg := baseConfig()
	cfg.Amplitude = 1.5
	_, err := New(cfg, BackgroundNoiseConfig{}, 1)
	require.Error(t, err)
}

func TestGenerateSineStaysWithinAmplitude(t *testing.T) {
	g, err := New(baseConfig(), BackgroundNoiseConfig{}, 42)
	require.NoError(t, err)

	out := make([]float32, ChunkSize)
	for i := 0; i < 100; i++ {
		g.Generate(out)
		for _, s := range out {
			assert.LessOrEqual(t, math.Abs(float64(s)), 0.81)
		}
	}
}

func TestGenerateDisabledProducesSilence(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	g, err := New(cfg, BackgroundNoiseConfig{}, 1)
	require.NoError(t, err)

	out := make([]float32, ChunkSize)
	g.Generate(out)
	for _, s := range out {
		assert.Equal(t, float32(0), s)
	}
}

func TestPhaseContinuityAcrossChunks(t *testing.T) {
	g, err := New(baseConfig(), BackgroundNoiseConfig{}, 7)
	require.NoError(t, err)

	out1 := make([]float32, ChunkSize)
	out2 := make([]float32, ChunkSize)
	g.Generate(out1)
	g.Generate(out2)

	// Continuity: the first sample of the second chunk is where a
	// continuous sine at this frequency/sample-rate would be, with no jump
	// at the chunk boundary.
	phaseIncPerSample := 2 * math.Pi * 440 / 48000
	expected := 0.8 * math.Sin(float64(ChunkSize)*phaseIncPerSample)
	assert.InDelta(t, expected, float64(out2[0]), 1e-4)
	assert.False(t, math.IsNaN(float64(out2[0])))
}

func TestSquareWaveformIsBipolar(t *testing.T) {
	cfg := baseConfig()
	cfg.Waveform = Square
	cfg.Amplitude = 1
	g, err := New(cfg, BackgroundNoiseConfig{}, 1)
	require.NoError(t, err)

	out := make([]float32, ChunkSize)
	g.Generate(out)
	for _, s := range out {
		assert.True(t, s == 1 || s == -1)
	}
}

func TestWhiteNoiseVariesAndStaysBounded(t *testing.T) {
	cfg := baseConfig()
	cfg.Waveform = WhiteNoise
	g, err := New(cfg, BackgroundNoiseConfig{}, 99)
	require.NoError(t, err)

	out := make([]float32, ChunkSize)
	g.Generate(out)

	distinct := map[float32]bool{}
	for _, s := range out {
		distinct[s] = true
		assert.LessOrEqual(t, math.Abs(float64(s)), 0.81)
	}
	assert.Greater(t, len(distinct), 1)
}

func TestBackgroundNoiseMixesIn(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	noise := BackgroundNoiseConfig{Enabled: true, Level: 0.5, Type: NoiseWhite}
	g, err := New(cfg, noise, 5)
	require.NoError(t, err)

	out := make([]float32, ChunkSize)
	g.Generate(out)

	nonZero := 0
	for _, s := range out {
		if s != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 0)
}

func TestUpdateConfigValidates(t *testing.T) {
	g, err := New(baseConfig(), BackgroundNoiseConfig{}, 1)
	require.NoError(t, err)

	bad := baseConfig()
	bad.Amplitude = 2
	require.Error(t, g.UpdateConfig(bad))
	assert.Equal(t, 0.8, g.Config().Amplitude)
}

func TestGeneratePanicsOnWrongBufferSize(t *testing.T) {
	g, err := New(baseConfig(), BackgroundNoiseConfig{}, 1)
	require.NoError(t, err)

	assert.Panics(t, func() {
		g.Generate(make([]float32, 64))
	})
}

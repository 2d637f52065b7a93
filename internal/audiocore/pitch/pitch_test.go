package pitch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineSamples(freq, sampleRate float64, n int, amplitude float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func TestNewRejectsInvalidWindowSize(t *testing.T) {
	cfg := DefaultConfig(48000)
	cfg.SampleWindowSize = 1000
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple of 128")
}

func TestNewRejectsZeroWindowSize(t *testing.T) {
	cfg := DefaultConfig(48000)
	cfg.SampleWindowSize = 0
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsNonPositiveSampleRate(t *testing.T) {
	cfg := DefaultConfig(0)
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsBadThreshold(t *testing.T) {
	cfg := DefaultConfig(48000)
	cfg.Threshold = -0.1
	_, err := New(cfg)
	require.Error(t, err)

	cfg.Threshold = 1.1
	_, err = New(cfg)
	require.Error(t, err)
}

func TestNewRejectsBadFrequencyRange(t *testing.T) {
	cfg := DefaultConfig(48000)
	cfg.MinFrequency = -10
	_, err := New(cfg)
	require.Error(t, err)

	cfg = DefaultConfig(48000)
	cfg.MinFrequency = 100
	cfg.MaxFrequency = 50
	_, err = New(cfg)
	require.Error(t, err)
}

func TestAnalyzeRejectsWrongSampleCount(t *testing.T) {
	d, err := New(DefaultConfig(48000))
	require.NoError(t, err)

	_, _, err = d.Analyze(make([]float32, 512), 0)
	require.Error(t, err)
}

func TestAnalyzeSilenceReturnsNoPitch(t *testing.T) {
	d, err := New(DefaultConfig(48000))
	require.NoError(t, err)

	result, ok, err := d.Analyze(make([]float32, 1024), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Result{}, result)
}

func TestAnalyzeSineWaveDetectsFrequency(t *testing.T) {
	cfg := DefaultConfig(48000)
	d, err := New(cfg)
	require.NoError(t, err)

	samples := sineSamples(440, 48000, cfg.SampleWindowSize, 0.8)
	result, ok, err := d.Analyze(samples, 0)
	require.NoError(t, err)
	require.True(t, ok)

	assert.InDelta(t, 440, result.FrequencyHz, 10)
	assert.GreaterOrEqual(t, result.Confidence, cfg.ConfidenceFloor)
	assert.LessOrEqual(t, result.Clarity, 1.0)
	assert.GreaterOrEqual(t, result.Clarity, 0.0)
}

func TestAnalyzeFrequencyOutsideRangeIsFiltered(t *testing.T) {
	cfg := DefaultConfig(48000)
	cfg.MinFrequency = 400
	cfg.MaxFrequency = 500
	d, err := New(cfg)
	require.NoError(t, err)

	samples := sineSamples(100, 48000, cfg.SampleWindowSize, 0.8)
	_, ok, err := d.Analyze(samples, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateConfigValidates(t *testing.T) {
	d, err := New(DefaultConfig(48000))
	require.NoError(t, err)

	bad := DefaultConfig(48000)
	bad.SampleWindowSize = 999
	err = d.UpdateConfig(bad)
	require.Error(t, err)
	assert.Equal(t, 1024, d.Config().SampleWindowSize)

	good := DefaultConfig(48000)
	good.Threshold = 0.2
	require.NoError(t, d.UpdateConfig(good))
	assert.Equal(t, 0.2, d.Config().Threshold)
}

func TestUpdateConfigResizesScratchOnWindowChange(t *testing.T) {
	d, err := New(DefaultConfig(48000))
	require.NoError(t, err)

	newCfg := DefaultConfig(48000)
	newCfg.SampleWindowSize = 2048
	require.NoError(t, d.UpdateConfig(newCfg))

	samples := sineSamples(440, 48000, 2048, 0.8)
	_, ok, err := d.Analyze(samples, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNearestNoteA440(t *testing.T) {
	n := NearestNote(440, DefaultTuningSystem())
	assert.Equal(t, "A", n.Name)
	assert.Equal(t, 4, n.Octave)
	assert.InDelta(t, 0, n.Cents, 0.5)
}

func TestNearestNoteSharp(t *testing.T) {
	n := NearestNote(554.37, DefaultTuningSystem())
	assert.Equal(t, "C#", n.Name)
	assert.Equal(t, 5, n.Octave)
}

func TestFrequencyClampingToNyquistRange(t *testing.T) {
	cfg := Config{
		SampleWindowSize: 128,
		Threshold:        0.15,
		MinFrequency:     1,
		MaxFrequency:     100000,
		SampleRate:       48000,
		Tuning:           DefaultTuningSystem(),
		ConfidenceFloor:  0.5,
	}
	d, err := New(cfg)
	require.NoError(t, err)
	assert.LessOrEqual(t, d.Config().MaxFrequency, 24000.0)
}

package worklet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchkit/core/internal/audiocore/protocol"
	"github.com/pitchkit/core/internal/audiocore/signalgen"
	"github.com/pitchkit/core/internal/audiocore/transport"
)

func newTestProcessor(t *testing.T) (*Processor, *transport.Transport) {
	t.Helper()
	tr := transport.New(16)
	cfg := BatchConfig{BatchSize: 256, MaxQueueSize: 8, TimeoutMS: 100}
	signalCfg := signalgen.Config{Enabled: false, FrequencyHz: 440, Amplitude: 0.5, Waveform: signalgen.Sine, SampleRate: 48000}
	p, err := New(48000, cfg, signalCfg, signalgen.BackgroundNoiseConfig{}, tr)
	require.NoError(t, err)
	return p, tr
}

func TestNewRejectsBadBatchConfig(t *testing.T) {
	tr := transport.New(4)
	cfg := BatchConfig{BatchSize: 100, MaxQueueSize: 4}
	_, err := New(48000, cfg, signalgen.Config{FrequencyHz: 1, SampleRate: 48000}, signalgen.BackgroundNoiseConfig{}, tr)
	require.Error(t, err)
}

func TestInitializeEmitsProcessorReady(t *testing.T) {
	p, tr := newTestProcessor(t)
	require.NoError(t, p.Initialize())
	assert.Equal(t, Ready, p.State())

	env, ok := tr.TryRecvFromWorklet()
	require.True(t, ok)
	ready, ok := env.Payload.(protocol.ProcessorReady)
	require.True(t, ok)
	require.NotNil(t, ready.BatchSize)
	assert.Equal(t, 256, *ready.BatchSize)
}

func TestStartStopAreIdempotent(t *testing.T) {
	p, tr := newTestProcessor(t)
	require.NoError(t, p.Initialize())
	_, _ = tr.TryRecvFromWorklet() // drain ProcessorReady

	p.Start()
	assert.Equal(t, Processing, p.State())
	_, ok := tr.TryRecvFromWorklet()
	require.True(t, ok) // ProcessingStarted

	p.Start() // idempotent
	assert.Equal(t, Processing, p.State())
	_, ok = tr.TryRecvFromWorklet()
	assert.False(t, ok, "no duplicate ProcessingStarted")

	p.Stop()
	assert.Equal(t, Stopped, p.State())
	_, ok = tr.TryRecvFromWorklet()
	require.True(t, ok) // ProcessingStopped

	p.Stop() // idempotent
	_, ok = tr.TryRecvFromWorklet()
	assert.False(t, ok)
}

func TestProcessChunkAcquisitionRunsWhileStopped(t *testing.T) {
	p, _ := newTestProcessor(t)
	require.NoError(t, p.Initialize())

	samples := make([]float32, ChunkSize)
	for i := range samples {
		samples[i] = 0.1
	}
	assert.NotPanics(t, func() {
		p.ProcessChunk(samples, 0)
	})
}

func TestProcessChunkEmitsBatchWhenFull(t *testing.T) {
	p, tr := newTestProcessor(t)
	require.NoError(t, p.Initialize())
	_, _ = tr.TryRecvFromWorklet() // ProcessorReady
	p.Start()
	_, _ = tr.TryRecvFromWorklet() // ProcessingStarted

	samples := make([]float32, ChunkSize)
	ticksPerBatch := 256 / ChunkSize
	for i := 0; i < ticksPerBatch; i++ {
		p.ProcessChunk(samples, float64(i))
	}

	env, ok := tr.TryRecvFromWorklet()
	require.True(t, ok)
	batch, ok := env.Payload.(protocol.AudioDataBatch)
	require.True(t, ok)
	assert.Equal(t, 256, batch.SampleCount)
}

func TestProcessChunkDoesNotEmitWhileGateClosed(t *testing.T) {
	p, tr := newTestProcessor(t)
	require.NoError(t, p.Initialize())
	_, _ = tr.TryRecvFromWorklet() // ProcessorReady

	samples := make([]float32, ChunkSize)
	ticksPerBatch := 256 / ChunkSize
	for i := 0; i < ticksPerBatch; i++ {
		p.ProcessChunk(samples, float64(i))
	}

	_, ok := tr.TryRecvFromWorklet()
	assert.False(t, ok, "no AudioDataBatch while stopped/uninitialized gate is closed")
}

func TestHandleControlReturnBuffer(t *testing.T) {
	p, tr := newTestProcessor(t)
	require.NoError(t, p.Initialize())
	_, _ = tr.TryRecvFromWorklet()
	p.Start()
	_, _ = tr.TryRecvFromWorklet()

	samples := make([]float32, ChunkSize)
	for i := 0; i < 256/ChunkSize; i++ {
		p.ProcessChunk(samples, float64(i))
	}
	env, ok := tr.TryRecvFromWorklet()
	require.True(t, ok)
	batch := env.Payload.(protocol.AudioDataBatch)

	p.HandleControl(protocol.NewEnvelope(protocol.ReturnBuffer{BufferID: batch.BufferID}, 0))
	assert.Equal(t, 0, tr.Stats().InFlightBuffers)
}

func TestGetStatusSchedulesStatusUpdateOnNextBoundary(t *testing.T) {
	p, tr := newTestProcessor(t)
	require.NoError(t, p.Initialize())
	_, _ = tr.TryRecvFromWorklet()

	p.HandleControl(protocol.NewEnvelope(protocol.GetStatus{}, 0))

	samples := make([]float32, ChunkSize)
	p.ProcessChunk(samples, 0)

	env, ok := tr.TryRecvFromWorklet()
	require.True(t, ok)
	_, ok = env.Payload.(protocol.StatusUpdate)
	assert.True(t, ok)
}

func TestProcessChunkPanicsOnWrongChunkSize(t *testing.T) {
	p, _ := newTestProcessor(t)
	require.NoError(t, p.Initialize())
	assert.Panics(t, func() {
		p.ProcessChunk(make([]float32, 64), 0)
	})
}

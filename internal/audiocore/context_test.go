package audiocore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchkit/core/internal/audiocore/analyzer"
	"github.com/pitchkit/core/internal/audiocore/signalgen"
	"github.com/pitchkit/core/internal/audiocore/worklet"
	"github.com/pitchkit/core/internal/errors"
)

type fakeHost struct {
	sampleRate float64
	connectErr error
}

func (f *fakeHost) SampleRate() float64 { return f.sampleRate }
func (f *fakeHost) Connect(stream MediaStreamHandle) error { return f.connectErr }

func testConfig() Config {
	return Config{
		Batch:              worklet.BatchConfig{BatchSize: 256, MaxQueueSize: 8, TimeoutMS: 100},
		Signal:             signalgen.Config{Enabled: false, FrequencyHz: 440, Amplitude: 0.5, Waveform: signalgen.Sine, SampleRate: 48000},
		BackgroundNoise:    signalgen.BackgroundNoiseConfig{},
		Analyzer:           analyzer.DefaultConfig(48000),
		TransportQueueSize: 16,
	}
}

func TestNewRejectsNilHost(t *testing.T) {
	_, err := New(nil, analyzer.Sinks{}, testConfig())
	require.Error(t, err)
}

func TestInitializeOrdersSubcomponents(t *testing.T) {
	host := &fakeHost{sampleRate: 48000}
	ctx, err := New(host, analyzer.Sinks{}, testConfig())
	require.NoError(t, err)

	require.NoError(t, ctx.Initialize())
	defer ctx.Shutdown()

	snap := ctx.Snapshot()
	assert.Equal(t, PermissionNotRequested, snap.PermissionState)
	assert.Equal(t, worklet.Ready, snap.WorkletState)
}

func TestRequestPermissionGranted(t *testing.T) {
	host := &fakeHost{sampleRate: 48000}
	ctx, err := New(host, analyzer.Sinks{}, testConfig())
	require.NoError(t, err)
	require.NoError(t, ctx.Initialize())
	defer ctx.Shutdown()

	require.NoError(t, ctx.RequestPermission("stream-handle"))
	assert.Equal(t, PermissionGranted, ctx.Permission())
}

func TestRequestPermissionDenied(t *testing.T) {
	deniedErr := errors.Newf("user declined microphone access").
		Component("test").Category(errors.CategoryPermission).Build()
	host := &fakeHost{sampleRate: 48000, connectErr: deniedErr}
	ctx, err := New(host, analyzer.Sinks{}, testConfig())
	require.NoError(t, err)
	require.NoError(t, ctx.Initialize())
	defer ctx.Shutdown()

	require.Error(t, ctx.RequestPermission("stream-handle"))
	assert.Equal(t, PermissionDenied, ctx.Permission())

	snap := ctx.Snapshot()
	assert.Equal(t, 1, snap.AudioErrorCount)
}

func TestStartReconcilesWorkletStateViaAnalysisLoop(t *testing.T) {
	host := &fakeHost{sampleRate: 48000}
	ctx, err := New(host, analyzer.Sinks{}, testConfig())
	require.NoError(t, err)
	require.NoError(t, ctx.Initialize())
	defer ctx.Shutdown()

	ctx.Start()

	require.Eventually(t, func() bool {
		return ctx.Snapshot().WorkletState == worklet.Processing
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownStopsAnalysisLoop(t *testing.T) {
	host := &fakeHost{sampleRate: 48000}
	ctx, err := New(host, analyzer.Sinks{}, testConfig())
	require.NoError(t, err)
	require.NoError(t, ctx.Initialize())

	ctx.Shutdown()

	snap := ctx.Snapshot()
	assert.Equal(t, worklet.Uninitialized, snap.WorkletState, "worklet reference released on shutdown")
}

package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchkit/core/internal/observability/metrics"
)

func TestGetWithoutInitIsNilSafe(t *testing.T) {
	// Note: Init is process-global and sync.Once-guarded, so this test only
	// exercises the disabled path when no other test in this binary has
	// already called Init. It must never panic either way.
	c := Get()
	assert.NotPanics(t, func() {
		c.RecordBlockProcessed(time.Millisecond, "detected")
		c.RecordBufferPool(0.9, 1)
		c.RecordTransportQueueDepth("to_analysis", 2)
		c.RecordTransportDropped("to_worklet", 5)
		c.RecordLifecycleTransition("ready", "processing")
		c.RecordPermissionTransition("not_requested", "requesting")
		c.SampleHostResources()
	})
}

func TestInitRecordsIntoWrappedInstruments(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)

	c := &Collector{metrics: m, enabled: true}

	c.RecordBlockProcessed(2*time.Millisecond, "detected")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BlocksProcessedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PitchDetectionTotal.WithLabelValues("detected")))

	c.RecordBufferPool(0.75, 2)
	assert.Equal(t, float64(0.75), testutil.ToFloat64(m.BufferPoolHitRate))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BufferPoolExtraAllocsTotal))

	c.RecordLifecycleTransition("ready", "processing")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LifecycleTransitionsTotal.WithLabelValues("ready", "processing")))

	c.RecordTransportDropped("to_analysis", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.TransportDroppedTotal.WithLabelValues("to_analysis")))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.BlocksProcessedTotal.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BlocksProcessedTotal))

	m.PitchDetectionTotal.WithLabelValues("detected").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PitchDetectionTotal.WithLabelValues("detected")))

	m.TransportQueueDepth.WithLabelValues("to_analysis").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.TransportQueueDepth.WithLabelValues("to_analysis")))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)

	_, err = New(registry)
	assert.Error(t, err, "registering a second instrument set against the same registry must fail")
}

func TestSampleHostResourcesIsNilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		SampleHostResources(nil)
	})
}

func TestSampleHostResourcesUpdatesGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry)
	require.NoError(t, err)

	SampleHostResources(m)

	// CPU/memory values vary by host; only assert that the memory gauge
	// holds a plausible non-negative value.
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.HostMemoryUsedBytes), float64(0))
}

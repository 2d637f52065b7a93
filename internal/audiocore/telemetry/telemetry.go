// Package telemetry is a nil-safe wrapper around the Prometheus instrument
// set in observability/metrics: every component that wants to record a
// measurement calls the package-level Get() and invokes a method on it,
// whether or not metrics were ever initialized. Uninitialized telemetry is
// a silent no-op, never a nil-pointer panic.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitchkit/core/internal/logging"
	"github.com/pitchkit/core/internal/observability/metrics"
)

// Collector records measurements into the wrapped Prometheus instrument
// set, or silently discards them when disabled.
type Collector struct {
	metrics *metrics.PitchEngineMetrics
	enabled bool
}

var (
	global     atomic.Pointer[Collector]
	globalOnce sync.Once
	logger     *slog.Logger
)

// Init installs the process-wide collector. Passing a nil m leaves
// telemetry disabled; Get still returns a usable no-op Collector. Only the
// first call takes effect.
func Init(m *metrics.PitchEngineMetrics) {
	globalOnce.Do(func() {
		logger = logging.ForService("audiocore").With("component", "telemetry")
		c := &Collector{metrics: m, enabled: m != nil}
		global.Store(c)
		if m != nil {
			logger.Info("telemetry collector initialized")
		} else {
			logger.Debug("telemetry collector disabled")
		}
	})
}

// Get returns the process-wide collector, or a disabled no-op one if Init
// was never called.
func Get() *Collector {
	c := global.Load()
	if c == nil {
		return &Collector{}
	}
	return c
}

// RecordBlockProcessed records one block's analysis latency and outcome.
// outcome is one of "detected", "no_pitch", or "error".
func (c *Collector) RecordBlockProcessed(elapsed time.Duration, outcome string) {
	if !c.enabled {
		return
	}
	c.metrics.BlocksProcessedTotal.Inc()
	c.metrics.BlockProcessingSeconds.Observe(elapsed.Seconds())
	c.metrics.PitchDetectionTotal.WithLabelValues(outcome).Inc()
}

// RecordBufferPool records the worklet buffer pool's current health.
// extraAllocsCumulative is the pool's running total, not a delta.
func (c *Collector) RecordBufferPool(hitRate float64, extraAllocsCumulative int) {
	if !c.enabled {
		return
	}
	c.metrics.BufferPoolHitRate.Set(hitRate)
	c.metrics.BufferPoolExtraAllocsTotal.Set(float64(extraAllocsCumulative))
}

// RecordTransportQueueDepth records the current depth of one transport
// direction ("to_analysis" or "to_worklet").
func (c *Collector) RecordTransportQueueDepth(direction string, depth int) {
	if !c.enabled {
		return
	}
	c.metrics.TransportQueueDepth.WithLabelValues(direction).Set(float64(depth))
}

// RecordTransportDropped publishes the transport's cumulative drop count
// for a direction. The caller passes the running total it already tracks,
// not a delta.
func (c *Collector) RecordTransportDropped(direction string, cumulative uint64) {
	if !c.enabled {
		return
	}
	c.metrics.TransportDroppedTotal.WithLabelValues(direction).Set(float64(cumulative))
}

// RecordLifecycleTransition records a worklet processor state transition.
func (c *Collector) RecordLifecycleTransition(from, to string) {
	if !c.enabled {
		return
	}
	c.metrics.LifecycleTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordPermissionTransition records a microphone permission state
// transition.
func (c *Collector) RecordPermissionTransition(from, to string) {
	if !c.enabled {
		return
	}
	c.metrics.PermissionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SampleHostResources refreshes the host CPU/memory gauges. A no-op when
// telemetry is disabled.
func (c *Collector) SampleHostResources() {
	if !c.enabled {
		return
	}
	metrics.SampleHostResources(c.metrics)
}

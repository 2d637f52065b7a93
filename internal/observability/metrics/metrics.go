// Package metrics provides Prometheus instrumentation for the pitch engine:
// block-processing throughput and latency, pitch-detection outcomes, buffer
// pool health, transport queue depth, lifecycle-state transitions, and host
// resource usage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// PitchEngineMetrics is the Prometheus instrumentation surface for one audio
// system context. Construct one per registry; registering the same
// collector name twice against one registry is an error.
type PitchEngineMetrics struct {
	BlocksProcessedTotal       prometheus.Counter
	PitchDetectionTotal        *prometheus.CounterVec // label: outcome={detected,no_pitch,error}
	BlockProcessingSeconds     prometheus.Histogram
	BufferPoolHitRate          prometheus.Gauge
	BufferPoolExtraAllocsTotal prometheus.Gauge // mirrors the pool's own cumulative counter
	TransportQueueDepth        *prometheus.GaugeVec // label: direction={to_analysis,to_worklet}
	TransportDroppedTotal      *prometheus.GaugeVec // label: direction; mirrors the transport's own cumulative counter
	LifecycleTransitionsTotal  *prometheus.CounterVec // labels: from, to
	PermissionTransitionsTotal *prometheus.CounterVec // labels: from, to
	HostCPUPercent             prometheus.Gauge
	HostMemoryUsedBytes        prometheus.Gauge
}

// New builds and registers the full metric set against registry.
func New(registry *prometheus.Registry) (*PitchEngineMetrics, error) {
	m := &PitchEngineMetrics{
		BlocksProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pitchkit",
			Subsystem: "analyzer",
			Name:      "blocks_processed_total",
			Help:      "Total analysis blocks run through the volume/pitch pipeline.",
		}),
		PitchDetectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitchkit",
			Subsystem: "analyzer",
			Name:      "pitch_detection_total",
			Help:      "Pitch detection outcomes by result.",
		}, []string{"outcome"}),
		BlockProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pitchkit",
			Subsystem: "analyzer",
			Name:      "block_processing_seconds",
			Help:      "Wall-clock time to run volume+pitch analysis on one block.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .075, .1, .25},
		}),
		BufferPoolHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitchkit",
			Subsystem: "worklet",
			Name:      "buffer_pool_hit_rate",
			Help:      "Fraction of buffer acquisitions served from the free list rather than a fresh allocation.",
		}),
		BufferPoolExtraAllocsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitchkit",
			Subsystem: "worklet",
			Name:      "buffer_pool_extra_allocs_total",
			Help:      "Cumulative buffer allocations made past the pool's steady-state capacity.",
		}),
		TransportQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pitchkit",
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Current queued envelope count by direction.",
		}, []string{"direction"}),
		TransportDroppedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pitchkit",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Cumulative envelopes dropped because a direction's queue was full.",
		}, []string{"direction"}),
		LifecycleTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitchkit",
			Subsystem: "worklet",
			Name:      "lifecycle_transitions_total",
			Help:      "Worklet processor state transitions.",
		}, []string{"from", "to"}),
		PermissionTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitchkit",
			Subsystem: "context",
			Name:      "permission_transitions_total",
			Help:      "Microphone permission state transitions.",
		}, []string{"from", "to"}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitchkit",
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Host CPU utilization percent, sampled on demand.",
		}),
		HostMemoryUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitchkit",
			Subsystem: "host",
			Name:      "memory_used_bytes",
			Help:      "Host resident memory in use, sampled on demand.",
		}),
	}

	collectors := []prometheus.Collector{
		m.BlocksProcessedTotal,
		m.PitchDetectionTotal,
		m.BlockProcessingSeconds,
		m.BufferPoolHitRate,
		m.BufferPoolExtraAllocsTotal,
		m.TransportQueueDepth,
		m.TransportDroppedTotal,
		m.LifecycleTransitionsTotal,
		m.PermissionTransitionsTotal,
		m.HostCPUPercent,
		m.HostMemoryUsedBytes,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SampleHostResources updates the host CPU/memory gauges with a one-shot
// sample. The CPU reading uses a zero interval, so it does not block and
// reports usage since the previous measurement. Callers invoke this at a modest cadence (e.g.
// once per status boundary); it is too expensive to call per block.
func SampleHostResources(m *PitchEngineMetrics) {
	if m == nil {
		return
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.HostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.HostMemoryUsedBytes.Set(float64(vm.Used))
	}
}

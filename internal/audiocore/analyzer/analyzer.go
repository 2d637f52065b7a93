// Package analyzer implements the analysis-thread orchestrator: it ingests
// AudioDataBatch payloads into a ring buffer, runs the block loop (volume
// then pitch detection) whenever a full block is available, and publishes
// results to observable sinks while tracking rolling latency metrics.
package analyzer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pitchkit/core/internal/audiocore/blockreader"
	"github.com/pitchkit/core/internal/audiocore/pitch"
	"github.com/pitchkit/core/internal/audiocore/protocol"
	"github.com/pitchkit/core/internal/audiocore/ringbuffer"
	"github.com/pitchkit/core/internal/audiocore/telemetry"
	"github.com/pitchkit/core/internal/audiocore/transport"
	"github.com/pitchkit/core/internal/audiocore/volume"
	"github.com/pitchkit/core/internal/audiocore/window"
	"github.com/pitchkit/core/internal/errors"
	"github.com/pitchkit/core/internal/logging"
)

// softBudgetMS is the per-block processing time budget named in the spec;
// blocks that exceed it are counted but not otherwise penalized.
const softBudgetMS = 50.0

// emaAlpha is the smoothing factor for the rolling per-block latency
// average.
const emaAlpha = 0.1

// Config describes the analyzer's block extraction and detection tuning,
// all of which may be changed live via UpdateConfig.
type Config struct {
	SampleRate          float64
	RingBufferCapacity  int
	BlockSize           int
	Mode                blockreader.Mode
	WindowFn            window.Function
	OverlapRatio        float64
	Threshold           float64
	MinFrequency        float64
	MaxFrequency        float64
	Tuning              pitch.TuningSystem
	EnergyGateThreshold float64
	ConfidenceFloor     float64
	EnableEarlyExit     bool
	EarlyExitClarity    float64
}

// DefaultConfig returns production-tuned defaults: a 1024-sample sequential
// block, an 8192-sample (64 chunk) ring buffer, and the pitch detector's
// own defaults for threshold/frequency range/gating.
func DefaultConfig(sampleRate float64) Config {
	pcfg := pitch.DefaultConfig(sampleRate)
	return Config{
		SampleRate:          sampleRate,
		RingBufferCapacity:  8192,
		BlockSize:           pcfg.SampleWindowSize,
		Mode:                blockreader.Sequential,
		WindowFn:            window.Hamming,
		Threshold:           pcfg.Threshold,
		MinFrequency:        pcfg.MinFrequency,
		MaxFrequency:        pcfg.MaxFrequency,
		Tuning:              pcfg.Tuning,
		EnergyGateThreshold: pcfg.EnergyGateThreshold,
		ConfidenceFloor:     pcfg.ConfidenceFloor,
		EnableEarlyExit:     pcfg.EnableEarlyExit,
		EarlyExitClarity:    pcfg.EarlyExitClarity,
	}
}

func (c Config) pitchConfig() pitch.Config {
	return pitch.Config{
		SampleWindowSize:    c.BlockSize,
		Threshold:           c.Threshold,
		MinFrequency:        c.MinFrequency,
		MaxFrequency:        c.MaxFrequency,
		SampleRate:          c.SampleRate,
		Tuning:              c.Tuning,
		EnergyGateThreshold: c.EnergyGateThreshold,
		ConfidenceFloor:     c.ConfidenceFloor,
		EnableEarlyExit:     c.EnableEarlyExit,
		EarlyExitClarity:    c.EarlyExitClarity,
	}
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return errors.Newf("sample rate must be positive, got %f", c.SampleRate).
			Component("analyzer").Category(errors.CategoryValidation).Build()
	}
	if c.BlockSize < ringbuffer.ChunkSize || c.BlockSize%ringbuffer.ChunkSize != 0 {
		return errors.Newf("block size must be >= %d and a multiple of %d, got %d", ringbuffer.ChunkSize, ringbuffer.ChunkSize, c.BlockSize).
			Component("analyzer").Category(errors.CategoryValidation).Build()
	}
	return nil
}

// Sinks are the observable callbacks results are published to. Pitch is
// called with nil when no pitch was detected or the result was suppressed
// by the confidence floor.
type Sinks struct {
	Volume func(volume.Analysis)
	Pitch  func(*pitch.Result)
}

// MetricsSnapshot is a non-allocating copy of the analyzer's rolling
// performance counters.
type MetricsSnapshot struct {
	EMALatencyMS     float64
	MinLatencyMS     float64
	MaxLatencyMS     float64
	OverBudgetBlocks uint64
	TotalBlocks      uint64
	SuccessfulBlocks uint64
	SuccessRate      float64
}

type rollingMetrics struct {
	mu          sync.Mutex
	initialized bool
	emaMS       float64
	minMS       float64
	maxMS       float64
	overBudget  uint64
	total       uint64
	success     uint64
}

func (m *rollingMetrics) record(elapsed time.Duration, success bool) {
	ms := float64(elapsed) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		m.emaMS, m.minMS, m.maxMS = ms, ms, ms
		m.initialized = true
	} else {
		m.emaMS = emaAlpha*ms + (1-emaAlpha)*m.emaMS
		if ms < m.minMS {
			m.minMS = ms
		}
		if ms > m.maxMS {
			m.maxMS = ms
		}
	}
	m.total++
	if success {
		m.success++
	}
	if ms > softBudgetMS {
		m.overBudget++
	}
}

func (m *rollingMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := 1.0
	if m.total > 0 {
		rate = float64(m.success) / float64(m.total)
	}
	return MetricsSnapshot{
		EMALatencyMS:     m.emaMS,
		MinLatencyMS:     m.minMS,
		MaxLatencyMS:     m.maxMS,
		OverBudgetBlocks: m.overBudget,
		TotalBlocks:      m.total,
		SuccessfulBlocks: m.success,
		SuccessRate:      rate,
	}
}

// Analyzer orchestrates ring-buffer ingestion, block extraction, and
// volume/pitch detection on the analysis thread.
type Analyzer struct {
	mu sync.Mutex

	cfg Config

	rb          *ringbuffer.RingBuffer
	blockReader *blockreader.BlockReader
	volumeDet   *volume.Detector
	pitchDet    *pitch.Detector
	scratch     []float32

	sinks   Sinks
	metrics rollingMetrics

	logger *slog.Logger
}

// New constructs an Analyzer from cfg and wires the given sinks.
func New(cfg Config, sinks Sinks) (*Analyzer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rb, err := ringbuffer.New(cfg.RingBufferCapacity)
	if err != nil {
		return nil, err
	}
	br, err := blockreader.New(rb, blockreader.Config{
		BlockSize:    cfg.BlockSize,
		Mode:         cfg.Mode,
		WindowFn:     cfg.WindowFn,
		OverlapRatio: cfg.OverlapRatio,
	})
	if err != nil {
		return nil, err
	}
	volDet, err := volume.New(volume.DefaultConfig(cfg.SampleRate))
	if err != nil {
		return nil, err
	}
	pitchDet, err := pitch.New(cfg.pitchConfig())
	if err != nil {
		return nil, err
	}

	return &Analyzer{
		cfg:         cfg,
		rb:          rb,
		blockReader: br,
		volumeDet:   volDet,
		pitchDet:    pitchDet,
		scratch:     make([]float32, cfg.BlockSize),
		sinks:       sinks,
		logger:      logging.ForService("audiocore").With("component", "pitch_analyzer"),
	}, nil
}

// IngestBatch appends an incoming batch's samples into the ring buffer
// chunk-by-chunk, returns the buffer to the worklet via the transport
// within this call, and then runs the block loop.
func (a *Analyzer) IngestBatch(batch protocol.AudioDataBatch, samples []float32, tr *transport.Transport) {
	a.mu.Lock()
	for offset := 0; offset+ringbuffer.ChunkSize <= len(samples); offset += ringbuffer.ChunkSize {
		if err := a.rb.AppendChunk(samples[offset : offset+ringbuffer.ChunkSize]); err != nil {
			a.logger.Warn("failed to append chunk to ring buffer", "error", err)
		}
	}
	a.mu.Unlock()

	if tr != nil && batch.BufferID != "" {
		tr.SendToWorklet(protocol.NewEnvelope(protocol.ReturnBuffer{BufferID: batch.BufferID}, batch.TimestampMS))
	}

	a.runBlockLoop(batch.TimestampMS)
}

// runBlockLoop drains every full block currently available in the ring
// buffer, running volume then pitch analysis on each and publishing to
// the configured sinks.
func (a *Analyzer) runBlockLoop(timestampMS float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for a.blockReader.Next(a.scratch) {
		start := time.Now()

		volAnalysis := a.volumeDet.Analyze(a.scratch, timestampMS)
		result, found, err := a.pitchDet.Analyze(a.scratch, timestampMS)
		elapsed := time.Since(start)

		a.metrics.record(elapsed, err == nil)

		if a.sinks.Volume != nil {
			a.sinks.Volume(volAnalysis)
		}

		if err != nil {
			telemetry.Get().RecordBlockProcessed(elapsed, "error")
			a.logger.Warn("pitch analysis failed", "error", err)
			if a.sinks.Pitch != nil {
				a.sinks.Pitch(nil)
			}
			continue
		}

		if !found {
			telemetry.Get().RecordBlockProcessed(elapsed, "no_pitch")
			if a.sinks.Pitch != nil {
				a.sinks.Pitch(nil)
			}
			continue
		}

		telemetry.Get().RecordBlockProcessed(elapsed, "detected")
		result.Confidence = clamp01(result.Confidence * volAnalysis.ConfidenceWeight)
		if a.sinks.Pitch != nil {
			a.sinks.Pitch(&result)
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Metrics returns a snapshot of the rolling performance counters.
func (a *Analyzer) Metrics() MetricsSnapshot {
	return a.metrics.snapshot()
}

// Config returns the current live configuration.
func (a *Analyzer) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// UpdateConfig validates and applies a new configuration. Resizing the
// block size rebuilds the scratch buffer and block reader once; the pitch
// detector's own UpdateConfig similarly resizes only on a window-size
// change. On validation failure, the prior configuration is left
// untouched.
func (a *Analyzer) UpdateConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var br *blockreader.BlockReader
	if cfg.BlockSize != a.cfg.BlockSize || cfg.Mode != a.cfg.Mode || cfg.WindowFn != a.cfg.WindowFn || cfg.OverlapRatio != a.cfg.OverlapRatio {
		var err error
		br, err = blockreader.New(a.rb, blockreader.Config{
			BlockSize:    cfg.BlockSize,
			Mode:         cfg.Mode,
			WindowFn:     cfg.WindowFn,
			OverlapRatio: cfg.OverlapRatio,
		})
		if err != nil {
			return err
		}
	}

	if err := a.pitchDet.UpdateConfig(cfg.pitchConfig()); err != nil {
		return err
	}

	if br != nil {
		a.blockReader = br
		a.scratch = make([]float32, cfg.BlockSize)
	}

	a.cfg = cfg
	return nil
}

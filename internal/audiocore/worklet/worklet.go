// Package worklet implements the audio-thread side of the pipeline: a
// per-128-sample-tick processor that reads host callback samples, optionally
// substitutes or mixes in a synthesized test signal, batches outbound
// samples through a bounded recycling buffer pool, and exchanges control
// envelopes with the analysis thread over a Transport. It never blocks or
// performs I/O other than buffer send/receive. Sample buffers are reused
// from the pool in steady state, but every emitted batch still allocates
// its uuid buffer ID, its sequence-number pointer and the boxed envelope
// payload.
package worklet

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pitchkit/core/internal/audiocore/protocol"
	"github.com/pitchkit/core/internal/audiocore/signalgen"
	"github.com/pitchkit/core/internal/audiocore/telemetry"
	"github.com/pitchkit/core/internal/audiocore/transport"
	"github.com/pitchkit/core/internal/cpuspec"
	"github.com/pitchkit/core/internal/errors"
	"github.com/pitchkit/core/internal/logging"
)

// ChunkSize is the Web Audio API standard processing granularity.
const ChunkSize = 128

// State is the worklet processor's lifecycle state.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Processing
	Stopped
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Processing:
		return "processing"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// BatchConfig controls outbound batching.
type BatchConfig struct {
	BatchSize         int // samples; must be a positive multiple of ChunkSize
	MaxQueueSize      int
	TimeoutMS         uint32
	EnableCompression bool // stored with the config only; nothing reads it and no in-process transport compresses same-process channels
}

// DefaultBatchConfig returns production-tuned batching parameters: 32
// chunks (4096 samples) per batch, an 8-deep outbound queue, and a 100ms
// timeout so a stalled analysis thread still sees a short batch rather
// than silence.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:    4096,
		MaxQueueSize: 8,
		TimeoutMS:    100,
	}
}

func (c BatchConfig) validate() error {
	if c.BatchSize <= 0 || c.BatchSize%ChunkSize != 0 {
		return errors.Newf("batch size must be a positive multiple of %d, got %d", ChunkSize, c.BatchSize).
			Component("worklet").
			Category(errors.CategoryValidation).
			Build()
	}
	if c.MaxQueueSize <= 0 {
		return errors.Newf("max queue size must be positive, got %d", c.MaxQueueSize).
			Component("worklet").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// poolMissThreshold is the number of consecutive pool misses (extra
// allocations) after which the processor reports BufferOverflow to the
// analysis thread; a pool hit resets the count.
const poolMissThreshold = 3

// bufferPool is a small bounded pool of recyclable sample buffers. Steady
// state acquires and releases exclusively from the free list; an exhausted
// pool falls back to one extra allocation per miss.
type bufferPool struct {
	mu sync.Mutex

	bufSize  int
	poolSize int
	free     [][]float32
	inFlight map[string][]float32

	hits        uint64
	misses      uint64
	extraAllocs int
}

// poolSizeForHost scales the buffer pool to the host's performance-core
// count so a burst of back-to-back batches (a slow analysis tick, or several
// pending GetStatus ticks) has enough recyclable buffers to avoid pool
// misses on machines with more headroom, while staying bounded on small
// hosts.
func poolSizeForHost() int {
	cores := cpuspec.GetCPUSpec().GetOptimalThreadCount()
	switch {
	case cores <= 0:
		return 6
	case cores < 4:
		return 4
	case cores > 12:
		return 12
	default:
		return cores
	}
}

func newBufferPool(poolSize, bufSize int) *bufferPool {
	free := make([][]float32, poolSize)
	for i := range free {
		free[i] = make([]float32, bufSize)
	}
	return &bufferPool{
		bufSize:  bufSize,
		poolSize: poolSize,
		free:     free,
		inFlight: make(map[string][]float32, poolSize),
	}
}

// acquire returns a buffer-id/backing-slice pair, preferring the free list
// and falling back to a fresh allocation (recorded as a miss) when empty.
func (p *bufferPool) acquire() (id string, buf []float32, missed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
		p.hits++
	} else {
		buf = make([]float32, p.bufSize)
		p.misses++
		p.extraAllocs++
		missed = true
	}
	id = uuid.NewString()
	p.inFlight[id] = buf
	return id, buf, missed
}

// release returns a previously acquired buffer to the free list, zeroing it
// for reuse. Reports false if id is not (or no longer) in flight.
func (p *bufferPool) release(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.inFlight[id]
	if !ok {
		return false
	}
	delete(p.inFlight, id)

	for i := range buf {
		buf[i] = 0
	}
	if len(p.free) < p.poolSize {
		p.free = append(p.free, buf)
	}
	// Buffers acquired past poolSize (extra allocations) are simply
	// dropped here rather than grown into the steady-state pool.
	return true
}

func (p *bufferPool) stats() protocol.BufferPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.hits + p.misses
	hitRate := 1.0
	if total > 0 {
		hitRate = float64(p.hits) / float64(total)
	}
	return protocol.BufferPoolStats{
		PoolSize:    p.poolSize,
		InFlight:    len(p.inFlight),
		Free:        len(p.free),
		ExtraAllocs: p.extraAllocs,
		HitRate:     hitRate,
	}
}

// Processor is the audio-thread tick driver.
type Processor struct {
	mu sync.Mutex

	state      State
	sampleRate float64
	cfg        BatchConfig

	pool *bufferPool

	signal   *signalgen.Generator
	scratch  [ChunkSize]float32
	current  []float32
	currID   string
	filled   int
	ticksAge uint32 // chunks since current buffer was opened, for timeout

	gate         bool // Processing gates emission; acquisition always runs
	pendingStats bool // GetStatus requested, emit on next boundary

	chunkCounter         uint32
	processedBatches     uint32
	consecutiveOverflows int

	transport *transport.Transport
	logger    *slog.Logger
}

// New constructs a Processor. sampleRate is the host's reported sample
// rate; cfg is validated; signal/noiseCfg seed the initial test-signal
// generator.
func New(sampleRate float64, cfg BatchConfig, signalCfg signalgen.Config, noiseCfg signalgen.BackgroundNoiseConfig, tr *transport.Transport) (*Processor, error) {
	if sampleRate <= 0 {
		return nil, errors.Newf("sample rate must be positive, got %f", sampleRate).
			Component("worklet").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	gen, err := signalgen.New(signalCfg, noiseCfg, 0)
	if err != nil {
		return nil, err
	}

	pool := newBufferPool(poolSizeForHost(), cfg.BatchSize)
	id, buf, _ := pool.acquire()

	return &Processor{
		state:      Uninitialized,
		sampleRate: sampleRate,
		cfg:        cfg,
		pool:       pool,
		signal:     gen,
		current:    buf,
		currID:     id,
		transport:  tr,
		logger:     logging.ForService("audiocore").With("component", "worklet"),
	}, nil
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize transitions Uninitialized -> Initializing -> Ready and
// announces readiness to the analysis thread.
func (p *Processor) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Uninitialized {
		return nil
	}
	p.state = Initializing
	p.state = Ready
	telemetry.Get().RecordLifecycleTransition(Uninitialized.String(), Ready.String())

	batchSize := p.cfg.BatchSize
	p.transport.SendToAnalysis(protocol.NewEnvelope(protocol.ProcessorReady{BatchSize: &batchSize}, 0))
	p.logger.Info("worklet processor ready", "batch_size", batchSize)
	return nil
}

// Start moves Ready/Stopped -> Processing, opening the batch-emission gate.
// Idempotent: a Start while already Processing leaves state unchanged.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Processing {
		return
	}
	prev := p.state
	p.state = Processing
	p.gate = true
	telemetry.Get().RecordLifecycleTransition(prev.String(), p.state.String())
	p.transport.SendToAnalysis(protocol.NewEnvelope(protocol.ProcessingStarted{}, 0))
}

// Stop moves Processing -> Stopped, closing the batch-emission gate.
// Sample acquisition continues to run; only emission is gated. Idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Stopped {
		return
	}
	prev := p.state
	p.state = Stopped
	p.gate = false
	telemetry.Get().RecordLifecycleTransition(prev.String(), p.state.String())
	p.transport.SendToAnalysis(protocol.NewEnvelope(protocol.ProcessingStopped{}, 0))
}

// HandleControl dispatches a single inbound control envelope from the
// analysis thread.
func (p *Processor) HandleControl(env protocol.Envelope) {
	switch payload := env.Payload.(type) {
	case protocol.StartProcessing:
		p.Start()
	case protocol.StopProcessing:
		p.Stop()
	case protocol.UpdateTestSignalConfig:
		p.updateTestSignalConfig(payload.Config)
	case protocol.UpdateBatchConfig:
		p.updateBatchConfig(payload)
	case protocol.UpdateBackgroundNoiseConfig:
		p.updateBackgroundNoise(payload.Config)
	case protocol.ReturnBuffer:
		p.transport.HandleReturn(payload.BufferID)
		p.mu.Lock()
		pool := p.pool
		p.mu.Unlock()
		pool.release(payload.BufferID)
	case protocol.GetStatus:
		p.mu.Lock()
		p.pendingStats = true
		p.mu.Unlock()
	}
}

func waveformFromWire(s string) signalgen.Waveform {
	switch s {
	case "square":
		return signalgen.Square
	case "sawtooth":
		return signalgen.Sawtooth
	case "triangle":
		return signalgen.Triangle
	case "white_noise":
		return signalgen.WhiteNoise
	case "pink_noise":
		return signalgen.PinkNoise
	default:
		return signalgen.Sine
	}
}

func (p *Processor) updateTestSignalConfig(wire protocol.TestSignalConfig) {
	cfg := signalgen.Config{
		Enabled:     wire.Enabled,
		FrequencyHz: wire.FrequencyHz,
		Amplitude:   wire.Amplitude,
		Waveform:    waveformFromWire(wire.Waveform),
		SampleRate:  wire.SampleRate,
	}
	if err := p.signal.UpdateConfig(cfg); err != nil {
		p.logger.Warn("rejected test signal config update", "error", err)
	}
}

func (p *Processor) updateBackgroundNoise(wire protocol.BackgroundNoiseConfig) {
	noiseType := signalgen.NoiseWhite
	if wire.NoiseType == "pink" {
		noiseType = signalgen.NoisePink
	}
	cfg := signalgen.BackgroundNoiseConfig{Enabled: wire.Enabled, Level: wire.Level, Type: noiseType}
	if err := p.signal.UpdateBackgroundNoise(cfg); err != nil {
		p.logger.Warn("rejected background noise config update", "error", err)
	}
}

func (p *Processor) updateBatchConfig(msg protocol.UpdateBatchConfig) {
	cfg := BatchConfig{
		BatchSize:         msg.BatchSize,
		MaxQueueSize:      msg.MaxQueueSize,
		TimeoutMS:         msg.TimeoutMS,
		EnableCompression: msg.EnableCompression,
	}
	if err := cfg.validate(); err != nil {
		p.logger.Warn("rejected batch config update", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	if cfg.BatchSize != len(p.current) {
		p.pool = newBufferPool(p.pool.poolSize, cfg.BatchSize)
		id, buf, _ := p.pool.acquire()
		p.current, p.currID, p.filled = buf, id, 0
	}
}

// ProcessChunk runs one 128-sample tick: hostSamples is the host callback's
// input (length ChunkSize), possibly replaced or mixed with the test
// signal, appended into the outbound batch, and flushed when full or
// timed out. It never blocks or performs I/O beyond the transport send.
func (p *Processor) ProcessChunk(hostSamples []float32, timestampMS float64) {
	if len(hostSamples) != ChunkSize {
		panic("worklet: ProcessChunk requires exactly ChunkSize host samples")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.signal.Generate(p.scratch[:])
	if p.signal.Config().Enabled {
		copy(p.current[p.filled:p.filled+ChunkSize], p.scratch[:])
	} else {
		for i := 0; i < ChunkSize; i++ {
			p.current[p.filled+i] = hostSamples[i] + p.scratch[i]
		}
	}
	p.filled += ChunkSize
	p.chunkCounter++
	p.ticksAge++

	timedOut := p.cfg.TimeoutMS > 0 && uint32(float64(p.ticksAge)*1000*ChunkSize/p.sampleRate) >= p.cfg.TimeoutMS
	if p.filled >= len(p.current) || (timedOut && p.filled > 0) {
		p.flushLocked(timestampMS)
	}

	if p.pendingStats {
		p.emitStatusLocked(timestampMS)
		p.pendingStats = false
	}
}

// flushLocked emits the current outbound buffer (if the processing gate is
// open) and rotates in the next pool buffer. Must be called with mu held.
func (p *Processor) flushLocked(timestampMS float64) {
	sampleCount := p.filled
	bufID := p.currID
	buf := p.current

	if p.gate && sampleCount > 0 {
		seq := p.chunkCounter
		p.transport.SendToAnalysis(protocol.NewEnvelope(protocol.AudioDataBatch{
			SampleRate:        p.sampleRate,
			SampleCount:       sampleCount,
			BufferLengthBytes: sampleCount * 4,
			TimestampMS:       timestampMS,
			SequenceNumber:    &seq,
			BufferID:          bufID,
		}, timestampMS))
		p.processedBatches++

		id, next, missed := p.pool.acquire()
		if missed {
			p.consecutiveOverflows++
			if p.consecutiveOverflows >= poolMissThreshold {
				p.transport.SendToAnalysis(protocol.NewEnvelope(protocol.ProcessingError{
					Code:        protocol.ErrorBufferOverflow,
					Message:     "buffer pool exhausted; analysis thread returning buffers too slowly",
					TimestampMS: timestampMS,
				}, timestampMS))
			}
		} else {
			p.consecutiveOverflows = 0
		}
		p.current, p.currID = next, id

		poolStats := p.pool.stats()
		telemetry.Get().RecordBufferPool(poolStats.HitRate, poolStats.ExtraAllocs)
	} else {
		// Emission gated off: discard accumulated samples into the same
		// buffer rather than growing the in-flight set with no consumer.
		for i := range buf {
			buf[i] = 0
		}
	}

	p.filled = 0
	p.ticksAge = 0
}

func (p *Processor) emitStatusLocked(timestampMS float64) {
	stats := p.pool.stats()
	p.transport.SendToAnalysis(protocol.NewEnvelope(protocol.StatusUpdate{
		Active:           p.gate,
		SampleRate:       p.sampleRate,
		BufferSize:       p.cfg.BatchSize,
		ProcessedBatches: p.processedBatches,
		BufferPoolStats:  &stats,
	}, timestampMS))
}

// Status returns a snapshot of the current status, independent of the
// pendingStats/GetStatus scheduling path.
func (p *Processor) Status() protocol.StatusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.pool.stats()
	return protocol.StatusUpdate{
		Active:           p.gate,
		SampleRate:       p.sampleRate,
		BufferSize:       p.cfg.BatchSize,
		ProcessedBatches: p.processedBatches,
		BufferPoolStats:  &stats,
	}
}

// BufferData returns the backing sample slice for a buffer_id that is
// currently in flight. In the browser this data rides alongside the
// AudioDataBatch envelope as a transferred ArrayBuffer; in this
// single-process core the envelope carries only metadata and the analysis
// side pulls the actual samples from the pool via this accessor.
func (p *Processor) BufferData(id string) ([]float32, bool) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	buf, ok := p.pool.inFlight[id]
	return buf, ok
}

// Package audiocore is the supervisory layer binding the worklet processor,
// the transport, and the pitch analyzer into a single lifecycle: it owns
// initialization and shutdown ordering, permission state, start/stop/
// suspend/resume forwarding, and failure recovery.
package audiocore

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pitchkit/core/internal/audiocore/analyzer"
	"github.com/pitchkit/core/internal/audiocore/protocol"
	"github.com/pitchkit/core/internal/audiocore/signalgen"
	"github.com/pitchkit/core/internal/audiocore/telemetry"
	"github.com/pitchkit/core/internal/audiocore/transport"
	"github.com/pitchkit/core/internal/audiocore/volume"
	"github.com/pitchkit/core/internal/audiocore/worklet"
	"github.com/pitchkit/core/internal/errors"
	"github.com/pitchkit/core/internal/logging"
)

// PermissionState is the microphone permission state machine.
type PermissionState int

const (
	PermissionNotRequested PermissionState = iota
	PermissionRequesting
	PermissionGranted
	PermissionDenied
	PermissionUnavailable
)

// String implements fmt.Stringer.
func (s PermissionState) String() string {
	switch s {
	case PermissionNotRequested:
		return "not_requested"
	case PermissionRequesting:
		return "requesting"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	case PermissionUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MediaStreamHandle is an opaque microphone-stream handle obtained by an
// external acquirer. The core never requests permission itself; it only
// connects a handle once one is supplied.
type MediaStreamHandle any

// HostContext is the seam an external collaborator implements to provide
// the host's audio context: its reported sample rate and the ability to
// connect a media stream to the worklet node. It stands in for the
// browser's AudioContext in this core.
type HostContext interface {
	SampleRate() float64
	Connect(stream MediaStreamHandle) error
}

// maxSnapshotErrors bounds the aggregation snapshot's error list so
// Snapshot can return a fixed-size array and never allocate.
const maxSnapshotErrors = 8

// defaultMaxReinitAttempts is how many consecutive processing errors the
// context tolerates before attempting a single bounded reinitialization.
const defaultMaxReinitAttempts = 3

// Snapshot is the non-allocating aggregation of audio errors and
// permission state that external collaborators poll once per tick.
type Snapshot struct {
	PermissionState PermissionState
	WorkletState    worklet.State
	AudioErrors     [maxSnapshotErrors]string
	AudioErrorCount int
}

// Config bundles the construction-time configuration for every owned
// component.
type Config struct {
	Batch              worklet.BatchConfig
	Signal             signalgen.Config
	BackgroundNoise    signalgen.BackgroundNoiseConfig
	Analyzer           analyzer.Config
	MaxReinitAttempts  int
	TransportQueueSize int
	HealthMonitor      HealthMonitorConfig
}

// Context is the audio system supervisor.
type Context struct {
	mu sync.Mutex

	cfg   Config
	host  HostContext
	sinks analyzer.Sinks

	tr       *transport.Transport
	proc     *worklet.Processor
	analyzer *analyzer.Analyzer
	health   *healthMonitor

	permission PermissionState

	errorRing  [maxSnapshotErrors]string
	errorNext  int
	errorCount int

	consecutiveErrors int
	reinitAttempts    int
	reinitGroup       singleflight.Group

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	logger *slog.Logger
}

// New constructs a Context against the given host seam and sinks, but does
// not yet initialize any component; call Initialize to bring up the
// pipeline in the required order.
func New(host HostContext, sinks analyzer.Sinks, cfg Config) (*Context, error) {
	if host == nil {
		return nil, errors.Newf("host context must not be nil").
			Component("audiocore").Category(errors.CategoryValidation).Build()
	}
	if cfg.MaxReinitAttempts <= 0 {
		cfg.MaxReinitAttempts = defaultMaxReinitAttempts
	}
	if cfg.HealthMonitor == (HealthMonitorConfig{}) {
		cfg.HealthMonitor = DefaultHealthMonitorConfig()
	}
	return &Context{
		cfg:        cfg,
		host:       host,
		sinks:      sinks,
		permission: PermissionNotRequested,
		logger:     logging.ForService("audiocore").With("component", "context"),
	}, nil
}

// Initialize brings up the pipeline in the order the audio system requires:
// read the host's sample rate, construct the worklet processor and bring
// it to Ready, construct the pitch analyzer against the actual sample
// rate, then start the analysis-thread goroutine that drains worklet
// envelopes for the remainder of the context's life.
func (c *Context) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sampleRate := c.host.SampleRate()

	c.tr = transport.New(c.cfg.TransportQueueSize)

	proc, err := worklet.New(sampleRate, c.cfg.Batch, c.cfg.Signal, c.cfg.BackgroundNoise, c.tr)
	if err != nil {
		return err
	}
	if err := proc.Initialize(); err != nil {
		return err
	}
	c.proc = proc

	c.health = newHealthMonitor(c.cfg.HealthMonitor)
	userVolumeSink := c.sinks.Volume
	sinks := c.sinks
	sinks.Volume = func(v volume.Analysis) {
		c.health.observe(v)
		if userVolumeSink != nil {
			userVolumeSink(v)
		}
	}

	analyzerCfg := c.cfg.Analyzer
	analyzerCfg.SampleRate = sampleRate
	a, err := analyzer.New(analyzerCfg, sinks)
	if err != nil {
		return err
	}
	c.analyzer = a

	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.wg.Add(3)
	go c.analysisLoop()
	go c.controlLoop()
	go func() {
		defer c.wg.Done()
		c.health.run(c.runCtx, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.proc != nil && c.proc.State() == worklet.Processing
		})
	}()

	c.logger.Info("audio system context initialized", "sample_rate", sampleRate)
	return nil
}

// Shutdown tears the pipeline down in the reverse of initialization order:
// stop the analysis loop, release the analyzer, release the worklet
// processor, then the host context.
func (c *Context) Shutdown() {
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyzer = nil
	c.proc = nil
	c.tr = nil
	c.health = nil
	c.logger.Info("audio system context shut down")
}

// HealthSilenceExceededCount returns how many sustained-silence episodes
// the health monitor has observed while Processing. Zero if the monitor is
// disabled or the context has not been initialized.
func (c *Context) HealthSilenceExceededCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == nil {
		return 0
	}
	return c.health.SilenceDurationExceededCount()
}

// RequestPermission moves the permission state machine from NotRequested
// to Requesting, then to Granted (connecting the stream to the worklet)
// or Denied/Unavailable on failure.
func (c *Context) RequestPermission(stream MediaStreamHandle) error {
	c.mu.Lock()
	prev := c.permission
	c.permission = PermissionRequesting
	c.mu.Unlock()
	telemetry.Get().RecordPermissionTransition(prev.String(), PermissionRequesting.String())

	err := c.host.Connect(stream)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.permission = classifyConnectFailure(err)
		c.recordErrorLocked(err.Error())
		telemetry.Get().RecordPermissionTransition(PermissionRequesting.String(), c.permission.String())
		return err
	}
	c.permission = PermissionGranted
	telemetry.Get().RecordPermissionTransition(PermissionRequesting.String(), c.permission.String())
	return nil
}

// classifyConnectFailure distinguishes a permission denial (the user said
// no) from a device-unavailable condition (no microphone present), using
// the category the host's error was built with.
func classifyConnectFailure(err error) PermissionState {
	if catErr, ok := err.(interface{ GetCategory() string }); ok {
		if catErr.GetCategory() == string(errors.CategoryPermission) {
			return PermissionDenied
		}
	}
	return PermissionUnavailable
}

// Permission returns the current permission state.
func (c *Context) Permission() PermissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// Start forwards a StartProcessing control envelope to the worklet over
// the transport; local state is reconciled when the ProcessingStarted
// acknowledgment arrives on the analysis loop.
func (c *Context) Start() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.SendToWorklet(protocol.NewEnvelope(protocol.StartProcessing{}, 0))
	}
}

// Stop forwards a StopProcessing control envelope.
func (c *Context) Stop() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.SendToWorklet(protocol.NewEnvelope(protocol.StopProcessing{}, 0))
	}
}

// Suspend pauses processing. The core models suspend/resume as aliases of
// stop/start at the transport level; pausing the host's own audio
// rendering (e.g. an actual AudioContext.suspend()) is the external
// acquirer's responsibility once Stopped is acknowledged.
func (c *Context) Suspend() {
	c.Stop()
}

// Resume resumes processing after a Suspend.
func (c *Context) Resume() {
	c.Start()
}

// UpdateSignalGenerator forwards a test-signal configuration update.
func (c *Context) UpdateSignalGenerator(cfg protocol.TestSignalConfig) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.SendToWorklet(protocol.NewEnvelope(protocol.UpdateTestSignalConfig{Config: cfg}, 0))
	}
}

// UpdateBackgroundNoise forwards a background-noise configuration update.
func (c *Context) UpdateBackgroundNoise(cfg protocol.BackgroundNoiseConfig) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.SendToWorklet(protocol.NewEnvelope(protocol.UpdateBackgroundNoiseConfig{Config: cfg}, 0))
	}
}

// UpdateBatch forwards a batching configuration update.
func (c *Context) UpdateBatch(batchSize, maxQueueSize int, timeoutMS uint32, enableCompression bool) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.SendToWorklet(protocol.NewEnvelope(protocol.UpdateBatchConfig{
			BatchSize:         batchSize,
			MaxQueueSize:      maxQueueSize,
			TimeoutMS:         timeoutMS,
			EnableCompression: enableCompression,
		}, 0))
	}
}

// ReconfigurePitch validates and applies a new analyzer configuration, as
// described in the pitch detector's own reconfiguration semantics.
func (c *Context) ReconfigurePitch(cfg analyzer.Config) error {
	c.mu.Lock()
	a := c.analyzer
	c.mu.Unlock()
	if a == nil {
		return errors.Newf("audio system context is not initialized").
			Component("audiocore").Category(errors.CategoryLifecycle).Build()
	}
	return a.UpdateConfig(cfg)
}

// Snapshot returns the aggregated, non-allocating view of audio errors and
// permission state for this tick.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		PermissionState: c.permission,
		AudioErrors:     c.errorRing,
		AudioErrorCount: c.errorCount,
	}
	if c.proc != nil {
		snap.WorkletState = c.proc.State()
	}
	return snap
}

// recordErrorLocked appends a message to the bounded error ring. Must be
// called with mu held.
func (c *Context) recordErrorLocked(msg string) {
	c.errorRing[c.errorNext] = msg
	c.errorNext = (c.errorNext + 1) % maxSnapshotErrors
	if c.errorCount < maxSnapshotErrors {
		c.errorCount++
	}
}

// analysisLoop is the analysis thread: it suspends between ticks waiting
// for inbound envelopes and runs each to completion without yielding.
func (c *Context) analysisLoop() {
	defer c.wg.Done()
	for {
		select {
		case env := <-c.tr.RecvFromWorklet():
			c.handleWorkletEnvelope(env)
		case <-c.runCtx.Done():
			return
		}
	}
}

// controlLoop applies inbound control envelopes to the worklet processor as
// they arrive. In the browser this application happens inline on the audio
// thread's own per-tick poll; since this core has no dedicated audio-thread
// goroutine of its own to drive that poll, the context runs it here so
// Start/Stop/UpdateX take effect without requiring an external host callback
// to be continuously ticking. HandleControl is safe to call concurrently
// with ProcessChunk: every case it dispatches to takes the processor's own
// lock.
func (c *Context) controlLoop() {
	defer c.wg.Done()
	for {
		select {
		case env := <-c.tr.RecvFromAnalysis():
			c.mu.Lock()
			proc := c.proc
			c.mu.Unlock()
			if proc != nil {
				proc.HandleControl(env)
			}
		case <-c.runCtx.Done():
			return
		}
	}
}

func (c *Context) handleWorkletEnvelope(env protocol.Envelope) {
	switch payload := env.Payload.(type) {
	case protocol.ProcessorReady:
		// Worklet state is read directly from the processor; nothing to
		// reconcile here beyond logging readiness.
		c.logger.Debug("worklet ready", "batch_size", payload.BatchSize)

	case protocol.ProcessingStarted:
		c.mu.Lock()
		c.consecutiveErrors = 0
		c.mu.Unlock()

	case protocol.ProcessingStopped:
		// No additional local state beyond the processor's own.

	case protocol.ProcessingError:
		c.handleProcessingError(payload)

	case protocol.StatusUpdate:
		// Status is available on demand via the processor; no local state
		// to reconcile beyond refreshing the slower-cadence telemetry that
		// rides on the same status boundary.
		c.sampleTransportAndHostTelemetry()

	case protocol.AudioDataBatch:
		c.handleAudioDataBatch(payload)
	}
}

// sampleTransportAndHostTelemetry refreshes the queue-depth/dropped-count
// gauges and the host CPU/memory gauges. These change slowly relative to
// block processing, so they piggyback on the StatusUpdate cadence rather
// than being sampled on every tick.
func (c *Context) sampleTransportAndHostTelemetry() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return
	}

	stats := tr.Stats()
	col := telemetry.Get()
	col.RecordTransportQueueDepth("to_analysis", stats.QueueDepthToAnalysis)
	col.RecordTransportQueueDepth("to_worklet", stats.QueueDepthToWorklet)
	col.RecordTransportDropped("to_analysis", stats.DroppedToAnalysis)
	col.RecordTransportDropped("to_worklet", stats.DroppedToWorklet)
	col.SampleHostResources()
}

func (c *Context) handleAudioDataBatch(batch protocol.AudioDataBatch) {
	c.mu.Lock()
	proc := c.proc
	a := c.analyzer
	tr := c.tr
	c.mu.Unlock()
	if proc == nil || a == nil {
		return
	}

	buf, ok := proc.BufferData(batch.BufferID)
	if !ok || batch.SampleCount > len(buf) {
		c.logger.Warn("dropping audio data batch with unknown or oversized buffer",
			"buffer_id", batch.BufferID, "sample_count", batch.SampleCount)
		return
	}
	a.IngestBatch(batch, buf[:batch.SampleCount], tr)
}

// handleProcessingError logs and continues for BufferOverflow, per the
// spec's failure recovery policy; it escalates to a bounded
// reinitialization attempt after MaxReinitAttempts consecutive errors.
func (c *Context) handleProcessingError(payload protocol.ProcessingError) {
	c.mu.Lock()
	c.recordErrorLocked(payload.Message)
	c.consecutiveErrors++
	consecutive := c.consecutiveErrors
	max := c.cfg.MaxReinitAttempts
	c.mu.Unlock()

	c.logger.Warn("worklet reported processing error", "code", payload.Code, "message", payload.Message)

	if payload.Code == protocol.ErrorBufferOverflow {
		return
	}

	if consecutive >= max {
		telemetry.Get().RecordLifecycleTransition(worklet.Processing.String(), worklet.Failed.String())
		c.attemptReinitialization()
	}
}

// attemptReinitialization tears down and recreates the worklet processor,
// preserving configuration. Repeated failures beyond MaxReinitAttempts
// leave the context in place for an external restart rather than looping
// forever. Concurrent callers (e.g. a burst of ProcessingError envelopes
// handled back to back) collapse onto a single in-flight attempt via
// singleflight rather than racing to reconstruct the processor twice.
func (c *Context) attemptReinitialization() {
	_, _, _ = c.reinitGroup.Do("reinit", func() (any, error) {
		c.doReinitialization()
		return nil, nil
	})
}

func (c *Context) doReinitialization() {
	c.mu.Lock()
	if c.reinitAttempts >= c.cfg.MaxReinitAttempts {
		c.mu.Unlock()
		c.logger.Error("exceeded reinitialization attempts; external restart required")
		return
	}
	c.reinitAttempts++
	attempt := c.reinitAttempts
	sampleRate := c.host.SampleRate()
	cfg := c.cfg
	c.mu.Unlock()

	c.logger.Warn("attempting bounded reinitialization", "attempt", attempt, "max", cfg.MaxReinitAttempts)

	proc, err := worklet.New(sampleRate, cfg.Batch, cfg.Signal, cfg.BackgroundNoise, c.tr)
	if err != nil {
		c.logger.Error("reinitialization failed to construct worklet processor", "error", err)
		return
	}
	if err := proc.Initialize(); err != nil {
		c.logger.Error("reinitialization failed to initialize worklet processor", "error", err)
		return
	}

	c.mu.Lock()
	c.proc = proc
	c.consecutiveErrors = 0
	c.mu.Unlock()
}

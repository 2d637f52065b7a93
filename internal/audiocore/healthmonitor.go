package audiocore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitchkit/core/internal/audiocore/volume"
	"github.com/pitchkit/core/internal/logging"
)

// HealthMonitorConfig configures the silence watchdog.
type HealthMonitorConfig struct {
	// SilenceTimeout is how long the volume sink may report volume.Silent
	// while the worklet is Processing before the monitor warns. Zero
	// disables the monitor.
	SilenceTimeout time.Duration
	// CheckInterval is the watchdog's polling cadence.
	CheckInterval time.Duration
}

// DefaultHealthMonitorConfig returns a 10s silence timeout polled every
// second, matching the teacher's health-monitor defaults scaled down from
// a multi-minute source-level timeout to this engine's tighter block
// cadence.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		SilenceTimeout: 10 * time.Second,
		CheckInterval:  time.Second,
	}
}

// healthMonitor watches the volume sink's recent classification for the
// one audio pipeline this context owns. Unlike the teacher's
// multi-source AudioHealthMonitor, there is exactly one stream here, so
// the monitor tracks a single rolling state rather than a source map. It
// is purely observational: it logs and counts, it never stops processing
// itself.
type healthMonitor struct {
	cfg HealthMonitorConfig

	mu            sync.Mutex
	lastNonSilent time.Time
	silenceWarned bool

	silenceExceededCount atomic.Uint64

	logger *slog.Logger
}

func newHealthMonitor(cfg HealthMonitorConfig) *healthMonitor {
	return &healthMonitor{
		cfg:           cfg,
		lastNonSilent: time.Time{},
		logger:        logging.ForService("audiocore").With("component", "health_monitor"),
	}
}

// observe records one volume analysis result. Called from the volume sink
// on every block.
func (h *healthMonitor) observe(a volume.Analysis) {
	if h.cfg.SilenceTimeout <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if a.Level != volume.Silent {
		h.lastNonSilent = time.Now()
		h.silenceWarned = false
		return
	}
	if h.lastNonSilent.IsZero() {
		h.lastNonSilent = time.Now()
	}
}

// SilenceDurationExceededCount returns how many times sustained silence
// past SilenceTimeout has been newly detected.
func (h *healthMonitor) SilenceDurationExceededCount() uint64 {
	return h.silenceExceededCount.Load()
}

// run polls at CheckInterval until ctx is cancelled, warning once per
// silence episode once SilenceTimeout has elapsed since the last non-silent
// block.
func (h *healthMonitor) run(ctx context.Context, isProcessing func() bool) {
	if h.cfg.SilenceTimeout <= 0 || h.cfg.CheckInterval <= 0 {
		return
	}

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.check(isProcessing)
		case <-ctx.Done():
			return
		}
	}
}

func (h *healthMonitor) check(isProcessing func() bool) {
	if !isProcessing() {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lastNonSilent.IsZero() || h.silenceWarned {
		return
	}
	if time.Since(h.lastNonSilent) <= h.cfg.SilenceTimeout {
		return
	}

	h.silenceWarned = true
	h.silenceExceededCount.Add(1)
	h.logger.Warn("sustained silence detected while processing",
		"silence_timeout", h.cfg.SilenceTimeout)
}

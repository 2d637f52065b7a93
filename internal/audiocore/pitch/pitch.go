// Package pitch implements a YIN-style time-domain fundamental frequency
// estimator: difference function, cumulative mean normalized difference,
// absolute threshold search with parabolic interpolation, and an energy
// gate ahead of the main algorithm.
package pitch

import (
	"math"
	"sync"

	"github.com/klauspost/cpuid/v2"

	"github.com/pitchkit/core/internal/errors"
	"github.com/pitchkit/core/internal/logging"
)

// logSIMDFeatures reports AVX2/NEON availability once per process, purely
// informational: the detector's hot loops are plain Go and never branch on
// it, but it's a useful data point against the sub-50ms latency budget.
var logSIMDFeaturesOnce sync.Once

func logSIMDFeatures() {
	logSIMDFeaturesOnce.Do(func() {
		logging.ForService("audiocore").With("component", "pitch_detector").Info(
			"cpu feature check",
			"avx2", cpuid.CPU.Supports(cpuid.AVX2),
			"neon", cpuid.CPU.Supports(cpuid.ASIMD),
		)
	})
}

// TuningSystem is the tuning configuration NearestNote maps frequencies
// against. This is a cheap, self-contained supplement (musical-note naming is
// not excluded by any Non-goal) — the heavier musical-interpretation layer
// (scales, intervals) remains an external collaborator.
type TuningSystem struct {
	// ReferencePitch is the frequency, in Hz, of A4. NearestNote uses it as
	// the equal-temperament reference; a non-positive value means 440Hz.
	ReferencePitch float64
	// FrequencyRatios holds custom tuning ratios relative to the tonic. It
	// is carried with the configuration only: NearestNote does not read it
	// and always maps to 12-TET.
	FrequencyRatios []float64
}

// DefaultTuningSystem is equal temperament at A4 = 440Hz.
func DefaultTuningSystem() TuningSystem {
	return TuningSystem{ReferencePitch: 440}
}

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Note is the nearest musical note to a detected frequency.
type Note struct {
	Name      string
	Octave    int
	Cents     float64
	Frequency float64
}

// NearestNote maps frequency to the nearest equal-tempered note relative to
// the tuning system's reference pitch, with the signed cents deviation.
func NearestNote(frequency float64, tuning TuningSystem) Note {
	ref := tuning.ReferencePitch
	if ref <= 0 {
		ref = 440
	}

	semitoneFromA4 := 12 * math.Log2(frequency/ref)
	nearest := math.Round(semitoneFromA4)
	cents := (semitoneFromA4 - nearest) * 100

	// MIDI note number of A4 is 69; semitoneFromA4=0 maps to A4.
	midi := 69 + int(nearest)
	name := noteNames[((midi%12)+12)%12]
	octave := midi/12 - 1

	return Note{Name: name, Octave: octave, Cents: cents, Frequency: frequency}
}

// Config is the detector's validated, immutable-until-reconfigured
// parameter set.
type Config struct {
	SampleWindowSize int
	Threshold        float64 // absolute threshold T, default 0.15
	MinFrequency     float64
	MaxFrequency     float64
	SampleRate       float64
	Tuning           TuningSystem

	// EnergyGateThreshold is the minimum mean-square block energy required
	// to run the main algorithm; below it the block is reported as no-pitch.
	EnergyGateThreshold float64
	// ConfidenceFloor suppresses detections whose confidence falls below it.
	ConfidenceFloor float64
	// EnableEarlyExit short-circuits the threshold search once a candidate's
	// clarity reaches EarlyExitClarity. Disabled by default: the analyzer is
	// tuned for accuracy, not latency, unless a caller opts in.
	EnableEarlyExit  bool
	EarlyExitClarity float64
}

// DefaultConfig returns production-tuned parameters for the given sample
// rate: window 1024, threshold 0.15, 80Hz-2kHz vocal/instrumental range,
// confidence floor 0.5 — the same values the original detector shipped with.
func DefaultConfig(sampleRate float64) Config {
	return Config{
		SampleWindowSize:    1024,
		Threshold:           0.15,
		MinFrequency:        80,
		MaxFrequency:        2000,
		SampleRate:          sampleRate,
		Tuning:              DefaultTuningSystem(),
		EnergyGateThreshold: 1e-6,
		ConfidenceFloor:     0.5,
		EarlyExitClarity:    0.95,
	}
}

func (c Config) validate() error {
	if c.SampleWindowSize <= 0 || c.SampleWindowSize%128 != 0 {
		return errors.Newf("sample window size must be a positive multiple of 128, got %d", c.SampleWindowSize).
			Component("pitch").
			Category(errors.CategoryPitchDetection).
			Build()
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return errors.Newf("threshold must be between 0.0 and 1.0, got %f", c.Threshold).
			Component("pitch").
			Category(errors.CategoryPitchDetection).
			Build()
	}
	if c.SampleRate <= 0 {
		return errors.Newf("sample rate must be positive, got %f", c.SampleRate).
			Component("pitch").
			Category(errors.CategoryPitchDetection).
			Build()
	}
	if c.MinFrequency <= 0 {
		return errors.Newf("minimum frequency must be positive, got %f", c.MinFrequency).
			Component("pitch").
			Category(errors.CategoryPitchDetection).
			Build()
	}
	if c.MaxFrequency <= c.MinFrequency {
		return errors.Newf("maximum frequency (%f) must be greater than minimum frequency (%f)", c.MaxFrequency, c.MinFrequency).
			Component("pitch").
			Category(errors.CategoryPitchDetection).
			Build()
	}
	nyquist := c.SampleRate / 2
	if c.MaxFrequency > nyquist {
		return errors.Newf("maximum frequency (%f) must not exceed Nyquist (%f)", c.MaxFrequency, nyquist).
			Component("pitch").
			Category(errors.CategoryPitchDetection).
			Build()
	}
	return nil
}

// clampFrequencyRange silently clamps min/max frequency into the
// representable range [Fs/N, Fs/2], per §4.8's edge-case policy. A
// non-positive minimum is left as is so validate rejects it.
func (c *Config) clampFrequencyRange() {
	low := c.SampleRate / float64(c.SampleWindowSize)
	high := c.SampleRate / 2
	if c.MinFrequency > 0 && c.MinFrequency < low {
		c.MinFrequency = low
	}
	if c.MaxFrequency > high {
		c.MaxFrequency = high
	}
}

// Result is a detected pitch, or absent when the energy gate fails or the
// YIN minimum never drops below threshold.
type Result struct {
	FrequencyHz     float64
	Confidence      float64
	Clarity         float64
	YinTroughDepth  float64
	TimestampMS     float64
}

// Detector runs the YIN pipeline over successive blocks, using
// pre-allocated scratch so Analyze never allocates.
type Detector struct {
	cfg Config

	diff []float64 // d(tau), size SampleWindowSize/2+1
	cmnd []float64 // d'(tau), same size
}

// New constructs a Detector, validating cfg.
func New(cfg Config) (*Detector, error) {
	logSIMDFeatures()
	cfg.clampFrequencyRange()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:  cfg,
		diff: make([]float64, cfg.SampleWindowSize/2+1),
		cmnd: make([]float64, cfg.SampleWindowSize/2+1),
	}, nil
}

// Config returns the detector's current configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// UpdateConfig revalidates newCfg and, only if the window size actually
// changes, reallocates scratch buffers; on validation failure the prior
// configuration and scratch buffers are left untouched.
func (d *Detector) UpdateConfig(newCfg Config) error {
	newCfg.clampFrequencyRange()
	if err := newCfg.validate(); err != nil {
		return err
	}
	if newCfg.SampleWindowSize != d.cfg.SampleWindowSize {
		d.diff = make([]float64, newCfg.SampleWindowSize/2+1)
		d.cmnd = make([]float64, newCfg.SampleWindowSize/2+1)
	}
	d.cfg = newCfg
	return nil
}

// tauRange returns [tauMin, tauMax] for the configured frequency range.
func (d *Detector) tauRange() (tauMin, tauMax int) {
	tauMin = int(math.Ceil(d.cfg.SampleRate / d.cfg.MaxFrequency))
	tauMax = int(math.Floor(d.cfg.SampleRate / d.cfg.MinFrequency))
	if tauMin < 1 {
		tauMin = 1
	}
	maxTau := len(d.diff) - 1
	if tauMax > maxTau {
		tauMax = maxTau
	}
	return tauMin, tauMax
}

// Analyze runs the energy gate then the YIN pipeline over samples, which
// must have exactly cfg.SampleWindowSize elements.
func (d *Detector) Analyze(samples []float32, timestampMS float64) (Result, bool, error) {
	if len(samples) != d.cfg.SampleWindowSize {
		return Result{}, false, errors.Newf("expected %d samples, got %d", d.cfg.SampleWindowSize, len(samples)).
			Component("pitch").
			Category(errors.CategoryPitchDetection).
			Build()
	}

	if blockEnergy(samples) < d.cfg.EnergyGateThreshold {
		return Result{}, false, nil
	}

	tauMin, tauMax := d.tauRange()
	w := len(samples) - tauMax
	if w <= 1 {
		return Result{}, false, nil
	}

	d.differenceFunction(samples, tauMax, w)
	d.cumulativeMeanNormalizedDifference(tauMax)

	tau, found := d.searchThreshold(tauMin, tauMax)
	if !found {
		return Result{}, false, nil
	}

	tauRefined, troughDepth := d.parabolicInterpolate(tau, tauMax)

	frequency := d.cfg.SampleRate / tauRefined
	if frequency < d.cfg.MinFrequency || frequency > d.cfg.MaxFrequency {
		return Result{}, false, nil
	}

	clarity := clamp01(1 - troughDepth)
	confidence := clarity
	if confidence < d.cfg.ConfidenceFloor {
		return Result{}, false, nil
	}

	return Result{
		FrequencyHz:    frequency,
		Confidence:     confidence,
		Clarity:        clarity,
		YinTroughDepth: troughDepth,
		TimestampMS:    timestampMS,
	}, true, nil
}

func blockEnergy(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	if len(samples) == 0 {
		return 0
	}
	return sum / float64(len(samples))
}

// differenceFunction computes d(tau) for tau in [0, tauMax] using a fixed
// summation window of length w, consistent across all candidate lags.
func (d *Detector) differenceFunction(samples []float32, tauMax, w int) {
	d.diff[0] = 0
	for tau := 1; tau <= tauMax; tau++ {
		var sum float64
		for i := 0; i < w; i++ {
			delta := float64(samples[i]) - float64(samples[i+tau])
			sum += delta * delta
		}
		d.diff[tau] = sum
	}
}

// cumulativeMeanNormalizedDifference computes d'(tau) in place into cmnd.
func (d *Detector) cumulativeMeanNormalizedDifference(tauMax int) {
	d.cmnd[0] = 1
	runningSum := 0.0
	for tau := 1; tau <= tauMax; tau++ {
		runningSum += d.diff[tau]
		if runningSum == 0 {
			d.cmnd[tau] = 1
			continue
		}
		d.cmnd[tau] = d.diff[tau] * float64(tau) / runningSum
	}
}

// searchThreshold finds the tau in [tauMin, tauMax] to report. For each
// contiguous run of tau values below the configured threshold, it settles
// on that run's local minimum (ties within floating-point epsilon prefer
// the smaller tau, i.e. the higher frequency). By default it scans every
// such run across the whole range and keeps the deepest minimum found,
// since accuracy is preferred over latency; with EnableEarlyExit, it
// instead returns as soon as a run's local minimum already has clarity at
// or above EarlyExitClarity, without scanning the remaining range. If no
// tau ever drops below threshold, it falls back to the global minimum over
// the search range, per the classical YIN algorithm's no-threshold-hit
// behavior.
func (d *Detector) searchThreshold(tauMin, tauMax int) (int, bool) {
	const epsilon = 1e-9

	haveCandidate := false
	overall := tauMin

	tau := tauMin
	for tau <= tauMax {
		if d.cmnd[tau] >= d.cfg.Threshold {
			tau++
			continue
		}

		runBest := tau
		for tau+1 <= tauMax && d.cmnd[tau+1] < d.cfg.Threshold && d.cmnd[tau+1] <= d.cmnd[runBest]+epsilon {
			tau++
			if d.cmnd[tau] < d.cmnd[runBest]-epsilon {
				runBest = tau
			}
		}

		if !haveCandidate || d.cmnd[runBest] < d.cmnd[overall]-epsilon {
			overall = runBest
			haveCandidate = true
		}

		if d.cfg.EnableEarlyExit && clamp01(1-d.cmnd[runBest]) >= d.cfg.EarlyExitClarity {
			return runBest, true
		}

		tau++
	}

	if haveCandidate {
		return overall, true
	}

	// No dip crossed the threshold: fall back to the global minimum.
	best := tauMin
	for t := tauMin + 1; t <= tauMax; t++ {
		if d.cmnd[t] < d.cmnd[best]-epsilon {
			best = t
		}
	}
	if d.cmnd[best] >= 1 {
		return 0, false
	}
	return best, true
}

// parabolicInterpolate refines tau to sub-sample precision using its
// immediate neighbors, falling back to the integer tau at the array edges.
func (d *Detector) parabolicInterpolate(tau, tauMax int) (refinedTau, troughDepth float64) {
	if tau <= 0 || tau >= tauMax {
		return float64(tau), d.cmnd[tau]
	}

	y0, y1, y2 := d.cmnd[tau-1], d.cmnd[tau], d.cmnd[tau+1]
	denom := y0 - 2*y1 + y2
	if denom == 0 {
		return float64(tau), y1
	}

	shift := 0.5 * (y0 - y2) / denom
	refinedTau = float64(tau) + shift
	troughDepth = y1 - 0.25*(y0-y2)*shift
	return refinedTau, troughDepth
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

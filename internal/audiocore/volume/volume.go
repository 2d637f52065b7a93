// Package volume computes RMS/peak loudness in dB and a volume-weighted
// confidence multiplier consumed by the pitch analyzer.
package volume

import (
	"math"

	"github.com/pitchkit/core/internal/errors"
)

// Level categorizes the current peak loudness.
type Level int

const (
	Silent Level = iota
	Quiet
	Moderate
	Loud
	Clipping
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Silent:
		return "silent"
	case Quiet:
		return "quiet"
	case Moderate:
		return "moderate"
	case Loud:
		return "loud"
	case Clipping:
		return "clipping"
	default:
		return "unknown"
	}
}

// Config holds the thresholds and time constants for the detector. All dB
// values are relative to full scale (0 dBFS = amplitude 1.0).
type Config struct {
	SampleRate float64

	SilenceFloorDB   float64 // below this, level is Silent and confidence is 0
	QuietCeilingDB   float64 // top of the Quiet band
	ModerateCeilingDB float64 // top of the Moderate band; confidence reaches 1 here
	LoudCeilingDB    float64 // top of the Loud band; Clipping above this

	FastTimeConstantMS float64 // ~10ms
	SlowTimeConstantMS float64 // ~300ms
}

// DefaultConfig returns the production-tuned thresholds used when a host
// does not supply its own.
func DefaultConfig(sampleRate float64) Config {
	return Config{
		SampleRate:        sampleRate,
		SilenceFloorDB:    -60,
		QuietCeilingDB:    -40,
		ModerateCeilingDB: -20,
		LoudCeilingDB:     -6,
		FastTimeConstantMS: 10,
		SlowTimeConstantMS: 300,
	}
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return errors.Newf("sample rate must be positive, got %f", c.SampleRate).
			Component("volume").
			Category(errors.CategoryValidation).
			Build()
	}
	if c.SilenceFloorDB >= c.QuietCeilingDB || c.QuietCeilingDB >= c.ModerateCeilingDB || c.ModerateCeilingDB >= c.LoudCeilingDB {
		return errors.Newf("volume thresholds must be strictly increasing: silence < quiet < moderate < loud").
			Component("volume").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// Analysis is the per-block volume measurement published to the volume sink.
type Analysis struct {
	RMSDB            float64
	PeakDB           float64
	PeakFastDB       float64
	PeakSlowDB       float64
	Level            Level
	ConfidenceWeight float64
	TimestampMS      float64
}

// Detector computes Analysis records for successive blocks, carrying the
// fast/slow peak envelopes between calls.
type Detector struct {
	cfg Config

	peakFastLinear float64
	peakSlowLinear float64
}

// New constructs a Detector. cfg.SampleRate must be positive and the
// threshold bands must be strictly increasing.
func New(cfg Config) (*Detector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

const minLinear = 1e-10 // floor to avoid log10(0)

func linearToDB(amplitude float64) float64 {
	if amplitude < minLinear {
		amplitude = minLinear
	}
	return 20 * math.Log10(amplitude)
}

// Analyze computes RMS and peak statistics for block and advances the
// fast/slow peak envelopes by one block period. It never returns an error:
// arithmetic is saturating and NaN-guarded per the component's failure
// semantics.
func (d *Detector) Analyze(block []float32, timestampMS float64) Analysis {
	var sumSquares float64
	var peakLinear float64

	for _, s := range block {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		sumSquares += f * f
		if abs := math.Abs(f); abs > peakLinear {
			peakLinear = abs
		}
	}

	rms := 0.0
	if len(block) > 0 {
		rms = math.Sqrt(sumSquares / float64(len(block)))
	}

	blockDurationMS := 1000 * float64(len(block)) / d.cfg.SampleRate
	d.peakFastLinear = decay(d.peakFastLinear, peakLinear, blockDurationMS, d.cfg.FastTimeConstantMS)
	d.peakSlowLinear = decay(d.peakSlowLinear, peakLinear, blockDurationMS, d.cfg.SlowTimeConstantMS)

	peakDB := linearToDB(peakLinear)
	rmsDB := linearToDB(rms)
	if rmsDB > peakDB {
		// Guard the invariant peak_db >= rms_db under pathological rounding.
		rmsDB = peakDB
	}

	level := d.classify(peakDB)
	confidence := d.confidenceWeight(peakDB)

	return Analysis{
		RMSDB:            rmsDB,
		PeakDB:           peakDB,
		PeakFastDB:       linearToDB(d.peakFastLinear),
		PeakSlowDB:       linearToDB(d.peakSlowLinear),
		Level:            level,
		ConfidenceWeight: confidence,
		TimestampMS:      timestampMS,
	}
}

// decay applies a one-pole exponential envelope: the envelope jumps up
// instantly to a louder instantaneous peak, and decays exponentially toward
// it otherwise, with a time constant tauMS.
func decay(envelope, instant, blockDurationMS, tauMS float64) float64 {
	if instant >= envelope {
		return instant
	}
	alpha := math.Exp(-blockDurationMS / tauMS)
	return envelope*alpha + instant*(1-alpha)
}

func (d *Detector) classify(peakDB float64) Level {
	switch {
	case peakDB < d.cfg.SilenceFloorDB:
		return Silent
	case peakDB < d.cfg.QuietCeilingDB:
		return Quiet
	case peakDB < d.cfg.ModerateCeilingDB:
		return Moderate
	case peakDB < d.cfg.LoudCeilingDB:
		return Loud
	default:
		return Clipping
	}
}

// confidenceWeight is 0 at/below the silence floor, rises monotonically
// (smoothly, via a raised-cosine ramp) to 1 by the top of the moderate band,
// and holds at 1 through Loud and Clipping.
func (d *Detector) confidenceWeight(peakDB float64) float64 {
	if peakDB <= d.cfg.SilenceFloorDB {
		return 0
	}
	if peakDB >= d.cfg.ModerateCeilingDB {
		return 1
	}
	span := d.cfg.ModerateCeilingDB - d.cfg.SilenceFloorDB
	x := (peakDB - d.cfg.SilenceFloorDB) / span
	return 0.5 - 0.5*math.Cos(math.Pi*x)
}

// Package signalgen implements the audio-thread test-signal oscillator:
// sine/square/saw/triangle/noise waveforms plus an optional background
// noise floor, with phase state preserved across chunks and zero
// allocation in steady state.
package signalgen

import (
	"math"

	"github.com/pitchkit/core/internal/errors"
)

// Waveform selects the oscillator shape.
type Waveform int

const (
	Sine Waveform = iota
	Square
	Sawtooth
	Triangle
	WhiteNoise
	PinkNoise
)

// NoiseType selects the background noise floor's spectral shape.
type NoiseType int

const (
	NoiseWhite NoiseType = iota
	NoisePink
)

// Config describes the oscillator's configurable state.
type Config struct {
	Enabled     bool
	FrequencyHz float64 // must be in [1, SampleRate/2)
	Amplitude   float64 // linear, [0, 1]
	Waveform    Waveform
	SampleRate  float64
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return errors.Newf("sample rate must be positive, got %f", c.SampleRate).
			Component("signalgen").
			Category(errors.CategoryValidation).
			Build()
	}
	if c.FrequencyHz < 1 || c.FrequencyHz >= c.SampleRate/2 {
		return errors.Newf("frequency must be in [1, %f), got %f", c.SampleRate/2, c.FrequencyHz).
			Component("signalgen").
			Category(errors.CategoryValidation).
			Build()
	}
	if c.Amplitude < 0 || c.Amplitude > 1 {
		return errors.Newf("amplitude must be in [0, 1], got %f", c.Amplitude).
			Component("signalgen").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// BackgroundNoiseConfig describes the always-mixed-in noise floor.
type BackgroundNoiseConfig struct {
	Enabled bool
	Level   float64 // linear, [0, 1]
	Type    NoiseType
}

func (c BackgroundNoiseConfig) validate() error {
	if c.Level < 0 || c.Level > 1 {
		return errors.Newf("background noise level must be in [0, 1], got %f", c.Level).
			Component("signalgen").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// rngState is a small xorshift64* PRNG: the audio thread must never
// allocate or take the global math/rand mutex, so each Generator carries
// its own lock-free state instead.
type rngState uint64

func (r *rngState) next() uint64 {
	x := uint64(*r)
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	*r = rngState(x)
	return x
}

// uniform returns a float64 in [-1, 1).
func (r *rngState) uniform() float64 {
	return float64(r.next()>>11)/(1<<53)*2 - 1
}

// pinkState holds Paul Kellet's refined 3-stage pink noise filter state.
type pinkState struct {
	b0, b1, b2 float64
}

func (p *pinkState) next(white float64) float64 {
	p.b0 = 0.99765*p.b0 + white*0.0990460
	p.b1 = 0.96300*p.b1 + white*0.2965164
	p.b2 = 0.57000*p.b2 + white*1.0526913
	out := p.b0 + p.b1 + p.b2 + white*0.1848
	return out * 0.2 // empirical scale to keep output near unit amplitude
}

// Generator produces 128-sample chunks of the configured waveform, with an
// optional background noise floor always summed in when enabled.
type Generator struct {
	cfg       Config
	noiseCfg  BackgroundNoiseConfig
	phase     float64 // radians, wrapped to [0, 2π)
	rng       rngState
	noiseRNG  rngState
	pink      pinkState
	noisePink pinkState
}

// New constructs a Generator with the given configuration and a caller
// supplied seed for its internal PRNGs (deterministic for testing; any
// nonzero seed works for production use).
func New(cfg Config, noiseCfg BackgroundNoiseConfig, seed uint64) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := noiseCfg.validate(); err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &Generator{
		cfg:      cfg,
		noiseCfg: noiseCfg,
		rng:      rngState(seed),
		noiseRNG: rngState(seed ^ 0xff51afd7ed558ccd),
	}, nil
}

// UpdateConfig replaces the oscillator configuration after validation,
// preserving phase continuity.
func (g *Generator) UpdateConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}

// UpdateBackgroundNoise replaces the background noise configuration after
// validation.
func (g *Generator) UpdateBackgroundNoise(cfg BackgroundNoiseConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	g.noiseCfg = cfg
	return nil
}

// Config returns the current oscillator configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// NoiseConfig returns the current background noise configuration.
func (g *Generator) NoiseConfig() BackgroundNoiseConfig {
	return g.noiseCfg
}

// ChunkSize is the fixed number of samples Generate produces per call,
// matching the worklet's audio-thread tick granularity.
const ChunkSize = 128

// Generate fills out (which must have length ChunkSize) with the next
// chunk of the configured waveform, mixed with background noise if
// enabled. It never allocates.
func (g *Generator) Generate(out []float32) {
	if len(out) != ChunkSize {
		panic("signalgen: Generate requires a buffer of exactly ChunkSize samples")
	}

	phaseInc := 2 * math.Pi * g.cfg.FrequencyHz / g.cfg.SampleRate

	for i := range out {
		var sample float64
		if g.cfg.Enabled {
			sample = g.cfg.Amplitude * g.oscillate(g.phase)
			g.phase += phaseInc
			if g.phase >= 2*math.Pi {
				g.phase -= 2 * math.Pi
			}
		}

		if g.noiseCfg.Enabled {
			sample += g.noiseCfg.Level * g.noiseSample()
		}

		out[i] = float32(sample)
	}
}

func (g *Generator) oscillate(phase float64) float64 {
	switch g.cfg.Waveform {
	case Sine:
		return math.Sin(phase)
	case Square:
		if math.Sin(phase) >= 0 {
			return 1
		}
		return -1
	case Sawtooth:
		// phase in [0, 2π) -> [-1, 1)
		return phase/math.Pi - 1
	case Triangle:
		// folded sawtooth
		t := phase/math.Pi - 1 // [-1, 1)
		return 2*math.Abs(t) - 1
	case WhiteNoise:
		return g.rng.uniform()
	case PinkNoise:
		return g.pink.next(g.rng.uniform())
	default:
		return math.Sin(phase)
	}
}

func (g *Generator) noiseSample() float64 {
	white := g.noiseRNG.uniform()
	if g.noiseCfg.Type == NoisePink {
		return g.noisePink.next(white)
	}
	return white
}

// Package blockreader pulls fixed-size windowed blocks out of a ring buffer
// for the analysis stages, in either sequential (non-overlapping) or
// sliding-window mode.
package blockreader

import (
	"github.com/pitchkit/core/internal/audiocore/ringbuffer"
	"github.com/pitchkit/core/internal/audiocore/window"
	"github.com/pitchkit/core/internal/errors"
)

// Mode selects how successive blocks are produced.
type Mode int

const (
	// Sequential consumes N samples per call; blocks never overlap.
	Sequential Mode = iota
	// Sliding peeks N samples at the current offset and advances by a hop
	// smaller than N, producing overlapping blocks.
	Sliding
)

// Config describes a BlockReader's fixed parameters.
type Config struct {
	BlockSize    int
	Mode         Mode
	WindowFn     window.Function
	OverlapRatio float64 // used only in Sliding mode, in [0, 1)
}

// BlockReader produces successive blocks of BlockSize samples from a
// RingBuffer, applying the configured window function in place.
type BlockReader struct {
	cfg   Config
	rb    *ringbuffer.RingBuffer
	win   *window.Table
	hop   int // Sliding mode only
	raw   []float32
	ready bool
}

// New constructs a BlockReader bound to rb. BlockSize must be a positive
// multiple of ringbuffer.ChunkSize.
func New(rb *ringbuffer.RingBuffer, cfg Config) (*BlockReader, error) {
	if cfg.BlockSize <= 0 || cfg.BlockSize%ringbuffer.ChunkSize != 0 {
		return nil, errors.Newf("block size must be a positive multiple of %d, got %d", ringbuffer.ChunkSize, cfg.BlockSize).
			Component("blockreader").
			Category(errors.CategoryValidation).
			Build()
	}

	win, err := window.Get(cfg.WindowFn, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	br := &BlockReader{
		cfg: cfg,
		rb:  rb,
		win: win,
		raw: make([]float32, cfg.BlockSize),
	}

	if cfg.Mode == Sliding {
		if cfg.OverlapRatio < 0 || cfg.OverlapRatio >= 1 {
			return nil, errors.Newf("overlap ratio must be in [0, 1), got %f", cfg.OverlapRatio).
				Component("blockreader").
				Category(errors.CategoryValidation).
				Build()
		}
		br.hop = computeHop(cfg.BlockSize, cfg.OverlapRatio)
	}

	return br, nil
}

// computeHop derives the sliding-window hop: round the ideal hop down to the
// nearest multiple of ChunkSize; if that rounds to zero or would not be
// strictly less than the block size, fall back to the largest power-of-two
// that is strictly less than the block size.
func computeHop(blockSize int, overlapRatio float64) int {
	ideal := float64(blockSize) * (1 - overlapRatio)

	h := int(ideal) / ringbuffer.ChunkSize * ringbuffer.ChunkSize
	if h > 0 && h < blockSize {
		return h
	}

	pow := 1
	for pow*2 < blockSize {
		pow *= 2
	}
	return pow
}

// Next fills out (len(out) must equal cfg.BlockSize) with the next block and
// applies the window function in place. It returns false without mutating
// out if insufficient data is buffered; this call never allocates.
func (br *BlockReader) Next(out []float32) bool {
	if br.cfg.Mode == Sequential {
		if !br.rb.ReadBlock(out) {
			return false
		}
		br.win.Apply(out)
		return true
	}

	if !br.rb.CanReadWindow(0, br.cfg.BlockSize) {
		return false
	}
	n := br.rb.PeekBlock(0, out)
	if n < br.cfg.BlockSize {
		return false
	}
	br.rb.Advance(br.hop)
	br.win.Apply(out)
	return true
}

// Hop returns the sliding-window hop size in samples (0 in Sequential mode).
func (br *BlockReader) Hop() int {
	return br.hop
}

// BlockSize returns the configured block size.
func (br *BlockReader) BlockSize() int {
	return br.cfg.BlockSize
}

// Package lpc implements the linear-prediction building blocks of the voice
// conversion core: Hamming-windowed framing, autocorrelation LPC estimation
// via Levinson-Durbin, direct-form inverse/forward filtering and LPC spectral
// envelopes.
//
// Coefficients follow the A(z) = 1 + a[1]z^-1 + … + a[p]z^-p convention, so
// that [Residual] is the FIR filter (b = a, a = [1]) and [Synthesize] the
// all-pole filter (b = [1], a = a).
package lpc

import (
	"errors"
	"fmt"
	"iter"
)

// ErrInvalidParameter is returned for non-positive frame/hop lengths, LPC
// orders outside (0, frameLength) and buffers too short to hold one frame.
var ErrInvalidParameter = errors.New("invalid parameter")

// ErrNumericInstability tags non-finite filter output that was replaced with
// silence. It is never returned by the filters themselves; callers use it to
// label logs and metrics derived from [FilterResult.Replaced].
var ErrNumericInstability = errors.New("numeric instability")

// FrameCount returns the number of whole frames of frameLength samples, taken
// every hop samples, that fit into n samples. It returns 0 when n < frameLength
// or when either length is not positive.
func FrameCount(n, frameLength, hop int) int {
	if frameLength <= 0 || hop <= 0 || n < frameLength {
		return 0
	}
	return (n-frameLength)/hop + 1
}

// Framer slices a sample buffer into overlapping, Hamming-windowed frames.
// Frames start at offsets 0, hop, 2*hop, …; trailing samples that cannot fill
// a whole frame are dropped. A Framer never modifies the underlying samples
// and is safe for concurrent reads.
type Framer struct {
	samples     []float64
	frameLength int
	hop         int
	window      []float64
	count       int
}

// NewFramer validates the framing parameters and returns a [Framer] over
// samples. It fails with [ErrInvalidParameter] when frameLength or hop is not
// positive or when samples holds fewer than frameLength values.
func NewFramer(samples []float64, frameLength, hop int) (*Framer, error) {
	if frameLength <= 0 {
		return nil, fmt.Errorf("lpc: frame length %d must be positive: %w", frameLength, ErrInvalidParameter)
	}
	if hop <= 0 {
		return nil, fmt.Errorf("lpc: hop length %d must be positive: %w", hop, ErrInvalidParameter)
	}
	if len(samples) < frameLength {
		return nil, fmt.Errorf("lpc: buffer of %d samples is shorter than frame length %d: %w",
			len(samples), frameLength, ErrInvalidParameter)
	}
	return &Framer{
		samples:     samples,
		frameLength: frameLength,
		hop:         hop,
		window:      Hamming(frameLength),
		count:       FrameCount(len(samples), frameLength, hop),
	}, nil
}

// Len returns the number of frames.
func (f *Framer) Len() int { return f.count }

// FrameLength returns the length of every frame.
func (f *Framer) FrameLength() int { return f.frameLength }

// Hop returns the distance in samples between consecutive frame starts.
func (f *Framer) Hop() int { return f.hop }

// Frame returns a Hamming-windowed copy of frame i. It panics if i is out of
// range.
func (f *Framer) Frame(i int) []float64 {
	f.checkIndex(i)
	start := i * f.hop
	out := make([]float64, f.frameLength)
	for n, w := range f.window {
		out[n] = f.samples[start+n] * w
	}
	return out
}

// All yields every windowed frame with its index, in order. The sequence is
// lazy (frames are copied on demand) and can be ranged over repeatedly.
func (f *Framer) All() iter.Seq2[int, []float64] {
	return func(yield func(int, []float64) bool) {
		for i := range f.count {
			if !yield(i, f.Frame(i)) {
				return
			}
		}
	}
}

func (f *Framer) checkIndex(i int) {
	if i < 0 || i >= f.count {
		panic(fmt.Sprintf("lpc: frame index %d out of range [0, %d)", i, f.count))
	}
}

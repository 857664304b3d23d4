// Package convert implements LPC residual-substitution voice conversion.
//
// Each analysis frame of the reference recording is inverse filtered with its
// own LPC polynomial; the resulting excitation is driven through the
// TTS frame's all-pole filter, optionally pitch corrected and rescaled to the
// reference frame's energy. The frames are overlap-added and peak normalised.
//
// [Run] is the synchronous core. [Converter] wraps it in a message-passing
// [Handle] for callers that want progress, completion and cancellation
// without blocking.
package convert

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/pitch"
)

// ErrInvalidParameter is returned for unusable parameters or mismatched
// inputs. It is the same value as [lpc.ErrInvalidParameter].
var ErrInvalidParameter = lpc.ErrInvalidParameter

// ErrEmptyInput is returned when either input cannot produce a single frame.
var ErrEmptyInput = errors.New("empty input")

// Default analysis parameters.
const (
	DefaultLPCOrder    = 16
	DefaultFrameLength = 1024
	DefaultHopLength   = 512
)

// Params controls a conversion run.
type Params struct {
	// LPCOrder is the prediction order p, 0 < p < FrameLength.
	LPCOrder int

	// FrameLength and HopLength define the analysis grid in samples.
	FrameLength int
	HopLength   int

	// PitchCorrection shifts every frame where both inputs are voiced so the
	// output follows the reference pitch.
	PitchCorrection bool

	// PitchMinHz and PitchMaxHz bound the pitch search. Zero means C2..C7.
	PitchMinHz float64
	PitchMaxHz float64

	// PitchThreshold is the YIN dip threshold. Zero means
	// [pitch.DefaultThreshold].
	PitchThreshold float64

	// Method selects the LPC estimator. Empty means autocorrelation.
	Method lpc.Method

	// Workers bounds frame-level parallelism. Zero means GOMAXPROCS.
	Workers int

	// ShiftFFTSize is the STFT frame size of the pitch shifter. Zero
	// means [pitch.DefaultShiftFFTSize].
	ShiftFFTSize int
}

// DefaultParams returns the parameters used when a caller has no opinion:
// order 16 over 1024-sample frames with 50% overlap and pitch correction on.
func DefaultParams() Params {
	return Params{
		LPCOrder:        DefaultLPCOrder,
		FrameLength:     DefaultFrameLength,
		HopLength:       DefaultHopLength,
		PitchCorrection: true,
	}
}

// Validate reports every problem with p, each wrapping
// [ErrInvalidParameter].
func (p Params) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("convert: "+format+": %w", append(args, ErrInvalidParameter)...))
	}
	if p.FrameLength <= 0 {
		add("frame length %d must be positive", p.FrameLength)
	}
	if p.HopLength <= 0 {
		add("hop length %d must be positive", p.HopLength)
	}
	if p.HopLength > p.FrameLength && p.FrameLength > 0 {
		add("hop length %d exceeds frame length %d", p.HopLength, p.FrameLength)
	}
	if p.LPCOrder <= 0 {
		add("lpc order %d must be positive", p.LPCOrder)
	} else if p.FrameLength > 0 && p.LPCOrder >= p.FrameLength {
		add("lpc order %d must be less than frame length %d", p.LPCOrder, p.FrameLength)
	}
	if p.Method != "" && !p.Method.IsValid() {
		add("unknown lpc method %q", p.Method)
	}
	if p.Workers < 0 {
		add("workers %d must not be negative", p.Workers)
	}
	if p.ShiftFFTSize < 0 {
		add("shift fft size %d must not be negative", p.ShiftFFTSize)
	}
	if p.PitchCorrection {
		// Only the range and threshold are checked here; the grid is
		// validated above and the rate comes with the input.
		rangeOnly := pitch.Config{SampleRate: 1, FrameLength: 1, HopLength: 1,
			MinHz: p.PitchMinHz, MaxHz: p.PitchMaxHz, Threshold: p.PitchThreshold}
		if err := rangeOnly.Validate(); err != nil {
			add("%v", err)
		}
	}
	return errors.Join(errs...)
}

func (p Params) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Geometry returns the analysis settings stamped on conversion spans.
func (p Params) Geometry() observe.Conversion {
	return observe.Conversion{
		LPCOrder:        p.LPCOrder,
		FrameLength:     p.FrameLength,
		HopLength:       p.HopLength,
		Method:          string(p.Method),
		PitchCorrection: p.PitchCorrection,
	}
}

func (p Params) pitchConfig(sampleRate int) pitch.Config {
	return pitch.Config{
		SampleRate:  sampleRate,
		FrameLength: p.FrameLength,
		HopLength:   p.HopLength,
		MinHz:       p.PitchMinHz,
		MaxHz:       p.PitchMaxHz,
		Threshold:   p.PitchThreshold,
	}
}

package pitch

import (
	"log/slog"
	"math"

	dsppitch "github.com/cwbudde/algo-dsp/dsp/effects/pitch"

	"github.com/MrWong99/voxmatch/pkg/spectral"
)

// DefaultShiftFFTSize is the FFT size used when a [Shifter] is not given one.
// Frames shorter than the FFT size use the largest power of two that fits.
const DefaultShiftFFTSize = 512

// minShiftFFTSize is the smallest FFT the spectral shifter accepts; shorter
// frames are returned unchanged.
const minShiftFFTSize = 64

// defaultShiftRate is reported to the shifter when SampleRate is unset. The
// semitone ratio does not depend on it.
const defaultShiftRate = 16000

// Shifter changes the pitch of a frame by a fractional number of semitones
// while keeping its length. The zero value uses [DefaultShiftFFTSize].
//
// Each call builds its own algo-dsp SpectralPitchShifter, so a Shifter may be
// shared between goroutines.
type Shifter struct {
	// FFTSize is the STFT frame size. The analysis hop is FFTSize/4.
	FFTSize int

	// SampleRate of the frames in Hz.
	SampleRate int
}

// Shift returns frame moved by steps semitones, len(out) == len(frame). A zero
// or non-finite shift, a frame too short for the FFT and a shift outside the
// shifter's ratio range all return a copy.
func (s Shifter) Shift(frame []float64, steps float64) []float64 {
	nFFT := s.fftSize(len(frame))
	if steps == 0 || math.IsNaN(steps) || math.IsInf(steps, 0) || nFFT < minShiftFFTSize {
		return passThrough(frame)
	}

	rate := float64(s.SampleRate)
	if rate <= 0 {
		rate = defaultShiftRate
	}
	ps, err := dsppitch.NewSpectralPitchShifter(rate)
	if err == nil {
		err = ps.SetFrameSize(nFFT)
	}
	if err == nil {
		err = ps.SetAnalysisHop(nFFT / 4)
	}
	if err == nil {
		err = ps.SetPitchSemitones(steps)
	}
	if err != nil {
		slog.Debug("pitch shift skipped", "steps", steps, "fft_size", nFFT, "err", err)
		return passThrough(frame)
	}

	out, err := ps.ProcessWithError(frame)
	if err != nil || len(out) != len(frame) {
		slog.Debug("pitch shift failed", "steps", steps, "err", err)
		return passThrough(frame)
	}
	return out
}

func (s Shifter) fftSize(n int) int {
	size := s.FFTSize
	if size <= 0 {
		size = DefaultShiftFFTSize
	}
	return min(spectral.PrevPow2(size), spectral.PrevPow2(n))
}

func passThrough(frame []float64) []float64 {
	out := make([]float64, len(frame))
	copy(out, frame)
	return out
}

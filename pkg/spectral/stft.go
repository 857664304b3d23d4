// Package spectral provides the short-time Fourier transform, its inverse and
// rational frequency-response evaluation on top of go-dsp's FFT. It backs the
// noise reducers and the LPC envelope analysis.
package spectral

import (
	"errors"
	"fmt"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// ErrInvalidSize is returned for non-positive FFT sizes or hops, or a hop
// larger than the FFT size.
var ErrInvalidSize = errors.New("spectral: invalid fft size or hop")

// windowSumFloor guards the inverse STFT normalisation against division by
// (near) zero at the signal edges.
const windowSumFloor = 1e-10

// Spectrogram is a centred STFT: frame t is taken around sample t*Hop of the
// zero-padded signal. Each frame holds NFFT/2+1 one-sided bins.
type Spectrogram struct {
	NFFT   int
	Hop    int
	Frames [][]complex128

	// Length is the number of samples of the analysed signal, used to trim
	// the inverse transform.
	Length int
}

// Bins returns the number of frequency bins per frame.
func (s *Spectrogram) Bins() int { return s.NFFT/2 + 1 }

// Magnitude returns |X| for every frame and bin.
func (s *Spectrogram) Magnitude() [][]float64 {
	out := make([][]float64, len(s.Frames))
	for t, f := range s.Frames {
		row := make([]float64, len(f))
		for k, c := range f {
			row[k] = cmplx.Abs(c)
		}
		out[t] = row
	}
	return out
}

// STFT computes a Hann-windowed, centred short-time Fourier transform of x.
// The signal is zero-padded by nFFT/2 on both sides.
func STFT(x []float64, nFFT, hop int) (*Spectrogram, error) {
	if nFFT <= 0 || hop <= 0 || hop > nFFT {
		return nil, fmt.Errorf("%w: nfft=%d hop=%d", ErrInvalidSize, nFFT, hop)
	}
	pad := nFFT / 2
	padded := make([]float64, len(x)+2*pad)
	copy(padded[pad:], x)

	nFrames := 1 + (len(padded)-nFFT)/hop
	win := window.Hann(nFFT)
	bins := nFFT/2 + 1

	spec := &Spectrogram{NFFT: nFFT, Hop: hop, Length: len(x), Frames: make([][]complex128, nFrames)}
	buf := make([]float64, nFFT)
	for t := range nFrames {
		start := t * hop
		for n := range nFFT {
			buf[n] = padded[start+n] * win[n]
		}
		full := fft.FFTReal(buf)
		frame := make([]complex128, bins)
		copy(frame, full[:bins])
		spec.Frames[t] = frame
	}
	return spec, nil
}

// ISTFT inverts s by windowed overlap-add, normalised by the summed squared
// window, and returns exactly length samples (s.Length when length <= 0).
func ISTFT(s *Spectrogram, length int) []float64 {
	if length <= 0 {
		length = s.Length
	}
	nFFT, hop := s.NFFT, s.Hop
	pad := nFFT / 2
	total := nFFT + hop*max(len(s.Frames)-1, 0)
	acc := make([]float64, total)
	wsum := make([]float64, total)
	win := window.Hann(nFFT)

	full := make([]complex128, nFFT)
	for t, frame := range s.Frames {
		for k := range full {
			full[k] = 0
		}
		for k := 0; k < len(frame) && k < nFFT; k++ {
			full[k] = frame[k]
		}
		// Rebuild the conjugate-symmetric upper half.
		for k := 1; k < nFFT-k; k++ {
			if k < len(frame) {
				full[nFFT-k] = cmplx.Conj(frame[k])
			}
		}
		time := fft.IFFT(full)
		start := t * hop
		for n := range nFFT {
			acc[start+n] += real(time[n]) * win[n]
			wsum[start+n] += win[n] * win[n]
		}
	}

	out := make([]float64, length)
	for i := range out {
		j := i + pad
		if j >= total {
			break
		}
		if wsum[j] > windowSumFloor {
			out[i] = acc[j] / wsum[j]
		} else {
			out[i] = acc[j]
		}
	}
	return out
}

// PrevPow2 returns the largest power of two <= n (0 for n < 1).
func PrevPow2(n int) int {
	if n < 1 {
		return 0
	}
	p := 1
	for p<<1 <= n {
		p <<= 1
	}
	return p
}

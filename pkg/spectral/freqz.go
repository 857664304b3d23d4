package spectral

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// Response is a sampled frequency response.
type Response struct {
	// Freqs holds the evaluation frequencies in Hz.
	Freqs []float64

	// H holds B(e^jω)/A(e^jω) at each frequency.
	H []complex128
}

// Magnitude returns |H| at every frequency.
func (r Response) Magnitude() []float64 {
	out := make([]float64, len(r.H))
	for i, h := range r.H {
		out[i] = cmplx.Abs(h)
	}
	return out
}

// Freqz evaluates the transfer function B(z)/A(z) at n equally spaced
// frequencies over [0, sampleRate/2). The polynomials are evaluated with one
// zero-padded FFT of size 2n each.
func Freqz(b, a []float64, n int, sampleRate float64) Response {
	resp := Response{Freqs: make([]float64, n), H: make([]complex128, n)}
	if n <= 0 {
		return resp
	}
	num := polyResponse(b, n)
	den := polyResponse(a, n)
	for k := range n {
		resp.Freqs[k] = float64(k) * sampleRate / float64(2*n)
		if den[k] == 0 {
			resp.H[k] = cmplx.Inf()
			continue
		}
		resp.H[k] = num[k] / den[k]
	}
	return resp
}

// polyResponse evaluates p(e^{-jω}) at ω = πk/n for k in [0, n).
func polyResponse(p []float64, n int) []complex128 {
	size := 2 * n
	if len(p) <= size {
		padded := make([]float64, size)
		copy(padded, p)
		return fft.FFTReal(padded)[:n]
	}
	// Polynomials longer than the grid are evaluated directly.
	out := make([]complex128, n)
	for k := range n {
		w := math.Pi * float64(k) / float64(n)
		var acc complex128
		for i, c := range p {
			acc += complex(c, 0) * cmplx.Exp(complex(0, -w*float64(i)))
		}
		out[k] = acc
	}
	return out
}

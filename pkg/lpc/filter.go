package lpc

import (
	"fmt"
	"math"
)

// FilterResult is the output of one filter pass.
type FilterResult struct {
	// Output has the same length as the input signal.
	Output []float64

	// Replaced counts output samples that were not finite and were replaced
	// with 0.0.
	Replaced int
}

// LFilter evaluates the rational transfer function B(z)/A(z) on x with zero
// initial conditions:
//
//	a[0]·y[n] = Σ b[k]·x[n-k] - Σ_{k≥1} a[k]·y[n-k]
//
// Non-finite output samples are replaced with 0.0 and the replacement value is
// what later samples see through the feedback path. a must be non-empty with
// a[0] != 0.
func LFilter(b, a, x []float64) (FilterResult, error) {
	if len(a) == 0 || a[0] == 0 {
		return FilterResult{}, fmt.Errorf("lpc: filter denominator must have a non-zero leading coefficient: %w", ErrInvalidParameter)
	}

	a0 := a[0]
	y := make([]float64, len(x))
	var replaced int
	for n := range x {
		var acc float64
		for k := 0; k < len(b) && k <= n; k++ {
			acc += b[k] * x[n-k]
		}
		for k := 1; k < len(a) && k <= n; k++ {
			acc -= a[k] * y[n-k]
		}
		acc /= a0
		if math.IsNaN(acc) || math.IsInf(acc, 0) {
			acc = 0
			replaced++
		}
		y[n] = acc
	}
	return FilterResult{Output: y, Replaced: replaced}, nil
}

// Residual applies the analysis (inverse) filter A(z) to frame, producing the
// prediction error signal e[n] = frame[n] + Σ a[k]·frame[n-k].
func Residual(frame []float64, a Coefficients) (FilterResult, error) {
	return LFilter(a, []float64{1}, frame)
}

// Synthesize drives the all-pole filter 1/A(z) with residual:
// y[n] = residual[n] - Σ a[k]·y[n-k].
func Synthesize(residual []float64, a Coefficients) (FilterResult, error) {
	return LFilter([]float64{1}, a, residual)
}

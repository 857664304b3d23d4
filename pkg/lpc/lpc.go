package lpc

import (
	"fmt"
	"math"
)

// silenceThreshold is the zero-lag autocorrelation (frame energy) below which
// a frame is treated as silent and mapped to the identity filter.
const silenceThreshold = 1e-12

// Method selects the LPC estimation algorithm.
type Method string

const (
	// MethodAutocorrelation solves the normal equations of the biased
	// autocorrelation with the Levinson-Durbin recursion.
	MethodAutocorrelation Method = "autocorrelation"

	// MethodBurg estimates reflection coefficients directly from forward and
	// backward prediction errors (Burg's maximum-entropy method).
	MethodBurg Method = "burg"
)

// IsValid reports whether m is a recognised method.
func (m Method) IsValid() bool {
	return m == MethodAutocorrelation || m == MethodBurg
}

// Coefficients are the order+1 prediction polynomial coefficients a[0..p]
// with a[0] == 1.
type Coefficients []float64

// Order returns the prediction order p.
func (c Coefficients) Order() int { return len(c) - 1 }

// IsIdentity reports whether c is the pass-through filter [1, 0, …, 0].
func (c Coefficients) IsIdentity() bool {
	if len(c) == 0 || c[0] != 1 {
		return false
	}
	for _, v := range c[1:] {
		if v != 0 {
			return false
		}
	}
	return true
}

// Identity returns the pass-through coefficient vector of the given order.
func Identity(order int) Coefficients {
	c := make(Coefficients, order+1)
	c[0] = 1
	return c
}

// Analysis holds the full output of one LPC estimation.
type Analysis struct {
	// Coefficients is the prediction polynomial A(z).
	Coefficients Coefficients

	// Reflection holds the p reflection (PARCOR) coefficients.
	Reflection []float64

	// PredictionError is the final forward prediction error energy.
	PredictionError float64

	// Silent is true when the frame energy was below the silence threshold
	// and the identity filter was returned.
	Silent bool
}

// Autocorrelation returns the biased autocorrelation r[0..maxLag] of x,
// r[k] = Σ x[n]·x[n+k]. Lags beyond len(x)-1 are zero.
func Autocorrelation(x []float64, maxLag int) []float64 {
	r := make([]float64, maxLag+1)
	for k := 0; k <= maxLag && k < len(x); k++ {
		var sum float64
		for n := 0; n+k < len(x); n++ {
			sum += x[n] * x[n+k]
		}
		r[k] = sum
	}
	return r
}

// Estimate computes LPC coefficients of a windowed frame using the
// autocorrelation method. Silent frames yield [Identity].
func Estimate(frame []float64, order int) (Coefficients, error) {
	a, err := Analyze(frame, order, MethodAutocorrelation)
	if err != nil {
		return nil, err
	}
	return a.Coefficients, nil
}

// Analyze runs the selected estimation method on frame. Order must satisfy
// 0 < order < len(frame).
func Analyze(frame []float64, order int, method Method) (*Analysis, error) {
	if order <= 0 || order >= len(frame) {
		return nil, fmt.Errorf("lpc: order %d must be in (0, %d): %w", order, len(frame), ErrInvalidParameter)
	}
	switch method {
	case MethodAutocorrelation, "":
		r := Autocorrelation(frame, order)
		if math.IsInf(r[0], 0) {
			r = Autocorrelation(unitPeak(frame), order)
		}
		return LevinsonDurbin(r, order), nil
	case MethodBurg:
		return burg(unitPeak(frame), order), nil
	default:
		return nil, fmt.Errorf("lpc: unknown method %q: %w", method, ErrInvalidParameter)
	}
}

// LevinsonDurbin solves the Toeplitz normal equations given autocorrelation
// values r[0..order]. When r[0] is (near) zero or not finite it returns the
// identity filter.
// If the prediction error collapses to zero before the full order is reached
// the recursion stops and the remaining coefficients stay zero.
func LevinsonDurbin(r []float64, order int) *Analysis {
	res := &Analysis{
		Coefficients: Identity(order),
		Reflection:   make([]float64, order),
	}
	if len(r) == 0 || !(r[0] > silenceThreshold) || math.IsInf(r[0], 0) {
		res.Silent = true
		return res
	}

	a := res.Coefficients
	prev := make([]float64, order+1)
	e := r[0]
	for i := 1; i <= order; i++ {
		acc := r[i]
		for j := 1; j < i; j++ {
			acc += a[j] * r[i-j]
		}
		k := -acc / e
		res.Reflection[i-1] = k

		copy(prev[:i], a[:i])
		for j := 1; j < i; j++ {
			a[j] = prev[j] + k*prev[i-j]
		}
		a[i] = k

		e *= 1 - k*k
		if e <= 0 {
			e = 0
			break
		}
	}
	res.PredictionError = e
	return res
}

// burg implements Burg's method. It mirrors the autocorrelation path's
// handling of silent frames.
func burg(x []float64, order int) *Analysis {
	res := &Analysis{
		Coefficients: Identity(order),
		Reflection:   make([]float64, order),
	}

	var energy float64
	for _, v := range x {
		energy += v * v
	}
	if !(energy > silenceThreshold) || math.IsInf(energy, 0) {
		res.Silent = true
		return res
	}

	fwd := append([]float64(nil), x[1:]...)
	bwd := append([]float64(nil), x[:len(x)-1]...)
	den := dot(fwd, fwd) + dot(bwd, bwd)

	a := res.Coefficients
	prev := make([]float64, order+1)
	for i := 0; i < order; i++ {
		if den <= silenceThreshold || len(fwd) == 0 {
			break
		}
		k := -2 * dot(bwd, fwd) / den
		res.Reflection[i] = k

		copy(prev, a)
		for j := 1; j <= i+1; j++ {
			a[j] = prev[j] + k*prev[i-j+1]
		}

		for n := range fwd {
			f := fwd[n]
			fwd[n] = f + k*bwd[n]
			bwd[n] = bwd[n] + k*f
		}

		last := len(bwd) - 1
		den = (1-k*k)*den - bwd[last]*bwd[last] - fwd[0]*fwd[0]
		fwd = fwd[1:]
		bwd = bwd[:last]
	}
	res.PredictionError = math.Max(den/2, 0)
	return res
}

func dot(x, y []float64) float64 {
	var s float64
	for i := range x {
		s += x[i] * y[i]
	}
	return s
}

// unitPeak returns x scaled to a peak of 1 when its energy would overflow
// float64, and x itself otherwise. The prediction polynomial does not depend
// on the scale of the frame.
func unitPeak(x []float64) []float64 {
	var peak, energy float64
	for _, v := range x {
		peak = max(peak, math.Abs(v))
		energy += v * v
	}
	if !math.IsInf(energy, 0) || peak == 0 || math.IsInf(peak, 0) {
		return x
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v / peak
	}
	return out
}

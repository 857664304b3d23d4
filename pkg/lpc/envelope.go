package lpc

import (
	"fmt"
	"math"

	"github.com/MrWong99/voxmatch/pkg/spectral"
)

// DefaultEnvelopePoints is the number of frequency points used for LPC
// envelopes when the caller does not choose one.
const DefaultEnvelopePoints = 2048

// dbFloor keeps log10 finite for zero magnitudes.
const dbFloor = 1e-12

// SpectralEnvelope is |1/A(e^jω)| sampled over [0, fs/2).
type SpectralEnvelope struct {
	Freqs     []float64
	Magnitude []float64
}

// Decibels returns 20·log10 of the magnitude.
func (e SpectralEnvelope) Decibels() []float64 {
	out := make([]float64, len(e.Magnitude))
	for i, m := range e.Magnitude {
		out[i] = 20 * math.Log10(m+dbFloor)
	}
	return out
}

// Envelope evaluates the all-pole response 1/A(z) of a at points frequencies.
func Envelope(a Coefficients, sampleRate float64, points int) SpectralEnvelope {
	r := spectral.Freqz([]float64{1}, a, points, sampleRate)
	return SpectralEnvelope{Freqs: r.Freqs, Magnitude: r.Magnitude()}
}

// EnvelopeConfig parameterises [MeanEnvelope].
type EnvelopeConfig struct {
	SampleRate  int
	Order       int
	FrameLength int
	HopLength   int
	Points      int
	Method      Method
}

// MeanEnvelope frames samples, estimates LPC per windowed frame and averages
// the per-frame envelopes. This is the long-term spectral shape used to
// compare a reference, a TTS and a converted recording.
func MeanEnvelope(samples []float64, cfg EnvelopeConfig) (SpectralEnvelope, error) {
	if cfg.Points <= 0 {
		cfg.Points = DefaultEnvelopePoints
	}
	if cfg.SampleRate <= 0 {
		return SpectralEnvelope{}, fmt.Errorf("lpc: envelope sample rate %d must be positive: %w", cfg.SampleRate, ErrInvalidParameter)
	}
	framer, err := NewFramer(samples, cfg.FrameLength, cfg.HopLength)
	if err != nil {
		return SpectralEnvelope{}, err
	}

	mean := SpectralEnvelope{Magnitude: make([]float64, cfg.Points)}
	for _, frame := range framer.All() {
		an, err := Analyze(frame, cfg.Order, cfg.Method)
		if err != nil {
			return SpectralEnvelope{}, err
		}
		env := Envelope(an.Coefficients, float64(cfg.SampleRate), cfg.Points)
		mean.Freqs = env.Freqs
		for k, m := range env.Magnitude {
			if math.IsInf(m, 0) || math.IsNaN(m) {
				continue
			}
			mean.Magnitude[k] += m
		}
	}
	n := float64(framer.Len())
	for k := range mean.Magnitude {
		mean.Magnitude[k] /= n
	}
	return mean, nil
}

// Fingerprint compresses an envelope into bins mean-removed dB values, a
// loudness-independent description of the spectral shape suitable for
// nearest-neighbour search.
func Fingerprint(env SpectralEnvelope, bins int) []float32 {
	if bins <= 0 || len(env.Magnitude) == 0 {
		return nil
	}
	db := env.Decibels()
	out := make([]float32, bins)
	var total float64
	for b := range bins {
		lo := min(b*len(db)/bins, len(db)-1)
		hi := max((b+1)*len(db)/bins, lo+1)
		hi = min(hi, len(db))
		var sum float64
		for _, v := range db[lo:hi] {
			sum += v
		}
		v := sum / float64(hi-lo)
		out[b] = float32(v)
		total += v
	}
	mean := float32(total / float64(bins))
	for b := range out {
		out[b] -= mean
	}
	return out
}

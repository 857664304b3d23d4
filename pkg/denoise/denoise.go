// Package denoise removes stationary background noise from recordings before
// they enter the conversion pipeline. Both reducers work on the magnitude of
// a Hann-windowed STFT and resynthesise with the original phase.
package denoise

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"slices"

	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/spectral"
)

// Method selects a noise reducer.
type Method string

const (
	MethodNone                Method = ""
	MethodSpectralSubtraction Method = "spectral_subtraction"
	MethodMedianFilter        Method = "median_filter"
)

// IsValid reports whether m names a known reducer (or none).
func (m Method) IsValid() bool {
	switch m {
	case MethodNone, MethodSpectralSubtraction, MethodMedianFilter:
		return true
	}
	return false
}

// ErrUnknownMethod is returned by [Apply] for unrecognised methods.
var ErrUnknownMethod = errors.New("denoise: unknown method")

// Config parameterises the reducers. Zero fields take the values of
// [DefaultConfig].
type Config struct {
	Method Method

	// FFTSize and HopLength define the STFT grid.
	FFTSize   int
	HopLength int

	// NoiseFactor scales the subtracted noise profile; higher is more
	// aggressive.
	NoiseFactor float64

	// NoiseSeconds is the leading stretch of the recording assumed to hold
	// only noise.
	NoiseSeconds float64

	// FilterSize is the side of the square median window, in bins × frames.
	FilterSize int
}

// DefaultConfig returns the reducer defaults: a 2048-point STFT with hop 512,
// noise factor 1, half a second of leading noise and a 3×3 median.
func DefaultConfig() Config {
	return Config{
		FFTSize:      2048,
		HopLength:    512,
		NoiseFactor:  1,
		NoiseSeconds: 0.5,
		FilterSize:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FFTSize <= 0 {
		c.FFTSize = d.FFTSize
	}
	if c.HopLength <= 0 {
		c.HopLength = d.HopLength
	}
	if c.NoiseFactor <= 0 {
		c.NoiseFactor = d.NoiseFactor
	}
	if c.NoiseSeconds <= 0 {
		c.NoiseSeconds = d.NoiseSeconds
	}
	if c.FilterSize <= 0 {
		c.FilterSize = d.FilterSize
	}
	return c
}

// Apply runs the reducer selected by cfg.Method. [MethodNone] returns buf
// unchanged.
func Apply(buf audio.SampleBuffer, cfg Config) (audio.SampleBuffer, error) {
	switch cfg.Method {
	case MethodNone:
		return buf, nil
	case MethodSpectralSubtraction:
		return SpectralSubtraction(buf, cfg)
	case MethodMedianFilter:
		cfg = cfg.withDefaults()
		return medianFilter(buf, cfg.FilterSize, cfg.FFTSize, cfg.HopLength)
	default:
		return audio.SampleBuffer{}, fmt.Errorf("%w: %q", ErrUnknownMethod, cfg.Method)
	}
}

// SpectralSubtraction estimates the noise spectrum as the mean magnitude of
// the leading frames (cfg.NoiseSeconds, at most a quarter of all frames) and
// subtracts NoiseFactor times that profile from every frame, flooring at zero.
func SpectralSubtraction(buf audio.SampleBuffer, cfg Config) (audio.SampleBuffer, error) {
	if err := buf.Validate(); err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("denoise: %w", err)
	}
	cfg = cfg.withDefaults()
	sg, err := spectral.STFT(buf.Samples, cfg.FFTSize, cfg.HopLength)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("denoise: %w", err)
	}

	noiseFrames := int(cfg.NoiseSeconds * float64(buf.SampleRate) / float64(cfg.HopLength))
	noiseFrames = max(min(noiseFrames, len(sg.Frames)/4), 1)

	bins := sg.Bins()
	profile := make([]float64, bins)
	for _, frame := range sg.Frames[:noiseFrames] {
		for k, c := range frame {
			profile[k] += cmplx.Abs(c)
		}
	}
	for k := range profile {
		profile[k] /= float64(noiseFrames)
	}

	for _, frame := range sg.Frames {
		for k, c := range frame {
			mag := max(cmplx.Abs(c)-cfg.NoiseFactor*profile[k], 0)
			frame[k] = cmplx.Rect(mag, cmplx.Phase(c))
		}
	}
	slog.Debug("denoise: spectral subtraction",
		"frames", len(sg.Frames),
		"noise_frames", noiseFrames,
		"noise_factor", cfg.NoiseFactor,
	)
	return audio.NewSampleBuffer(spectral.ISTFT(sg, len(buf.Samples)), buf.SampleRate), nil
}

// MedianFilter smooths the magnitude spectrogram with a size×size median
// (bins × frames, mirrored at the edges) and keeps the original phase.
func MedianFilter(buf audio.SampleBuffer, size int) (audio.SampleBuffer, error) {
	d := DefaultConfig()
	return medianFilter(buf, size, d.FFTSize, d.HopLength)
}

func medianFilter(buf audio.SampleBuffer, size, nFFT, hop int) (audio.SampleBuffer, error) {
	if err := buf.Validate(); err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("denoise: %w", err)
	}
	if size <= 0 {
		return audio.SampleBuffer{}, fmt.Errorf("denoise: median size %d must be positive", size)
	}
	sg, err := spectral.STFT(buf.Samples, nFFT, hop)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("denoise: %w", err)
	}
	mag := sg.Magnitude()
	filtered := Median2D(mag, size)
	for t, frame := range sg.Frames {
		for k, c := range frame {
			frame[k] = cmplx.Rect(filtered[t][k], cmplx.Phase(c))
		}
	}
	return audio.NewSampleBuffer(spectral.ISTFT(sg, len(buf.Samples)), buf.SampleRate), nil
}

// Median2D applies a size×size median filter to m (rows × cols). Out-of-range
// neighbours are mirrored about the edge (d c b a | a b c d).
func Median2D(m [][]float64, size int) [][]float64 {
	rows := len(m)
	out := make([][]float64, rows)
	if rows == 0 {
		return out
	}
	cols := len(m[0])
	// Even sizes put the extra element before the centre.
	before := size / 2
	window := make([]float64, 0, size*size)
	for r := range rows {
		out[r] = make([]float64, cols)
		for c := range cols {
			window = window[:0]
			for dr := range size {
				rr := reflect(r+dr-before, rows)
				for dc := range size {
					window = append(window, m[rr][reflect(c+dc-before, cols)])
				}
			}
			slices.Sort(window)
			out[r][c] = window[len(window)/2]
		}
	}
	return out
}

// reflect maps i into [0, n) by mirroring with the edge sample repeated.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i = ((i % period) + period) % period
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// NoiseFloor returns the RMS of the quietest 10% of hop-sized blocks of
// samples. voxmatch logs it before and after noise reduction.
func NoiseFloor(samples []float64, hop int) float64 {
	if hop <= 0 || len(samples) < hop {
		return 0
	}
	var blocks []float64
	for start := 0; start+hop <= len(samples); start += hop {
		var sum float64
		for _, s := range samples[start : start+hop] {
			sum += s * s
		}
		blocks = append(blocks, math.Sqrt(sum/float64(hop)))
	}
	slices.Sort(blocks)
	n := max(len(blocks)/10, 1)
	var sum float64
	for _, b := range blocks[:n] {
		sum += b
	}
	return sum / float64(n)
}

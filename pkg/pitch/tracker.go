package pitch

import (
	"context"
	"errors"
	"fmt"

	"github.com/RyanBlaney/sonido-sonar/algorithms/tonal"

	"github.com/MrWong99/voxmatch/pkg/lpc"
)

// DefaultThreshold is the YIN dip threshold on the cumulative mean
// normalised difference.
const DefaultThreshold = 0.1

// Config parameterises a [Tracker]. Zero MinHz, MaxHz and Threshold fall back
// to [DefaultMinHz], [DefaultMaxHz] and [DefaultThreshold].
type Config struct {
	SampleRate  int
	FrameLength int
	HopLength   int
	MinHz       float64
	MaxHz       float64
	Threshold   float64
}

func (c Config) withDefaults() Config {
	if c.MinHz == 0 {
		c.MinHz = DefaultMinHz
	}
	if c.MaxHz == 0 {
		c.MaxHz = DefaultMaxHz
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Validate reports every problem with c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("pitch: sample rate %d must be positive", c.SampleRate))
	}
	if c.FrameLength <= 0 || c.HopLength <= 0 {
		errs = append(errs, fmt.Errorf("pitch: frame length %d and hop %d must be positive", c.FrameLength, c.HopLength))
	}
	if c.MinHz <= 0 || c.MaxHz <= c.MinHz {
		errs = append(errs, fmt.Errorf("pitch: range %.2f..%.2f Hz is empty", c.MinHz, c.MaxHz))
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("pitch: threshold %v must be in (0, 1)", c.Threshold))
	}
	return errors.Join(errs...)
}

// minYINFrame is the shortest frame the YIN detector can search.
const minYINFrame = 4

// Tracker estimates one pitch per analysis frame with sonido-sonar's YIN
// detector. Every frame is judged on its own: pre-emphasis, temporal
// smoothing and octave correction are off, and the detector sees the raw
// frame through a rectangular window. A Tracker holds no per-call state and
// may be used concurrently.
type Tracker struct {
	cfg Config
}

// NewTracker returns a tracker for cfg.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Track returns one estimate per frame of samples, using the same frame
// offsets and lengths as [lpc.NewFramer]. It returns nil when samples hold no
// whole frame or the configuration is unusable.
func (t *Tracker) Track(samples []float64) []Estimate {
	est, _ := t.TrackContext(context.Background(), samples)
	return est
}

// TrackContext is [Tracker.Track] with cancellation checked between frames.
func (t *Tracker) TrackContext(ctx context.Context, samples []float64) ([]Estimate, error) {
	n := lpc.FrameCount(len(samples), t.cfg.FrameLength, t.cfg.HopLength)
	if n == 0 || t.cfg.Validate() != nil || t.cfg.FrameLength < minYINFrame {
		return nil, nil
	}
	det := t.detector(t.cfg.FrameLength)
	out := make([]Estimate, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := i * t.cfg.HopLength
		out[i] = estimate(det, samples[start:start+t.cfg.FrameLength])
	}
	return out, nil
}

// Frame estimates the pitch of a single frame of any length.
func (t *Tracker) Frame(frame []float64) Estimate {
	if len(frame) < minYINFrame || t.cfg.SampleRate <= 0 {
		return Unvoiced
	}
	return estimate(t.detector(len(frame)), frame)
}

// detector builds a YIN detector for frames of n samples. Detectors keep a
// pitch history, so each Track call gets its own.
func (t *Tracker) detector(n int) *tonal.PitchDetector {
	return tonal.NewPitchDetectorWithParams(tonal.PitchDetectionParams{
		Method:         tonal.AutocorrelationYin,
		SampleRate:     t.cfg.SampleRate,
		WindowSize:     n,
		HopSize:        t.cfg.HopLength,
		MinFreq:        t.cfg.MinHz,
		MaxFreq:        t.cfg.MaxHz,
		YinThreshold:   t.cfg.Threshold,
		WindowFunction: "rectangular",
		ZeroPadding:    1,
	})
}

// estimate maps a detector result onto [Estimate]. The detector reports
// zero for frames without a dip under the threshold and for periods outside
// the configured range.
func estimate(det *tonal.PitchDetector, frame []float64) Estimate {
	res, err := det.DetectPitch(frame)
	if err != nil || res == nil || res.Pitch <= 0 {
		return Unvoiced
	}
	return Voiced(res.Pitch)
}

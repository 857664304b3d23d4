// Package audio defines the sample buffer type exchanged between the voxmatch
// conversion core and its collaborators, together with the PCM helpers those
// collaborators need (byte ↔ float conversion, channel downmixing and sample
// rate conversion).
//
// The conversion core only ever sees [SampleBuffer] values. Decoding files,
// talking to TTS services and writing results are the job of the packages
// that produce and consume these buffers (audio/wavfile, provider/tts, …).
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSampleRate is returned when a buffer carries a non-positive
// sample rate.
var ErrInvalidSampleRate = errors.New("audio: sample rate must be positive")

// SampleBuffer is an ordered sequence of mono floating-point samples with the
// sample rate they were recorded at. Samples are nominally in [-1, 1].
//
// A SampleBuffer is owned by whichever component produced it. Downstream
// stages must [SampleBuffer.Clone] before modifying Samples.
type SampleBuffer struct {
	// Samples holds the mono signal.
	Samples []float64

	// SampleRate in Hz (e.g., 16000, 44100).
	SampleRate int
}

// NewSampleBuffer returns a buffer over samples. The slice is not copied.
func NewSampleBuffer(samples []float64, sampleRate int) SampleBuffer {
	return SampleBuffer{Samples: samples, SampleRate: sampleRate}
}

// Len returns the number of samples.
func (b SampleBuffer) Len() int { return len(b.Samples) }

// Duration returns the playback length of the buffer. It is zero when the
// sample rate is not positive.
func (b SampleBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// Clone returns a deep copy of b.
func (b SampleBuffer) Clone() SampleBuffer {
	out := make([]float64, len(b.Samples))
	copy(out, b.Samples)
	return SampleBuffer{Samples: out, SampleRate: b.SampleRate}
}

// Validate reports whether b has a usable sample rate and contains only
// finite samples.
func (b SampleBuffer) Validate() error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSampleRate, b.SampleRate)
	}
	for i, s := range b.Samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("audio: sample %d is not finite", i)
		}
	}
	return nil
}

// Peak returns the largest absolute sample value in b.
func (b SampleBuffer) Peak() float64 {
	var peak float64
	for _, s := range b.Samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// Package pitch tracks the fundamental frequency of speech frame by frame and
// shifts short frames by a fractional number of semitones.
//
// The tracker is a YIN estimator evaluated on exactly the frames an
// [lpc.Framer] produces, so estimate i always describes LPC frame i. The
// shifter wraps algo-dsp's spectral pitch shifter, which keeps the input
// length.
package pitch

import (
	"fmt"
	"math"
)

// Estimate is the pitch of one frame: either voiced with a positive frequency
// or unvoiced. The zero value is [Unvoiced].
type Estimate struct {
	hz     float64
	voiced bool
}

// Unvoiced is the estimate for frames without a detectable pitch.
var Unvoiced = Estimate{}

// Voiced returns a voiced estimate of hz. Non-positive or non-finite
// frequencies yield [Unvoiced].
func Voiced(hz float64) Estimate {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return Unvoiced
	}
	return Estimate{hz: hz, voiced: true}
}

// Hz returns the frequency and whether the estimate is voiced.
func (e Estimate) Hz() (float64, bool) { return e.hz, e.voiced }

// IsVoiced reports whether e carries a frequency.
func (e Estimate) IsVoiced() bool { return e.voiced }

func (e Estimate) String() string {
	if !e.voiced {
		return "unvoiced"
	}
	return fmt.Sprintf("%.2fHz", e.hz)
}

// At returns estimates[i], or [Unvoiced] when i is out of range. Reference and
// TTS tracks may differ in length; the shorter one reads as unvoiced past its
// end.
func At(estimates []Estimate, i int) Estimate {
	if i < 0 || i >= len(estimates) {
		return Unvoiced
	}
	return estimates[i]
}

// Semitones returns the shift that moves from to onto to, 12·log2(to/from).
// ok is false unless both estimates are voiced.
func Semitones(from, to Estimate) (steps float64, ok bool) {
	if !from.voiced || !to.voiced {
		return 0, false
	}
	return 12 * math.Log2(to.hz/from.hz), true
}

// VoicedRatio returns the fraction of voiced estimates, 0 for an empty track.
func VoicedRatio(estimates []Estimate) float64 {
	if len(estimates) == 0 {
		return 0
	}
	var n int
	for _, e := range estimates {
		if e.voiced {
			n++
		}
	}
	return float64(n) / float64(len(estimates))
}

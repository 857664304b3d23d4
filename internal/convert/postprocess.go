package convert

import (
	"math"

	"github.com/MrWong99/voxmatch/pkg/pitch"
)

// energyFloor is added to both RMS values so silent frames keep a finite gain.
const energyFloor = 1e-7

// RMS returns the root mean square of x, 0 for an empty slice. When the sum
// of squares overflows, x is rescaled by its peak first so very loud input
// still yields a finite value.
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	if !math.IsInf(sum, 0) {
		return math.Sqrt(sum / float64(len(x)))
	}

	var peak float64
	for _, v := range x {
		peak = max(peak, math.Abs(v))
	}
	if math.IsInf(peak, 0) {
		return peak
	}
	sum = 0
	for _, v := range x {
		sum += (v / peak) * (v / peak)
	}
	return peak * math.Sqrt(sum/float64(len(x)))
}

// MatchEnergy scales frame in place so that its RMS matches ref's, using
// (RMS(ref)+1e-7)/(RMS(frame)+1e-7) as the gain. A gain that is not finite
// leaves frame unchanged.
func MatchEnergy(frame, ref []float64) {
	gain := (RMS(ref) + energyFloor) / (RMS(frame) + energyFloor)
	if math.IsNaN(gain) || math.IsInf(gain, 0) {
		return
	}
	for i := range frame {
		frame[i] *= gain
	}
}

// FrameResult describes what [PostProcess] did to a frame.
type FrameResult struct {
	Samples []float64

	// Shifted is true when pitch correction was applied.
	Shifted bool

	// Steps is the applied shift in semitones.
	Steps float64
}

// PostProcess finishes one synthesised frame. When shifter is non-nil and
// both estimates are voiced, the frame is moved by 12·log2(ref/tts)
// semitones. The result is then rescaled to the energy of refFrame, the
// windowed reference frame. synth is not modified.
func PostProcess(synth, refFrame []float64, refPitch, ttsPitch pitch.Estimate, shifter *pitch.Shifter) FrameResult {
	res := FrameResult{}
	if shifter != nil {
		if steps, ok := pitch.Semitones(ttsPitch, refPitch); ok {
			res.Samples = shifter.Shift(synth, steps)
			res.Shifted = true
			res.Steps = steps
		}
	}
	if res.Samples == nil {
		res.Samples = make([]float64, len(synth))
		copy(res.Samples, synth)
	}
	MatchEnergy(res.Samples, refFrame)
	return res
}

package convert

import "math"

// TargetPeak is the absolute peak of a normalised conversion output.
const TargetPeak = 0.95

// OutputLength returns the overlap-add length for n frames,
// frameLength + hop·(n-1), or 0 when n is 0.
func OutputLength(n, frameLength, hop int) int {
	if n <= 0 {
		return 0
	}
	return frameLength + hop*(n-1)
}

// OverlapAdd sums frame i into a zeroed buffer at offset i·hop. Every frame
// must hold frameLength samples. No synthesis window or overlap compensation
// is applied.
func OverlapAdd(frames [][]float64, frameLength, hop int) []float64 {
	out := make([]float64, OutputLength(len(frames), frameLength, hop))
	for i, f := range frames {
		start := i * hop
		for n, v := range f[:min(len(f), frameLength)] {
			out[start+n] += v
		}
	}
	return out
}

// PeakNormalize scales x in place so that max|x| equals TargetPeak and
// returns the applied gain. Non-finite samples are zeroed first. All-zero
// input is left untouched with gain 1.
func PeakNormalize(x []float64) float64 {
	var peak float64
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x[i] = 0
			continue
		}
		peak = max(peak, math.Abs(v))
	}
	if peak == 0 {
		return 1
	}
	gain := TargetPeak / peak
	for i := range x {
		x[i] *= gain
	}
	return gain
}

package audio

import (
	"log/slog"
	"math"
)

// Format describes the sample rate and channel count of an interleaved PCM
// stream as delivered by decoders and TTS providers.
type Format struct {
	SampleRate int
	Channels   int
}

// PCM16ToFloat converts little-endian int16 PCM bytes into float samples in
// [-1, 1). A trailing odd byte is ignored and logged once per call.
func PCM16ToFloat(pcm []byte) []float64 {
	if len(pcm)%2 != 0 {
		slog.Warn("audio: odd byte count in PCM data, dropping last byte", "bytes", len(pcm))
	}
	out := make([]float64, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) / 32768
	}
	return out
}

// FloatToPCM16 converts float samples to little-endian int16 PCM bytes.
// Samples are clamped to the int16 range; non-finite samples become silence.
func FloatToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := FloatToInt16(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// FloatToInt16 scales a [-1, 1] sample to int16 with clamping.
func FloatToInt16(s float64) int16 {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	v := math.Round(s * 32767)
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}

// Downmix averages interleaved multi-channel samples into mono. When
// channels is 1 (or less) the input is returned unchanged.
func Downmix(interleaved []float64, channels int) []float64 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float64, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// Resample converts b to dstRate using linear interpolation. If the rates
// already match, b is returned unchanged (no copy). Invalid rates return b
// unchanged as well; callers validate rates beforehand.
func Resample(b SampleBuffer, dstRate int) SampleBuffer {
	if b.SampleRate <= 0 || dstRate <= 0 || b.SampleRate == dstRate {
		return b
	}
	return SampleBuffer{
		Samples:    ResampleLinear(b.Samples, b.SampleRate, dstRate),
		SampleRate: dstRate,
	}
}

// ResampleLinear resamples mono float samples from srcRate to dstRate using
// linear interpolation between neighbouring input samples.
func ResampleLinear(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	return stretch(samples, dstLen, float64(srcRate)/float64(dstRate))
}

// stretch produces n samples by reading src at positions i*step using linear
// interpolation. Positions past the end hold the last sample.
func stretch(src []float64, n int, step float64) []float64 {
	out := make([]float64, n)
	if len(src) == 0 {
		return out
	}
	last := len(src) - 1
	for i := range n {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = src[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = src[idx]*(1-frac) + src[idx+1]*frac
	}
	return out
}

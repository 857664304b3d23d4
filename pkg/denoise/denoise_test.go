package denoise

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/voxmatch/pkg/audio"
)

const rate = 16000

func rms(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// noisyTone is one second of white noise followed by one second of a 440 Hz
// tone over the same noise.
func noisyTone() (noisy, clean []float64) {
	r := rand.New(rand.NewPCG(42, 7))
	noisy = make([]float64, 2*rate)
	clean = make([]float64, 2*rate)
	for i := range noisy {
		n := 0.05 * (r.Float64()*2 - 1)
		if i >= rate {
			clean[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/rate)
		}
		noisy[i] = clean[i] + n
	}
	return noisy, clean
}

func TestSpectralSubtraction(t *testing.T) {
	noisy, clean := noisyTone()
	out, err := SpectralSubtraction(audio.NewSampleBuffer(noisy, rate), Config{})
	if err != nil {
		t.Fatalf("SpectralSubtraction: %v", err)
	}
	if out.Len() != len(noisy) || out.SampleRate != rate {
		t.Fatalf("got %d samples at %d Hz, want %d at %d", out.Len(), out.SampleRate, len(noisy), rate)
	}

	// Skip the edges of the noise-only region where the STFT has less support.
	before := rms(noisy[2048 : rate-2048])
	after := rms(out.Samples[2048 : rate-2048])
	if after > 0.6*before {
		t.Errorf("noise rms %.4f -> %.4f, want at least 40%% reduction", before, after)
	}

	toneIn := rms(clean[rate+2048 : 2*rate-2048])
	toneOut := rms(out.Samples[rate+2048 : 2*rate-2048])
	if toneOut < 0.8*toneIn || toneOut > 1.1*toneIn {
		t.Errorf("tone rms %.4f -> %.4f, want preserved", toneIn, toneOut)
	}
}

func TestSpectralSubtraction_InvalidBuffer(t *testing.T) {
	if _, err := SpectralSubtraction(audio.NewSampleBuffer([]float64{0}, 0), Config{}); !errors.Is(err, audio.ErrInvalidSampleRate) {
		t.Errorf("err = %v, want ErrInvalidSampleRate", err)
	}
}

func TestMedianFilter(t *testing.T) {
	noisy, _ := noisyTone()
	out, err := MedianFilter(audio.NewSampleBuffer(noisy, rate), 3)
	if err != nil {
		t.Fatalf("MedianFilter: %v", err)
	}
	if out.Len() != len(noisy) {
		t.Fatalf("len = %d, want %d", out.Len(), len(noisy))
	}
	for i, v := range out.Samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("sample %d not finite", i)
		}
	}
	if _, err := MedianFilter(audio.NewSampleBuffer(noisy, rate), 0); err == nil {
		t.Error("expected error for size 0")
	}
}

func TestApply(t *testing.T) {
	buf := audio.NewSampleBuffer([]float64{0.1, 0.2, 0.3}, rate)
	got, err := Apply(buf, Config{Method: MethodNone})
	if err != nil {
		t.Fatalf("Apply none: %v", err)
	}
	if &got.Samples[0] != &buf.Samples[0] {
		t.Error("MethodNone should return the input buffer")
	}
	if _, err := Apply(buf, Config{Method: "wiener"}); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("err = %v, want ErrUnknownMethod", err)
	}
	for _, m := range []Method{MethodSpectralSubtraction, MethodMedianFilter} {
		out, err := Apply(audio.NewSampleBuffer(make([]float64, 4096), rate), Config{Method: m})
		if err != nil {
			t.Errorf("%s: %v", m, err)
			continue
		}
		if out.Len() != 4096 {
			t.Errorf("%s: len = %d", m, out.Len())
		}
	}
}

func TestMethod_IsValid(t *testing.T) {
	tests := []struct {
		m    Method
		want bool
	}{
		{MethodNone, true},
		{MethodSpectralSubtraction, true},
		{MethodMedianFilter, true},
		{"gate", false},
	}
	for _, tt := range tests {
		if got := tt.m.IsValid(); got != tt.want {
			t.Errorf("%q.IsValid() = %v, want %v", tt.m, got, tt.want)
		}
	}
}

func TestMedian2D(t *testing.T) {
	impulse := [][]float64{
		{0, 0, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 9, 0},
		{0, 0, 0, 0},
	}
	for r, row := range Median2D(impulse, 3) {
		for c, v := range row {
			if v != 0 {
				t.Errorf("impulse survived at (%d,%d) = %v", r, c, v)
			}
		}
	}

	ramp := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	got := Median2D(ramp, 3)
	// Centre sees the whole matrix; the corner mirrors to {1,1,2,1,1,2,4,4,5}.
	if got[1][1] != 5 {
		t.Errorf("centre = %v, want 5", got[1][1])
	}
	if got[0][0] != 2 {
		t.Errorf("corner = %v, want 2", got[0][0])
	}
	if len(Median2D(nil, 3)) != 0 {
		t.Error("empty input should give empty output")
	}
}

func TestReflect(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{0, 4, 0},
		{3, 4, 3},
		{-1, 4, 0},
		{-2, 4, 1},
		{4, 4, 3},
		{5, 4, 2},
		{7, 1, 0},
	}
	for _, tt := range tests {
		if got := reflect(tt.i, tt.n); got != tt.want {
			t.Errorf("reflect(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}

func TestNoiseFloor(t *testing.T) {
	x := make([]float64, 1000)
	for i := 500; i < 1000; i++ {
		x[i] = 1
	}
	if got := NoiseFloor(x, 100); got != 0 {
		t.Errorf("NoiseFloor = %v, want 0", got)
	}
	if got := NoiseFloor(x[:50], 100); got != 0 {
		t.Errorf("short input: %v, want 0", got)
	}
}

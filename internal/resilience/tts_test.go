package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxmatch/pkg/provider/tts/mock"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m, reader
}

// requestCounts returns provider/status -> count for voxmatch.provider.requests.
func requestCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxmatch.provider.requests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				p, _ := dp.Attributes.Value("provider")
				s, _ := dp.Attributes.Value("status")
				out[p.AsString()+"/"+s.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestTTSFallback_Synthesize(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeResult: audio.NewSampleBuffer([]float64{0.1, 0.2}, 22050)}
	m, reader := newTestMetrics(t)

	fb := NewTTSFallback("elevenlabs", primary, CircuitBreakerConfig{MaxFailures: 3}, m)
	fb.AddFallback("coqui", secondary)

	buf, err := fb.Synthesize(context.Background(), "hello", tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if buf.Len() != 2 || buf.SampleRate != 22050 {
		t.Errorf("buffer = %+v", buf)
	}
	if calls := secondary.Calls(); len(calls) != 1 || calls[0].Text != "hello" || calls[0].Voice.ID != "v1" {
		t.Errorf("secondary calls = %+v", calls)
	}

	counts := requestCounts(t, reader)
	if counts["elevenlabs/error"] != 1 || counts["coqui/ok"] != 1 {
		t.Errorf("request counts = %v", counts)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	m, _ := newTestMetrics(t)
	fb := NewTTSFallback("a", &ttsmock.Provider{SynthesizeErr: errTest}, CircuitBreakerConfig{}, m)
	fb.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errTest})

	_, err := fb.Synthesize(context.Background(), "hi", tts.Voice{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Errorf("err = %v", err)
	}
	if got := fb.Providers(); len(got) != 2 || got[0] != "a" {
		t.Errorf("providers = %v", got)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	m, _ := newTestMetrics(t)
	primary := &ttsmock.Provider{ListVoicesErr: errTest}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.Voice{{ID: "v1", Name: "Alice"}}}
	fb := NewTTSFallback("a", primary, CircuitBreakerConfig{}, m)
	fb.AddFallback("b", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("voices = %+v", voices)
	}
	if primary.ListVoicesCalls != 1 || secondary.ListVoicesCalls != 1 {
		t.Errorf("calls = %d/%d", primary.ListVoicesCalls, secondary.ListVoicesCalls)
	}
}

func TestTTSFallback_Check(t *testing.T) {
	m, _ := newTestMetrics(t)
	cb := CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}
	fb := NewTTSFallback("a", &ttsmock.Provider{SynthesizeErr: errTest}, cb, m)
	fb.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errTest})

	if err := fb.Check(context.Background()); err != nil {
		t.Fatalf("fresh breakers: %v", err)
	}
	_, _ = fb.Synthesize(context.Background(), "hi", tts.Voice{})
	if err := fb.Check(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("all open: err = %v", err)
	}
}

package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the data point of an int64 sum carrying
// key=value, and whether it was found.
func sumFor(t *testing.T, met *metricdata.Metrics, key, value string) (int64, bool) {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxmatch.frame.duration", m.FrameDuration},
		{"voxmatch.pitch.duration", m.PitchDuration},
		{"voxmatch.tts.duration", m.TTSDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.0012)
		tc.h.Record(ctx, 0.0034)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordConversion(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConversion(ctx, StatusDone, 0.8)
	m.RecordConversion(ctx, StatusDone, 1.2)
	m.RecordConversion(ctx, StatusFailed, 0.01)

	rm := collect(t, reader)
	met := findMetric(rm, "voxmatch.conversions")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := sumFor(t, met, "status", StatusDone); !ok || got != 2 {
		t.Errorf("done = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumFor(t, met, "status", StatusFailed); !ok || got != 1 {
		t.Errorf("failed = %d (found %v), want 1", got, ok)
	}

	dur := findMetric(rm, "voxmatch.conversion.duration")
	if dur == nil {
		t.Fatal("duration metric not found")
	}
	var total uint64
	for _, dp := range dur.Data.(metricdata.Histogram[float64]).DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("duration samples = %d, want 3", total)
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesProcessed.Add(ctx, 30)
	m.ReplacedSamples.Add(ctx, 4)
	m.PitchShifts.Add(ctx, 12)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"voxmatch.frames.processed": 30,
		"voxmatch.samples.replaced": 4,
		"voxmatch.pitch.shifts":     12,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("metric %q not found", name)
			continue
		}
		sum := met.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != want {
			t.Errorf("%s = %v, want %d", name, sum.DataPoints, want)
		}
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "error")
	m.RecordProviderError(ctx, "elevenlabs", "tts")

	rm := collect(t, reader)
	req := findMetric(rm, "voxmatch.provider.requests")
	if req == nil {
		t.Fatal("requests metric not found")
	}
	if got, ok := sumFor(t, req, "status", "ok"); !ok || got != 2 {
		t.Errorf("ok requests = %d (found %v), want 2", got, ok)
	}
	errs := findMetric(rm, "voxmatch.provider.errors")
	if errs == nil {
		t.Fatal("errors metric not found")
	}
	if got, ok := sumFor(t, errs, "provider", "elevenlabs"); !ok || got != 1 {
		t.Errorf("errors = %d (found %v), want 1", got, ok)
	}
}

func TestActiveConversions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConversions.Add(ctx, 1)
	m.ActiveConversions.Add(ctx, 1)
	m.ActiveConversions.Add(ctx, -1)

	met := findMetric(collect(t, reader), "voxmatch.active_conversions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active = %v, want 1", sum.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

package resilience

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] over several backends, failing over
// in configuration order. Every attempt is counted in the provider metrics.
type TTSFallback struct {
	group   *Group[tts.Provider]
	metrics *observe.Metrics
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] preferring primary. A nil m records
// on [observe.DefaultMetrics].
func NewTTSFallback(primaryName string, primary tts.Provider, cb CircuitBreakerConfig, m *observe.Metrics) *TTSFallback {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	f := &TTSFallback{metrics: m}
	f.group = NewGroup(primaryName, primary, GroupConfig{
		CircuitBreaker: cb,
		Observer:       f.observe,
	})
	return f
}

// AddFallback registers another backend after those already present.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.Add(name, p)
}

// Providers returns the backend names in preference order.
func (f *TTSFallback) Providers() []string { return f.group.Names() }

func (f *TTSFallback) observe(ctx context.Context, a Attempt) {
	status := "ok"
	switch {
	case a.Skipped:
		status = "skipped"
	case a.Err != nil:
		status = "error"
		f.metrics.RecordProviderError(ctx, a.Name, "tts")
	}
	f.metrics.RecordProviderRequest(ctx, a.Name, "tts", status)
}

// Synthesize renders text on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.SampleBuffer, error) {
	ctx, span := observe.StartSpan(ctx, "tts.Synthesize",
		trace.WithAttributes(attribute.Int("text.length", len(text)), attribute.String("voice", voice.ID)))
	defer span.End()

	buf, err := Do(ctx, f.group, func(ctx context.Context, name string, p tts.Provider) (audio.SampleBuffer, error) {
		start := time.Now()
		buf, err := p.Synthesize(ctx, text, voice)
		f.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", name)))
		if err != nil {
			span.AddEvent("provider failed", trace.WithAttributes(attribute.String("provider", name)))
			span.RecordError(err)
			return buf, err
		}
		span.SetAttributes(attribute.String("provider", name), attribute.Int("samples", buf.Len()))
		return buf, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return buf, err
}

// ListVoices returns the catalogue of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return Do(ctx, f.group, func(ctx context.Context, _ string, p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}

// Check returns an error wrapping [ErrCircuitOpen] when every backend's
// breaker is open. It does not contact the backends.
func (f *TTSFallback) Check(context.Context) error {
	for _, name := range f.group.Names() {
		if f.group.Breaker(name).State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("tts: all %d providers unavailable: %w", len(f.group.Names()), ErrCircuitOpen)
}

package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every voxmatch span.
const tracerName = "github.com/MrWong99/voxmatch"

// Attribute keys shared by spans and the service resource.
const (
	AttrLPCOrder        = attribute.Key("voxmatch.lpc.order")
	AttrFrameLength     = attribute.Key("voxmatch.frame.length")
	AttrHopLength       = attribute.Key("voxmatch.hop.length")
	AttrMethod          = attribute.Key("voxmatch.lpc.method")
	AttrPitchCorrection = attribute.Key("voxmatch.pitch.correction")
	AttrJobID           = attribute.Key("voxmatch.job.id")
	AttrInput           = attribute.Key("voxmatch.input")
)

// Conversion is the analysis geometry of one conversion run.
type Conversion struct {
	LPCOrder        int
	FrameLength     int
	HopLength       int
	Method          string
	PitchCorrection bool
}

// Attributes returns c as span attributes. An empty method is reported as
// "autocorrelation".
func (c Conversion) Attributes() []attribute.KeyValue {
	method := c.Method
	if method == "" {
		method = "autocorrelation"
	}
	return []attribute.KeyValue{
		AttrLPCOrder.Int(c.LPCOrder),
		AttrFrameLength.Int(c.FrameLength),
		AttrHopLength.Int(c.HopLength),
		AttrMethod.String(method),
		AttrPitchCorrection.Bool(c.PitchCorrection),
	}
}

// StartSpan starts a span on the global tracer provider. The caller must end
// it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartConversionSpan starts a span stamped with c and any extra attributes.
func StartConversionSpan(ctx context.Context, name string, c Conversion, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := append(c.Attributes(), extra...)
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
// Jobs keep it so a conversion can be found in the trace backend.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// With adds trace_id and span_id from ctx to l. Without a span l is returned
// unchanged.
func With(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

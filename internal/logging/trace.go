// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package logging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanExporter writes finished spans to a logger at debug level, or at warn
// level when the span ended in error.
type spanExporter struct {
	log *Logger
}

// NewSpanExporter returns an OpenTelemetry exporter that logs spans.
func NewSpanExporter(log *Logger) sdktrace.SpanExporter {
	return &spanExporter{log: log.OrNop()}
}

func (e *spanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		kv := []any{
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
		}
		for _, a := range s.Attributes() {
			kv = append(kv, string(a.Key), attrValue(a.Value))
		}
		if st := s.Status(); st.Code == codes.Error {
			e.log.Warn("span failed", append(kv, "status", st.Description)...)
			continue
		}
		e.log.Debug("span", kv...)
	}
	return nil
}

func (e *spanExporter) Shutdown(context.Context) error { return nil }

func attrValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	}
	return v.Emit()
}

// InitTracing installs a global tracer provider that samples ratio of root
// spans (all when ratio is outside (0,1)) and logs them. The returned
// function flushes and shuts the provider down.
func InitTracing(log *Logger, ratio float64) func(context.Context) error {
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(NewSpanExporter(log)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

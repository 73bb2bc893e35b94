// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSpanExporterLogsSpans(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewSpanExporter(FromZap(zap.New(core)))))
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()
	tr := tp.Tracer("test")

	_, ok := tr.Start(context.Background(), "stage.analysis")
	ok.SetAttributes(attribute.String("job.id", "j1"), attribute.Int("stage", 1))
	ok.End()

	_, bad := tr.Start(context.Background(), "provider.text")
	bad.RecordError(errors.New("rate limited"))
	bad.SetStatus(codes.Error, "rate_limit")
	bad.End()

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "span", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "stage.analysis", fields["span"])
	assert.Equal(t, "j1", fields["job.id"])
	assert.EqualValues(t, 1, fields["stage"])

	assert.Equal(t, "span failed", entries[1].Message)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "rate_limit", entries[1].ContextMap()["status"])
}

func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.OrNop().Info("ignored", "k", "v") })
	assert.NotPanics(t, func() { Nop().With("a", 1).Debug("ignored") })
}

package sinks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/cleancrawl/internal/progress"
)

func TestLogSinkLevelsAndFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	batch := []progress.Event{
		{Kind: progress.KindTaskSucceeded, URL: "https://a.test/"},
		{Kind: progress.KindWorkerPanic, URL: "https://a.test/boom", Reason: "nil map"},
		{Kind: progress.KindIdentityCooldown, Domain: "a.test", Identity: "id-1"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	require.Equal(t, "nil map", entries[1].ContextMap()["reason"])
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "id-1", entries[2].ContextMap()["identity"])
}

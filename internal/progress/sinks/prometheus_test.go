package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cleancrawl/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{
			Kind:        progress.KindFetchDone,
			Domain:      "example.com",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{Kind: progress.KindIdentityCooldown, Domain: "example.com"},
		{Kind: progress.KindRateLimited, Domain: "example.com"},
		{Kind: progress.KindDocumentWritten},
		{Kind: progress.KindDuplicateSuppressed},
		{Kind: progress.KindDuplicateSuppressed},
		{Kind: progress.KindCrawlComplete, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("example.com", "2xx")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.cooldowns.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.rateLimited.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.documents), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.duplicates), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues(string(progress.KindDuplicateSuppressed))), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "cleancrawl_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.crawlRuntime, "cleancrawl_crawl_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/cleancrawl/internal/progress"
)

// PrometheusSink exports crawl events as Prometheus collectors.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	cooldowns     *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	documents     prometheus.Counter
	duplicates    prometheus.Counter
	crawlRuntime  prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleancrawl_events_total",
			Help: "Crawl events partitioned by kind.",
		}, []string{"kind"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleancrawl_fetch_requests_total",
			Help: "Fetch completions partitioned by domain and status class.",
		}, []string{"domain", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleancrawl_fetch_bytes_total",
			Help: "Bytes downloaded per domain.",
		}, []string{"domain"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cleancrawl_fetch_duration_seconds",
			Help:    "Fetch latency partitioned by domain.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleancrawl_identity_cooldowns_total",
			Help: "Identity cooldowns started per domain.",
		}, []string{"domain"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cleancrawl_rate_limited_total",
			Help: "Permit acquisitions that timed out per domain.",
		}, []string{"domain"}),
		documents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cleancrawl_documents_written_total",
			Help: "Documents handed to the output sink.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cleancrawl_duplicates_suppressed_total",
			Help: "Documents suppressed as duplicate content.",
		}),
		crawlRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cleancrawl_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.fetches,
		s.fetchBytes,
		s.fetchDuration,
		s.cooldowns,
		s.rateLimited,
		s.documents,
		s.duplicates,
		s.crawlRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case progress.KindFetchDone:
			s.observeFetch(evt)
		case progress.KindIdentityCooldown:
			s.cooldowns.WithLabelValues(evt.Domain).Inc()
		case progress.KindRateLimited:
			s.rateLimited.WithLabelValues(evt.Domain).Inc()
		case progress.KindDocumentWritten:
			s.documents.Inc()
		case progress.KindDuplicateSuppressed:
			s.duplicates.Inc()
		case progress.KindCrawlComplete:
			if evt.Dur > 0 {
				s.crawlRuntime.Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetches.WithLabelValues(evt.Domain, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(evt.Domain).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(evt.Domain).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// Package hybrid probes pages over plain HTTP and re-renders them in a
// headless browser when the probe looks like a JavaScript app shell.
package hybrid

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

// Fetcher combines a probe fetcher, a renderer and a promotion detector.
type Fetcher struct {
	probe    crawler.Fetcher
	headless crawler.Fetcher
	detector crawler.HeadlessDetector
	logger   *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a hybrid fetcher. A nil headless fetcher or detector disables
// promotion.
func New(probe, headless crawler.Fetcher, detector crawler.HeadlessDetector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch runs the probe and promotes when needed. A failed render falls back
// to the probe result unless the caller's context ended.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	res, err := f.probe.Fetch(ctx, request)
	if err != nil {
		return res, err
	}
	if f.headless == nil || f.detector == nil || !f.detector.ShouldPromote(res) {
		return res, nil
	}

	f.logger.Debug("promoting to headless", zap.String("url", request.URL), zap.String("identity", request.Identity.ID))
	rendered, err := f.headless.Fetch(ctx, request)
	if err == nil {
		return rendered, nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return crawler.FetchResult{}, err
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.Kind == crawler.FetchBlocked {
		return rendered, err
	}
	f.logger.Warn("headless render failed; using probe",
		zap.String("url", request.URL),
		zap.Error(err),
	)
	return res, nil
}

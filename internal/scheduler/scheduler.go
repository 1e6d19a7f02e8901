package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/clock/system"
	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/frontier"
	"github.com/JakeFAU/cleancrawl/internal/progress"
)

var (
	// ErrAlreadyRun is returned when Run is called a second time.
	ErrAlreadyRun = errors.New("scheduler already ran")
	// ErrNoSeeds is returned when the frontier is empty at start.
	ErrNoSeeds = errors.New("no valid seeds")
)

const reasonCanceled = "canceled"

// Status is the terminal state of a crawl.
type Status string

// Crawl statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Stats is a live view of crawl progress.
type Stats struct {
	Status             Status         `json:"status"`
	Frontier           frontier.Stats `json:"frontier"`
	Fetches            int64          `json:"fetches"`
	Documents          int64          `json:"documents"`
	Duplicates         int64          `json:"duplicates"`
	ExtractionFailures int64          `json:"extraction_failures"`
	WriteFailures      int64          `json:"write_failures"`
	Panics             int64          `json:"panics"`
}

// Result is returned once when Run finishes.
type Result struct {
	Status  Status        `json:"status"`
	Stats   Stats         `json:"stats"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Deps are the collaborators a Scheduler drives. Robots, Links, Emitter,
// Tracer, Clock and Logger are optional.
type Deps struct {
	Frontier   *frontier.Frontier
	Identities IdentityPool
	Limiter    RateLimiter
	Fetcher    crawler.Fetcher
	Extractor  crawler.Extractor
	Dedup      crawler.DedupCache
	Sink       crawler.Sink
	Robots     crawler.RobotsPolicy
	Links      *crawler.LinkPolicy
	Emitter    progress.Emitter
	Tracer     trace.Tracer
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Scheduler coordinates a single crawl run.
type Scheduler struct {
	cfg Config
	Deps

	started atomic.Bool
	status  atomic.Value

	fetches            atomic.Int64
	documents          atomic.Int64
	duplicates         atomic.Int64
	extractionFailures atomic.Int64
	writeFailures      atomic.Int64
	panics             atomic.Int64
	consecutiveDrops   atomic.Int64

	fatalOnce sync.Once
	fatalErr  error
	halt      context.CancelFunc

	delays sync.Map
}

// New validates deps and fills defaults.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Frontier == nil:
		return nil, errors.New("scheduler: frontier is required")
	case deps.Identities == nil:
		return nil, errors.New("scheduler: identity pool is required")
	case deps.Limiter == nil:
		return nil, errors.New("scheduler: rate limiter is required")
	case deps.Fetcher == nil:
		return nil, errors.New("scheduler: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("scheduler: extractor is required")
	case deps.Dedup == nil:
		return nil, errors.New("scheduler: dedup cache is required")
	case deps.Sink == nil:
		return nil, errors.New("scheduler: sink is required")
	}
	if deps.Robots == nil {
		deps.Robots = crawler.AllowAllRobots{}
	}
	if deps.Links == nil {
		deps.Links = crawler.NewLinkPolicy(crawler.LinkPolicyConfig{})
	}
	deps.Emitter = progress.OrNop(deps.Emitter)
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/cleancrawl/internal/scheduler")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Scheduler{cfg: cfg.withDefaults(), Deps: deps}
	s.status.Store(StatusRunning)
	return s, nil
}

// Stats returns live counters. Safe to call while Run is in progress.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Status:             s.status.Load().(Status),
		Frontier:           s.Frontier.Stats(),
		Fetches:            s.fetches.Load(),
		Documents:          s.documents.Load(),
		Duplicates:         s.duplicates.Load(),
		ExtractionFailures: s.extractionFailures.Load(),
		WriteFailures:      s.writeFailures.Load(),
		Panics:             s.panics.Load(),
	}
}

// Run seeds the frontier and blocks until the crawl ends. It returns the
// crawl-fatal error, if any, alongside the Result. Cancellation of ctx is not
// an error; the Result reports StatusCanceled.
func (s *Scheduler) Run(ctx context.Context, seeds []crawler.Seed) (Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRun
	}
	start := s.Clock.Now()

	accepted := s.seed(seeds)
	if s.Frontier.Stats().Total == 0 {
		s.status.Store(StatusFailed)
		return Result{Status: StatusFailed, Stats: s.Stats()}, ErrNoSeeds
	}
	s.emit(progress.Event{Kind: progress.KindCrawlStart, Reason: fmt.Sprintf("%d seeds", accepted)})
	s.Logger.Info("crawl started",
		zap.Int("seeds", accepted),
		zap.Int("workers", s.cfg.MaxConcurrency),
		zap.Int("max_depth", s.cfg.MaxDepth),
	)

	dequeueCtx, stopDequeue := context.WithCancel(ctx)
	defer stopDequeue()
	// In-flight work outlives ctx by the grace period.
	workCtx, cutWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cutWork()
	s.halt = func() {
		stopDequeue()
		cutWork()
	}

	finished := make(chan struct{})
	go s.enforceGrace(ctx, finished, cutWork)

	var wg sync.WaitGroup
	for i := range s.cfg.MaxConcurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(dequeueCtx, workCtx, id)
		}(i)
	}
	wg.Wait()
	close(finished)

	status := StatusCompleted
	switch {
	case s.fatalErr != nil:
		status = StatusFailed
	case ctx.Err() != nil:
		status = StatusCanceled
	}
	s.status.Store(status)
	elapsed := s.Clock.Now().Sub(start)
	result := Result{Status: status, Stats: s.Stats(), Elapsed: elapsed}

	s.emit(progress.Event{Kind: progress.KindCrawlComplete, Dur: elapsed, Reason: string(status)})
	s.Logger.Info("crawl finished",
		zap.String("status", string(status)),
		zap.Int64("documents", result.Stats.Documents),
		zap.Int("abandoned", result.Stats.Frontier.Abandoned),
		zap.Duration("elapsed", elapsed),
	)
	return result, s.fatalErr
}

func (s *Scheduler) enforceGrace(ctx context.Context, finished <-chan struct{}, cut context.CancelFunc) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}
	s.Logger.Info("crawl canceled; draining in-flight tasks", zap.Duration("grace_period", s.cfg.GracePeriod))
	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		cut()
	}
}

func (s *Scheduler) seed(seeds []crawler.Seed) int {
	accepted := 0
	for _, sd := range seeds {
		normalized, err := crawler.NormalizeURL(sd.URL)
		if err != nil || !isHTTP(normalized) {
			s.Logger.Warn("skipping invalid seed", zap.String("url", sd.URL), zap.Error(err))
			continue
		}
		s.Links.AddSeed(normalized)
		task := crawler.URLTask{URL: normalized, Priority: s.cfg.SeedPriority}
		if sd.Priority != nil {
			task.Priority = *sd.Priority
		}
		if sd.Depth != nil {
			task.Depth = *sd.Depth
		}
		if s.Frontier.Enqueue(task) {
			accepted++
			s.emit(progress.Event{Kind: progress.KindTaskEnqueued, URL: normalized, Domain: crawler.Hostname(normalized)})
		}
	}
	return accepted
}

func (s *Scheduler) worker(dequeueCtx, workCtx context.Context, id int) {
	logger := s.Logger.With(zap.Int("worker", id))
	for {
		task, err := s.Frontier.Dequeue(dequeueCtx)
		if err != nil {
			if !errors.Is(err, frontier.ErrDrained) && !errors.Is(err, frontier.ErrClosed) && dequeueCtx.Err() == nil {
				logger.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		outcome := s.runTask(dequeueCtx, workCtx, task, logger)
		s.finish(task, outcome, logger)
	}
}

// runTask isolates a task so a panic abandons it instead of the worker. Once
// stopCtx is done the task may still succeed, but it is never retried or
// requeued.
func (s *Scheduler) runTask(stopCtx, ctx context.Context, task crawler.URLTask, logger *zap.Logger) (out crawler.TaskOutcome) {
	ctx, span := s.Tracer.Start(ctx, "crawl.task", trace.WithAttributes(
		attribute.String("url", task.URL),
		attribute.Int("depth", task.Depth),
		attribute.Int("attempt", task.AttemptCount+1),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("resolution", out.Resolution.String()),
			attribute.String("reason", out.Reason),
		)
		if out.Resolution == crawler.ResolveAbandon {
			span.SetStatus(codes.Error, out.Reason)
		}
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			logger.Error("task panicked",
				zap.String("url", task.URL),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.emit(progress.Event{
				Kind:   progress.KindWorkerPanic,
				URL:    task.URL,
				Domain: crawler.Hostname(task.URL),
				Reason: fmt.Sprint(r),
			})
			out = abandon(fmt.Sprintf("panic: %v", r))
		}
	}()
	out = s.process(ctx, task, logger)
	if stopCtx.Err() != nil {
		switch out.Resolution {
		case crawler.ResolveRetry, crawler.ResolveRequeue:
			out = abandon(reasonCanceled)
		}
	}
	return out
}

func (s *Scheduler) process(ctx context.Context, task crawler.URLTask, logger *zap.Logger) crawler.TaskOutcome {
	domain := crawler.Hostname(task.URL)
	if domain == "" {
		return abandon("invalid url")
	}
	if ctx.Err() != nil {
		return abandon(reasonCanceled)
	}
	if !s.Robots.Allowed(ctx, task.URL) {
		return abandon(crawler.ErrRobotsDisallowed.Error())
	}
	s.applyCrawlDelay(ctx, domain, task.URL)

	res, err := s.fetch(ctx, task, domain, logger)
	if err != nil {
		return s.fetchFailure(ctx, task, err, logger)
	}
	return s.handleDocument(ctx, task, res, logger)
}

// fetch holds a permit and an identity for exactly the duration of the fetch.
func (s *Scheduler) fetch(ctx context.Context, task crawler.URLTask, domain string, logger *zap.Logger) (crawler.FetchResult, error) {
	permit, err := s.Limiter.Acquire(ctx, domain)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	outcome := crawler.OutcomeNeutral
	defer func() { s.Limiter.Release(permit, outcome) }()

	lease, err := s.Identities.Checkout(ctx, domain)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	released := false
	defer func() {
		if !released {
			_ = s.Identities.Release(lease, crawler.OutcomeNeutral)
		}
	}()

	res, err := s.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:      task.URL,
		Depth:    task.Depth,
		Identity: lease.Identity,
		Timeout:  s.cfg.FetchTimeout,
	})
	outcome = outcomeOf(err)
	released = true
	if rerr := s.Identities.Release(lease, outcome); rerr != nil {
		logger.Warn("identity release failed", zap.String("identity", lease.Identity.ID), zap.Error(rerr))
	}

	s.fetches.Add(1)
	evt := progress.Event{
		Kind:     progress.KindFetchDone,
		Domain:   domain,
		URL:      task.URL,
		Identity: lease.Identity.ID,
		Attempt:  task.AttemptCount + 1,
		Bytes:    int64(len(res.Body)),
		Dur:      res.Latency,
	}
	if res.StatusCode > 0 {
		evt.StatusClass = progress.ClassifyStatus(res.StatusCode)
	}
	if err != nil {
		evt.Reason = err.Error()
	}
	s.emit(evt)
	logger.Debug("fetched",
		zap.String("url", task.URL),
		zap.String("domain", domain),
		zap.String("identity", lease.Identity.ID),
		zap.Int("status", res.StatusCode),
		zap.Int("attempt", task.AttemptCount+1),
		zap.Error(err),
	)

	res.Task = task
	return res, err
}

// outcomeOf maps a fetch error onto identity and budget feedback.
func outcomeOf(err error) crawler.Outcome {
	var fe *crawler.FetchError
	switch {
	case err == nil:
		return crawler.OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return crawler.OutcomeNeutral
	case errors.As(err, &fe):
		switch fe.Kind {
		case crawler.FetchBlocked:
			return crawler.OutcomeBlocked
		case crawler.FetchPermanent:
			return crawler.OutcomeNeutral
		}
	}
	return crawler.OutcomeFailure
}

func (s *Scheduler) fetchFailure(ctx context.Context, task crawler.URLTask, err error, logger *zap.Logger) crawler.TaskOutcome {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return abandon(reasonCanceled)
	case errors.Is(err, crawler.ErrNoIdentityAvailable), errors.Is(err, crawler.ErrRateLimitTimeout):
		logger.Debug("resources exhausted; requeueing", zap.String("url", task.URL), zap.Error(err))
		return crawler.TaskOutcome{Resolution: crawler.ResolveRequeue, Reason: err.Error()}
	case crawler.IsKind(err, crawler.FetchPermanent):
		return abandon(err.Error())
	default:
		return crawler.TaskOutcome{Resolution: crawler.ResolveRetry, Reason: err.Error()}
	}
}

func (s *Scheduler) handleDocument(ctx context.Context, task crawler.URLTask, res crawler.FetchResult, logger *zap.Logger) crawler.TaskOutcome {
	domain := crawler.Hostname(task.URL)
	doc, err := s.Extractor.Extract(res)
	if err != nil {
		s.extractionFailures.Add(1)
		s.emit(progress.Event{Kind: progress.KindExtractionFailed, URL: task.URL, Domain: domain, Reason: err.Error()})
		logger.Debug("extraction failed", zap.String("url", task.URL), zap.Error(err))
		return abandon(err.Error())
	}
	s.discover(task, doc)

	recorded := true
	verdict, err := s.Dedup.CheckAndRecord(ctx, doc.ContentFingerprint, task.URL)
	if err != nil {
		logger.Warn("dedup check failed; writing anyway", zap.String("url", task.URL), zap.Error(err))
		verdict, recorded = crawler.VerdictNew, false
	}
	if verdict == crawler.VerdictDuplicate {
		s.duplicates.Add(1)
		s.emit(progress.Event{Kind: progress.KindDuplicateSuppressed, URL: task.URL, Domain: domain})
		return succeeded("duplicate content")
	}

	if err := s.write(ctx, doc, logger); err != nil {
		if recorded {
			if ferr := s.Dedup.Forget(context.WithoutCancel(ctx), doc.ContentFingerprint); ferr != nil {
				logger.Warn("dedup forget failed", zap.String("url", task.URL), zap.Error(ferr))
			}
		}
		if ctx.Err() != nil {
			return abandon(reasonCanceled)
		}
		s.dropped(task, err, logger)
		return abandon(err.Error())
	}
	s.consecutiveDrops.Store(0)
	s.documents.Add(1)
	s.emit(progress.Event{
		Kind:   progress.KindDocumentWritten,
		URL:    task.URL,
		Domain: domain,
		Bytes:  int64(len(doc.CleanText)),
	})
	return succeeded("")
}

// discover enqueues the document's links one level deeper.
func (s *Scheduler) discover(task crawler.URLTask, doc crawler.ExtractedDocument) {
	depth := task.Depth + 1
	if depth > s.cfg.MaxDepth {
		return
	}
	if s.cfg.MaxPages > 0 && s.documents.Load() >= int64(s.cfg.MaxPages) {
		return
	}
	priority := task.Priority * s.cfg.LinkPriorityFactor
	for _, link := range doc.ExtractedLinks {
		if !s.Links.Allow(link) {
			continue
		}
		child := crawler.URLTask{URL: link, Depth: depth, Priority: priority, DiscoveredFrom: task.URL}
		if s.Frontier.Enqueue(child) {
			s.emit(progress.Event{Kind: progress.KindTaskEnqueued, URL: link, Domain: crawler.Hostname(link)})
		}
	}
}

// write tries the sink up to 1+MaxWriteRetries times.
func (s *Scheduler) write(ctx context.Context, doc crawler.ExtractedDocument, logger *zap.Logger) error {
	var err error
	for attempt := 0; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, s.cfg.WriteBackoff.Backoff(attempt)); werr != nil {
				return fmt.Errorf("write document: %w", werr)
			}
		}
		if err = s.Sink.Write(ctx, doc); err == nil {
			return nil
		}
		logger.Warn("sink write failed",
			zap.String("url", doc.SourceURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %w", crawler.ErrWriteFailed, err)
}

// dropped records a lost document and stops the crawl once the sink looks
// permanently unreachable.
func (s *Scheduler) dropped(task crawler.URLTask, err error, logger *zap.Logger) {
	s.writeFailures.Add(1)
	s.emit(progress.Event{Kind: progress.KindWriteFailed, URL: task.URL, Domain: crawler.Hostname(task.URL), Reason: err.Error()})
	drops := s.consecutiveDrops.Add(1)
	logger.Error("document dropped", zap.String("url", task.URL), zap.Int64("consecutive", drops), zap.Error(err))
	if drops >= int64(s.cfg.SinkFatalAfter) {
		s.fail(fmt.Errorf("%w: %d consecutive documents dropped: %w", crawler.ErrSinkUnavailable, drops, err))
	}
}

func (s *Scheduler) fail(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.Logger.Error("crawl failed", zap.Error(err))
		s.halt()
	})
}

func (s *Scheduler) finish(task crawler.URLTask, outcome crawler.TaskOutcome, logger *zap.Logger) {
	updated, err := s.Frontier.MarkResult(task, outcome)
	if err != nil {
		logger.Error("mark result failed", zap.String("url", task.URL), zap.Error(err))
		return
	}
	evt := progress.Event{
		URL:     task.URL,
		Domain:  crawler.Hostname(task.URL),
		Attempt: updated.AttemptCount,
		Reason:  outcome.Reason,
	}
	switch updated.State {
	case crawler.TaskSucceeded:
		evt.Kind = progress.KindTaskSucceeded
	case crawler.TaskAbandoned:
		evt.Kind = progress.KindTaskAbandoned
		evt.Reason = updated.LastError
	case crawler.TaskPending, crawler.TaskFailed:
		evt.Kind = progress.KindTaskRetry
		if outcome.Resolution == crawler.ResolveRequeue {
			evt.Kind = progress.KindTaskRequeued
		}
	default:
		return
	}
	s.emit(evt)
}

func (s *Scheduler) applyCrawlDelay(ctx context.Context, domain, rawURL string) {
	delayer, ok := s.Robots.(crawlDelayer)
	if !ok {
		return
	}
	setter, ok := s.Limiter.(crawlDelaySetter)
	if !ok {
		return
	}
	if _, loaded := s.delays.LoadOrStore(domain, struct{}{}); loaded {
		return
	}
	if delay := delayer.CrawlDelay(ctx, rawURL); delay > 0 {
		setter.SetCrawlDelay(domain, delay)
		s.Logger.Info("honoring crawl-delay", zap.String("domain", domain), zap.Duration("delay", delay))
	}
}

func (s *Scheduler) emit(evt progress.Event) {
	s.Emitter.Emit(evt)
}

func abandon(reason string) crawler.TaskOutcome {
	return crawler.TaskOutcome{Resolution: crawler.ResolveAbandon, Reason: reason}
}

func succeeded(reason string) crawler.TaskOutcome {
	return crawler.TaskOutcome{Resolution: crawler.ResolveSucceeded, Reason: reason}
}

func isHTTP(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/dedup"
	"github.com/JakeFAU/cleancrawl/internal/frontier"
	"github.com/JakeFAU/cleancrawl/internal/identity"
	"github.com/JakeFAU/cleancrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/cleancrawl/internal/progress"
	"github.com/JakeFAU/cleancrawl/internal/sink/memory"
)

type fetchFunc func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error)

// stubFetcher serves pages from a callback and records every request.
type stubFetcher struct {
	fn fetchFunc

	mu       sync.Mutex
	requests []crawler.FetchRequest
}

func (f *stubFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *stubFetcher) calls(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req.URL == rawURL {
			n++
		}
	}
	return n
}

func (f *stubFetcher) identities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, req := range f.requests {
		out = append(out, req.Identity.ID)
	}
	return out
}

// page builds a 200 response whose body is the clean text and whose Link
// headers become the extracted links.
func page(req crawler.FetchRequest, body string, links ...string) crawler.FetchResult {
	headers := http.Header{}
	for _, link := range links {
		headers.Add("Link", link)
	}
	return crawler.FetchResult{StatusCode: http.StatusOK, Body: []byte(body), Headers: headers, FinalURL: req.URL}
}

// stubExtractor turns the stub page format into a document.
type stubExtractor struct{}

func (stubExtractor) Extract(res crawler.FetchResult) (crawler.ExtractedDocument, error) {
	body := string(res.Body)
	if body == "" {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: empty body", crawler.ErrExtractionFailed)
	}
	return crawler.ExtractedDocument{
		SourceURL:          res.Task.URL,
		FinalURL:           res.FinalURL,
		Depth:              res.Task.Depth,
		CleanText:          body,
		ExtractedLinks:     res.Headers.Values("Link"),
		ContentFingerprint: "fp-" + body,
	}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) count(kind progress.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	sched    *Scheduler
	frontier *frontier.Frontier
	pool     *identity.Pool
	limiter  *ratelimit.Limiter
	fetcher  *stubFetcher
	sink     *memory.Sink
	dedup    *dedup.Memory
	events   *recordingEmitter
}

type harnessOptions struct {
	cfg        Config
	frontier   frontier.Config
	identities int
	robots     crawler.RobotsPolicy
	wrapPool   func(*identity.Pool) IdentityPool
	dedup      crawler.DedupCache
	tracer     trace.Tracer
}

func newHarness(t *testing.T, opts harnessOptions, fn fetchFunc) *harness {
	t.Helper()
	events := &recordingEmitter{}

	if opts.frontier.Backoff == nil {
		opts.frontier.Backoff = crawler.NewExponentialBackoff(time.Millisecond, time.Millisecond).WithoutJitter()
	}
	front := frontier.New(opts.frontier, nil)

	n := opts.identities
	if n == 0 {
		n = 2
	}
	ids := make([]crawler.Identity, 0, n)
	for i := range n {
		ids = append(ids, crawler.Identity{ID: fmt.Sprintf("id-%d", i), UserAgent: "test-agent"})
	}
	pool, err := identity.New(ids, identity.Config{
		CheckoutTimeout: time.Second,
		CooldownBase:    10 * time.Millisecond,
		CooldownMax:     10 * time.Millisecond,
	}, nil, events, zap.NewNop())
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{MaxConcurrentPerDomain: 4, AcquireTimeout: time.Second}, events)
	fetcher := &stubFetcher{fn: fn}
	sink := memory.New()
	cache := dedup.NewMemory(0)

	if opts.cfg.WriteBackoff == nil {
		opts.cfg.WriteBackoff = crawler.NewExponentialBackoff(0, 0)
	}
	var pools IdentityPool = pool
	if opts.wrapPool != nil {
		pools = opts.wrapPool(pool)
	}
	var dd crawler.DedupCache = cache
	if opts.dedup != nil {
		dd = opts.dedup
	}

	sched, err := New(opts.cfg, Deps{
		Frontier:   front,
		Identities: pools,
		Limiter:    limiter,
		Fetcher:    fetcher,
		Extractor:  stubExtractor{},
		Dedup:      dd,
		Sink:       sink,
		Robots:     opts.robots,
		Emitter:    events,
		Tracer:     opts.tracer,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return &harness{
		sched:    sched,
		frontier: front,
		pool:     pool,
		limiter:  limiter,
		fetcher:  fetcher,
		sink:     sink,
		dedup:    cache,
		events:   events,
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, seeds ...string) (Result, error) {
	t.Helper()
	list := make([]crawler.Seed, 0, len(seeds))
	for _, s := range seeds {
		list = append(list, crawler.Seed{URL: s})
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return h.sched.Run(ctx, list)
}

func (h *harness) task(t *testing.T, rawURL string) crawler.URLTask {
	t.Helper()
	task, ok := h.frontier.Get(rawURL)
	require.True(t, ok, "task %s not tracked", rawURL)
	return task
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.ErrorContains(t, err, "frontier is required")

	_, err = New(Config{}, Deps{Frontier: frontier.New(frontier.Config{}, nil)})
	require.ErrorContains(t, err, "identity pool is required")
}

func TestRunCrawlsDiscoveredLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxConcurrency: 3, MaxDepth: 1}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		switch req.URL {
		case "https://site.test/":
			return page(req, "home", "https://site.test/a", "https://site.test/b", "https://other.test/x"), nil
		case "https://site.test/a":
			return page(req, "page a", "https://site.test/deeper"), nil
		default:
			return page(req, "page "+req.URL), nil
		}
	})

	result, err := h.run(t, context.Background(), "https://SITE.test")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.EqualValues(t, 3, result.Stats.Documents)
	require.Equal(t, 3, result.Stats.Frontier.Succeeded)
	require.Zero(t, result.Stats.Frontier.InFlight)
	require.Equal(t, 3, h.sink.Len())

	require.Zero(t, h.fetcher.calls("https://other.test/x"), "off-site link followed")
	require.Zero(t, h.fetcher.calls("https://site.test/deeper"), "link beyond max depth followed")

	child := h.task(t, "https://site.test/a")
	require.Equal(t, 1, child.Depth)
	require.Equal(t, "https://site.test/", child.DiscoveredFrom)

	require.Equal(t, 1, h.events.count(progress.KindCrawlStart))
	require.Equal(t, 1, h.events.count(progress.KindCrawlComplete))
	require.Equal(t, 3, h.events.count(progress.KindDocumentWritten))
	require.Equal(t, 3, h.events.count(progress.KindFetchDone))
	require.Equal(t, StatusCompleted, h.sched.Stats().Status)
}

func TestRunTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, "only"), nil
	})
	_, err := h.run(t, context.Background(), "https://site.test/")
	require.NoError(t, err)
	_, err = h.run(t, context.Background(), "https://site.test/")
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestRunWithoutValidSeeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{}, func(context.Context, crawler.FetchRequest) (crawler.FetchResult, error) {
		t.Fatal("fetch called without seeds")
		return crawler.FetchResult{}, nil
	})
	result, err := h.run(t, context.Background(), "ftp://site.test/", "::bad")
	require.ErrorIs(t, err, ErrNoSeeds)
	require.Equal(t, StatusFailed, result.Status)
	require.Zero(t, h.events.count(progress.KindCrawlComplete))
}

func TestTransientFailuresRetryThenAbandon(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{frontier: frontier.Config{MaxRetries: 2}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		err := crawler.NewTransientError(req.URL, http.StatusServiceUnavailable, nil)
		return crawler.FetchResult{StatusCode: http.StatusServiceUnavailable}, err
	})

	result, err := h.run(t, context.Background(), "https://flaky.test/")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, 3, h.fetcher.calls("https://flaky.test/"))
	require.Equal(t, 2, h.events.count(progress.KindTaskRetry))
	require.Equal(t, 1, h.events.count(progress.KindTaskAbandoned))

	task := h.task(t, "https://flaky.test/")
	require.Equal(t, crawler.TaskAbandoned, task.State)
	require.Contains(t, task.LastError, "max retries exceeded")
	require.Zero(t, h.sink.Len())
}

func TestPermanentFailureAbandonsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{frontier: frontier.Config{MaxRetries: 5}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return crawler.FetchResult{StatusCode: http.StatusNotFound}, crawler.NewPermanentError(req.URL, http.StatusNotFound, nil)
	})

	_, err := h.run(t, context.Background(), "https://gone.test/")
	require.NoError(t, err)
	require.Equal(t, 1, h.fetcher.calls("https://gone.test/"))
	require.Equal(t, crawler.TaskAbandoned, h.task(t, "https://gone.test/").State)
	require.Zero(t, h.events.count(progress.KindTaskRetry))
}

func TestTasksAreTraced(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, harnessOptions{cfg: Config{MaxDepth: 1}, tracer: tp.Tracer("test")}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		if req.URL == "https://site.test/missing" {
			return crawler.FetchResult{StatusCode: http.StatusNotFound}, crawler.NewPermanentError(req.URL, http.StatusNotFound, nil)
		}
		return page(req, "home", "https://site.test/missing"), nil
	})

	_, err := h.run(t, context.Background(), "https://site.test/")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	byURL := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range spans {
		require.Equal(t, "crawl.task", span.Name())
		for _, kv := range span.Attributes() {
			if kv.Key == "url" {
				byURL[kv.Value.AsString()] = span
			}
		}
	}
	require.Equal(t, codes.Unset, byURL["https://site.test/"].Status().Code)
	require.Contains(t, byURL["https://site.test/"].Attributes(), attribute.String("resolution", "succeeded"))
	require.Equal(t, codes.Error, byURL["https://site.test/missing"].Status().Code)
	require.Contains(t, byURL["https://site.test/missing"].Attributes(), attribute.Int("depth", 1))
}

func TestBlockedFetchCoolsIdentityAndRotates(t *testing.T) {
	t.Parallel()

	var once sync.Once
	h := newHarness(t, harnessOptions{frontier: frontier.Config{MaxRetries: 3}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		var blocked bool
		once.Do(func() { blocked = true })
		if blocked {
			return crawler.FetchResult{StatusCode: http.StatusTooManyRequests}, crawler.NewBlockedError(req.URL, http.StatusTooManyRequests, nil)
		}
		return page(req, "finally"), nil
	})

	_, err := h.run(t, context.Background(), "https://guarded.test/")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSucceeded, h.task(t, "https://guarded.test/").State)
	require.Equal(t, 1, h.events.count(progress.KindIdentityCooldown))

	used := h.fetcher.identities()
	require.Len(t, used, 2)
	require.NotEqual(t, used[0], used[1], "blocked identity reused for the same domain")

	var streaks int
	for _, status := range h.pool.Snapshot() {
		streaks += status.FailureStreak
		require.Zero(t, status.ActiveLeases)
	}
	require.Equal(t, 1, streaks)
}

// exhaustedPool fails the first checkouts as if every identity were busy.
type exhaustedPool struct {
	*identity.Pool

	mu    sync.Mutex
	fails int
}

func (p *exhaustedPool) Checkout(ctx context.Context, domain string) (identity.Lease, error) {
	p.mu.Lock()
	if p.fails > 0 {
		p.fails--
		p.mu.Unlock()
		return identity.Lease{}, fmt.Errorf("identity checkout for %s: %w", domain, crawler.ErrNoIdentityAvailable)
	}
	p.mu.Unlock()
	return p.Pool.Checkout(ctx, domain)
}

func TestResourceExhaustionRequeuesWithoutAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		frontier: frontier.Config{MaxRetries: 0},
		wrapPool: func(p *identity.Pool) IdentityPool { return &exhaustedPool{Pool: p, fails: 2} },
	}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, "patient"), nil
	})

	result, err := h.run(t, context.Background(), "https://busy.test/")
	require.NoError(t, err)
	require.Equal(t, 2, result.Stats.Frontier.Requeues)
	require.Equal(t, 2, h.events.count(progress.KindTaskRequeued))

	task := h.task(t, "https://busy.test/")
	require.Equal(t, crawler.TaskSucceeded, task.State)
	require.Zero(t, task.AttemptCount)
	require.Equal(t, 1, h.fetcher.calls("https://busy.test/"))
}

func TestPanicIsIsolatedToTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxConcurrency: 1}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		if strings.HasSuffix(req.URL, "/boom") {
			panic("parser exploded")
		}
		return page(req, "fine "+req.URL), nil
	})

	result, err := h.run(t, context.Background(), "https://site.test/boom", "https://site.test/ok")
	require.NoError(t, err)
	require.EqualValues(t, 1, result.Stats.Panics)
	require.EqualValues(t, 1, result.Stats.Documents)
	require.Equal(t, 1, h.events.count(progress.KindWorkerPanic))

	boom := h.task(t, "https://site.test/boom")
	require.Equal(t, crawler.TaskAbandoned, boom.State)
	require.Equal(t, "panic: parser exploded", boom.LastError)
	require.Equal(t, crawler.TaskSucceeded, h.task(t, "https://site.test/ok").State)

	for _, status := range h.pool.Snapshot() {
		require.Zero(t, status.ActiveLeases, "lease leaked by panicking task")
	}
	for _, budget := range h.limiter.Budgets() {
		require.Zero(t, budget.ConcurrentInflight, "permit leaked by panicking task")
	}
}

func TestDuplicateContentIsSuppressed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxConcurrency: 1}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, "same article"), nil
	})

	result, err := h.run(t, context.Background(), "https://site.test/one", "https://site.test/two")
	require.NoError(t, err)
	require.Equal(t, 1, h.sink.Len())
	require.EqualValues(t, 1, result.Stats.Duplicates)
	require.Equal(t, 2, result.Stats.Frontier.Succeeded)
	require.Equal(t, 1, h.events.count(progress.KindDuplicateSuppressed))

	entry, ok, err := h.dedup.Lookup(context.Background(), "fp-same article")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, entry.SeenCount)
}

func TestExtractionFailureAbandons(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, ""), nil
	})

	result, err := h.run(t, context.Background(), "https://site.test/blank")
	require.NoError(t, err)
	require.EqualValues(t, 1, result.Stats.ExtractionFailures)
	require.Equal(t, 1, h.events.count(progress.KindExtractionFailed))
	require.Equal(t, crawler.TaskAbandoned, h.task(t, "https://site.test/blank").State)
}

func TestWriteRetriesRecover(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxWriteRetries: 2}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, "eventually stored"), nil
	})
	h.sink.FailNext(2)

	result, err := h.run(t, context.Background(), "https://site.test/")
	require.NoError(t, err)
	require.Equal(t, 1, h.sink.Len())
	require.EqualValues(t, 1, result.Stats.Documents)
	require.Zero(t, h.events.count(progress.KindWriteFailed))
}

func TestSinkFailuresBecomeFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxConcurrency: 1, SinkFatalAfter: 2}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, "content of "+req.URL), nil
	})
	h.sink.FailNext(100)

	result, err := h.run(t, context.Background(), "https://site.test/1", "https://site.test/2", "https://site.test/3")
	require.ErrorIs(t, err, crawler.ErrSinkUnavailable)
	require.Equal(t, StatusFailed, result.Status)
	require.EqualValues(t, 2, result.Stats.WriteFailures)
	require.Equal(t, 2, h.events.count(progress.KindWriteFailed))
	require.Equal(t, 1, h.events.count(progress.KindCrawlComplete))
	require.Zero(t, h.fetcher.calls("https://site.test/3"))

	first := h.task(t, "https://site.test/1")
	require.Equal(t, crawler.TaskAbandoned, first.State)
	require.Contains(t, first.LastError, crawler.ErrWriteFailed.Error())

	_, ok, err := h.dedup.Lookup(context.Background(), "fp-content of https://site.test/1")
	require.NoError(t, err)
	require.False(t, ok, "dropped document left its fingerprint behind")
}

type failingDedup struct{}

func (failingDedup) CheckAndRecord(context.Context, string, string) (crawler.Verdict, error) {
	return crawler.VerdictNew, errors.New("cache offline")
}

func (failingDedup) Forget(context.Context, string) error { return nil }

func (failingDedup) Lookup(context.Context, string) (crawler.FingerprintEntry, bool, error) {
	return crawler.FingerprintEntry{}, false, errors.New("cache offline")
}

func TestDedupErrorStillWrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{dedup: failingDedup{}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, "written regardless"), nil
	})

	_, err := h.run(t, context.Background(), "https://site.test/")
	require.NoError(t, err)
	require.Equal(t, 1, h.sink.Len())
}

func TestMaxPagesStopsDiscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxConcurrency: 1, MaxDepth: 5, MaxPages: 1}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		switch req.URL {
		case "https://site.test/":
			return page(req, "root", "https://site.test/b"), nil
		case "https://site.test/b":
			return page(req, "b", "https://site.test/c"), nil
		default:
			return page(req, req.URL), nil
		}
	})

	_, err := h.run(t, context.Background(), "https://site.test/")
	require.NoError(t, err)
	require.Equal(t, 1, h.fetcher.calls("https://site.test/b"))
	require.Zero(t, h.fetcher.calls("https://site.test/c"))
}

type stubRobots struct {
	disallow string
	delay    time.Duration
}

func (r stubRobots) Allowed(_ context.Context, rawURL string) bool {
	return !strings.Contains(rawURL, r.disallow)
}

func (r stubRobots) CrawlDelay(context.Context, string) time.Duration {
	return r.delay
}

func TestRobotsPolicyIsHonored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{robots: stubRobots{disallow: "/private", delay: 2 * time.Second}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return page(req, "public "+req.URL), nil
	})

	_, err := h.run(t, context.Background(), "https://site.test/private/a", "https://site.test/public")
	require.NoError(t, err)
	require.Zero(t, h.fetcher.calls("https://site.test/private/a"))

	blocked := h.task(t, "https://site.test/private/a")
	require.Equal(t, crawler.TaskAbandoned, blocked.State)
	require.Equal(t, crawler.ErrRobotsDisallowed.Error(), blocked.LastError)

	require.InDelta(t, 0.5, h.limiter.Budget("site.test").RefillRate, 1e-9)
}

func TestCancelAbandonsInterruptedTasks(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var startOnce sync.Once
	h := newHarness(t, harnessOptions{cfg: Config{GracePeriod: 20 * time.Millisecond}}, func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		startOnce.Do(func() { close(started) })
		<-ctx.Done()
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := h.run(t, ctx, "https://slow.test/")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, result.Status)

	task := h.task(t, "https://slow.test/")
	require.Equal(t, crawler.TaskAbandoned, task.State)
	require.Equal(t, "canceled", task.LastError)
	require.Zero(t, task.AttemptCount)
	require.Equal(t, 1, h.events.count(progress.KindCrawlComplete))
}

func TestCancelLetsTasksFinishWithinGrace(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, harnessOptions{cfg: Config{GracePeriod: 5 * time.Second}}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		close(started)
		<-ctx.Done()
		return page(req, "made it"), nil
	})

	go func() {
		<-started
		cancel()
	}()

	result, err := h.run(t, ctx, "https://slow.test/")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, result.Status)
	require.Equal(t, crawler.TaskSucceeded, h.task(t, "https://slow.test/").State)
	require.Equal(t, 1, h.sink.Len())
}

func TestCancelAbandonsFailuresDuringGrace(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, harnessOptions{
		cfg:      Config{GracePeriod: 5 * time.Second},
		frontier: frontier.Config{MaxRetries: 3},
	}, func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
		close(started)
		<-ctx.Done()
		return crawler.FetchResult{StatusCode: 503}, crawler.NewTransientError(req.URL, 503, nil)
	})

	go func() {
		<-started
		cancel()
	}()

	result, err := h.run(t, ctx, "https://flaky.test/")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, result.Status)

	task := h.task(t, "https://flaky.test/")
	require.Equal(t, crawler.TaskAbandoned, task.State)
	require.Equal(t, "canceled", task.LastError)
	require.Zero(t, task.AttemptCount)
	require.Equal(t, 1, h.fetcher.calls("https://flaky.test/"))
	require.Zero(t, h.events.count(progress.KindTaskRetry))
}

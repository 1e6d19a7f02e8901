// Package collyfetcher implements crawler.Fetcher with gocolly, routing each
// request through the leased identity's proxy and headers.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	// Timeout bounds a request when the FetchRequest carries none.
	Timeout time.Duration
	// MaxBodyBytes truncates larger bodies.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each identity
// gets its own base collector so transports and cookie jars never mix.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	collectors map[string]*colly.Collector
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger, collectors: make(map[string]*colly.Collector)}
}

// Fetch executes a single HTTP GET. Non-success statuses are returned with a
// populated result and a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base, err := f.collectorFor(request.Identity)
	if err != nil {
		return crawler.FetchResult{}, crawler.NewPermanentError(request.URL, 0, err)
	}
	collector := base.Clone()
	collector.Context = ctx
	if request.Identity.UserAgent != "" {
		collector.UserAgent = request.Identity.UserAgent
	}

	var (
		result   crawler.FetchResult
		fetchErr error
		got      bool
	)
	start := time.Now()
	configureHooks(collector, request, start, &result, &got, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResult{}, f.ctxError(ctx, request.URL)
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil && !got {
			if ctx.Err() != nil {
				return crawler.FetchResult{}, f.ctxError(ctx, request.URL)
			}
			return crawler.FetchResult{}, crawler.ClassifyTransportError(request.URL, err)
		}
	}

	if statusErr := crawler.ClassifyStatus(request.URL, result.StatusCode, result.Body); statusErr != nil {
		result.Err = statusErr
		return result, statusErr
	}
	return result, nil
}

// ctxError keeps parent cancellation distinct from the request timeout.
func (f *Fetcher) ctxError(ctx context.Context, rawURL string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return crawler.NewTransientError(rawURL, 0, fmt.Errorf("request timed out: %w", ctx.Err()))
	}
	return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
}

func configureHooks(
	c *colly.Collector,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResult,
	got *bool,
	fetchErr *error,
) {
	c.OnRequest(func(r *colly.Request) {
		for key, values := range request.Identity.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	c.OnResponse(func(r *colly.Response) {
		*got = true
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResult{
			Task:       crawler.URLTask{URL: request.URL, Depth: request.Depth},
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Headers:    headers,
			FinalURL:   r.Request.URL.String(),
			Latency:    time.Since(start),
		}
	})

	c.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// collectorFor returns the base collector bound to identity's transport.
func (f *Fetcher) collectorFor(identity crawler.Identity) (*colly.Collector, error) {
	key := identity.ID
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.collectors[key]; ok {
		return c, nil
	}
	transport, err := newTransport(identity)
	if err != nil {
		return nil, err
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
	)
	c.ParseHTTPErrorResponse = true
	c.WithTransport(transport)
	f.collectors[key] = c
	f.logger.Debug("collector created", zap.String("identity", identity.ID), zap.Bool("direct", identity.Direct()))
	return c, nil
}

// ProxyURL returns identity's proxy with credentials attached, or nil.
func ProxyURL(identity crawler.Identity) (*url.URL, error) {
	if identity.Direct() {
		return nil, nil
	}
	u, err := url.Parse(identity.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if identity.Username != "" {
		u.User = url.UserPassword(identity.Username, identity.Password)
	}
	return u, nil
}

func newTransport(identity crawler.Identity) (*http.Transport, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	proxy, err := ProxyURL(identity)
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t, nil
}

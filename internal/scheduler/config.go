package scheduler

import (
	"context"
	"time"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/identity"
	"github.com/JakeFAU/cleancrawl/internal/policy/ratelimit"
)

// Config tunes the worker pool.
type Config struct {
	MaxConcurrency int
	// MaxDepth bounds link discovery; seeds are depth 0.
	MaxDepth int
	// MaxPages stops link discovery after this many documents are written.
	// Zero means unlimited.
	MaxPages     int
	FetchTimeout time.Duration
	// GracePeriod is how long in-flight tasks may run after cancellation.
	GracePeriod time.Duration
	// MaxWriteRetries is the number of extra sink attempts per document.
	MaxWriteRetries int
	WriteBackoff    Backoff
	// SinkFatalAfter consecutive dropped documents end the crawl.
	SinkFatalAfter int
	// SeedPriority applies to seeds without an explicit priority.
	SeedPriority float64
	// LinkPriorityFactor scales a parent's priority onto discovered links.
	LinkPriorityFactor float64
}

// Backoff yields the pause before retry attempt n (1-based).
type Backoff interface {
	Backoff(attempt int) time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.WriteBackoff == nil {
		c.WriteBackoff = crawler.NewExponentialBackoff(200*time.Millisecond, 5*time.Second)
	}
	if c.SinkFatalAfter <= 0 {
		c.SinkFatalAfter = 5
	}
	if c.SeedPriority <= 0 {
		c.SeedPriority = 1
	}
	if c.LinkPriorityFactor <= 0 || c.LinkPriorityFactor > 1 {
		c.LinkPriorityFactor = 1
	}
	return c
}

// IdentityPool hands out identities per domain.
type IdentityPool interface {
	Checkout(ctx context.Context, domain string) (identity.Lease, error)
	Release(lease identity.Lease, outcome crawler.Outcome) error
}

// RateLimiter grants per-domain fetch permits.
type RateLimiter interface {
	Acquire(ctx context.Context, domain string) (*ratelimit.Permit, error)
	Release(permit *ratelimit.Permit, outcome crawler.Outcome)
}

// crawlDelayer is implemented by robots policies that expose Crawl-delay.
type crawlDelayer interface {
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
}

// crawlDelaySetter is implemented by limiters that honor Crawl-delay.
type crawlDelaySetter interface {
	SetCrawlDelay(domain string, delay time.Duration)
}

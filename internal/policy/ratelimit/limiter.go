// Package ratelimit implements the per-domain token buckets, concurrency
// slots, and global in-flight cap that gate every fetch, with multiplicative
// decrease and linear recovery of a domain's rate as it blocks or recovers.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/progress"
)

// DomainLimit overrides the defaults for one domain. Zero fields inherit.
type DomainLimit struct {
	RPS           float64 `mapstructure:"rps"`
	Burst         int     `mapstructure:"burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS             float64
	DefaultBurst           int
	MaxConcurrentPerDomain int
	GlobalMaxInflight      int
	AcquireTimeout         time.Duration
	DecreaseFactor         float64
	RecoveryStep           float64
	MinRPS                 float64
	Overrides              map[string]DomainLimit
}

func (c Config) withDefaults() Config {
	if c.DefaultBurst <= 0 {
		c.DefaultBurst = 1
	}
	if c.MaxConcurrentPerDomain <= 0 {
		c.MaxConcurrentPerDomain = 2
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = 0.5
	}
	if c.RecoveryStep <= 0 {
		c.RecoveryStep = 0.1
	}
	if c.MinRPS <= 0 {
		c.MinRPS = 0.05
	}
	return c
}

type domainState struct {
	name          string
	limiter       *rate.Limiter
	base          rate.Limit
	burst         int
	maxConcurrent int
	slots         *semaphore.Weighted
	inflight      atomic.Int64
}

// Permit is proof of a granted fetch slot. Release it exactly once.
type Permit struct {
	Domain   string
	Waited   time.Duration
	state    *domainState
	released atomic.Bool
}

// Limiter manages per-domain rate limits and the global in-flight cap.
type Limiter struct {
	cfg     Config
	global  *semaphore.Weighted
	emitter progress.Emitter

	mu      sync.Mutex
	domains map[string]*domainState
}

// New creates a new Limiter. A non-positive DefaultRPS disables token
// buckets but keeps the concurrency caps.
func New(cfg Config, emitter progress.Emitter) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:     cfg,
		emitter: progress.OrNop(emitter),
		domains: make(map[string]*domainState),
	}
	if cfg.GlobalMaxInflight > 0 {
		l.global = semaphore.NewWeighted(int64(cfg.GlobalMaxInflight))
	}
	return l
}

// Acquire waits for a global slot, a domain slot, and a domain token, in that
// order. Partial acquisitions are rolled back on failure. When the acquire
// timeout elapses first the error wraps crawler.ErrRateLimitTimeout.
func (l *Limiter) Acquire(ctx context.Context, domain string) (*Permit, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()

	if l.global != nil {
		if err := l.global.Acquire(waitCtx, 1); err != nil {
			return nil, l.acquireError(ctx, domain, "global slot", err)
		}
	}
	st := l.domain(domain)
	if err := st.slots.Acquire(waitCtx, 1); err != nil {
		l.releaseGlobal()
		return nil, l.acquireError(ctx, domain, "domain slot", err)
	}
	st.inflight.Add(1)
	if err := st.limiter.Wait(waitCtx); err != nil {
		st.inflight.Add(-1)
		st.slots.Release(1)
		l.releaseGlobal()
		return nil, l.acquireError(ctx, domain, "token", err)
	}
	return &Permit{Domain: st.name, Waited: time.Since(start), state: st}, nil
}

// Release returns the permit's slots and feeds the outcome into the domain's
// adaptive rate. Releasing twice is a no-op.
func (l *Limiter) Release(permit *Permit, outcome crawler.Outcome) {
	if permit == nil || !permit.released.CompareAndSwap(false, true) {
		return
	}
	st := permit.state
	st.inflight.Add(-1)
	st.slots.Release(1)
	l.releaseGlobal()
	l.adapt(st, outcome)
}

// SetCrawlDelay lowers a domain's base rate to honor a robots.txt
// Crawl-delay. Delays that would raise the rate are ignored.
func (l *Limiter) SetCrawlDelay(domain string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	st := l.domain(domain)
	limit := rate.Every(delay)
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit >= st.base {
		return
	}
	st.base = limit
	if st.limiter.Limit() > limit {
		st.limiter.SetLimit(limit)
	}
}

// Budget returns a snapshot of one domain's budget.
func (l *Limiter) Budget(domain string) crawler.DomainBudget {
	return l.budgetOf(l.domain(domain))
}

// Budgets returns snapshots for every domain seen so far, sorted by name.
func (l *Limiter) Budgets() []crawler.DomainBudget {
	l.mu.Lock()
	states := make([]*domainState, 0, len(l.domains))
	for _, st := range l.domains {
		states = append(states, st)
	}
	l.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].name < states[j].name })
	out := make([]crawler.DomainBudget, 0, len(states))
	for _, st := range states {
		out = append(out, l.budgetOf(st))
	}
	return out
}

func (l *Limiter) budgetOf(st *domainState) crawler.DomainBudget {
	l.mu.Lock()
	defer l.mu.Unlock()
	refill := float64(st.limiter.Limit())
	tokens := st.limiter.Tokens()
	if math.IsInf(refill, 1) {
		refill = -1
		tokens = float64(st.burst)
	}
	return crawler.DomainBudget{
		Domain:             st.name,
		TokensAvailable:    tokens,
		RefillRate:         refill,
		Burst:              st.burst,
		ConcurrentInflight: int(st.inflight.Load()),
		MaxConcurrent:      st.maxConcurrent,
	}
}

func (l *Limiter) adapt(st *domainState, outcome crawler.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := st.limiter.Limit()
	if current == rate.Inf {
		return
	}
	switch outcome {
	case crawler.OutcomeBlocked, crawler.OutcomeFailure:
		next := math.Max(float64(current)*l.cfg.DecreaseFactor, l.cfg.MinRPS)
		st.limiter.SetLimit(rate.Limit(next))
	case crawler.OutcomeSuccess:
		if current < st.base {
			next := math.Min(float64(current)+l.cfg.RecoveryStep, float64(st.base))
			st.limiter.SetLimit(rate.Limit(next))
		}
	}
}

func (l *Limiter) domain(name string) *domainState {
	name = strings.ToLower(name)
	if name == "" {
		name = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.domains[name]; ok {
		return st
	}
	rps, burst, maxConcurrent := l.cfg.DefaultRPS, l.cfg.DefaultBurst, l.cfg.MaxConcurrentPerDomain
	if o, ok := l.cfg.Overrides[name]; ok {
		if o.RPS > 0 {
			rps = o.RPS
		}
		if o.Burst > 0 {
			burst = o.Burst
		}
		if o.MaxConcurrent > 0 {
			maxConcurrent = o.MaxConcurrent
		}
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	st := &domainState{
		name:          name,
		limiter:       rate.NewLimiter(limit, burst),
		base:          limit,
		burst:         burst,
		maxConcurrent: maxConcurrent,
		slots:         semaphore.NewWeighted(int64(maxConcurrent)),
	}
	l.domains[name] = st
	return st
}

func (l *Limiter) releaseGlobal() {
	if l.global != nil {
		l.global.Release(1)
	}
}

func (l *Limiter) acquireError(parent context.Context, domain, stage string, _ error) error {
	if parent.Err() != nil {
		return fmt.Errorf("acquire %s for %s: %w", stage, domain, parent.Err())
	}
	l.emitter.Emit(progress.Event{Kind: progress.KindRateLimited, Domain: domain, Reason: stage})
	return fmt.Errorf("acquire %s for %s: %w", stage, domain, crawler.ErrRateLimitTimeout)
}

// Package identity owns the proxy, header, and fingerprint bundles used for
// fetches and decides which one serves each request.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cleancrawl/internal/clock/system"
	"github.com/JakeFAU/cleancrawl/internal/crawler"
	"github.com/JakeFAU/cleancrawl/internal/progress"
)

// Strategy selects how identities are matched to domains.
type Strategy string

// Rotation strategies.
const (
	// StrategyRotate spreads requests across healthy identities.
	StrategyRotate Strategy = "rotate"
	// StrategySticky keeps using the identity that last succeeded on a domain.
	StrategySticky Strategy = "sticky"
)

// ErrLeaseNotActive is returned when a lease is released twice.
var ErrLeaseNotActive = errors.New("lease not active")

// Config tunes selection, health, and cooldown behavior.
type Config struct {
	Strategy             Strategy
	MaxLeasesPerIdentity int
	CheckoutTimeout      time.Duration
	CooldownBase         time.Duration
	CooldownMax          time.Duration
	SuccessBoost         float64
	FailurePenalty       float64
	BlockedDecay         float64
	RecoveryPerSecond    float64
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRotate
	}
	if c.MaxLeasesPerIdentity <= 0 {
		c.MaxLeasesPerIdentity = 1
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = 30 * time.Second
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 5 * time.Second
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = 10 * time.Minute
	}
	if c.SuccessBoost <= 0 {
		c.SuccessBoost = 0.1
	}
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = 0.2
	}
	if c.BlockedDecay <= 0 || c.BlockedDecay >= 1 {
		c.BlockedDecay = 0.5
	}
	if c.RecoveryPerSecond < 0 {
		c.RecoveryPerSecond = 0
	}
	return c
}

// Lease is a checked-out identity. Hand it back with Release exactly once.
type Lease struct {
	Identity crawler.Identity
	Domain   string
	slot     int
	seq      uint64
}

// Status is a read-only view of one identity's bookkeeping.
type Status struct {
	ID            string               `json:"id"`
	Proxy         string               `json:"proxy,omitempty"`
	Health        float64              `json:"health"`
	FailureStreak int                  `json:"failure_streak"`
	ActiveLeases  int                  `json:"active_leases"`
	CooldownUntil map[string]time.Time `json:"cooldown_until,omitempty"`
}

type member struct {
	identity crawler.Identity
	health   float64
	streak   int
	cooldown map[string]time.Time
	leases   int
	current  int
	touched  time.Time
}

// Pool hands out identities to workers. Checkout and Release are atomic with
// respect to each other.
type Pool struct {
	cfg     Config
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger

	mu       sync.Mutex
	members  []*member
	affinity map[string]int
	active   map[uint64]struct{}
	seq      uint64
	wake     chan struct{}
}

// New builds a pool over the supplied identities.
func New(identities []crawler.Identity, cfg Config, clock crawler.Clock, emitter progress.Emitter, logger *zap.Logger) (*Pool, error) {
	if len(identities) == 0 {
		return nil, errors.New("identity pool requires at least one identity")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	members := make([]*member, 0, len(identities))
	seen := make(map[string]struct{}, len(identities))
	for _, ident := range identities {
		if ident.ID == "" {
			return nil, errors.New("identity id is required")
		}
		if _, dup := seen[ident.ID]; dup {
			return nil, fmt.Errorf("duplicate identity id %q", ident.ID)
		}
		seen[ident.ID] = struct{}{}
		members = append(members, &member{
			identity: ident,
			health:   1,
			cooldown: make(map[string]time.Time),
			touched:  now,
		})
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		emitter:  progress.OrNop(emitter),
		logger:   logger,
		members:  members,
		affinity: make(map[string]int),
		active:   make(map[uint64]struct{}),
		wake:     make(chan struct{}),
	}, nil
}

// Size returns the number of identities in the pool.
func (p *Pool) Size() int {
	return len(p.members)
}

// Checkout picks an identity for domain, blocking until one is free and not
// cooling down for that domain. It fails with crawler.ErrNoIdentityAvailable
// once the checkout timeout elapses.
func (p *Pool) Checkout(ctx context.Context, domain string) (Lease, error) {
	deadline := time.NewTimer(p.cfg.CheckoutTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		now := p.clock.Now()
		p.recoverLocked(now)
		if slot, ok := p.selectLocked(domain, now); ok {
			m := p.members[slot]
			m.leases++
			p.seq++
			lease := Lease{Identity: cloneIdentity(m.identity), Domain: domain, slot: slot, seq: p.seq}
			p.active[lease.seq] = struct{}{}
			p.mu.Unlock()
			p.emitter.Emit(progress.Event{
				Kind:     progress.KindIdentityRotated,
				Domain:   domain,
				Identity: lease.Identity.ID,
			})
			return lease, nil
		}
		wake := p.wake
		var cooldown *time.Timer
		var cooldownC <-chan time.Time
		if wait, ok := p.nextCooldownLocked(domain, now); ok {
			cooldown = time.NewTimer(wait)
			cooldownC = cooldown.C
		}
		p.mu.Unlock()

		err := p.park(ctx, domain, deadline.C, wake, cooldownC)
		if cooldown != nil {
			cooldown.Stop()
		}
		if err != nil {
			return Lease{}, err
		}
	}
}

func (p *Pool) park(ctx context.Context, domain string, deadline <-chan time.Time, wake <-chan struct{}, cooldown <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("identity checkout: %w", ctx.Err())
	case <-deadline:
		return fmt.Errorf("identity checkout for %s: %w", domain, crawler.ErrNoIdentityAvailable)
	case <-wake:
	case <-cooldown:
	}
	return nil
}

// Release returns a lease and applies the outcome to the identity's health.
func (p *Pool) Release(lease Lease, outcome crawler.Outcome) error {
	p.mu.Lock()
	if _, ok := p.active[lease.seq]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", lease.Identity.ID, ErrLeaseNotActive)
	}
	delete(p.active, lease.seq)
	now := p.clock.Now()
	p.recoverLocked(now)
	m := p.members[lease.slot]
	m.leases--

	var cooldown time.Duration
	switch outcome {
	case crawler.OutcomeSuccess:
		m.health = math.Min(1, m.health+p.cfg.SuccessBoost)
		m.streak = 0
		if p.cfg.Strategy == StrategySticky {
			p.affinity[lease.Domain] = lease.slot
		}
	case crawler.OutcomeBlocked:
		m.streak++
		cooldown = p.cooldownFor(m.streak)
		m.cooldown[lease.Domain] = now.Add(cooldown)
		m.health *= p.cfg.BlockedDecay
		if slot, ok := p.affinity[lease.Domain]; ok && slot == lease.slot {
			delete(p.affinity, lease.Domain)
		}
	case crawler.OutcomeFailure:
		m.health = math.Max(0, m.health-p.cfg.FailurePenalty)
	}
	health := m.health
	p.broadcastLocked()
	p.mu.Unlock()

	if cooldown > 0 {
		p.logger.Debug("identity cooling down",
			zap.String("identity", lease.Identity.ID),
			zap.String("domain", lease.Domain),
			zap.Duration("cooldown", cooldown),
			zap.Float64("health", health))
		p.emitter.Emit(progress.Event{
			Kind:     progress.KindIdentityCooldown,
			Domain:   lease.Domain,
			Identity: lease.Identity.ID,
			Dur:      cooldown,
		})
	}
	return nil
}

// Snapshot reports the bookkeeping for every identity, ordered by ID.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.recoverLocked(now)
	out := make([]Status, 0, len(p.members))
	for _, m := range p.members {
		status := Status{
			ID:            m.identity.ID,
			Proxy:         redactProxy(m.identity.ProxyURL),
			Health:        m.health,
			FailureStreak: m.streak,
			ActiveLeases:  m.leases,
		}
		for domain, until := range m.cooldown {
			if until.After(now) {
				if status.CooldownUntil == nil {
					status.CooldownUntil = make(map[string]time.Time)
				}
				status.CooldownUntil[domain] = until
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// selectLocked runs smooth weighted round-robin over eligible members, with
// weight proportional to health.
func (p *Pool) selectLocked(domain string, now time.Time) (int, bool) {
	if p.cfg.Strategy == StrategySticky {
		if slot, ok := p.affinity[domain]; ok && p.eligibleLocked(p.members[slot], domain, now) {
			return slot, true
		}
	}
	best := -1
	total := 0
	for i, m := range p.members {
		if !p.eligibleLocked(m, domain, now) {
			continue
		}
		w := weight(m.health)
		m.current += w
		total += w
		if best < 0 || m.current > p.members[best].current {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	p.members[best].current -= total
	return best, true
}

func (p *Pool) eligibleLocked(m *member, domain string, now time.Time) bool {
	if m.leases >= p.cfg.MaxLeasesPerIdentity {
		return false
	}
	until, cooling := m.cooldown[domain]
	if !cooling {
		return true
	}
	if until.After(now) {
		return false
	}
	delete(m.cooldown, domain)
	return true
}

// nextCooldownLocked returns how long until the earliest cooldown for domain
// ends on an identity that has lease capacity.
func (p *Pool) nextCooldownLocked(domain string, now time.Time) (time.Duration, bool) {
	var earliest time.Time
	for _, m := range p.members {
		if m.leases >= p.cfg.MaxLeasesPerIdentity {
			continue
		}
		until, ok := m.cooldown[domain]
		if !ok {
			continue
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return earliest.Sub(now), true
}

func (p *Pool) recoverLocked(now time.Time) {
	for _, m := range p.members {
		elapsed := now.Sub(m.touched)
		m.touched = now
		if p.cfg.RecoveryPerSecond <= 0 || elapsed <= 0 || m.health >= 1 {
			continue
		}
		m.health = math.Min(1, m.health+p.cfg.RecoveryPerSecond*elapsed.Seconds())
	}
}

func (p *Pool) cooldownFor(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	d := float64(p.cfg.CooldownBase) * math.Pow(2, float64(streak-1))
	if d > float64(p.cfg.CooldownMax) {
		return p.cfg.CooldownMax
	}
	return time.Duration(d)
}

func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func weight(health float64) int {
	return int(health*100) + 1
}

func cloneIdentity(in crawler.Identity) crawler.Identity {
	out := in
	out.Headers = in.Headers.Clone()
	return out
}

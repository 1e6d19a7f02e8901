package crawler

import (
	"net"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Link scopes understood by LinkPolicy.
const (
	ScopeSameSite = "same_site"
	ScopeSameHost = "same_host"
	ScopeAny      = "any"
)

// LinkPolicyConfig configures which discovered links are followed.
type LinkPolicyConfig struct {
	Scope          string
	AllowedDomains []string
	BlockedDomains []string
}

// LinkPolicy filters discovered links by scheme, domain patterns, and scope
// relative to the seed hosts.
type LinkPolicy struct {
	scope   string
	allowed *domainPatterns
	blocked *domainPatterns

	mu    sync.RWMutex
	hosts map[string]struct{}
	sites map[string]struct{}
}

// NewLinkPolicy builds a policy. An empty scope defaults to same-site.
func NewLinkPolicy(cfg LinkPolicyConfig) *LinkPolicy {
	scope := strings.ToLower(strings.TrimSpace(cfg.Scope))
	if scope == "" {
		scope = ScopeSameSite
	}
	return &LinkPolicy{
		scope:   scope,
		allowed: newDomainPatterns(cfg.AllowedDomains),
		blocked: newDomainPatterns(cfg.BlockedDomains),
		hosts:   make(map[string]struct{}),
		sites:   make(map[string]struct{}),
	}
}

// AddSeed registers a seed URL whose host and site anchor the scope checks.
func (p *LinkPolicy) AddSeed(rawURL string) {
	host := Hostname(rawURL)
	if host == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hosts[host] = struct{}{}
	p.sites[RegisteredDomain(host)] = struct{}{}
}

// Allow reports whether rawURL should enter the frontier.
func (p *LinkPolicy) Allow(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || p.blocked.Match(host) {
		return false
	}
	if p.allowed != nil {
		return p.allowed.Match(host)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	switch p.scope {
	case ScopeAny:
		return true
	case ScopeSameHost:
		_, ok := p.hosts[host]
		return ok
	default:
		_, ok := p.sites[RegisteredDomain(host)]
		return ok
	}
}

// RegisteredDomain returns the eTLD+1 for host, or host itself when the
// public suffix list has no answer (IP addresses, single-label hosts).
func RegisteredDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}

package identity

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

// Spec describes how to assemble identities from configuration.
type Spec struct {
	// Proxies are proxy URLs; credentials may be embedded as user:pass@.
	Proxies []string
	// UserAgents defaults to DefaultUserAgents when empty.
	UserAgents []string
	// Headers are added to every identity's header set.
	Headers map[string]string
	// DirectCount is the number of proxy-less identities built when no
	// proxies are configured. Zero means one per user agent.
	DirectCount int
}

// Build assembles identities: one per proxy, or DirectCount direct ones, with
// user agents assigned round-robin and a fresh fingerprint seed each.
func Build(spec Spec, ids crawler.IDGenerator) ([]crawler.Identity, error) {
	agents := spec.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents()
	}
	type endpoint struct {
		proxy, user, pass string
	}
	var endpoints []endpoint
	for _, raw := range spec.Proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", redactProxy(raw))
		}
		switch parsed.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		}
		ep := endpoint{}
		if parsed.User != nil {
			ep.user = parsed.User.Username()
			ep.pass, _ = parsed.User.Password()
			parsed.User = nil
		}
		ep.proxy = parsed.String()
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		count := spec.DirectCount
		if count <= 0 {
			count = len(agents)
		}
		endpoints = make([]endpoint, count)
	}

	out := make([]crawler.Identity, 0, len(endpoints))
	for i, ep := range endpoints {
		seed, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("identity seed: %w", err)
		}
		ua := agents[i%len(agents)]
		headers := defaultHeaders()
		for k, v := range spec.Headers {
			headers.Set(k, v)
		}
		headers.Set("User-Agent", ua)
		out = append(out, crawler.Identity{
			ID:              fmt.Sprintf("id-%03d", i+1),
			ProxyURL:        ep.proxy,
			Username:        ep.user,
			Password:        ep.pass,
			Headers:         headers,
			UserAgent:       ua,
			FingerprintSeed: seed,
		})
	}
	return out, nil
}

func defaultHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	return h
}

// redactProxy strips credentials from a proxy URL for logs and status output.
func redactProxy(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	parsed.User = nil
	return parsed.String()
}

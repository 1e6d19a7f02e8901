package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialBackoff computes jittered retry delays of base * 2^attempt,
// capped at max. The returned delay falls in [d/2, d).
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    bool
}

// NewExponentialBackoff builds a backoff with the given bounds. Non-positive
// values fall back to 500ms and 30s.
func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < base {
		max = base
	}
	return &ExponentialBackoff{baseDelay: base, maxDelay: max, jitter: true}
}

// WithoutJitter returns a copy that always yields the full delay.
func (p *ExponentialBackoff) WithoutJitter() *ExponentialBackoff {
	clone := *p
	clone.jitter = false
	return &clone
}

// Backoff returns the wait duration before the given attempt (1-based).
func (p *ExponentialBackoff) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialBackoff) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

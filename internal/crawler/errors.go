package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrNoIdentityAvailable is returned when identity checkout times out.
	ErrNoIdentityAvailable = errors.New("no identity available")
	// ErrRateLimitTimeout is returned when a permit cannot be acquired in time.
	ErrRateLimitTimeout = errors.New("rate limit timeout")
	// ErrExtractionFailed marks content that cannot produce a document.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrWriteFailed is returned once a sink write exhausted its retries.
	ErrWriteFailed = errors.New("write failed")
	// ErrSinkUnavailable is the crawl-fatal error raised when the output
	// sink keeps dropping documents.
	ErrSinkUnavailable = errors.New("output sink unavailable")
	// ErrRobotsDisallowed marks URLs excluded by robots.txt.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
)

// FetchErrorKind is the taxonomy bucket of a failed fetch.
type FetchErrorKind int

// Fetch error kinds.
const (
	// FetchTransient covers timeouts, resets, and retryable status codes.
	FetchTransient FetchErrorKind = iota
	// FetchBlocked covers 403, 429, and CAPTCHA interstitials.
	FetchBlocked
	// FetchPermanent covers 404-style statuses and disallowed schemes.
	FetchPermanent
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchBlocked:
		return "blocked"
	case FetchPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// FetchError is the typed error returned by Fetcher implementations.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" fetch error")
	if e.URL != "" {
		b.WriteString(" for ")
		b.WriteString(e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a transient fetch failure.
func NewTransientError(rawURL string, status int, err error) *FetchError {
	return &FetchError{Kind: FetchTransient, StatusCode: status, URL: rawURL, Err: err}
}

// NewBlockedError wraps err as a blocked fetch.
func NewBlockedError(rawURL string, status int, err error) *FetchError {
	return &FetchError{Kind: FetchBlocked, StatusCode: status, URL: rawURL, Err: err}
}

// NewPermanentError wraps err as a permanent fetch failure.
func NewPermanentError(rawURL string, status int, err error) *FetchError {
	return &FetchError{Kind: FetchPermanent, StatusCode: status, URL: rawURL, Err: err}
}

// IsKind reports whether err carries a FetchError of the given kind.
func IsKind(err error, kind FetchErrorKind) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

var captchaMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"cf-challenge",
	"challenge-platform",
	"are you a robot",
	"verify you are human",
	"unusual traffic from your computer",
	"px-captcha",
}

// LooksLikeCaptcha reports whether a body carries a known bot-check marker.
// Only the first 64KiB are inspected.
func LooksLikeCaptcha(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if len(body) > 64<<10 {
		body = body[:64<<10]
	}
	lower := strings.ToLower(string(body))
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ClassifyStatus maps a completed response onto the error taxonomy. A nil
// return means the response is usable.
func ClassifyStatus(rawURL string, status int, body []byte) error {
	switch {
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return NewBlockedError(rawURL, status, nil)
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status >= 500:
		return NewTransientError(rawURL, status, nil)
	case status >= 400:
		return NewPermanentError(rawURL, status, nil)
	case status >= 300:
		return NewPermanentError(rawURL, status, errors.New("unresolved redirect"))
	case status >= 200:
		if LooksLikeCaptcha(body) {
			return NewBlockedError(rawURL, status, errors.New("captcha signature"))
		}
		return nil
	default:
		return NewTransientError(rawURL, status, errors.New("malformed response"))
	}
}

// ClassifyTransportError maps a transport-level error onto the taxonomy.
// Errors that already carry a FetchError are returned unchanged.
func ClassifyTransportError(rawURL string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return NewPermanentError(rawURL, 0, err)
	}
	return NewTransientError(rawURL, 0, err)
}

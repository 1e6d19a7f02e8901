package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves a URL under a given identity. Implementations never retry
// internally and report failures as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// HeadlessDetector decides whether a probe response needs a JS render.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResult) bool
}

// Extractor turns a fetch result into a clean document.
type Extractor interface {
	Extract(result FetchResult) (ExtractedDocument, error)
}

// DedupCache records content fingerprints that were already emitted.
type DedupCache interface {
	CheckAndRecord(ctx context.Context, fingerprint, url string) (Verdict, error)
	Forget(ctx context.Context, fingerprint string) error
	Lookup(ctx context.Context, fingerprint string) (FingerprintEntry, bool, error)
}

// Sink persists finished documents. Writes are append-only.
type Sink interface {
	Write(ctx context.Context, doc ExtractedDocument) error
	Close(ctx context.Context) error
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Fingerprinter digests clean text into a stable content fingerprint.
type Fingerprinter interface {
	Fingerprint(text string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

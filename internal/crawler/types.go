package crawler

import (
	"net/http"
	"time"
)

// TaskState represents the lifecycle state of a URLTask.
type TaskState string

// Task states tracked by the frontier. A failed task waits out its retry
// backoff and then becomes pending again.
const (
	TaskPending   TaskState = "pending"
	TaskInFlight  TaskState = "in_flight"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskAbandoned TaskState = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskAbandoned
}

// URLTask is a unit of crawl work keyed by its normalized URL.
type URLTask struct {
	URL            string    `json:"url"`
	Depth          int       `json:"depth"`
	Priority       float64   `json:"priority"`
	DiscoveredFrom string    `json:"discovered_from,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	State          TaskState `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	VisibleAt      time.Time `json:"visible_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Seed is an initial URL supplied at crawl start. Zero overrides fall back to
// the configured defaults.
type Seed struct {
	URL      string   `json:"url" mapstructure:"url"`
	Priority *float64 `json:"priority,omitempty" mapstructure:"priority"`
	Depth    *int     `json:"depth,omitempty" mapstructure:"depth"`
}

// Identity bundles the network-presentation attributes used for one fetch.
type Identity struct {
	ID              string
	ProxyURL        string
	Username        string
	Password        string
	Headers         http.Header
	UserAgent       string
	FingerprintSeed string
}

// Direct reports whether the identity fetches without a proxy.
func (i Identity) Direct() bool {
	return i.ProxyURL == ""
}

// FetchRequest captures everything a Fetcher needs for one attempt.
type FetchRequest struct {
	URL      string
	Depth    int
	Identity Identity
	Timeout  time.Duration
}

// FetchResult is the transient output of a fetch attempt.
type FetchResult struct {
	Task         URLTask
	StatusCode   int
	Body         []byte
	Headers      http.Header
	FinalURL     string
	Latency      time.Duration
	UsedHeadless bool
	Err          error
}

// ExtractedDocument is the clean-text artifact handed to output sinks.
type ExtractedDocument struct {
	SourceURL            string    `json:"source_url"`
	FinalURL             string    `json:"final_url"`
	Depth                int       `json:"depth"`
	Title                string    `json:"title"`
	CleanText            string    `json:"clean_text"`
	ExtractedLinks       []string  `json:"extracted_links"`
	ContentFingerprint   string    `json:"content_fingerprint"`
	ExtractionConfidence float64   `json:"extraction_confidence"`
	FetchedAt            time.Time `json:"fetched_at"`
}

// DomainBudget is a point-in-time view of one domain's rate budget.
type DomainBudget struct {
	Domain             string  `json:"domain"`
	TokensAvailable    float64 `json:"tokens_available"`
	RefillRate         float64 `json:"refill_rate"`
	Burst              int     `json:"burst"`
	ConcurrentInflight int     `json:"concurrent_inflight"`
	MaxConcurrent      int     `json:"max_concurrent"`
}

// FingerprintEntry records the first emission of a piece of content.
type FingerprintEntry struct {
	Fingerprint  string `json:"fingerprint"`
	FirstSeenURL string `json:"first_seen_url"`
	SeenCount    int64  `json:"seen_count"`
}

// Verdict is the result of a dedup check.
type Verdict int

// Dedup verdicts.
const (
	VerdictNew Verdict = iota
	VerdictDuplicate
)

func (v Verdict) String() string {
	if v == VerdictDuplicate {
		return "duplicate"
	}
	return "new"
}

// Outcome classifies how a fetch attempt went for identity and budget
// bookkeeping.
type Outcome int

// Release outcomes.
const (
	OutcomeNeutral Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "neutral"
	}
}

// Resolution is the discrete event that drives a task's state machine once a
// worker is done with it.
type Resolution int

// Task resolutions.
const (
	ResolveSucceeded Resolution = iota
	ResolveRetry
	ResolveRequeue
	ResolveAbandon
)

func (r Resolution) String() string {
	switch r {
	case ResolveSucceeded:
		return "succeeded"
	case ResolveRetry:
		return "retry"
	case ResolveRequeue:
		return "requeue"
	default:
		return "abandon"
	}
}

// TaskOutcome pairs a resolution with the reason reported for it.
type TaskOutcome struct {
	Resolution Resolution
	Reason     string
}

package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes what an Event reports.
type Kind string

// Supported event kinds.
const (
	KindCrawlStart          Kind = "CRAWL_START"
	KindTaskEnqueued        Kind = "TASK_ENQUEUED"
	KindTaskSucceeded       Kind = "TASK_SUCCEEDED"
	KindTaskRetry           Kind = "TASK_RETRY"
	KindTaskRequeued        Kind = "TASK_REQUEUED"
	KindTaskAbandoned       Kind = "TASK_ABANDONED"
	KindFetchDone           Kind = "FETCH_DONE"
	KindIdentityRotated     Kind = "IDENTITY_ROTATED"
	KindIdentityCooldown    Kind = "IDENTITY_COOLDOWN"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindExtractionFailed    Kind = "EXTRACTION_FAILED"
	KindDuplicateSuppressed Kind = "DUPLICATE_SUPPRESSED"
	KindDocumentWritten     Kind = "DOCUMENT_WRITTEN"
	KindWriteFailed         Kind = "WRITE_FAILED"
	KindWorkerPanic         Kind = "WORKER_PANIC"
	KindCrawlComplete       Kind = "CRAWL_COMPLETE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single crawl occurrence.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form. The hub
	// stamps its configured run when left empty.
	RunID [16]byte
	// TS is the UTC timestamp; the hub stamps it when left zero.
	TS   time.Time
	Kind Kind
	// Domain scopes task, identity, and budget events to a host.
	Domain string
	// URL is the task URL; it should not contain credentials.
	URL string
	// Identity is the identity ID involved, if any.
	Identity    string
	Attempt     int
	StatusClass StatusClass
	Bytes       int64
	// Dur is fetch latency, cooldown length, or crawl wall time depending on Kind.
	Dur time.Duration
	// Reason carries low-volume context such as an error string.
	Reason string
}

var domainScoped = map[Kind]bool{
	KindFetchDone:        true,
	KindIdentityRotated:  true,
	KindIdentityCooldown: true,
	KindRateLimited:      true,
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCrawlStart, KindTaskEnqueued, KindTaskSucceeded, KindTaskRetry, KindTaskRequeued,
		KindTaskAbandoned, KindFetchDone, KindIdentityRotated, KindIdentityCooldown, KindRateLimited,
		KindExtractionFailed, KindDuplicateSuppressed, KindDocumentWritten, KindWriteFailed,
		KindWorkerPanic, KindCrawlComplete:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if domainScoped[e.Kind] && e.Domain == "" {
		return fmt.Errorf("%s requires domain", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

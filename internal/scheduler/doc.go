// Package scheduler runs a crawl: a fixed pool of workers pulls tasks from the
// frontier, acquires a rate-limit permit and an identity, fetches, extracts,
// deduplicates, and writes documents, then drives each task's state machine
// with a discrete outcome.
//
// A crawl ends when the frontier is drained with nothing in flight, when the
// caller cancels (in-flight work gets a grace period), or when the output sink
// keeps dropping documents.
package scheduler

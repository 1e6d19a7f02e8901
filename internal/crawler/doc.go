// Package crawler defines the domain types, error taxonomy, and collaborator
// interfaces shared by the frontier, identity pool, rate limiter, scheduler,
// extraction pipeline, and sinks. It also hosts the URL normalization, link
// following, retry backoff, and robots.txt policies those subsystems share.
package crawler

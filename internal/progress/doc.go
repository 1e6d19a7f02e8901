// Package progress provides the crawl event primitives, the non-blocking hub,
// and the emitter interface that the frontier, identity pool, rate limiter,
// and scheduler use to report what happened. Events are batched on a
// background goroutine and fanned out to pluggable sinks such as structured
// logs or Prometheus metrics.
package progress

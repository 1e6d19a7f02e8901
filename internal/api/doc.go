// Package api hosts the operator HTTP surface for a running crawl. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for live scheduler counters.
//   - GET /v1/identities for identity health and cooldowns.
//   - GET /v1/budgets and /v1/budgets/{domain} for per-domain rate budgets.
package api

// Package api hosts the read-only operator HTTP surface for a running crawl.
// Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/hosts and /v1/hosts/{host} for per-host throttle state.
//   - GET /v1/clusters for problem clusters in the current window.
//   - GET /v1/queue for pending and leased request counts.
//   - GET /v1/workers for per-worker loop state.
package api

// Package api hosts the HTTP server, middleware, and REST handlers for
// operators and client apps. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/owners to onboard an owner and queue the first run.
//   - POST /v1/owners/{owner_id}/pipeline and /pipeline/reset to trigger or
//     restart a run.
//   - GET /v1/owners/{owner_id}/progress and /ledgers for progress polling.
package api
